// Package plan discovers the listing frontier and builds the immutable crawl
// plan for a session.
package plan

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/hash/sha256"
)

// Anomaly codes raised while building or validating a plan.
const (
	AnomalyDuplicatePlan   = "duplicate_plan"
	AnomalyCursorBeyond    = "cursor_beyond_frontier"
	AnomalyPageOrder       = "page_order"
	AnomalyPageRepeated    = "page_repeated"
	AnomalyInvalidGeometry = "invalid_geometry"
)

// Config tunes plan shape.
type Config struct {
	TargetPageSize uint32
	BatchPages     int
	RefreshPages   int
}

// Builder produces exactly one plan. A second Build call fails fast.
type Builder struct {
	cfg    Config
	ids    crawler.IDGenerator
	hasher crawler.Hasher
	built  atomic.Bool
}

// NewBuilder wires a Builder.
func NewBuilder(cfg Config, ids crawler.IDGenerator, hasher crawler.Hasher) *Builder {
	if cfg.BatchPages <= 0 {
		cfg.BatchPages = 10
	}
	return &Builder{cfg: cfg, ids: ids, hasher: hasher}
}

// Build computes the delta between the frontier and the cursor (the highest
// slot already persisted) and lays it out as descending phases and batches.
func (b *Builder) Build(frontier crawler.Frontier, cursor *crawler.Slot) (crawler.CrawlPlan, error) {
	if !b.built.CompareAndSwap(false, true) {
		return crawler.CrawlPlan{}, &crawler.PlanAnomalyError{Code: AnomalyDuplicatePlan, Err: crawler.ErrPlanAlreadyBuilt}
	}
	plan := crawler.CrawlPlan{
		Frontier:       frontier,
		Cursor:         cursor,
		TargetPageSize: b.cfg.TargetPageSize,
	}
	if frontier.TotalPages > 0 {
		phases, err := b.layout(frontier, cursor)
		if err != nil {
			return crawler.CrawlPlan{}, err
		}
		plan.Phases = phases
	}
	if err := Validate(plan); err != nil {
		return crawler.CrawlPlan{}, err
	}
	planHash, err := Hash(b.hasher, plan)
	if err != nil {
		return crawler.CrawlPlan{}, err
	}
	planID, err := b.ids.NewID()
	if err != nil {
		return crawler.CrawlPlan{}, fmt.Errorf("plan id: %w", err)
	}
	plan.PlanID = planID
	plan.PlanHash = planHash
	return plan, nil
}

func (b *Builder) layout(frontier crawler.Frontier, cursor *crawler.Slot) ([]crawler.PlanPhase, error) {
	mapper, err := coordinate.NewMapper(coordinate.GeometryFromFrontier(frontier, b.cfg.TargetPageSize))
	if err != nil {
		return nil, &crawler.PlanAnomalyError{Code: AnomalyInvalidGeometry, Detail: err.Error()}
	}
	newItems := mapper.TotalProducts()
	if cursor != nil {
		known := mapper.TotalIndex(*cursor)
		if known >= newItems {
			return nil, &crawler.PlanAnomalyError{
				Code:   AnomalyCursorBeyond,
				Detail: fmt.Sprintf("cursor %s beyond listing of %d items", coordinate.Identity(*cursor), newItems),
			}
		}
		newItems = newItems - 1 - known
	}
	ipp := uint64(frontier.ItemsPerPage)
	deltaPages := uint32((newItems + ipp - 1) / ipp)

	var phases []crawler.PlanPhase
	if deltaPages > 0 {
		phases = append(phases, b.phase(len(phases), crawler.PhaseDelta, frontier, 1, deltaPages))
	}
	if cursor != nil && b.cfg.RefreshPages > 0 && deltaPages < frontier.TotalPages {
		last := deltaPages + uint32(b.cfg.RefreshPages)
		if last > frontier.TotalPages {
			last = frontier.TotalPages
		}
		phases = append(phases, b.phase(len(phases), crawler.PhaseRefresh, frontier, deltaPages+1, last))
	}
	return phases, nil
}

func (b *Builder) phase(index int, kind crawler.PhaseKind, frontier crawler.Frontier, first, last uint32) crawler.PlanPhase {
	ph := crawler.PlanPhase{
		Index:         index,
		Kind:          kind,
		ExpectedStage: crawler.StageListCollection,
	}
	for page := first; page <= last; page++ {
		ph.Pages = append(ph.Pages, crawler.PlannedPage{
			Source:        page,
			Ordinal:       frontier.TotalPages - page + 1,
			ExpectedItems: frontier.ItemsOnPage(page),
			Final:         page == frontier.TotalPages,
		})
	}
	for start := 0; start < len(ph.Pages); start += b.cfg.BatchPages {
		end := start + b.cfg.BatchPages
		if end > len(ph.Pages) {
			end = len(ph.Pages)
		}
		chunk := make([]uint32, 0, end-start)
		for _, p := range ph.Pages[start:end] {
			chunk = append(chunk, p.Source)
		}
		ph.Batches = append(ph.Batches, chunk)
	}
	return ph
}

// Hash digests the plan content. Plan and session IDs are excluded so equal
// inputs hash equally across sessions.
func Hash(h crawler.Hasher, plan crawler.CrawlPlan) (string, error) {
	digest, err := sha256.HashJSON(h, plan)
	if err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	return digest, nil
}

// Validate checks the structural invariants of a plan: each phase is
// strictly descending newest to oldest and no page appears twice.
func Validate(plan crawler.CrawlPlan) error {
	seen := make(map[uint32]int)
	for _, ph := range plan.Phases {
		for i, page := range ph.Pages {
			if i > 0 && page.Ordinal >= ph.Pages[i-1].Ordinal {
				return &crawler.PlanAnomalyError{
					Code:   AnomalyPageOrder,
					Detail: fmt.Sprintf("phase %d: page %d after page %d", ph.Index, page.Source, ph.Pages[i-1].Source),
				}
			}
			if prev, ok := seen[page.Source]; ok {
				return &crawler.PlanAnomalyError{
					Code:   AnomalyPageRepeated,
					Detail: fmt.Sprintf("page %d in phases %d and %d", page.Source, prev, ph.Index),
				}
			}
			seen[page.Source] = ph.Index
		}
	}
	return nil
}

// IsAnomaly reports whether err carries the given anomaly code.
func IsAnomaly(err error, code string) bool {
	var anomaly *crawler.PlanAnomalyError
	return errors.As(err, &anomaly) && anomaly.Code == code
}

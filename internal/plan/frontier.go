package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// ProberConfig controls frontier discovery.
type ProberConfig struct {
	// ListURL renders the URL of a 1-based listing page.
	ListURL func(page uint32) string
	// ItemsPerPage pins the page size; zero means "take it from page 1".
	ItemsPerPage uint32
	// MaxPages bounds the search.
	MaxPages uint32
}

// Prober finds the last non-empty listing page. Emptiness is decided by the
// ParseProvider's strict matching alone, so a page whose chrome happens to
// contain generic item markup still counts as empty.
type Prober struct {
	fetch  crawler.FetchProvider
	parse  crawler.ParseProvider
	clock  crawler.Clock
	cfg    ProberConfig
	logger *zap.Logger
}

// NewProber wires a Prober.
func NewProber(fetch crawler.FetchProvider, parse crawler.ParseProvider, clock crawler.Clock, cfg ProberConfig, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 100_000
	}
	return &Prober{fetch: fetch, parse: parse, clock: clock, cfg: cfg, logger: logger.Named("frontier")}
}

// URLTemplate turns a printf-style template with a single %d into a ListURL func.
func URLTemplate(tmpl string) func(uint32) string {
	return func(page uint32) string {
		if !strings.Contains(tmpl, "%d") {
			return tmpl
		}
		return fmt.Sprintf(tmpl, page)
	}
}

// Discover probes the listing and returns its frontier.
func (p *Prober) Discover(ctx context.Context) (crawler.Frontier, error) {
	counts := make(map[uint32]uint32)
	count := func(page uint32) (uint32, error) {
		if n, ok := counts[page]; ok {
			return n, nil
		}
		n, err := p.count(ctx, page)
		if err != nil {
			return 0, err
		}
		counts[page] = n
		return n, nil
	}

	first, err := count(1)
	if err != nil {
		return crawler.Frontier{}, err
	}
	now := p.now()
	if first == 0 {
		p.logger.Warn("listing is empty")
		return crawler.Frontier{CapturedAt: now}, nil
	}
	ipp := p.cfg.ItemsPerPage
	if ipp == 0 {
		ipp = first
	}
	if first > ipp {
		return crawler.Frontier{}, &crawler.PlanAnomalyError{
			Code:   AnomalyInvalidGeometry,
			Detail: fmt.Sprintf("page 1 lists %d items, more than the configured %d", first, ipp),
		}
	}
	frontier := func(last, items uint32) crawler.Frontier {
		p.logger.Info("frontier discovered",
			zap.Uint32("total_pages", last),
			zap.Uint32("items_per_page", ipp),
			zap.Uint32("items_on_last_page", items),
			zap.Int("probes", len(counts)),
		)
		return crawler.Frontier{TotalPages: last, ItemsPerPage: ipp, ItemsOnLastPage: items, CapturedAt: now}
	}
	if first < ipp {
		return frontier(1, first), nil
	}

	// Gallop until an empty or short page brackets the end.
	lo, hi := uint32(1), uint32(2)
	for {
		if hi > p.cfg.MaxPages {
			hi = p.cfg.MaxPages + 1
			break
		}
		n, err := count(hi)
		if err != nil {
			return crawler.Frontier{}, err
		}
		if n == 0 {
			break
		}
		if n < ipp {
			return frontier(hi, n), nil
		}
		lo, hi = hi, hi*2
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		n, err := count(mid)
		if err != nil {
			return crawler.Frontier{}, err
		}
		switch {
		case n == 0:
			hi = mid
		case n < ipp:
			return frontier(mid, n), nil
		default:
			lo = mid
		}
	}
	return frontier(lo, counts[lo]), nil
}

func (p *Prober) count(ctx context.Context, page uint32) (uint32, error) {
	url := p.cfg.ListURL(page)
	raw, err := p.fetch.Fetch(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("probe page %d: %w", page, err)
	}
	refs, err := p.parse.ParseList(raw)
	if err != nil {
		return 0, fmt.Errorf("probe page %d: %w", page, err)
	}
	p.logger.Debug("probed listing page", zap.Uint32("page", page), zap.Int("items", len(refs)))
	return uint32(len(refs)), nil
}

func (p *Prober) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

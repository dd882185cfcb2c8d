package crawler

import (
	"time"
)

// StageType names one of the three sequential stages inside a batch.
type StageType string

// Supported stage types, in execution order.
const (
	StageListCollection   StageType = "list_collection"
	StageDetailCollection StageType = "detail_collection"
	StagePersistence      StageType = "persistence"
)

// Stages lists the stage types in the order a batch runs them.
var Stages = []StageType{StageListCollection, StageDetailCollection, StagePersistence}

// Slot is the stable destination coordinate of a record.
type Slot struct {
	PageID      uint32 `json:"page_id"`
	IndexInPage uint32 `json:"index_in_page"`
}

// RecordIdentity is the canonical string identity derived from a Slot.
type RecordIdentity string

// Frontier is the snapshot of the live listing taken once per session.
type Frontier struct {
	TotalPages      uint32    `json:"total_pages"`
	ItemsPerPage    uint32    `json:"items_per_page"`
	ItemsOnLastPage uint32    `json:"items_on_last_page"`
	CapturedAt      time.Time `json:"-"`
}

// TotalProducts returns the number of listed items implied by the frontier.
func (f Frontier) TotalProducts() uint64 {
	if f.TotalPages == 0 {
		return 0
	}
	return uint64(f.TotalPages-1)*uint64(f.ItemsPerPage) + uint64(f.ItemsOnLastPage)
}

// ItemsOnPage returns the expected item count for a source page.
func (f Frontier) ItemsOnPage(page uint32) uint32 {
	switch {
	case page == 0 || page > f.TotalPages:
		return 0
	case page == f.TotalPages:
		return f.ItemsOnLastPage
	default:
		return f.ItemsPerPage
	}
}

// PhaseKind distinguishes the logical passes a plan may contain.
type PhaseKind string

// Supported phase kinds.
const (
	PhaseDelta   PhaseKind = "delta"
	PhaseRefresh PhaseKind = "refresh"
)

// PlannedPage is one source listing page scheduled by a plan.
type PlannedPage struct {
	// Source is the 1-based listing page number; page 1 holds the newest items.
	Source uint32 `json:"source"`
	// Ordinal is the physical position counted from the oldest page.
	Ordinal uint32 `json:"ordinal"`
	// ExpectedItems is the item count the frontier predicts for the page.
	ExpectedItems uint32 `json:"expected_items"`
	// Final marks the oldest physical page, the only one allowed to be short.
	Final bool `json:"final"`
}

// PlanPhase is one logical pass over a descending run of pages.
type PlanPhase struct {
	Index         int           `json:"index"`
	Kind          PhaseKind     `json:"kind"`
	ExpectedStage StageType     `json:"expected_stage"`
	Pages         []PlannedPage `json:"pages"`
	Batches       [][]uint32    `json:"batches"`
}

// CrawlPlan is the immutable description of the work a session performs.
type CrawlPlan struct {
	PlanID         string      `json:"-"`
	PlanHash       string      `json:"-"`
	Frontier       Frontier    `json:"frontier"`
	Cursor         *Slot       `json:"cursor"`
	TargetPageSize uint32      `json:"target_page_size"`
	Phases         []PlanPhase `json:"phases"`
}

// ListPhaseCount returns the number of list-collection phases in the plan.
func (p CrawlPlan) ListPhaseCount() int {
	n := 0
	for _, ph := range p.Phases {
		if ph.ExpectedStage == StageListCollection {
			n++
		}
	}
	return n
}

// ExpectedPages returns the number of distinct pages scheduled by the plan.
func (p CrawlPlan) ExpectedPages() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Pages)
	}
	return n
}

// BatchStatus tracks a batch through its lifecycle.
type BatchStatus string

// Supported batch statuses.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Batch is a contiguous slice of one plan phase.
type Batch struct {
	ID         int           `json:"batch_id"`
	PhaseIndex int           `json:"phase_index"`
	Pages      []PlannedPage `json:"pages"`
	Status     BatchStatus   `json:"status"`
}

// PageNumbers returns the source page numbers of the batch in order.
func (b Batch) PageNumbers() []uint32 {
	out := make([]uint32, len(b.Pages))
	for i, p := range b.Pages {
		out[i] = p.Source
	}
	return out
}

// StageCounts aggregates task outcomes for one stage of one batch.
type StageCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Terminal returns the number of tasks that reached a terminal state.
func (c StageCounts) Terminal() int {
	return c.Succeeded + c.Failed
}

// BatchResult flows up the data channel once a batch finishes.
type BatchResult struct {
	Batch          Batch                     `json:"batch"`
	Stages         map[StageType]StageCounts `json:"stages"`
	PagesCompleted int                       `json:"pages_completed"`
	Anomalies      []string                  `json:"anomalies,omitempty"`
	Structural     bool                      `json:"structural"`
	Err            error                     `json:"-"`
}

// TaskContext identifies a single unit of work.
type TaskContext struct {
	TaskID       string    `json:"task_id"`
	BatchID      int       `json:"batch_id"`
	StageType    StageType `json:"stage_type"`
	WorkerID     string    `json:"worker_id"`
	RetryAttempt int       `json:"retry_attempt"`
}

// SessionSummary is emitted once when a session ends.
type SessionSummary struct {
	SessionID      string   `json:"session_id"`
	PlanID         string   `json:"plan_id"`
	CompletedPages int      `json:"completed_pages"`
	ExpectedPages  int      `json:"expected_pages"`
	FailedCount    int      `json:"failed_count"`
	MismatchFlags  []string `json:"mismatch_flags"`
}

// RawPage is the fetched content of a listing or detail page.
type RawPage struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// RawItemRef is one product reference found on a listing page.
type RawItemRef struct {
	IndexOnPage uint32
	URL         string
	SourceKey   string
}

// RecordFields are the extracted detail attributes of a certification.
type RecordFields struct {
	SourceKey string            `json:"source_key"`
	URL       string            `json:"url"`
	Values    map[string]string `json:"values"`
}

// Record is a record ready for persistence. Its identity is derived from
// Slot and cannot be set independently.
type Record struct {
	Slot        *Slot
	Fields      RecordFields
	ContentHash string
}

// StoredRecord is the raw persisted view of a record, used by audits.
type StoredRecord struct {
	Identity    *string
	PageID      *uint32
	IndexInPage *uint32
	SourceKey   string
	ContentHash string
	Fields      RecordFields
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertStatus reports what an upsert did.
type UpsertStatus string

// Supported upsert statuses.
const (
	UpsertInserted  UpsertStatus = "inserted"
	UpsertUpdated   UpsertStatus = "updated"
	UpsertUnchanged UpsertStatus = "unchanged"
)

// UpsertOutcome is returned by RecordStore.Upsert.
type UpsertOutcome struct {
	Status    UpsertStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConcurrencyLimits bounds each pool in the coordination hierarchy.
type ConcurrencyLimits struct {
	Batches        int
	ListWorkers    int
	DetailWorkers  int
	PersistWorkers int
}

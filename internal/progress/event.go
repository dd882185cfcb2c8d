package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Kind names an event in the schema.
type Kind string

// Supported event kinds.
const (
	KindPlanCreated        Kind = "plan_created"
	KindPlanHashAssigned   Kind = "plan_hash_assigned"
	KindSessionState       Kind = "session_state"
	KindStageStart         Kind = "stage_start"
	KindStageComplete      Kind = "stage_complete"
	KindBatchStart         Kind = "batch_start"
	KindBatchComplete      Kind = "batch_complete"
	KindBatchStageStart    Kind = "batch_stage_start"
	KindBatchStageComplete Kind = "batch_stage_complete"
	KindTaskLifecycle      Kind = "task_lifecycle"
	KindPartialPage        Kind = "partial_page_reincluded"
	KindAnomaly            Kind = "anomaly"
	KindSessionSummary     Kind = "session_summary"
)

// Critical reports whether the kind describes the plan or the session as a
// whole. The hub never drops these under backpressure.
func (k Kind) Critical() bool {
	switch k {
	case KindPlanCreated, KindPlanHashAssigned, KindSessionState,
		KindStageStart, KindStageComplete, KindAnomaly, KindSessionSummary:
		return true
	}
	return false
}

// Lifecycle is a task lifecycle transition.
type Lifecycle string

// Task lifecycle transitions. Started precedes zero or more Retrying and
// exactly one of Succeeded or Failed.
const (
	LifecycleStarted   Lifecycle = "Started"
	LifecycleRetrying  Lifecycle = "Retrying"
	LifecycleSucceeded Lifecycle = "Succeeded"
	LifecycleFailed    Lifecycle = "Failed"
)

// Terminal reports whether l ends a task.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleSucceeded || l == LifecycleFailed
}

// Anomaly labels carried by KindAnomaly events.
const (
	AnomalyRangeLoop    = "range_loop"
	AnomalyPartialPage  = "partial_page"
	AnomalyStageTimeout = "stage_timeout"
	AnomalySlotConflict = "slot_conflict"
)

// TaskLifecycle is the payload of a task_lifecycle event.
type TaskLifecycle struct {
	Context        crawler.TaskContext `json:"context"`
	Event          Lifecycle           `json:"event"`
	Target         string              `json:"target,omitempty"`
	DurationMs     int64               `json:"duration_ms,omitempty"`
	ItemsProcessed int                 `json:"items_processed,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	ErrorCode      string              `json:"error_code,omitempty"`
}

// Event is one record on the event channel. Field names are stable; fields
// irrelevant to a kind stay zero.
type Event struct {
	Kind           Kind                    `json:"kind"`
	TS             time.Time               `json:"ts"`
	SessionID      string                  `json:"session_id"`
	PlanID         string                  `json:"plan_id,omitempty"`
	PlanHash       string                  `json:"plan_hash,omitempty"`
	ListPhaseCount int                     `json:"list_phase_count"`
	PhaseIndex     int                     `json:"phase_index"`
	BatchID        int                     `json:"batch_id"`
	Pages          []uint32                `json:"pages,omitempty"`
	Page           uint32                  `json:"page,omitempty"`
	Status         string                  `json:"status,omitempty"`
	PagesCompleted int                     `json:"pages_completed"`
	StageType      crawler.StageType       `json:"stage_type,omitempty"`
	ItemsProcessed int                     `json:"items_processed"`
	Task           *TaskLifecycle          `json:"task,omitempty"`
	Anomaly        string                  `json:"anomaly,omitempty"`
	Note           string                  `json:"note,omitempty"`
	Summary        *crawler.SessionSummary `json:"summary,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindPlanCreated, KindPlanHashAssigned:
		if e.PlanID == "" {
			return fmt.Errorf("%s requires plan id", e.Kind)
		}
		if e.Kind == KindPlanHashAssigned && e.PlanHash == "" {
			return errors.New("plan_hash_assigned requires plan hash")
		}
	case KindSessionState:
		if e.Status == "" {
			return errors.New("session_state requires status")
		}
	case KindStageStart, KindStageComplete, KindBatchStageStart, KindBatchStageComplete:
		if e.StageType == "" {
			return fmt.Errorf("%s requires stage type", e.Kind)
		}
	case KindBatchStart, KindBatchComplete:
		if e.PlanID == "" {
			return fmt.Errorf("%s requires plan id", e.Kind)
		}
	case KindTaskLifecycle:
		if e.Task == nil {
			return errors.New("task_lifecycle requires task payload")
		}
		if e.Task.Context.TaskID == "" {
			return errors.New("task_lifecycle requires task id")
		}
		if e.Task.DurationMs < 0 {
			return errors.New("duration must be >= 0")
		}
	case KindPartialPage:
		if e.Page == 0 {
			return errors.New("partial_page_reincluded requires page")
		}
	case KindAnomaly:
		if e.Anomaly == "" {
			return errors.New("anomaly requires label")
		}
	case KindSessionSummary:
		if e.Summary == nil {
			return errors.New("session_summary requires summary")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

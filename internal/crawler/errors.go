package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrCancelled is returned at a checkpoint once cancellation was requested.
	ErrCancelled = errors.New("crawl cancelled")
	// ErrPlanAlreadyBuilt is returned when a builder is asked for a second plan.
	ErrPlanAlreadyBuilt = errors.New("plan already built for this session")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("not found")
	// ErrBlocked reports a fetch refused by the site's robots policy.
	ErrBlocked = errors.New("blocked by robots policy")
)

// Error codes reported in task lifecycle and summary events.
const (
	CodeFetch        = "fetch_error"
	CodeParse        = "parse_error"
	CodeSlotConflict = "slot_conflict"
	CodePlanAnomaly  = "plan_anomaly"
	CodeStore        = "store_error"
	CodeCancelled    = "cancelled"
	CodeUnknown      = "unknown"
)

// FetchError wraps a network or HTTP failure.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, ErrBlocked) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		var netErr net.Error
		if errors.As(e.Err, &netErr) {
			return netErr.Timeout()
		}
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ParseError reports content that did not match the expected structure.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// SlotConflictError reports a slot already occupied by a different record.
type SlotConflictError struct {
	Identity    RecordIdentity
	ExistingKey string
	IncomingKey string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %s holds %q, refusing %q", e.Identity, e.ExistingKey, e.IncomingKey)
}

// PlanAnomalyError reports a violated structural invariant.
type PlanAnomalyError struct {
	Code   string
	Detail string
	Err    error
}

func (e *PlanAnomalyError) Error() string {
	if e.Detail == "" {
		return "plan anomaly: " + e.Code
	}
	return fmt.Sprintf("plan anomaly %s: %s", e.Code, e.Detail)
}

func (e *PlanAnomalyError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorCode maps err onto a stable code string.
func ErrorCode(err error) string {
	var (
		fetchErr    *FetchError
		parseErr    *ParseError
		conflictErr *SlotConflictError
		anomalyErr  *PlanAnomalyError
		storeErr    *StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.As(err, &conflictErr):
		return CodeSlotConflict
	case errors.As(err, &anomalyErr):
		return CodePlanAnomaly
	case errors.As(err, &fetchErr):
		return CodeFetch
	case errors.As(err, &parseErr):
		return CodeParse
	case errors.As(err, &storeErr):
		return CodeStore
	default:
		return CodeUnknown
	}
}

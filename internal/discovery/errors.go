package discovery

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("discovery run not found")

// ErrRunTerminal is returned when an operation targets a run that has
// already reached a terminal state.
var ErrRunTerminal = errors.New("discovery run already terminal")

// ErrRunNotPending is returned when Execute is handed a run another
// executor already started. Joined in-flight runs are tracked, never
// re-executed.
var ErrRunNotPending = errors.New("discovery run not pending")

// PartialEnumerationError records one enumeration sub-source failing.
// It is non-fatal: the failure is surfaced in run metadata while the
// remaining sub-sources continue.
type PartialEnumerationError struct {
	Source string
	Err    error
}

func (e *PartialEnumerationError) Error() string {
	return fmt.Sprintf("enumeration source %s failed: %v", e.Source, e.Err)
}

func (e *PartialEnumerationError) Unwrap() error { return e.Err }

// TimeoutError marks an outbound call exceeding its bounded timeout.
// It is handled exactly like a partial enumeration failure.
type TimeoutError struct {
	Source  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("enumeration source %s timed out after %s", e.Source, e.Timeout)
}

// DataConsistencyError records an upsert constraint violation from a
// write race. The losing writer re-reads and merges once; the error is
// never silently dropped.
type DataConsistencyError struct {
	Entity string
	Key    string
	Err    error
}

func (e *DataConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s (%s): %v", e.Entity, e.Key, e.Err)
}

func (e *DataConsistencyError) Unwrap() error { return e.Err }

// InsufficientBaselineDataError signals that anomaly scoring is
// unavailable for a user, explicitly, instead of a false "normal".
type InsufficientBaselineDataError struct {
	UserID string
	Err    error
}

func (e *InsufficientBaselineDataError) Error() string {
	return fmt.Sprintf("anomaly scoring unavailable for user %s: insufficient baseline data", e.UserID)
}

func (e *InsufficientBaselineDataError) Unwrap() error { return e.Err }

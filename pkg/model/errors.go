package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned by conditional writes when the stored version no
// longer matches the version that was read.
var ErrConflict = errors.New("concurrent modification")

// NotFoundError reports a missing node.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("node %q not found", e.ID)
}

// TemporalOrderError reports a timestamp that violates containment: a child
// starting before its parent, or a node finishing before it started.
type TemporalOrderError struct {
	Field string
	Value time.Time
	Bound time.Time
}

func (e *TemporalOrderError) Error() string {
	return fmt.Sprintf("%s %s is earlier than %s",
		e.Field,
		e.Value.UTC().Format(time.RFC3339Nano),
		e.Bound.UTC().Format(time.RFC3339Nano),
	)
}

// AlreadyFinishedError reports an operation on a node that is no longer
// in progress.
type AlreadyFinishedError struct {
	ID     string
	Status Status
}

func (e *AlreadyFinishedError) Error() string {
	return fmt.Sprintf("node %q is already finished with status %s", e.ID, e.Status)
}

// AmbiguousStatusError reports a childless finish without a status.
type AmbiguousStatusError struct {
	ID string
}

func (e *AmbiguousStatusError) Error() string {
	return fmt.Sprintf(
		"no status provided and no descendants to derive it from for node %q", e.ID,
	)
}

// UnknownDefectTypeError reports a locator missing from the taxonomy.
type UnknownDefectTypeError struct {
	ProjectID string
	Locator   string
}

func (e *UnknownDefectTypeError) Error() string {
	return fmt.Sprintf("defect type %q is not defined for project %q", e.Locator, e.ProjectID)
}

// InvalidTargetError reports a node whose shape does not allow the
// requested operation.
type InvalidTargetError struct {
	ID     string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("node %q: %s", e.ID, e.Reason)
}

// StaleAggregateWarning signals that an ancestor's counters may lag behind
// its subtree. It is never returned as a hard failure.
type StaleAggregateWarning struct {
	NodeID   string
	Attempts int
	Cause    error
}

func (w *StaleAggregateWarning) Error() string {
	if w.Cause == nil {
		return fmt.Sprintf("aggregate of node %q is stale", w.NodeID)
	}

	return fmt.Sprintf("aggregate of node %q is stale after %d attempts: %v",
		w.NodeID, w.Attempts, w.Cause)
}

func (w *StaleAggregateWarning) Unwrap() error {
	return w.Cause
}

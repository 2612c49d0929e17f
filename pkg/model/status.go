package model

import (
	"fmt"
	"strings"
)

// Status is the execution state of a node. StatusInProgress is the only
// non-terminal value.
type Status string

// Node statuses.
const (
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusInterrupted Status = "INTERRUPTED"
)

// ParseStatus converts a string into a Status. The empty string parses to
// the empty Status, which callers treat as "not provided".
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return "", nil
	}

	switch st := Status(strings.ToUpper(s)); st {
	case StatusInProgress, StatusPassed, StatusFailed, StatusSkipped, StatusInterrupted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusInterrupted:
		return true
	case StatusInProgress:
		return false
	default:
		return false
	}
}

// Failing reports whether a leaf in this status may carry an issue.
func (s Status) Failing() bool {
	return s == StatusFailed || s == StatusSkipped
}

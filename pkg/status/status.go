// Package status resolves the final status of a node either from an
// explicit report or from the statuses of its children.
package status

import "github.com/ethpandaops/reportoor/pkg/model"

// severity orders terminal statuses; higher wins. An open child counts as
// interrupted because it never reported an outcome.
func severity(s model.Status) int {
	switch s {
	case model.StatusFailed:
		return 4
	case model.StatusInterrupted, model.StatusInProgress:
		return 3
	case model.StatusSkipped:
		return 2
	case model.StatusPassed:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of a and b.
func Worst(a, b model.Status) model.Status {
	if a == model.StatusInProgress {
		a = model.StatusInterrupted
	}

	if b == model.StatusInProgress {
		b = model.StatusInterrupted
	}

	if severity(b) > severity(a) {
		return b
	}

	return a
}

// FromChildren derives a status by worst-case severity. It returns PASSED
// only when every child passed.
func FromChildren(children []model.Status) model.Status {
	result := model.StatusPassed

	for _, c := range children {
		result = Worst(result, c)
	}

	return result
}

// Resolve returns the status a node finishes with.
//
// Nodes with children ignore explicit and derive from their children.
// Childless nodes take explicit verbatim; a missing or non-terminal
// explicit status yields an AmbiguousStatusError for nodeID.
func Resolve(
	nodeID string,
	hasChildren bool,
	explicit model.Status,
	children []model.Status,
) (model.Status, error) {
	if hasChildren {
		return FromChildren(children), nil
	}

	if !explicit.Terminal() {
		return "", &model.AmbiguousStatusError{ID: nodeID}
	}

	return explicit, nil
}

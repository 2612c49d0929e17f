package model

// Executions counts terminal outcomes.
type Executions struct {
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Interrupted int `json:"interrupted"`
}

// Total returns the number of counted outcomes.
func (e Executions) Total() int {
	return e.Passed + e.Failed + e.Skipped + e.Interrupted
}

// Statistics are the rolled-up counters of a node.
type Statistics struct {
	Executions Executions `json:"executions"`
	// Defects maps a defect type locator to the number of classified leaves.
	Defects map[string]int `json:"defects,omitempty"`
}

// Add folds other into s.
func (s *Statistics) Add(other Statistics) {
	s.Executions.Passed += other.Executions.Passed
	s.Executions.Failed += other.Executions.Failed
	s.Executions.Skipped += other.Executions.Skipped
	s.Executions.Interrupted += other.Executions.Interrupted

	for locator, n := range other.Defects {
		if n == 0 {
			continue
		}

		if s.Defects == nil {
			s.Defects = make(map[string]int, len(other.Defects))
		}

		s.Defects[locator] += n
		if s.Defects[locator] == 0 {
			delete(s.Defects, locator)
		}
	}
}

// Equal compares the full counter maps. Zero-valued defect entries are
// treated as absent.
func (s Statistics) Equal(other Statistics) bool {
	if s.Executions != other.Executions {
		return false
	}

	for locator, n := range s.Defects {
		if other.Defects[locator] != n {
			return false
		}
	}

	for locator, n := range other.Defects {
		if s.Defects[locator] != n {
			return false
		}
	}

	return true
}

// Clone returns a deep copy.
func (s Statistics) Clone() Statistics {
	out := Statistics{Executions: s.Executions}

	if len(s.Defects) > 0 {
		out.Defects = make(map[string]int, len(s.Defects))
		for k, v := range s.Defects {
			out.Defects[k] = v
		}
	}

	return out
}

// SumStatistics sums the counters of the given nodes.
func SumStatistics(nodes []Node) Statistics {
	var sum Statistics

	for i := range nodes {
		sum.Add(nodes[i].Statistics)
	}

	return sum
}

// LeafStatistics returns the counters a childless node contributes from its
// own terminal outcome: one unit in its outcome bucket and one unit for its
// issue's defect type. Fixture leaves never contribute a passed unit and a
// launch without children contributes nothing.
func LeafStatistics(n *Node) Statistics {
	var s Statistics

	if n.Kind == KindRoot {
		return s
	}

	switch n.Status {
	case StatusPassed:
		if !n.Kind.IsFixture() {
			s.Executions.Passed = 1
		}
	case StatusFailed:
		s.Executions.Failed = 1
	case StatusSkipped:
		s.Executions.Skipped = 1
	case StatusInterrupted:
		s.Executions.Interrupted = 1
	case StatusInProgress:
		return s
	}

	if n.Issue != nil && n.Issue.DefectTypeLocator != "" {
		s.Defects = map[string]int{n.Issue.DefectTypeLocator: 1}
	}

	return s
}

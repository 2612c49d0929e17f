package model

import "time"

// Parameter is a key/value pair that distinguishes parametrized test runs.
type Parameter struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// Ticket references an issue in an external bug tracker.
type Ticket struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	SystemID string `json:"system_id,omitempty"`
}

// Issue is the defect classification of a failed or skipped leaf.
type Issue struct {
	DefectTypeLocator   string   `json:"defect_type_locator"`
	Comment             string   `json:"comment,omitempty"`
	AutoClassified      bool     `json:"auto_classified"`
	IgnoredByClassifier bool     `json:"ignored_by_classifier"`
	Tickets             []Ticket `json:"tickets,omitempty"`
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}

	out := *i
	if len(i.Tickets) > 0 {
		out.Tickets = append([]Ticket(nil), i.Tickets...)
	}

	return &out
}

// Node is one entry in the test-execution tree. A launch is a ROOT node;
// suites, tests, steps and fixtures hang below it.
type Node struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	LaunchID  string `json:"launch_id"`
	ProjectID string `json:"project_id"`

	// Path holds the ancestor ids from the root down to the parent,
	// separated by dots. Empty for roots.
	Path string `json:"-"`

	Kind        Kind        `json:"kind"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     Status     `json:"status"`

	HasChildren bool   `json:"has_children"`
	Fingerprint string `json:"fingerprint,omitempty"`
	RetryOf     string `json:"retry_of,omitempty"`

	Statistics Statistics `json:"statistics"`
	Issue      *Issue     `json:"issue,omitempty"`

	// Version is bumped on every write and guards conditional updates.
	Version int64 `json:"version"`
}

// IsRoot reports whether the node is a launch.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// ChildPath returns the Path value for children of n.
func (n *Node) ChildPath() string {
	if n.Path == "" {
		return n.ID
	}

	return n.Path + "." + n.ID
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Statistics = n.Statistics.Clone()
	out.Issue = n.Issue.Clone()

	if n.Parameters != nil {
		out.Parameters = append([]Parameter(nil), n.Parameters...)
	}

	if n.FinishedAt != nil {
		t := *n.FinishedAt
		out.FinishedAt = &t
	}

	return &out
}

package hierarchy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/model"
)

// nodeRow is the persisted form of a model.Node.
type nodeRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	ParentID  string `gorm:"index;size:64"`
	LaunchID  string `gorm:"index;not null;size:64"`
	ProjectID string `gorm:"index;not null"`
	Path      string `gorm:"index;type:text"`

	Kind           string `gorm:"not null"`
	Name           string `gorm:"not null"`
	Description    string `gorm:"type:text"`
	ParametersJSON string `gorm:"type:text"`

	StartedAt  time.Time `gorm:"index;not null"`
	FinishedAt *time.Time
	Status     string `gorm:"index;not null"`

	HasChildren bool
	Fingerprint string `gorm:"index"`
	RetryOf     string

	// Denormalized execution counters.
	Passed      int
	Failed      int
	Skipped     int
	Interrupted int

	// Per-locator defect counters serialized as JSON.
	DefectsJSON string `gorm:"type:text"`

	HasIssue                 bool
	IssueLocator             string
	IssueComment             string `gorm:"type:text"`
	IssueAutoClassified      bool
	IssueIgnoredByClassifier bool
	IssueTicketsJSON         string `gorm:"type:text"`

	Version int64 `gorm:"not null;default:0"`
}

func (nodeRow) TableName() string {
	return "nodes"
}

func toRow(n *model.Node) (*nodeRow, error) {
	row := &nodeRow{
		ID:          n.ID,
		ParentID:    n.ParentID,
		LaunchID:    n.LaunchID,
		ProjectID:   n.ProjectID,
		Path:        n.Path,
		Kind:        string(n.Kind),
		Name:        n.Name,
		Description: n.Description,
		StartedAt:   n.StartedAt.UTC(),
		Status:      string(n.Status),
		HasChildren: n.HasChildren,
		Fingerprint: n.Fingerprint,
		RetryOf:     n.RetryOf,
		Passed:      n.Statistics.Executions.Passed,
		Failed:      n.Statistics.Executions.Failed,
		Skipped:     n.Statistics.Executions.Skipped,
		Interrupted: n.Statistics.Executions.Interrupted,
		Version:     n.Version,
	}

	if n.FinishedAt != nil {
		t := n.FinishedAt.UTC()
		row.FinishedAt = &t
	}

	if len(n.Parameters) > 0 {
		b, err := json.Marshal(n.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters: %w", err)
		}

		row.ParametersJSON = string(b)
	}

	if len(n.Statistics.Defects) > 0 {
		b, err := json.Marshal(n.Statistics.Defects)
		if err != nil {
			return nil, fmt.Errorf("encoding defects: %w", err)
		}

		row.DefectsJSON = string(b)
	}

	if n.Issue != nil {
		row.HasIssue = true
		row.IssueLocator = n.Issue.DefectTypeLocator
		row.IssueComment = n.Issue.Comment
		row.IssueAutoClassified = n.Issue.AutoClassified
		row.IssueIgnoredByClassifier = n.Issue.IgnoredByClassifier

		if len(n.Issue.Tickets) > 0 {
			b, err := json.Marshal(n.Issue.Tickets)
			if err != nil {
				return nil, fmt.Errorf("encoding tickets: %w", err)
			}

			row.IssueTicketsJSON = string(b)
		}
	}

	return row, nil
}

func (r *nodeRow) toModel() (*model.Node, error) {
	n := &model.Node{
		ID:          r.ID,
		ParentID:    r.ParentID,
		LaunchID:    r.LaunchID,
		ProjectID:   r.ProjectID,
		Path:        r.Path,
		Kind:        model.Kind(r.Kind),
		Name:        r.Name,
		Description: r.Description,
		StartedAt:   r.StartedAt.UTC(),
		Status:      model.Status(r.Status),
		HasChildren: r.HasChildren,
		Fingerprint: r.Fingerprint,
		RetryOf:     r.RetryOf,
		Statistics: model.Statistics{
			Executions: model.Executions{
				Passed:      r.Passed,
				Failed:      r.Failed,
				Skipped:     r.Skipped,
				Interrupted: r.Interrupted,
			},
		},
		Version: r.Version,
	}

	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		n.FinishedAt = &t
	}

	if r.ParametersJSON != "" {
		if err := json.Unmarshal([]byte(r.ParametersJSON), &n.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters of %q: %w", r.ID, err)
		}
	}

	if r.DefectsJSON != "" {
		if err := json.Unmarshal([]byte(r.DefectsJSON), &n.Statistics.Defects); err != nil {
			return nil, fmt.Errorf("decoding defects of %q: %w", r.ID, err)
		}
	}

	if r.HasIssue {
		n.Issue = &model.Issue{
			DefectTypeLocator:   r.IssueLocator,
			Comment:             r.IssueComment,
			AutoClassified:      r.IssueAutoClassified,
			IgnoredByClassifier: r.IssueIgnoredByClassifier,
		}

		if r.IssueTicketsJSON != "" {
			if err := json.Unmarshal([]byte(r.IssueTicketsJSON), &n.Issue.Tickets); err != nil {
				return nil, fmt.Errorf("decoding tickets of %q: %w", r.ID, err)
			}
		}
	}

	return n, nil
}

func rowsToModels(rows []nodeRow) ([]model.Node, error) {
	out := make([]model.Node, 0, len(rows))

	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}

		out = append(out, *n)
	}

	return out, nil
}

package export

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{name: "sub-second", duration: 500 * time.Millisecond, expected: "500ms"},
		{name: "seconds only", duration: 45 * time.Second, expected: "45s"},
		{name: "minutes and seconds", duration: 10*time.Minute + 8*time.Second, expected: "10m 8s"},
		{name: "hours minutes seconds", duration: 2*time.Hour + 30*time.Minute + 15*time.Second, expected: "2h 30m 15s"},
		{name: "zero", duration: 0, expected: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func finishedAt(d time.Duration) *time.Time {
	t := t0.Add(d)

	return &t
}

func summarySnapshot() *Snapshot {
	leaf := func(id, name string, st model.Status, locator string) *TreeNode {
		tn := &TreeNode{Node: model.Node{ID: id, Kind: model.KindTest, Name: name, Status: st}}
		if locator != "" {
			tn.Issue = &model.Issue{DefectTypeLocator: locator}
		}

		return tn
	}

	return &Snapshot{
		NodeCount: 6,
		Launch: &TreeNode{
			Node: model.Node{
				ID:          "r",
				ProjectID:   "proj",
				Kind:        model.KindRoot,
				Name:        "nightly",
				Description: "main | branch",
				StartedAt:   t0,
				FinishedAt:  finishedAt(90 * time.Second),
				Status:      model.StatusFailed,
				Parameters: []model.Parameter{
					{Key: "os", Value: "linux"},
					{Key: "browser", Value: "firefox"},
				},
				Statistics: model.Statistics{
					Executions: model.Executions{Passed: 1, Failed: 2, Interrupted: 1},
					Defects:    map[string]int{"ti001": 1, "pb001": 1, "ab001": 0},
				},
			},
			Children: []*TreeNode{
				{
					Node: model.Node{ID: "s", Kind: model.KindSuite, Name: "checkout", Status: model.StatusFailed},
					Children: []*TreeNode{
						leaf("a", "pay", model.StatusFailed, "pb001"),
						leaf("b", "refund", model.StatusPassed, ""),
						leaf("c", "cancel", model.StatusInterrupted, ""),
					},
				},
				leaf("d", "auth", model.StatusFailed, "ti001"),
			},
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(summarySnapshot(), 0)

	assert.True(t, strings.HasPrefix(md, "# Launch: nightly\n"))
	assert.Contains(t, md, "| Status | FAILED |")
	assert.Contains(t, md, "| Duration | 1m 30s |")
	assert.Contains(t, md, `| Description | main \| branch |`)
	assert.Contains(t, md, "| 4 | 1 | 2 | 0 | 1 |")

	// Zero counts are omitted and locators are sorted.
	assert.NotContains(t, md, "ab001")
	assert.Less(t, strings.Index(md, "| pb001 | 1 |"), strings.Index(md, "| ti001 | 1 |"))

	assert.Less(t, strings.Index(md, "| browser | firefox |"), strings.Index(md, "| os | linux |"))

	assert.Contains(t, md, "| auth | FAILED | ti001 |")
	assert.Contains(t, md, "| checkout / cancel | INTERRUPTED | - |")
	assert.Contains(t, md, "| checkout / pay | FAILED | pb001 |")
	assert.NotContains(t, md, "refund")
}

func TestRenderMarkdown_Truncation(t *testing.T) {
	snap := summarySnapshot()

	suite := snap.Launch.Children[0]
	for i := range 200 {
		suite.Children = append(suite.Children, &TreeNode{Node: model.Node{
			ID:     fmt.Sprintf("f%d", i),
			Name:   fmt.Sprintf("failing-%03d", i),
			Status: model.StatusFailed,
		}})
	}

	const limit = 2000

	md := RenderMarkdown(snap, limit)
	assert.LessOrEqual(t, len(md), limit)
	assert.Contains(t, md, "more failed item(s) not shown (output truncated at 2000 chars)")

	full := RenderMarkdown(snap, 0)
	assert.NotContains(t, full, "truncated")
	assert.Contains(t, full, "failing-199")
}

func TestRenderMarkdown_InProgressLaunch(t *testing.T) {
	snap := &Snapshot{Launch: &TreeNode{Node: model.Node{
		ID:        "r",
		ProjectID: "proj",
		Name:      "running",
		StartedAt: t0,
		Status:    model.StatusInProgress,
	}}}

	md := RenderMarkdown(snap, 0)
	require.NotEmpty(t, md)
	assert.NotContains(t, md, "Duration")
	assert.NotContains(t, md, "## Defects")
	assert.NotContains(t, md, "## Failed Items")
	assert.Contains(t, md, "| 0 | 0 | 0 | 0 | 0 |")
}

package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/model"
)

// DefaultSummaryChars caps rendered summaries.
const DefaultSummaryChars = 60000

// failedItem is a failing leaf listed in a summary.
type failedItem struct {
	Path    string
	Status  model.Status
	Locator string
}

// RenderMarkdown renders a human readable summary of a launch snapshot.
// The failed items section is last and is truncated so the output stays
// under maxChars. A maxChars of zero disables truncation.
func RenderMarkdown(snap *Snapshot, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	launch := snap.Launch

	writeTitle(&sb, launch)
	writeOverview(&sb, launch)
	writeTestResults(&sb, launch.Statistics.Executions)
	writeDefects(&sb, launch.Statistics.Defects)
	writeParameters(&sb, launch.Parameters)

	writeFailedItems(&sb, collectFailedItems(launch), maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, launch *TreeNode) {
	fmt.Fprintf(sb, "# Launch: %s\n\n", launch.Name)
}

func writeOverview(sb *strings.Builder, launch *TreeNode) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Status | %s |\n", launch.Status)
	fmt.Fprintf(sb, "| Project | %s |\n", escapeCell(launch.ProjectID))
	fmt.Fprintf(sb, "| Launch ID | `%s` |\n", launch.ID)
	fmt.Fprintf(sb, "| Started | %s |\n",
		launch.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	if launch.FinishedAt != nil {
		fmt.Fprintf(sb, "| Duration | %s |\n",
			formatDuration(launch.FinishedAt.Sub(launch.StartedAt)))
	}

	if launch.Description != "" {
		fmt.Fprintf(sb, "| Description | %s |\n", escapeCell(launch.Description))
	}

	sb.WriteByte('\n')
}

func writeTestResults(sb *strings.Builder, e model.Executions) {
	sb.WriteString("## Test Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Skipped | Interrupted |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d | %d |\n\n",
		e.Total(), e.Passed, e.Failed, e.Skipped, e.Interrupted)
}

func writeDefects(sb *strings.Builder, defects map[string]int) {
	keys := make([]string, 0, len(defects))
	for k, v := range defects {
		if v != 0 {
			keys = append(keys, k)
		}
	}

	if len(keys) == 0 {
		return
	}

	sort.Strings(keys)

	sb.WriteString("## Defects\n\n")
	sb.WriteString("| Defect Type | Count |\n")
	sb.WriteString("|---|---|\n")

	for _, k := range keys {
		fmt.Fprintf(sb, "| %s | %d |\n", k, defects[k])
	}

	sb.WriteByte('\n')
}

func writeParameters(sb *strings.Builder, params []model.Parameter) {
	if len(params) == 0 {
		return
	}

	sorted := append([]model.Parameter(nil), params...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	sb.WriteString("## Parameters\n\n")
	sb.WriteString("| Key | Value |\n")
	sb.WriteString("|---|---|\n")

	for _, p := range sorted {
		fmt.Fprintf(sb, "| %s | %s |\n", escapeCell(p.Key), escapeCell(p.Value))
	}

	sb.WriteByte('\n')
}

func writeFailedItems(sb *strings.Builder, failed []failedItem, maxChars int) {
	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed Items\n\n")
	sb.WriteString("| Item | Status | Defect Type |\n")
	sb.WriteString("|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, f := range failed {
		locator := f.Locator
		if locator == "" {
			locator = "-"
		}

		row := fmt.Sprintf("| %s | %s | %s |\n", escapeCell(f.Path), f.Status, locator)

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed item(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// collectFailedItems returns the FAILED and INTERRUPTED leaves below the
// launch sorted by their name path.
func collectFailedItems(launch *TreeNode) []failedItem {
	var (
		out  []failedItem
		walk func(tn *TreeNode, path []string)
	)

	walk = func(tn *TreeNode, path []string) {
		if len(tn.Children) == 0 {
			if tn.Status == model.StatusFailed || tn.Status == model.StatusInterrupted {
				item := failedItem{
					Path:   strings.Join(path, " / "),
					Status: tn.Status,
				}

				if tn.Issue != nil {
					item.Locator = tn.Issue.DefectTypeLocator
				}

				out = append(out, item)
			}

			return
		}

		for _, c := range tn.Children {
			walk(c, append(path[:len(path):len(path)], c.Name))
		}
	}

	for _, c := range launch.Children {
		walk(c, []string{c.Name})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})

	return out
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}

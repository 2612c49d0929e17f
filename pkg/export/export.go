// Package export writes JSON snapshots and Markdown summaries of launch
// trees to remote or local storage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
)

const asyncTimeout = 2 * time.Minute

// Writer persists one snapshot object.
type Writer interface {
	// Preflight verifies that the destination is reachable and writable.
	Preflight(ctx context.Context) error
	// Write stores data under key and returns its location.
	Write(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// NodeLister reads every node of a launch.
type NodeLister interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListLaunchNodes(ctx context.Context, launchID string) ([]model.Node, error)
}

// TreeNode is a node with its children nested.
type TreeNode struct {
	model.Node

	Children []*TreeNode `json:"children,omitempty"`
}

// Snapshot is the exported document of one launch.
type Snapshot struct {
	ExportedAt time.Time `json:"exported_at"`
	NodeCount  int       `json:"node_count"`
	Launch     *TreeNode `json:"launch"`
}

// BuildTree nests the flat node list of a launch under its root.
func BuildTree(launchID string, nodes []model.Node) (*TreeNode, int, error) {
	byParent := make(map[string][]*TreeNode, len(nodes))

	var root *TreeNode

	for i := range nodes {
		tn := &TreeNode{Node: nodes[i]}

		if nodes[i].ID == launchID {
			root = tn

			continue
		}

		byParent[nodes[i].ParentID] = append(byParent[nodes[i].ParentID], tn)
	}

	if root == nil {
		return nil, 0, &model.NotFoundError{ID: launchID}
	}

	count := 1
	queue := []*TreeNode{root}

	for len(queue) > 0 {
		tn := queue[0]
		queue = queue[1:]

		tn.Children = byParent[tn.ID]
		count += len(tn.Children)
		queue = append(queue, tn.Children...)
	}

	return root, count, nil
}

// Exporter builds snapshots and hands them to a Writer.
type Exporter struct {
	log    logrus.FieldLogger
	nodes  NodeLister
	writer Writer
	prefix string
	now    func() time.Time

	wg sync.WaitGroup
}

// NewExporter creates an Exporter. writer may be nil when only on-demand
// snapshots are needed.
func NewExporter(log logrus.FieldLogger, nodes NodeLister, writer Writer, prefix string) *Exporter {
	return &Exporter{
		log:    log.WithField("component", "export"),
		nodes:  nodes,
		writer: writer,
		prefix: prefix,
		now:    time.Now,
	}
}

// Snapshot returns the current tree of a launch.
func (e *Exporter) Snapshot(ctx context.Context, launchID string) (*Snapshot, error) {
	launch, err := e.nodes.GetNode(ctx, launchID)
	if err != nil {
		return nil, err
	}

	if !launch.IsRoot() {
		return nil, &model.InvalidTargetError{ID: launchID, Reason: "not a launch"}
	}

	nodes, err := e.nodes.ListLaunchNodes(ctx, launchID)
	if err != nil {
		return nil, err
	}

	root, count, err := BuildTree(launchID, nodes)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ExportedAt: e.now().UTC(),
		NodeCount:  count,
		Launch:     root,
	}, nil
}

// Enabled reports whether a backend is configured.
func (e *Exporter) Enabled() bool {
	return e.writer != nil
}

// Summary renders the Markdown summary of a launch.
func (e *Exporter) Summary(ctx context.Context, launchID string, maxChars int) (string, error) {
	snap, err := e.Snapshot(ctx, launchID)
	if err != nil {
		return "", err
	}

	return RenderMarkdown(snap, maxChars), nil
}

// Export writes the snapshot and summary of a launch and returns the
// location of the snapshot.
func (e *Exporter) Export(ctx context.Context, launchID string) (string, error) {
	if e.writer == nil {
		return "", fmt.Errorf("no export backend configured")
	}

	snap, err := e.Snapshot(ctx, launchID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	projectID := snap.Launch.ProjectID

	location, err := e.writer.Write(ctx,
		resolveKey(e.prefix, projectID, launchID, ".json"), "application/json", data)
	if err != nil {
		return "", err
	}

	summary := RenderMarkdown(snap, DefaultSummaryChars)

	if _, err := e.writer.Write(ctx,
		resolveKey(e.prefix, projectID, launchID, ".md"), "text/markdown", []byte(summary)); err != nil {
		return "", err
	}

	e.log.WithFields(logrus.Fields{
		"launch_id": launchID,
		"nodes":     snap.NodeCount,
		"location":  location,
	}).Info("Exported launch")

	return location, nil
}

// OnLaunchFinished exports the launch in the background. The request
// context is detached so the export outlives the finishing call.
func (e *Exporter) OnLaunchFinished(ctx context.Context, launch *model.Node) {
	if e.writer == nil {
		return
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncTimeout)
		defer cancel()

		if _, err := e.Export(ctx, launch.ID); err != nil {
			e.log.WithError(err).
				WithField("launch_id", launch.ID).
				Warn("Failed to export finished launch")
		}
	}()
}

// Wait blocks until background exports complete.
func (e *Exporter) Wait() {
	e.wg.Wait()
}

// resolveKey builds the object key of a launch export.
func resolveKey(prefix, projectID, launchID, ext string) string {
	if prefix == "" {
		prefix = "launches"
	}

	return strings.TrimRight(prefix, "/") + "/" + projectID + "/" + launchID + ext
}

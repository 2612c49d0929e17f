package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/fingerprint"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// RetentionActor is recorded as the actor of launches removed by age.
const RetentionActor = "system:retention"

// MergeRequest combines finished launches of one project into a new launch.
type MergeRequest struct {
	LaunchIDs []string `json:"launches"`
	// Name defaults to "Merged: " followed by the distinct source names.
	Name string `json:"name,omitempty"`
	// Description defaults to the source descriptions separated by blank
	// lines.
	Description string `json:"description,omitempty"`
	// ExtendDescription appends the source launch name to the description
	// of every top-level item.
	ExtendDescription bool   `json:"extend_description,omitempty"`
	Actor             string `json:"-"`
}

// MergeResult is the merged launch after re-aggregation.
type MergeResult struct {
	Launch   *model.Node                    `json:"launch"`
	Moved    int64                          `json:"moved"`
	Merged   []string                       `json:"merged"`
	Warnings []*model.StaleAggregateWarning `json:"-"`
}

// CleanResult reports launches removed by age.
type CleanResult struct {
	Launches []string `json:"launches"`
	Removed  int64    `json:"removed"`
}

// Merge moves the items of every listed launch under a new launch, rebuilds
// its counters and status from the moved items and removes the sources.
// Sources must be finished launches of the same project.
func (c *Coordinator) Merge(ctx context.Context, req MergeRequest) (res *MergeResult, err error) {
	defer func() { c.record(ctx, "merge", err) }()

	sources, err := c.mergeSources(ctx, req.LaunchIDs)
	if err != nil {
		return nil, err
	}

	merged := c.mergedLaunch(sources, req)

	// Top-level items keep a note of the launch they came from.
	origin := make(map[string]string)

	if req.ExtendDescription {
		for _, src := range sources {
			children, err := c.store.GetChildren(ctx, src.ID)
			if err != nil {
				return nil, err
			}

			for i := range children {
				origin[children[i].ID] = src.Name
			}
		}
	}

	if err := c.store.CreateNode(ctx, merged); err != nil {
		return nil, err
	}

	res = &MergeResult{}

	for _, src := range sources {
		moved, err := c.store.MoveLaunchItems(ctx, src.ID, merged.ID)
		if err != nil {
			return nil, fmt.Errorf("moving items of %q: %w", src.ID, err)
		}

		res.Moved += moved
		res.Merged = append(res.Merged, src.ID)
	}

	if err := c.refreshMovedItems(ctx, merged, origin); err != nil {
		return nil, err
	}

	report, err := c.agg.Recompute(ctx, merged.ID)
	if err != nil {
		return nil, err
	}

	res.Warnings = report.Warnings

	for _, src := range sources {
		if _, err := c.store.DeleteSubtree(ctx, src.ID); err != nil {
			return nil, fmt.Errorf("removing merged launch %q: %w", src.ID, err)
		}

		c.publish(src, model.ActionDelete, req.Actor, src, nil)
	}

	final, err := c.store.GetNode(ctx, merged.ID)
	if err != nil {
		return nil, err
	}

	res.Launch = final

	c.publish(final, model.ActionMerge, req.Actor, res.Merged, final)

	c.log.WithFields(logrus.Fields{
		"launch_id": final.ID,
		"merged":    len(res.Merged),
		"moved":     res.Moved,
		"status":    final.Status,
	}).Info("Launches merged")

	if c.onFinished != nil {
		c.onFinished(ctx, final)
	}

	return res, nil
}

func (c *Coordinator) mergeSources(ctx context.Context, ids []string) ([]*model.Node, error) {
	if len(ids) == 0 {
		return nil, &model.InvalidTargetError{Reason: "at least one launch is required for a merge"}
	}

	seen := make(map[string]struct{}, len(ids))
	sources := make([]*model.Node, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}

		n, err := c.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}

		if !n.IsRoot() {
			return nil, &model.InvalidTargetError{ID: id, Reason: "not a launch"}
		}

		if !n.Status.Terminal() {
			return nil, &model.InvalidTargetError{
				ID:     id,
				Reason: fmt.Sprintf("cannot merge launch with status %s", n.Status),
			}
		}

		if len(sources) > 0 && n.ProjectID != sources[0].ProjectID {
			return nil, &model.InvalidTargetError{
				ID:     id,
				Reason: "cannot merge launches from different projects",
			}
		}

		sources = append(sources, n)
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].StartedAt.Before(sources[j].StartedAt)
	})

	return sources, nil
}

// mergedLaunch builds the launch that receives the items of sources,
// spanning from the earliest start to the latest finish. It is created
// finished so that no new item can attach to it; Recompute derives its
// status from the moved items.
func (c *Coordinator) mergedLaunch(sources []*model.Node, req MergeRequest) *model.Node {
	startedAt := sources[0].StartedAt
	finishedAt := startedAt

	var (
		names        []string
		descriptions []string
		hasChildren  bool
		seen         = make(map[string]struct{})
	)

	for _, src := range sources {
		hasChildren = hasChildren || src.HasChildren

		if src.StartedAt.Before(startedAt) {
			startedAt = src.StartedAt
		}

		if src.FinishedAt != nil && src.FinishedAt.After(finishedAt) {
			finishedAt = *src.FinishedAt
		}

		if _, ok := seen[src.Name]; !ok {
			seen[src.Name] = struct{}{}
			names = append(names, src.Name)
		}

		if src.Description != "" {
			descriptions = append(descriptions, src.Description)
		}
	}

	name := req.Name
	if name == "" {
		name = "Merged: " + strings.Join(names, ", ")
	}

	description := req.Description
	if description == "" {
		description = strings.Join(descriptions, "\n\n")
	}

	id := c.newID()
	finished := finishedAt.UTC()

	return &model.Node{
		ID:          id,
		LaunchID:    id,
		ProjectID:   sources[0].ProjectID,
		Kind:        model.KindRoot,
		Name:        name,
		Description: description,
		StartedAt:   startedAt.UTC(),
		FinishedAt:  &finished,
		Status:      model.StatusPassed,
		HasChildren: hasChildren,
	}
}

// refreshMovedItems regenerates engine fingerprints of the moved items for
// the merged launch name and extends the descriptions of top-level items
// listed in origin.
func (c *Coordinator) refreshMovedItems(
	ctx context.Context, launch *model.Node, origin map[string]string,
) error {
	nodes, err := c.store.ListLaunchNodes(ctx, launch.ID)
	if err != nil {
		return err
	}

	byID := make(map[string]*model.Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	for i := range nodes {
		n := &nodes[i]
		if n.IsRoot() {
			continue
		}

		fp := n.Fingerprint

		if fingerprint.Validate(n.Fingerprint) {
			parent, ok := byID[n.ParentID]
			if !ok {
				return fmt.Errorf("parent %q of %q is not in launch %q", n.ParentID, n.ID, launch.ID)
			}

			if fp, err = c.fingerprints.ForChild(ctx, launch, parent, n.Name, n.Parameters); err != nil {
				return err
			}
		}

		from, extend := origin[n.ID]

		if fp == n.Fingerprint && !extend {
			continue
		}

		if _, err := c.agg.Mutate(ctx, n.ID, func(m *model.Node) (bool, error) {
			m.Fingerprint = fp

			if extend {
				m.Description = strings.TrimLeft(m.Description+"\n@launch '"+from+"'", "\n")
			}

			return true, nil
		}); err != nil {
			return err
		}
	}

	return nil
}

// Clean removes every launch that finished before finishedBefore together
// with its items.
func (c *Coordinator) Clean(ctx context.Context, finishedBefore time.Time) (res *CleanResult, err error) {
	defer func() { c.record(ctx, "clean", err) }()

	expired, err := c.store.ListExpiredLaunches(ctx, finishedBefore)
	if err != nil {
		return nil, err
	}

	res = &CleanResult{}

	for i := range expired {
		removed, err := c.store.DeleteSubtree(ctx, expired[i].ID)
		if err != nil {
			return res, fmt.Errorf("removing launch %q: %w", expired[i].ID, err)
		}

		res.Launches = append(res.Launches, expired[i].ID)
		res.Removed += removed

		c.publish(&expired[i], model.ActionDelete, RetentionActor, &expired[i], nil)
	}

	if len(res.Launches) > 0 {
		c.log.WithFields(logrus.Fields{
			"launches": len(res.Launches),
			"removed":  res.Removed,
			"before":   finishedBefore.UTC(),
		}).Info("Removed expired launches")
	}

	return res, nil
}

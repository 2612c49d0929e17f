// Package classifier assigns defect types to failed and skipped leaves and
// keeps the ancestor counters in step with the change.
package classifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethpandaops/reportoor/pkg/aggregator"
	"github.com/ethpandaops/reportoor/pkg/audit"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/ethpandaops/reportoor/pkg/taxonomy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 8

// NodeReader reads single nodes.
type NodeReader interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
}

// Request proposes a defect type for one leaf.
type Request struct {
	NodeID              string `json:"node_id"`
	Locator             string `json:"locator"`
	Comment             string `json:"comment,omitempty"`
	IgnoredByClassifier bool   `json:"ignored_by_classifier,omitempty"`
	Actor               string `json:"-"`
}

// Result describes an applied classification.
type Result struct {
	NodeID     string                         `json:"node_id"`
	OldLocator string                         `json:"old_locator,omitempty"`
	NewLocator string                         `json:"new_locator,omitempty"`
	Issue      *model.Issue                   `json:"issue,omitempty"`
	Warnings   []*model.StaleAggregateWarning `json:"-"`
}

// ItemError is a per-item failure inside a batch.
type ItemError struct {
	NodeID string
	Err    error
}

// BatchResult holds the partial outcome of a batch. Applied and Errors are
// ordered like the input.
type BatchResult struct {
	Applied []*Result
	Errors  []ItemError
}

// Config configures a Classifier.
type Config struct {
	Nodes      NodeReader
	Aggregator *aggregator.Aggregator
	Taxonomy   taxonomy.Provider
	Audit      audit.Publisher
	// BatchConcurrency bounds parallel items in batch operations.
	BatchConcurrency int
}

// Classifier applies issue classifications.
type Classifier struct {
	log         logrus.FieldLogger
	nodes       NodeReader
	agg         *aggregator.Aggregator
	taxonomy    taxonomy.Provider
	audit       audit.Publisher
	concurrency int
	now         func() time.Time
}

// New creates a Classifier.
func New(log logrus.FieldLogger, cfg Config) *Classifier {
	pub := cfg.Audit
	if pub == nil {
		pub = audit.Nop{}
	}

	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	return &Classifier{
		log:         log.WithField("component", "classifier"),
		nodes:       cfg.Nodes,
		agg:         cfg.Aggregator,
		taxonomy:    cfg.Taxonomy,
		audit:       pub,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// checkTarget verifies that n is a classifiable leaf.
func checkTarget(n *model.Node) error {
	switch {
	case n.IsRoot():
		return &model.InvalidTargetError{ID: n.ID, Reason: "launches cannot carry an issue"}
	case n.HasChildren:
		return &model.InvalidTargetError{ID: n.ID, Reason: "node has children"}
	case !n.Status.Failing():
		return &model.InvalidTargetError{
			ID:     n.ID,
			Reason: "status " + string(n.Status) + " is not FAILED or SKIPPED",
		}
	}

	return nil
}

// Classify sets or clears the issue of one leaf. The NOT_ISSUE locator
// clears it.
func (c *Classifier) Classify(ctx context.Context, req Request) (*Result, error) {
	current, err := c.nodes.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}

	if err := checkTarget(current); err != nil {
		return nil, err
	}

	notIssue := model.IsNotIssue(req.Locator)

	var locator string

	if !notIssue {
		dt, ok, err := c.taxonomy.Resolve(ctx, current.ProjectID, req.Locator)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, &model.UnknownDefectTypeError{
				ProjectID: current.ProjectID,
				Locator:   req.Locator,
			}
		}

		locator = dt.Locator
	}

	var (
		before *model.Issue
		after  *model.Issue
	)

	_, err = c.agg.Mutate(ctx, req.NodeID, func(n *model.Node) (bool, error) {
		if err := checkTarget(n); err != nil {
			return false, err
		}

		before = n.Issue.Clone()

		if notIssue {
			n.Issue = nil
		} else {
			issue := n.Issue.Clone()
			if issue == nil {
				issue = &model.Issue{}
			}

			issue.DefectTypeLocator = locator
			issue.Comment = req.Comment
			issue.AutoClassified = false
			issue.IgnoredByClassifier = req.IgnoredByClassifier
			n.Issue = issue
		}

		after = n.Issue.Clone()

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	warnings, err := c.propagate(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		NodeID:     req.NodeID,
		OldLocator: locatorOf(before),
		NewLocator: locatorOf(after),
		Issue:      after,
		Warnings:   warnings,
	}

	c.publish(current, model.ActionClassify, req.Actor, before, after)

	c.log.WithFields(logrus.Fields{
		"node_id": req.NodeID,
		"old":     res.OldLocator,
		"new":     res.NewLocator,
	}).Debug("Classified node")

	return res, nil
}

// ClassifyBatch applies every request independently with bounded
// parallelism. A failing item never aborts the others.
func (c *Classifier) ClassifyBatch(ctx context.Context, reqs []Request) BatchResult {
	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	c.forEach(ctx, len(reqs), func(ctx context.Context, i int) {
		results[i], errs[i] = c.Classify(ctx, reqs[i])
	})

	var out BatchResult

	for i := range reqs {
		if errs[i] != nil {
			out.Errors = append(out.Errors, ItemError{NodeID: reqs[i].NodeID, Err: errs[i]})

			continue
		}

		out.Applied = append(out.Applied, results[i])
	}

	if len(out.Errors) > 0 {
		c.log.WithFields(logrus.Fields{
			"applied": len(out.Applied),
			"failed":  len(out.Errors),
		}).Info("Batch classification finished with errors")
	}

	return out
}

// forEach runs fn for indices [0, n) with at most c.concurrency in flight.
func (c *Classifier) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(gctx, i)

			return nil
		})
	}

	_ = g.Wait()
}

func (c *Classifier) propagate(
	ctx context.Context, id string,
) ([]*model.StaleAggregateWarning, error) {
	if _, err := c.agg.ApplyLeafOutcome(ctx, id); err != nil {
		return nil, err
	}

	report, err := c.agg.RecomputeAncestors(ctx, id)
	if err != nil {
		return nil, err
	}

	return report.Warnings, nil
}

func (c *Classifier) publish(
	n *model.Node, action, actor string, before, after any,
) {
	c.audit.Publish(model.AuditRecord{
		Action:    action,
		NodeID:    n.ID,
		LaunchID:  n.LaunchID,
		ProjectID: n.ProjectID,
		Actor:     actor,
		Before:    encode(before),
		After:     encode(after),
		At:        c.now().UTC(),
	})
}

func locatorOf(i *model.Issue) string {
	if i == nil {
		return ""
	}

	return i.DefectTypeLocator
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}

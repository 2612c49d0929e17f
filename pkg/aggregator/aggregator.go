// Package aggregator maintains the rolled-up statistics of the
// test-execution tree.
//
// Every write goes through Mutate: the node's in-process lock is taken, the
// node is re-read, the mutation applied and written back with a
// version-conditional update. Conflicts from writers outside this process
// are retried with exponential backoff. A walker never holds more than one
// node lock, so concurrent ancestor walks cannot deadlock, and because each
// ancestor is recomputed from a fresh read of its children, concurrent
// walks converge regardless of interleaving.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/ethpandaops/reportoor/pkg/status"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const instrumentationScope = "github.com/ethpandaops/reportoor/pkg/aggregator"

const (
	defaultInitialInterval = 10 * time.Millisecond
	defaultMaxElapsed      = 2 * time.Second
	defaultRepairDelay     = 5 * time.Second
)

// NodeStore is the subset of the hierarchy store the aggregator needs.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
	GetChildren(ctx context.Context, id string) ([]model.Node, error)
	GetAncestorChain(ctx context.Context, id string) ([]model.Node, error)
	UpdateNode(ctx context.Context, n *model.Node) error
}

// Options tunes retries and background repair.
type Options struct {
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	RepairDelay          time.Duration
}

// Report summarizes one aggregation call.
type Report struct {
	Visited  int
	Updated  int
	Warnings []*model.StaleAggregateWarning
}

func (r *Report) merge(other Report) {
	r.Visited += other.Visited
	r.Updated += other.Updated
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// conflictError reports a conditional write that kept conflicting until
// the retry budget ran out.
type conflictError struct {
	id       string
	attempts int
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("node %q: %v after %d attempts", e.id, model.ErrConflict, e.attempts)
}

func (e *conflictError) Unwrap() error {
	return model.ErrConflict
}

// MutateFunc changes n in place and reports whether anything changed.
// It may run more than once when a write conflicts, each time on a fresh
// copy of the stored node.
type MutateFunc func(n *model.Node) (bool, error)

// Aggregator applies leaf outcomes and recomputes ancestor counters.
type Aggregator struct {
	log     logrus.FieldLogger
	store   NodeStore
	locks   *keyedMutex
	opts    Options
	repairs singleflight.Group

	ctx    context.Context //nolint:containedctx // lifetime of background repairs
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recomputes metric.Int64Counter
	conflicts  metric.Int64Counter
	stale      metric.Int64Counter
}

// New creates an Aggregator.
func New(log logrus.FieldLogger, store NodeStore, opts Options) *Aggregator {
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaultInitialInterval
	}

	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = defaultMaxElapsed
	}

	if opts.RepairDelay <= 0 {
		opts.RepairDelay = defaultRepairDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Aggregator{
		log:    log.WithField("component", "aggregator"),
		store:  store,
		locks:  newKeyedMutex(),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	a.initMetrics()

	return a
}

func (a *Aggregator) initMetrics() {
	meter := otel.Meter(instrumentationScope)

	var err error

	if a.recomputes, err = meter.Int64Counter("reportoor.aggregation.recomputes",
		metric.WithDescription("Node counter recomputations that changed the node"),
	); err != nil {
		a.log.WithError(err).Warn("Failed to create recompute counter")
	}

	if a.conflicts, err = meter.Int64Counter("reportoor.aggregation.conflicts",
		metric.WithDescription("Conditional writes rejected because of a concurrent change"),
	); err != nil {
		a.log.WithError(err).Warn("Failed to create conflict counter")
	}

	if a.stale, err = meter.Int64Counter("reportoor.aggregation.stale",
		metric.WithDescription("Stale aggregate warnings raised"),
	); err != nil {
		a.log.WithError(err).Warn("Failed to create stale counter")
	}
}

func (a *Aggregator) count(ctx context.Context, c metric.Int64Counter, kind string) {
	if c == nil {
		return
	}

	c.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Close stops scheduling repairs and waits for running ones.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
}

// Mutate applies fn to node id under its lock and writes the result with a
// conditional update, retrying on conflicts. It returns the node as stored
// after the call. Errors returned by fn abort without retry.
func (a *Aggregator) Mutate(
	ctx context.Context, id string, fn MutateFunc,
) (*model.Node, error) {
	n, _, err := a.mutate(ctx, id, fn)

	return n, err
}

func (a *Aggregator) mutate(
	ctx context.Context, id string, fn MutateFunc,
) (*model.Node, bool, error) {
	var (
		result   *model.Node
		changed  bool
		attempts int
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.RetryInitialInterval
	bo.MaxElapsedTime = a.opts.RetryMaxElapsed

	op := func() error {
		attempts++

		unlock := a.locks.Lock(id)
		defer unlock()

		n, err := a.store.GetNode(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		dirty, err := fn(n)
		if err != nil {
			return backoff.Permanent(err)
		}

		if !dirty {
			result, changed = n, false

			return nil
		}

		if err := a.store.UpdateNode(ctx, n); err != nil {
			if errors.Is(err, model.ErrConflict) {
				a.count(ctx, a.conflicts, "conflict")

				return err
			}

			return backoff.Permanent(err)
		}

		result, changed = n, true

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, false, &conflictError{id: id, attempts: attempts}
		}

		return nil, false, err
	}

	return result, changed, nil
}

// ApplyLeafOutcome sets the counters of a childless terminal node from its
// own outcome and issue classification.
func (a *Aggregator) ApplyLeafOutcome(ctx context.Context, id string) (*model.Node, error) {
	return a.Mutate(ctx, id, func(n *model.Node) (bool, error) {
		if n.HasChildren {
			return false, &model.InvalidTargetError{
				ID: n.ID, Reason: "leaf outcome applied to a node with children",
			}
		}

		if !n.Status.Terminal() {
			return false, &model.InvalidTargetError{
				ID: n.ID, Reason: "leaf outcome applied to a node in progress",
			}
		}

		stats := model.LeafStatistics(n)
		if stats.Equal(n.Statistics) {
			return false, nil
		}

		n.Statistics = stats

		return true, nil
	})
}

// recomputeNode rebuilds one node's counters: the leaf contribution for a
// childless node, the children sum otherwise. Terminal parents also get
// their status re-derived so late or removed children are reflected.
func (a *Aggregator) recomputeNode(ctx context.Context, id string) (bool, error) {
	_, changed, err := a.mutate(ctx, id, func(n *model.Node) (bool, error) {
		if !n.HasChildren {
			stats := model.LeafStatistics(n)
			if stats.Equal(n.Statistics) {
				return false, nil
			}

			n.Statistics = stats

			return true, nil
		}

		children, err := a.store.GetChildren(ctx, n.ID)
		if err != nil {
			return false, fmt.Errorf("reading children of %q: %w", n.ID, err)
		}

		stats := model.SumStatistics(children)
		newStatus := n.Status

		// An emptied parent derives PASSED, as its finish would.
		if n.Status.Terminal() {
			statuses := make([]model.Status, 0, len(children))
			for i := range children {
				statuses = append(statuses, children[i].Status)
			}

			newStatus = status.FromChildren(statuses)
		}

		if stats.Equal(n.Statistics) && newStatus == n.Status {
			return false, nil
		}

		n.Statistics = stats
		n.Status = newStatus

		return true, nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		a.count(ctx, a.recomputes, "node")
	}

	return changed, nil
}

// RecomputeAncestors walks from the parent of id to the root, replacing
// each ancestor's counters with the sum of its children. The walk stops at
// the first ancestor whose full counter map and status are unchanged.
func (a *Aggregator) RecomputeAncestors(ctx context.Context, id string) (Report, error) {
	return a.recomputeChain(ctx, id, true)
}

func (a *Aggregator) recomputeChain(
	ctx context.Context, id string, earlyStop bool,
) (Report, error) {
	var report Report

	chain, err := a.store.GetAncestorChain(ctx, id)
	if err != nil {
		return report, fmt.Errorf("reading ancestors of %q: %w", id, err)
	}

	for i := range chain {
		ancestor := chain[i].ID
		report.Visited++

		changed, err := a.recomputeNode(ctx, ancestor)
		if err != nil {
			if w := a.staleWarning(ctx, ancestor, err); w != nil {
				report.Warnings = append(report.Warnings, w)

				continue
			}

			return report, err
		}

		if changed {
			report.Updated++

			continue
		}

		if earlyStop {
			break
		}
	}

	return report, nil
}

// Refresh recomputes id from its current children and then walks its
// ancestors. Used after a subtree below id was removed.
func (a *Aggregator) Refresh(ctx context.Context, id string) (Report, error) {
	report := Report{Visited: 1}

	changed, err := a.recomputeNode(ctx, id)
	if err != nil {
		w := a.staleWarning(ctx, id, err)
		if w == nil {
			return report, err
		}

		report.Warnings = append(report.Warnings, w)
	}

	if changed {
		report.Updated++
	}

	chain, err := a.RecomputeAncestors(ctx, id)
	report.merge(chain)

	return report, err
}

// Recompute rebuilds the counters of the whole subtree under id bottom-up
// and then every ancestor of id. It is safe to call at any time and
// converges to the exact sum of the current leaf outcomes.
func (a *Aggregator) Recompute(ctx context.Context, id string) (Report, error) {
	report, err := a.recomputeSubtree(ctx, id)
	if err != nil {
		return report, err
	}

	chain, err := a.recomputeChain(ctx, id, false)
	report.merge(chain)

	if err != nil {
		return report, err
	}

	a.log.WithFields(logrus.Fields{
		"node_id":  id,
		"visited":  report.Visited,
		"updated":  report.Updated,
		"warnings": len(report.Warnings),
	}).Debug("Recomputed subtree")

	return report, nil
}

func (a *Aggregator) recomputeSubtree(ctx context.Context, id string) (Report, error) {
	var report Report

	children, err := a.store.GetChildren(ctx, id)
	if err != nil {
		return report, fmt.Errorf("reading children of %q: %w", id, err)
	}

	for i := range children {
		sub, err := a.recomputeSubtree(ctx, children[i].ID)
		report.merge(sub)

		if err != nil {
			return report, err
		}
	}

	report.Visited++

	changed, err := a.recomputeNode(ctx, id)
	if err != nil {
		if w := a.staleWarning(ctx, id, err); w != nil {
			report.Warnings = append(report.Warnings, w)

			return report, nil
		}

		return report, err
	}

	if changed {
		report.Updated++
	}

	return report, nil
}

// Verify compares the stored counters of id with the sum of its children
// and returns a warning when they disagree.
func (a *Aggregator) Verify(ctx context.Context, id string) (*model.StaleAggregateWarning, error) {
	n, err := a.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := model.LeafStatistics(n)

	if n.HasChildren {
		children, err := a.store.GetChildren(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading children of %q: %w", id, err)
		}

		expected = model.SumStatistics(children)
	}

	if expected.Equal(n.Statistics) {
		return nil, nil
	}

	return &model.StaleAggregateWarning{NodeID: id}, nil
}

// VerifySubtree runs Verify on id and every node below it and returns one
// warning per node whose counters disagree with its children. It does not
// modify anything.
func (a *Aggregator) VerifySubtree(ctx context.Context, id string) ([]*model.StaleAggregateWarning, error) {
	var warnings []*model.StaleAggregateWarning

	children, err := a.store.GetChildren(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading children of %q: %w", id, err)
	}

	for i := range children {
		sub, err := a.VerifySubtree(ctx, children[i].ID)
		if err != nil {
			return nil, err
		}

		warnings = append(warnings, sub...)
	}

	w, err := a.Verify(ctx, id)
	if err != nil {
		return nil, err
	}

	if w != nil {
		warnings = append(warnings, w)
	}

	return warnings, nil
}

// Check verifies the subtree under id and schedules a background repair of
// id when any counter is stale.
func (a *Aggregator) Check(ctx context.Context, id string) ([]*model.StaleAggregateWarning, error) {
	warnings, err := a.VerifySubtree(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(warnings) == 0 {
		return nil, nil
	}

	a.count(ctx, a.stale, "verify")
	a.log.WithFields(logrus.Fields{
		"node_id": id,
		"stale":   len(warnings),
	}).Warn("Stale aggregates found, scheduling repair")

	a.ScheduleRepair(id)

	return warnings, nil
}

// staleWarning converts an exhausted conflict retry into a warning, logs
// it and schedules a background repair. Other errors yield nil.
func (a *Aggregator) staleWarning(
	ctx context.Context, id string, err error,
) *model.StaleAggregateWarning {
	if !errors.Is(err, model.ErrConflict) {
		return nil
	}

	w := &model.StaleAggregateWarning{NodeID: id, Cause: model.ErrConflict}

	var ce *conflictError
	if errors.As(err, &ce) {
		w.Attempts = ce.attempts
	}

	a.count(ctx, a.stale, "retry_exhausted")
	a.log.WithError(err).
		WithField("node_id", id).
		Warn("Aggregate may be stale, scheduling repair")

	a.ScheduleRepair(id)

	return w
}

// ScheduleRepair recomputes id in the background after the configured
// delay. Concurrent requests for the same node share one repair.
func (a *Aggregator) ScheduleRepair(id string) {
	select {
	case <-a.ctx.Done():
		return
	default:
	}

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		_, err, _ := a.repairs.Do(id, func() (any, error) {
			timer := time.NewTimer(a.opts.RepairDelay)
			defer timer.Stop()

			select {
			case <-timer.C:
			case <-a.ctx.Done():
				return nil, a.ctx.Err()
			}

			report, err := a.Recompute(a.ctx, id)
			if err != nil {
				return nil, err
			}

			return report, nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).
				WithField("node_id", id).
				Warn("Background repair failed")
		}
	}()
}

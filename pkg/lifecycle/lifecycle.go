// Package lifecycle drives nodes through start and finish, coordinating the
// hierarchy store, the status resolver, the aggregator and the taxonomy.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/reportoor/pkg/aggregator"
	"github.com/ethpandaops/reportoor/pkg/audit"
	"github.com/ethpandaops/reportoor/pkg/fingerprint"
	"github.com/ethpandaops/reportoor/pkg/hierarchy"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/ethpandaops/reportoor/pkg/status"
	"github.com/ethpandaops/reportoor/pkg/taxonomy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationScope = "github.com/ethpandaops/reportoor/pkg/lifecycle"

// InterruptActor is recorded as the actor of forced finishes.
const InterruptActor = "system:interrupt"

// LaunchFinishedFunc is invoked after a launch reached a terminal status.
type LaunchFinishedFunc func(ctx context.Context, launch *model.Node)

// StartRequest starts a launch when ParentID is empty, a child otherwise.
type StartRequest struct {
	ParentID    string            `json:"parent_id,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Kind        model.Kind        `json:"kind"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Parameters  []model.Parameter `json:"parameters,omitempty"`
	// Fingerprint is kept verbatim when set. Otherwise TEST and STEP nodes
	// get an engine-generated one.
	Fingerprint string `json:"fingerprint,omitempty"`
	Actor       string `json:"-"`
}

// FinishRequest finishes one node. Status may be empty for nodes with
// children.
type FinishRequest struct {
	NodeID     string       `json:"-"`
	FinishedAt time.Time    `json:"finished_at"`
	Status     model.Status `json:"status,omitempty"`
	Issue      *model.Issue `json:"issue,omitempty"`
	Actor      string       `json:"-"`
}

// FinishResult is the node as stored after the finish, plus any aggregation
// warnings raised on the way up.
type FinishResult struct {
	Node     *model.Node                    `json:"node"`
	Warnings []*model.StaleAggregateWarning `json:"-"`
}

// DeleteResult reports a removed subtree.
type DeleteResult struct {
	Removed  int64                          `json:"removed"`
	Warnings []*model.StaleAggregateWarning `json:"-"`
}

// InterruptResult reports a forced launch finish.
type InterruptResult struct {
	Launch      *model.Node                    `json:"launch"`
	Interrupted int                            `json:"interrupted"`
	Warnings    []*model.StaleAggregateWarning `json:"-"`
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	Store      hierarchy.Store
	Aggregator *aggregator.Aggregator
	Taxonomy   taxonomy.Provider
	Audit      audit.Publisher
	// OnLaunchFinished is optional.
	OnLaunchFinished LaunchFinishedFunc
}

// Coordinator implements the node state machine
// IN_PROGRESS → {PASSED, FAILED, SKIPPED, INTERRUPTED}.
type Coordinator struct {
	log          logrus.FieldLogger
	store        hierarchy.Store
	agg          *aggregator.Aggregator
	taxonomy     taxonomy.Provider
	audit        audit.Publisher
	fingerprints *fingerprint.Generator
	onFinished   LaunchFinishedFunc

	newID func() string
	now   func() time.Time

	operations metric.Int64Counter
}

// New creates a Coordinator.
func New(log logrus.FieldLogger, cfg Config) *Coordinator {
	pub := cfg.Audit
	if pub == nil {
		pub = audit.Nop{}
	}

	c := &Coordinator{
		log:          log.WithField("component", "lifecycle"),
		store:        cfg.Store,
		agg:          cfg.Aggregator,
		taxonomy:     cfg.Taxonomy,
		audit:        pub,
		fingerprints: fingerprint.NewGenerator(cfg.Store),
		onFinished:   cfg.OnLaunchFinished,
		newID:        uuid.NewString,
		now:          time.Now,
	}

	counter, err := otel.Meter(instrumentationScope).Int64Counter(
		"reportoor.lifecycle.operations",
		metric.WithDescription("Lifecycle operations by type and outcome"),
	)
	if err != nil {
		c.log.WithError(err).Warn("Failed to create operations counter")
	} else {
		c.operations = counter
	}

	return c
}

func (c *Coordinator) record(ctx context.Context, op string, err error) {
	if c.operations == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
	}

	c.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// Start creates a node in IN_PROGRESS.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (n *model.Node, err error) {
	defer func() { c.record(ctx, "start", err) }()

	if req.Name == "" {
		return nil, &model.InvalidTargetError{Reason: "name is required"}
	}

	if req.Kind != "" {
		kind, err := model.ParseKind(string(req.Kind))
		if err != nil {
			return nil, &model.InvalidTargetError{ID: req.ParentID, Reason: err.Error()}
		}

		req.Kind = kind
	}

	if req.StartedAt.IsZero() {
		req.StartedAt = c.now()
	}

	req.StartedAt = req.StartedAt.UTC()

	if req.ParentID == "" {
		return c.startLaunch(ctx, req)
	}

	return c.startChild(ctx, req)
}

func (c *Coordinator) startLaunch(ctx context.Context, req StartRequest) (*model.Node, error) {
	if req.Kind == "" {
		req.Kind = model.KindRoot
	}

	if req.Kind != model.KindRoot {
		return nil, &model.InvalidTargetError{
			Reason: fmt.Sprintf("kind %s requires a parent", req.Kind),
		}
	}

	if req.ProjectID == "" {
		return nil, &model.InvalidTargetError{Reason: "project id is required for a launch"}
	}

	id := c.newID()
	n := &model.Node{
		ID:          id,
		LaunchID:    id,
		ProjectID:   req.ProjectID,
		Kind:        model.KindRoot,
		Name:        req.Name,
		Description: req.Description,
		Parameters:  req.Parameters,
		StartedAt:   req.StartedAt,
		Status:      model.StatusInProgress,
		Fingerprint: req.Fingerprint,
	}

	if err := c.store.CreateNode(ctx, n); err != nil {
		return nil, err
	}

	c.publish(n, model.ActionStart, req.Actor, nil, n)

	c.log.WithFields(logrus.Fields{
		"launch_id":  n.ID,
		"project_id": n.ProjectID,
		"name":       n.Name,
	}).Info("Launch started")

	return n, nil
}

func (c *Coordinator) startChild(ctx context.Context, req StartRequest) (*model.Node, error) {
	if req.Kind == model.KindRoot {
		return nil, &model.InvalidTargetError{
			ID: req.ParentID, Reason: "a launch cannot have a parent",
		}
	}

	if req.Kind == "" {
		req.Kind = model.KindTest
	}

	parent, err := c.store.GetNode(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	if parent.Status.Terminal() {
		return nil, &model.AlreadyFinishedError{ID: parent.ID, Status: parent.Status}
	}

	if req.StartedAt.Before(parent.StartedAt) {
		return nil, &model.TemporalOrderError{
			Field: "startedAt",
			Value: req.StartedAt,
			Bound: parent.StartedAt,
		}
	}

	launch := parent
	if !parent.IsRoot() {
		if launch, err = c.store.GetNode(ctx, parent.LaunchID); err != nil {
			return nil, fmt.Errorf("reading launch of %q: %w", parent.ID, err)
		}
	}

	n := &model.Node{
		ID:          c.newID(),
		ParentID:    parent.ID,
		LaunchID:    parent.LaunchID,
		ProjectID:   parent.ProjectID,
		Path:        parent.ChildPath(),
		Kind:        req.Kind,
		Name:        req.Name,
		Description: req.Description,
		Parameters:  req.Parameters,
		StartedAt:   req.StartedAt,
		Status:      model.StatusInProgress,
		Fingerprint: req.Fingerprint,
	}

	if n.Fingerprint == "" && n.Kind.Fingerprinted() {
		fp, err := c.fingerprints.ForChild(ctx, launch, parent, n.Name, n.Parameters)
		if err != nil {
			return nil, err
		}

		n.Fingerprint = fp
	}

	// Client-supplied values are not trusted for retry matching.
	if fingerprint.Validate(n.Fingerprint) {
		prev, err := c.store.FindRetryCandidate(ctx, n.Fingerprint, n.LaunchID)
		if err != nil {
			return nil, err
		}

		if prev != nil {
			n.RetryOf = prev.ID
		}
	}

	if err := c.store.CreateNode(ctx, n); err != nil {
		return nil, err
	}

	// The child row exists before the parent is claimed, so a finish that
	// lands after the claim always sees it. A parent that finished first
	// rejects the claim and the child is removed again.
	if err := c.store.ClaimParent(ctx, parent.ID); err != nil {
		c.rollbackStart(ctx, n)

		return nil, err
	}

	c.publish(n, model.ActionStart, req.Actor, nil, n)

	c.log.WithFields(logrus.Fields{
		"node_id":   n.ID,
		"parent_id": n.ParentID,
		"kind":      n.Kind,
		"retry_of":  n.RetryOf,
	}).Debug("Node started")

	return n, nil
}

func (c *Coordinator) rollbackStart(ctx context.Context, n *model.Node) {
	log := c.log.WithFields(logrus.Fields{
		"node_id":   n.ID,
		"parent_id": n.ParentID,
	})

	if _, err := c.store.DeleteSubtree(ctx, n.ID); err != nil {
		log.WithError(err).Warn("Failed to remove child of a finished parent")

		return
	}

	// A finish that raced the start may have read the removed child.
	if _, err := c.agg.Refresh(ctx, n.ParentID); err != nil {
		log.WithError(err).Warn("Failed to refresh parent after rejected start")
	}
}

// errNodeChanged aborts a finish attempt whose node was modified after it
// was read.
var errNodeChanged = errors.New("node changed while finishing")

const finishMaxAttempts = 8

// finishWrite is the outcome of one successful finish attempt.
type finishWrite struct {
	before  *model.Node
	written *model.Node
	isLeaf  bool
}

// Finish moves a node to its terminal status, classifies failing leaves
// and updates the counters of every ancestor.
func (c *Coordinator) Finish(ctx context.Context, req FinishRequest) (res *FinishResult, err error) {
	defer func() { c.record(ctx, "finish", err) }()

	if req.FinishedAt.IsZero() {
		req.FinishedAt = c.now()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond

	var fw *finishWrite

	op := func() error {
		w, err := c.writeFinish(ctx, req)
		if errors.Is(err, errNodeChanged) {
			return err
		}

		if err != nil {
			return backoff.Permanent(err)
		}

		fw = w

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, finishMaxAttempts-1), ctx,
	)); err != nil {
		if errors.Is(err, errNodeChanged) {
			return nil, fmt.Errorf("finishing %q: %w", req.NodeID, model.ErrConflict)
		}

		return nil, err
	}

	current, written, isLeaf := fw.before, fw.written, fw.isLeaf

	if isLeaf {
		if _, err := c.agg.ApplyLeafOutcome(ctx, written.ID); err != nil {
			return nil, err
		}
	}

	report, err := c.agg.RecomputeAncestors(ctx, written.ID)
	if err != nil {
		return nil, err
	}

	final, err := c.store.GetNode(ctx, written.ID)
	if err != nil {
		return nil, err
	}

	c.publish(final, model.ActionFinish, req.Actor, current.Status, final.Status)

	c.log.WithFields(logrus.Fields{
		"node_id":  final.ID,
		"status":   final.Status,
		"warnings": len(report.Warnings),
	}).Debug("Node finished")

	if final.IsRoot() {
		c.log.WithFields(logrus.Fields{
			"launch_id": final.ID,
			"status":    final.Status,
			"total":     final.Statistics.Executions.Total(),
		}).Info("Launch finished")

		if c.onFinished != nil {
			c.onFinished(ctx, final)
		}
	}

	return &FinishResult{Node: final, Warnings: report.Warnings}, nil
}

// writeFinish resolves the final status and issue from one consistent read
// of the node and its children and writes them. It returns errNodeChanged
// when the node was modified in between, for example by a child start.
func (c *Coordinator) writeFinish(ctx context.Context, req FinishRequest) (*finishWrite, error) {
	current, err := c.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}

	if current.Status.Terminal() {
		return nil, &model.AlreadyFinishedError{ID: current.ID, Status: current.Status}
	}

	finishedAt := req.FinishedAt.UTC()

	if finishedAt.Before(current.StartedAt) {
		return nil, &model.TemporalOrderError{
			Field: "finishedAt",
			Value: finishedAt,
			Bound: current.StartedAt,
		}
	}

	// The stored flag decides leaf or parent for the status, the issue and
	// the counters alike. It stays set after all children were deleted.
	isLeaf := !current.HasChildren

	var statuses []model.Status

	if !isLeaf {
		children, err := c.store.GetChildren(ctx, current.ID)
		if err != nil {
			return nil, err
		}

		statuses = make([]model.Status, 0, len(children))
		for i := range children {
			statuses = append(statuses, children[i].Status)
		}
	}

	resolved, err := status.Resolve(current.ID, !isLeaf, req.Status, statuses)
	if err != nil {
		return nil, err
	}

	var issue *model.Issue
	if isLeaf && !current.IsRoot() && resolved.Failing() {
		if issue, err = c.defaultIssue(ctx, current, req.Issue); err != nil {
			return nil, err
		}
	}

	written, err := c.agg.Mutate(ctx, current.ID, func(n *model.Node) (bool, error) {
		if n.Status.Terminal() {
			return false, &model.AlreadyFinishedError{ID: n.ID, Status: n.Status}
		}

		if n.Version != current.Version {
			return false, errNodeChanged
		}

		n.Status = resolved
		n.FinishedAt = &finishedAt
		n.Issue = issue.Clone()

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return &finishWrite{before: current, written: written, isLeaf: isLeaf}, nil
}

// defaultIssue decides the issue of a failing leaf: a valid proposal is
// kept, NOT_ISSUE yields none, anything else falls back to the project's
// to-investigate type.
func (c *Coordinator) defaultIssue(
	ctx context.Context, n *model.Node, proposal *model.Issue,
) (*model.Issue, error) {
	investigate := &model.Issue{
		DefectTypeLocator: c.taxonomy.DefaultInvestigateLocator(n.ProjectID),
		AutoClassified:    true,
	}

	if proposal == nil || proposal.DefectTypeLocator == "" {
		return investigate, nil
	}

	if model.IsNotIssue(proposal.DefectTypeLocator) {
		return nil, nil
	}

	dt, ok, err := c.taxonomy.Resolve(ctx, n.ProjectID, proposal.DefectTypeLocator)
	if err != nil {
		return nil, err
	}

	if !ok {
		c.log.WithFields(logrus.Fields{
			"node_id": n.ID,
			"locator": proposal.DefectTypeLocator,
		}).Warn("Unknown defect type proposed on finish, falling back to investigate")

		investigate.Comment = proposal.Comment

		return investigate, nil
	}

	issue := proposal.Clone()
	issue.DefectTypeLocator = dt.Locator

	return issue, nil
}

// Delete removes a node with its whole subtree and re-aggregates the
// former ancestors.
func (c *Coordinator) Delete(ctx context.Context, id, actor string) (res *DeleteResult, err error) {
	defer func() { c.record(ctx, "delete", err) }()

	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	removed, err := c.store.DeleteSubtree(ctx, id)
	if err != nil {
		return nil, err
	}

	res = &DeleteResult{Removed: removed}

	if !n.IsRoot() {
		report, err := c.agg.Refresh(ctx, n.ParentID)
		if err != nil {
			return nil, err
		}

		res.Warnings = report.Warnings
	}

	c.publish(n, model.ActionDelete, actor, n, nil)

	c.log.WithFields(logrus.Fields{
		"node_id": id,
		"removed": removed,
	}).Info("Deleted subtree")

	return res, nil
}

// Interrupt force-finishes every open node of a launch, deepest first,
// with INTERRUPTED, then the launch itself.
func (c *Coordinator) Interrupt(
	ctx context.Context, launchID string, at time.Time,
) (res *InterruptResult, err error) {
	defer func() { c.record(ctx, "interrupt", err) }()

	launch, err := c.store.GetNode(ctx, launchID)
	if err != nil {
		return nil, err
	}

	if !launch.IsRoot() {
		return nil, &model.InvalidTargetError{ID: launchID, Reason: "not a launch"}
	}

	if launch.Status.Terminal() {
		return nil, &model.AlreadyFinishedError{ID: launch.ID, Status: launch.Status}
	}

	if at.IsZero() {
		at = c.now()
	}

	open, err := c.store.ListOpenDescendants(ctx, launchID)
	if err != nil {
		return nil, err
	}

	res = &InterruptResult{}

	for i := range open {
		r, err := c.Finish(ctx, FinishRequest{
			NodeID:     open[i].ID,
			FinishedAt: notBefore(at, open[i].StartedAt),
			Status:     model.StatusInterrupted,
			Actor:      InterruptActor,
		})
		if err != nil {
			var af *model.AlreadyFinishedError
			if errors.As(err, &af) {
				continue
			}

			return nil, fmt.Errorf("interrupting node %q: %w", open[i].ID, err)
		}

		res.Interrupted++
		res.Warnings = append(res.Warnings, r.Warnings...)
	}

	r, err := c.Finish(ctx, FinishRequest{
		NodeID:     launchID,
		FinishedAt: notBefore(at, launch.StartedAt),
		Status:     model.StatusInterrupted,
		Actor:      InterruptActor,
	})
	if err != nil {
		return nil, err
	}

	res.Launch = r.Node
	res.Warnings = append(res.Warnings, r.Warnings...)

	c.publish(r.Node, model.ActionInterrupt, InterruptActor, launch.Status, r.Node.Status)

	c.log.WithFields(logrus.Fields{
		"launch_id":   launchID,
		"interrupted": res.Interrupted,
	}).Info("Launch interrupted")

	return res, nil
}

func notBefore(t, bound time.Time) time.Time {
	if t.Before(bound) {
		return bound
	}

	return t
}

func (c *Coordinator) publish(n *model.Node, action, actor string, before, after any) {
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

func encode(v any) string {
	if v == nil {
		return ""
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}

// errorKind names the domain error kind of err for metrics.
func errorKind(err error) string {
	var (
		nf  *model.NotFoundError
		to  *model.TemporalOrderError
		af  *model.AlreadyFinishedError
		as  *model.AmbiguousStatusError
		udt *model.UnknownDefectTypeError
		it  *model.InvalidTargetError
	)

	switch {
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &to):
		return "temporal_order"
	case errors.As(err, &af):
		return "already_finished"
	case errors.As(err, &as):
		return "ambiguous_status"
	case errors.As(err, &udt):
		return "unknown_defect_type"
	case errors.As(err, &it):
		return "invalid_target"
	default:
		return "error"
	}
}

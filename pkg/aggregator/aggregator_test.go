package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/hierarchy"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) hierarchy.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := hierarchy.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newTestAggregator(t *testing.T, s NodeStore, opts Options) *Aggregator {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	a := New(log, s, opts)
	t.Cleanup(a.Close)

	return a
}

func addRoot(t *testing.T, s hierarchy.Store, id string) *model.Node {
	t.Helper()

	n := &model.Node{
		ID:        id,
		LaunchID:  id,
		ProjectID: "proj",
		Kind:      model.KindRoot,
		Name:      "launch-" + id,
		StartedAt: testStart,
		Status:    model.StatusInProgress,
	}
	require.NoError(t, s.CreateNode(context.Background(), n))

	return n
}

func addChild(
	t *testing.T, s hierarchy.Store, parent *model.Node, id string, kind model.Kind,
) *model.Node {
	t.Helper()

	ctx := context.Background()
	n := &model.Node{
		ID:        id,
		ParentID:  parent.ID,
		LaunchID:  parent.LaunchID,
		ProjectID: parent.ProjectID,
		Path:      parent.ChildPath(),
		Kind:      kind,
		Name:      id,
		StartedAt: testStart.Add(time.Second),
		Status:    model.StatusInProgress,
	}
	require.NoError(t, s.CreateNode(ctx, n))
	require.NoError(t, s.ClaimParent(ctx, parent.ID))

	return n
}

func finishLeaf(
	t *testing.T, a *Aggregator, id string, st model.Status, locator string,
) Report {
	t.Helper()

	ctx := context.Background()

	_, err := a.Mutate(ctx, id, func(n *model.Node) (bool, error) {
		at := testStart.Add(time.Minute)
		n.Status = st
		n.FinishedAt = &at
		n.Issue = nil

		if locator != "" {
			n.Issue = &model.Issue{DefectTypeLocator: locator}
		}

		return true, nil
	})
	require.NoError(t, err)

	_, err = a.ApplyLeafOutcome(ctx, id)
	require.NoError(t, err)

	report, err := a.RecomputeAncestors(ctx, id)
	require.NoError(t, err)

	return report
}

func getNode(t *testing.T, s hierarchy.Store, id string) *model.Node {
	t.Helper()

	n, err := s.GetNode(context.Background(), id)
	require.NoError(t, err)

	return n
}

func TestAggregator_PropagatesLeafOutcomes(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)
	addChild(t, s, suite, "t2", model.KindTest)
	addChild(t, s, suite, "t3", model.KindTest)

	finishLeaf(t, a, "t1", model.StatusPassed, "")
	finishLeaf(t, a, "t2", model.StatusFailed, "ti001")
	finishLeaf(t, a, "t3", model.StatusSkipped, "pb001")

	want := model.Statistics{
		Executions: model.Executions{Passed: 1, Failed: 1, Skipped: 1},
		Defects:    map[string]int{"ti001": 1, "pb001": 1},
	}

	for _, id := range []string{"s", "r"} {
		n := getNode(t, s, id)
		assert.True(t, want.Equal(n.Statistics), "node %s: %+v", id, n.Statistics)
	}

	assert.Equal(t, 1, getNode(t, s, "t2").Statistics.Defects["ti001"])
}

func TestAggregator_EarlyStop(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)

	report := finishLeaf(t, a, "t1", model.StatusPassed, "")
	assert.Equal(t, 2, report.Visited)
	assert.Equal(t, 2, report.Updated)

	report, err := a.RecomputeAncestors(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, 0, report.Updated)
	assert.Empty(t, report.Warnings)
}

func TestAggregator_ReclassificationMovesDefectUnit(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	root := addRoot(t, s, "r")
	addChild(t, s, root, "t1", model.KindTest)

	finishLeaf(t, a, "t1", model.StatusFailed, "ti001")
	assert.Equal(t, map[string]int{"ti001": 1}, getNode(t, s, "r").Statistics.Defects)

	finishLeaf(t, a, "t1", model.StatusFailed, "pb001")

	defects := getNode(t, s, "r").Statistics.Defects
	assert.Equal(t, 1, defects["pb001"])

	_, hasStale := defects["ti001"]
	assert.False(t, hasStale, "old defect key must be removed, got %v", defects)
}

func TestAggregator_FixtureDoesNotCountAsPassed(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	root := addRoot(t, s, "r")
	addChild(t, s, root, "before", model.KindBeforeGroup)
	addChild(t, s, root, "t1", model.KindTest)

	finishLeaf(t, a, "before", model.StatusPassed, "")
	finishLeaf(t, a, "t1", model.StatusPassed, "")

	stats := getNode(t, s, "r").Statistics
	assert.Equal(t, 1, stats.Executions.Passed)
	assert.Equal(t, 1, stats.Executions.Total())
}

func TestAggregator_ApplyLeafOutcomeRejectsParents(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	root := addRoot(t, s, "r")
	addChild(t, s, root, "t1", model.KindTest)

	_, err := a.ApplyLeafOutcome(context.Background(), "r")

	var target *model.InvalidTargetError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "r", target.ID)
}

func TestAggregator_ApplyLeafOutcomeNotFound(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	_, err := a.ApplyLeafOutcome(context.Background(), "missing")

	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestAggregator_VerifyAndRecompute(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})
	ctx := context.Background()

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)
	addChild(t, s, suite, "t2", model.KindTest)

	finishLeaf(t, a, "t1", model.StatusPassed, "")
	finishLeaf(t, a, "t2", model.StatusFailed, "ab001")

	w, err := a.Verify(ctx, "r")
	require.NoError(t, err)
	assert.Nil(t, w)

	// Corrupt the suite and the root.
	for _, id := range []string{"s", "r"} {
		n := getNode(t, s, id)
		n.Statistics = model.Statistics{Executions: model.Executions{Passed: 42}}
		require.NoError(t, s.UpdateNode(ctx, n))
	}

	w, err = a.Verify(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "s", w.NodeID)

	report, err := a.Recompute(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)

	want := model.Statistics{
		Executions: model.Executions{Passed: 1, Failed: 1},
		Defects:    map[string]int{"ab001": 1},
	}

	for _, id := range []string{"s", "r"} {
		assert.True(t, want.Equal(getNode(t, s, id).Statistics), "node %s", id)

		w, err := a.Verify(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, w)
	}
}

func TestAggregator_CheckSchedulesRepair(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{RepairDelay: 10 * time.Millisecond})
	ctx := context.Background()

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)
	addChild(t, s, suite, "t2", model.KindTest)

	finishLeaf(t, a, "t1", model.StatusPassed, "")
	finishLeaf(t, a, "t2", model.StatusFailed, "ab001")

	warnings, err := a.Check(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// A single-node check of the root misses drift further down.
	for _, id := range []string{"t2", "s"} {
		n := getNode(t, s, id)
		n.Statistics = model.Statistics{Executions: model.Executions{Skipped: 7}}
		require.NoError(t, s.UpdateNode(ctx, n))
	}

	w, err := a.Verify(ctx, "r")
	require.NoError(t, err)
	require.NotNil(t, w)

	stale, err := a.VerifySubtree(ctx, "s")
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "t2", stale[0].NodeID)
	assert.Equal(t, "s", stale[1].NodeID)

	warnings, err = a.Check(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, warnings, 3)

	require.Eventually(t, func() bool {
		left, err := a.VerifySubtree(ctx, "r")

		return err == nil && len(left) == 0
	}, 5*time.Second, 10*time.Millisecond)

	want := model.Statistics{
		Executions: model.Executions{Passed: 1, Failed: 1},
		Defects:    map[string]int{"ab001": 1},
	}
	assert.True(t, want.Equal(getNode(t, s, "r").Statistics))
}

func TestAggregator_RecomputeRederivesParentStatus(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})
	ctx := context.Background()

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)
	addChild(t, s, suite, "t2", model.KindTest)

	finishLeaf(t, a, "t1", model.StatusPassed, "")
	finishLeaf(t, a, "t2", model.StatusFailed, "ti001")

	_, err := a.Mutate(ctx, "s", func(n *model.Node) (bool, error) {
		n.Status = model.StatusFailed

		return true, nil
	})
	require.NoError(t, err)

	_, err = s.DeleteSubtree(ctx, "t2")
	require.NoError(t, err)

	_, err = a.Recompute(ctx, "s")
	require.NoError(t, err)

	n := getNode(t, s, "s")
	assert.Equal(t, model.StatusPassed, n.Status)
	assert.Equal(t, 1, n.Statistics.Executions.Passed)
	assert.Equal(t, 0, n.Statistics.Executions.Failed)
	assert.Empty(t, n.Statistics.Defects)

	// In-progress parents keep their status.
	assert.Equal(t, model.StatusInProgress, getNode(t, s, "r").Status)

	_, err = s.DeleteSubtree(ctx, "t1")
	require.NoError(t, err)

	_, err = a.Mutate(ctx, "s", func(n *model.Node) (bool, error) {
		n.Status = model.StatusFailed

		return true, nil
	})
	require.NoError(t, err)

	_, err = a.Recompute(ctx, "s")
	require.NoError(t, err)

	n = getNode(t, s, "s")
	assert.True(t, n.HasChildren)
	assert.Equal(t, model.StatusPassed, n.Status)
	assert.Equal(t, 0, n.Statistics.Executions.Total())
}

func TestAggregator_ConcurrentSiblingFinishes(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{RetryMaxElapsed: 10 * time.Second})

	const leaves = 25

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)

	for i := 0; i < leaves; i++ {
		addChild(t, s, suite, fmt.Sprintf("t%02d", i), model.KindTest)
	}

	var wg sync.WaitGroup

	errs := make(chan error, leaves)

	for i := 0; i < leaves; i++ {
		wg.Add(1)

		go func(id string, failed bool) {
			defer wg.Done()

			ctx := context.Background()

			_, err := a.Mutate(ctx, id, func(n *model.Node) (bool, error) {
				n.Status = model.StatusPassed
				if failed {
					n.Status = model.StatusFailed
					n.Issue = &model.Issue{DefectTypeLocator: "ti001"}
				}

				return true, nil
			})
			if err != nil {
				errs <- err

				return
			}

			if _, err := a.ApplyLeafOutcome(ctx, id); err != nil {
				errs <- err

				return
			}

			report, err := a.RecomputeAncestors(ctx, id)
			if err != nil {
				errs <- err

				return
			}

			if len(report.Warnings) > 0 {
				errs <- report.Warnings[0]
			}
		}(fmt.Sprintf("t%02d", i), i%5 == 0)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []string{"s", "r"} {
		stats := getNode(t, s, id).Statistics
		assert.Equal(t, 20, stats.Executions.Passed, "node %s", id)
		assert.Equal(t, 5, stats.Executions.Failed, "node %s", id)
		assert.Equal(t, 5, stats.Defects["ti001"], "node %s", id)
	}

	assert.Equal(t, 0, a.locks.size())
}

// conflictingStore rejects every write to one node.
type conflictingStore struct {
	hierarchy.Store
	id string
}

func (c *conflictingStore) UpdateNode(ctx context.Context, n *model.Node) error {
	if n.ID == c.id {
		return model.ErrConflict
	}

	return c.Store.UpdateNode(ctx, n)
}

func TestAggregator_RetryExhaustionYieldsWarning(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, &conflictingStore{Store: s, id: "s"}, Options{
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      20 * time.Millisecond,
		RepairDelay:          time.Hour,
	})

	root := addRoot(t, s, "r")
	suite := addChild(t, s, root, "s", model.KindSuite)
	addChild(t, s, suite, "t1", model.KindTest)

	report := finishLeaf(t, a, "t1", model.StatusPassed, "")
	require.Len(t, report.Warnings, 1)

	w := report.Warnings[0]
	assert.Equal(t, "s", w.NodeID)
	assert.Greater(t, w.Attempts, 1)
	assert.True(t, errors.Is(w, model.ErrConflict))
}

func TestAggregator_MutateErrorsAreNotRetried(t *testing.T) {
	s := setupTestStore(t)
	a := newTestAggregator(t, s, Options{})

	addRoot(t, s, "r")

	calls := 0
	boom := errors.New("boom")

	_, err := a.Mutate(context.Background(), "r", func(*model.Node) (bool, error) {
		calls++

		return false, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})

	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()

	assert.Equal(t, 0, k.size())
}

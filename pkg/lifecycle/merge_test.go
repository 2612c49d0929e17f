package lifecycle

import (
	"context"
	"testing"

	"github.com/ethpandaops/reportoor/pkg/fingerprint"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_Merge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.launch(t, "nightly", at(0))
	suite := h.child(t, a, model.KindSuite, "suite", at(1))
	t1 := h.child(t, suite, model.KindTest, "login", at(1))
	h.finish(t, t1, model.StatusPassed, at(2))
	h.finish(t, suite, "", at(3))
	h.finish(t, a, "", at(4))

	b := h.launch(t, "nightly", at(10))
	t2 := h.child(t, b, model.KindTest, "logout", at(11))
	h.finish(t, t2, model.StatusFailed, at(12))
	h.finish(t, b, "", at(13))

	oldFingerprint := h.get(t, t1.ID).Fingerprint
	require.True(t, fingerprint.Validate(oldFingerprint))

	res, err := h.coord.Merge(ctx, MergeRequest{
		LaunchIDs:         []string{b.ID, a.ID, b.ID},
		ExtendDescription: true,
		Actor:             "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Moved)
	assert.Equal(t, []string{a.ID, b.ID}, res.Merged)
	assert.Empty(t, res.Warnings)

	merged := res.Launch
	assert.Equal(t, "Merged: nightly", merged.Name)
	assert.Equal(t, model.StatusFailed, merged.Status)
	assert.True(t, merged.HasChildren)
	assert.True(t, merged.StartedAt.Equal(at(0)))
	require.NotNil(t, merged.FinishedAt)
	assert.True(t, merged.FinishedAt.Equal(at(13)))
	assert.Equal(t, 1, merged.Statistics.Executions.Passed)
	assert.Equal(t, 1, merged.Statistics.Executions.Failed)
	assert.Equal(t, map[string]int{"ti001": 1}, merged.Statistics.Defects)

	for _, id := range []string{a.ID, b.ID} {
		_, err := h.store.GetNode(ctx, id)

		var nf *model.NotFoundError
		require.ErrorAs(t, err, &nf)
	}

	gotSuite := h.get(t, suite.ID)
	assert.Equal(t, merged.ID, gotSuite.ParentID)
	assert.Equal(t, merged.ID, gotSuite.LaunchID)
	assert.Equal(t, "@launch 'nightly'", gotSuite.Description)

	gotTest := h.get(t, t1.ID)
	assert.Equal(t, merged.ID, gotTest.LaunchID)
	assert.Empty(t, gotTest.Description)
	assert.True(t, fingerprint.Validate(gotTest.Fingerprint))
	assert.NotEqual(t, oldFingerprint, gotTest.Fingerprint, "fingerprint follows the new launch name")

	w, err := h.coord.agg.VerifySubtree(ctx, merged.ID)
	require.NoError(t, err)
	assert.Empty(t, w)

	require.Len(t, h.finished, 3)
	assert.Equal(t, merged.ID, h.finished[2].ID)
	assert.Contains(t, h.audit.actions(), model.ActionMerge)
}

func TestCoordinator_MergeKeepsNameWhenGiven(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.launch(t, "nightly", at(0))
	l := h.child(t, a, model.KindTest, "login", at(1))
	h.finish(t, l, model.StatusSkipped, at(2))
	h.finish(t, a, "", at(3))

	before := h.get(t, l.ID).Fingerprint

	res, err := h.coord.Merge(ctx, MergeRequest{
		LaunchIDs:   []string{a.ID},
		Name:        "nightly",
		Description: "rerun",
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", res.Launch.Name)
	assert.Equal(t, "rerun", res.Launch.Description)
	assert.Equal(t, model.StatusSkipped, res.Launch.Status)
	assert.Equal(t, before, h.get(t, l.ID).Fingerprint)
	assert.Empty(t, h.get(t, l.ID).Description)
}

func TestCoordinator_MergeErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.launch(t, "nightly", at(0))
	l := h.child(t, done, model.KindTest, "t", at(1))
	h.finish(t, l, model.StatusPassed, at(2))
	h.finish(t, done, "", at(3))

	running := h.launch(t, "running", at(0))

	other, err := h.coord.Start(ctx, StartRequest{ProjectID: "other", Name: "elsewhere", StartedAt: at(0)})
	require.NoError(t, err)

	ol := h.child(t, other, model.KindTest, "t", at(1))
	h.finish(t, ol, model.StatusPassed, at(2))
	h.finish(t, other, "", at(3))

	tests := []struct {
		name    string
		ids     []string
		wantErr any
	}{
		{name: "no launches", ids: nil, wantErr: new(*model.InvalidTargetError)},
		{name: "in progress", ids: []string{done.ID, running.ID}, wantErr: new(*model.InvalidTargetError)},
		{name: "other project", ids: []string{done.ID, other.ID}, wantErr: new(*model.InvalidTargetError)},
		{name: "not a launch", ids: []string{l.ID}, wantErr: new(*model.InvalidTargetError)},
		{name: "missing", ids: []string{done.ID, "missing"}, wantErr: new(*model.NotFoundError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.Merge(ctx, MergeRequest{LaunchIDs: tt.ids})
			require.ErrorAs(t, err, tt.wantErr)
		})
	}

	// Rejected merges leave the sources untouched.
	assert.Equal(t, done.ID, h.get(t, l.ID).LaunchID)
	assert.Equal(t, model.StatusPassed, h.get(t, done.ID).Status)
}

func TestCoordinator_Clean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.launch(t, "old", at(0))
	ol := h.child(t, old, model.KindTest, "t", at(1))
	h.finish(t, ol, model.StatusPassed, at(2))
	h.finish(t, old, "", at(5))

	recent := h.launch(t, "recent", at(0))
	rl := h.child(t, recent, model.KindTest, "t", at(1))
	h.finish(t, rl, model.StatusPassed, at(2))
	h.finish(t, recent, "", at(100))

	running := h.launch(t, "running", at(0))

	res, err := h.coord.Clean(ctx, at(50))
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, res.Launches)
	assert.Equal(t, int64(2), res.Removed)

	for _, id := range []string{old.ID, ol.ID} {
		_, err := h.store.GetNode(ctx, id)

		var nf *model.NotFoundError
		require.ErrorAs(t, err, &nf)
	}

	assert.Equal(t, model.StatusPassed, h.get(t, recent.ID).Status)
	assert.Equal(t, model.StatusInProgress, h.get(t, running.ID).Status)

	res, err = h.coord.Clean(ctx, at(50))
	require.NoError(t, err)
	assert.Empty(t, res.Launches)

	var retention int

	h.audit.mu.Lock()
	for _, rec := range h.audit.records {
		if rec.Action == model.ActionDelete && rec.Actor == RetentionActor {
			retention++
		}
	}
	h.audit.mu.Unlock()

	assert.Equal(t, 1, retention)
}

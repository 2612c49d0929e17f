package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/lifecycle"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Interrupt: config.InterruptConfig{
			Interval:    time.Minute,
			MaxDuration: time.Hour,
		},
		Retention: config.RetentionConfig{
			Interval: time.Minute,
			KeepFor:  24 * time.Hour,
		},
	}
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	e := New(log, cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	return e
}

func TestEngine_CleanExpired(t *testing.T) {
	e := startEngine(t, testConfig(t))
	ctx := context.Background()

	finish := func(name string, finishedAt time.Time) *model.Node {
		launch, err := e.Lifecycle.Start(ctx, lifecycle.StartRequest{
			ProjectID: "proj",
			Name:      name,
			StartedAt: finishedAt.Add(-time.Minute),
		})
		require.NoError(t, err)

		_, err = e.Lifecycle.Finish(ctx, lifecycle.FinishRequest{
			NodeID:     launch.ID,
			FinishedAt: finishedAt,
			Status:     model.StatusPassed,
		})
		require.NoError(t, err)

		return launch
	}

	old := finish("old", time.Now().Add(-48*time.Hour))
	recent := finish("recent", time.Now().Add(-time.Hour))

	require.NoError(t, e.StartRetention(ctx))
	assert.Nil(t, e.retention)

	n, err := e.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Store.GetNode(ctx, old.ID)

	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = e.Store.GetNode(ctx, recent.ID)
	require.NoError(t, err)
}

func TestEngine_InterruptStale(t *testing.T) {
	e := startEngine(t, testConfig(t))
	ctx := context.Background()

	stale, err := e.Lifecycle.Start(ctx, lifecycle.StartRequest{
		ProjectID: "proj",
		Name:      "stuck",
		StartedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	fresh, err := e.Lifecycle.Start(ctx, lifecycle.StartRequest{
		ProjectID: "proj",
		Name:      "running",
		StartedAt: time.Now(),
	})
	require.NoError(t, err)

	// Disabled supervisors do not start, but a manual pass still runs.
	require.NoError(t, e.StartSupervisor(ctx))
	assert.Nil(t, e.supervisor)

	n, err := e.InterruptStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.Store.GetNode(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInterrupted, got.Status)

	got, err = e.Store.GetNode(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
}

func TestEngine_SeedsTaxonomy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
projects:
  proj:
    - locator: pb_flaky
      family: PRODUCT_BUG
      long_name: Flaky
      short_name: FL
`), 0o600))

	cfg := testConfig(t)
	cfg.Taxonomy.File = path

	e := startEngine(t, cfg)

	_, ok, err := e.Taxonomy.Resolve(context.Background(), "proj", "pb_flaky")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_Activity(t *testing.T) {
	e := startEngine(t, testConfig(t))

	_, ok, err := e.Activity(context.Background(), "any")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, e.Exporter.Enabled())
}

func TestEngine_StartFailsOnBadExportOwner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Export = config.ExportConfig{
		Enabled: true,
		Local:   config.LocalExportConfig{Enabled: true, Dir: t.TempDir(), Owner: "nobody"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	e := New(log, cfg)
	t.Cleanup(func() { _ = e.Stop() })

	require.Error(t, e.Start(context.Background()))
}

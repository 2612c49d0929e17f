package taxonomy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestResolve_Builtins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, f := range model.Families() {
		dt, ok, err := s.Resolve(ctx, "proj", f.DefaultLocator())
		require.NoError(t, err)
		require.True(t, ok, f)
		assert.Equal(t, f, dt.Family)
	}

	dt, ok, err := s.Resolve(ctx, "proj", "PB001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pb001", dt.Locator)

	_, ok, err = s.Resolve(ctx, "proj", "xx001")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, "ti001", s.DefaultInvestigateLocator("proj"))
}

func TestAddSubtype(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSubtype(ctx, "proj", &model.DefectType{
		Locator:   "pb_flaky",
		Family:    "product_bug",
		LongName:  "Flaky",
		ShortName: "FL",
	}))

	dt, ok, err := s.Resolve(ctx, "proj", "pb_flaky")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.FamilyProductBug, dt.Family)
	assert.Equal(t, "Flaky", dt.LongName)

	_, ok, err = s.Resolve(ctx, "other", "pb_flaky")
	require.NoError(t, err)
	assert.False(t, ok, "subtypes are project scoped")

	// Re-adding updates in place.
	require.NoError(t, s.AddSubtype(ctx, "proj", &model.DefectType{
		Locator:   "pb_flaky",
		Family:    model.FamilyProductBug,
		LongName:  "Flaky test",
		ShortName: "FT",
	}))

	list, err := s.List(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, list, len(model.Families())+1)
	assert.Equal(t, "pb001", list[0].Locator)
	assert.Equal(t, "Flaky test", list[len(list)-1].LongName)
}

func TestAddSubtype_Rejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	valid := model.DefectType{
		Locator:   "ab_env",
		Family:    model.FamilyAutomationBug,
		LongName:  "Environment",
		ShortName: "ENV",
	}

	tests := []struct {
		name    string
		project string
		mutate  func(dt *model.DefectType)
	}{
		{name: "no project", project: "", mutate: func(_ *model.DefectType) {}},
		{name: "no locator", project: "proj", mutate: func(dt *model.DefectType) { dt.Locator = "" }},
		{name: "no short name", project: "proj", mutate: func(dt *model.DefectType) { dt.ShortName = "" }},
		{name: "reserved", project: "proj", mutate: func(dt *model.DefectType) { dt.Locator = "not_issue" }},
		{name: "builtin", project: "proj", mutate: func(dt *model.DefectType) { dt.Locator = "pb001" }},
		{name: "bad family", project: "proj", mutate: func(dt *model.DefectType) { dt.Family = "FEATURE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt := valid
			tt.mutate(&dt)
			require.Error(t, s.AddSubtype(ctx, tt.project, &dt))
		})
	}
}

func TestSeedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
projects:
  proj:
    - locator: si_dns
      family: SYSTEM_ISSUE
      long_name: DNS outage
      short_name: DNS
      color: "#123456"
  other:
    - locator: nd_known
      family: NO_DEFECT
      long_name: Known behaviour
      short_name: KB
`), 0o600))

	require.NoError(t, s.SeedFile(ctx, path))

	dt, ok, err := s.Resolve(ctx, "proj", "si_dns")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#123456", dt.Color)

	_, ok, err = s.Resolve(ctx, "other", "nd_known")
	require.NoError(t, err)
	assert.True(t, ok)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("projects:\n  p:\n    - locator: pb001\n      family: PRODUCT_BUG\n      long_name: x\n      short_name: x\n"), 0o600))
	require.Error(t, s.SeedFile(ctx, bad))

	require.Error(t, s.SeedFile(ctx, filepath.Join(t.TempDir(), "missing.yaml")))
}

package status

import (
	"testing"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromChildren(t *testing.T) {
	tests := []struct {
		name     string
		children []model.Status
		want     model.Status
	}{
		{name: "none", children: nil, want: model.StatusPassed},
		{name: "all passed", children: []model.Status{model.StatusPassed, model.StatusPassed}, want: model.StatusPassed},
		{name: "skipped wins over passed", children: []model.Status{model.StatusPassed, model.StatusSkipped}, want: model.StatusSkipped},
		{name: "interrupted wins over skipped", children: []model.Status{model.StatusSkipped, model.StatusInterrupted}, want: model.StatusInterrupted},
		{name: "failed wins", children: []model.Status{model.StatusInterrupted, model.StatusFailed, model.StatusPassed}, want: model.StatusFailed},
		{name: "open child counts as interrupted", children: []model.Status{model.StatusPassed, model.StatusInProgress}, want: model.StatusInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromChildren(tt.children))
		})
	}
}

func TestWorst(t *testing.T) {
	assert.Equal(t, model.StatusFailed, Worst(model.StatusFailed, model.StatusSkipped))
	assert.Equal(t, model.StatusFailed, Worst(model.StatusSkipped, model.StatusFailed))
	assert.Equal(t, model.StatusInterrupted, Worst(model.StatusInProgress, model.StatusPassed))
}

func TestResolve(t *testing.T) {
	t.Run("children override explicit", func(t *testing.T) {
		got, err := Resolve("n", true, model.StatusPassed, []model.Status{model.StatusFailed})
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got)
	})

	t.Run("childless takes explicit", func(t *testing.T) {
		got, err := Resolve("n", false, model.StatusSkipped, nil)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSkipped, got)
	})

	for _, explicit := range []model.Status{"", model.StatusInProgress} {
		t.Run("childless ambiguous "+string(explicit), func(t *testing.T) {
			_, err := Resolve("n", false, explicit, nil)

			var amb *model.AmbiguousStatusError
			require.ErrorAs(t, err, &amb)
			assert.Equal(t, "n", amb.ID)
		})
	}
}

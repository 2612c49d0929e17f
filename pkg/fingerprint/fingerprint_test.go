package fingerprint

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Stable(t *testing.T) {
	in := Input{
		ProjectID:     "proj",
		LaunchName:    "nightly",
		AncestorNames: []string{"auth", "login"},
		Name:          "valid password",
		Parameters:    []model.Parameter{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}},
	}

	a := Generate(in)
	b := Generate(in)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, Marker))
	assert.True(t, Validate(a))
}

func TestGenerate_ParameterOrderIrrelevant(t *testing.T) {
	base := Input{ProjectID: "p", LaunchName: "l", Name: "n"}

	x := base
	x.Parameters = []model.Parameter{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}

	y := base
	y.Parameters = []model.Parameter{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}

	assert.Equal(t, Generate(x), Generate(y))
}

func TestGenerate_Distinguishes(t *testing.T) {
	base := Input{
		ProjectID:     "p",
		LaunchName:    "l",
		AncestorNames: []string{"suite"},
		Name:          "n",
	}

	variants := map[string]func(in *Input){
		"project":  func(in *Input) { in.ProjectID = "other" },
		"launch":   func(in *Input) { in.LaunchName = "other" },
		"path":     func(in *Input) { in.AncestorNames = []string{"other"} },
		"no path":  func(in *Input) { in.AncestorNames = nil },
		"name":     func(in *Input) { in.Name = "other" },
		"params":   func(in *Input) { in.Parameters = []model.Parameter{{Value: "x"}} },
		"keyed":    func(in *Input) { in.Parameters = []model.Parameter{{Key: "k", Value: "x"}} },
		"deeper":   func(in *Input) { in.AncestorNames = []string{"suite", "nested"} },
		"reversed": func(in *Input) { in.AncestorNames = []string{"n"}; in.Name = "suite" },
	}

	want := Generate(base)

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			assert.NotEqual(t, want, Generate(in))
		})
	}
}

func TestCanonical(t *testing.T) {
	got := canonical(Input{
		ProjectID:     "p",
		LaunchName:    "l",
		AncestorNames: []string{"a", "b"},
		Name:          "n",
		Parameters:    []model.Parameter{{Key: "z", Value: "1"}, {Value: "raw"}},
	})
	assert.Equal(t, `"p";"l";"a","b";"n";"raw","z"="1"`, got)

	assert.Equal(t, `"p";"l";;"n";`, canonical(Input{ProjectID: "p", LaunchName: "l", Name: "n"}))
}

func TestGenerate_SeparatorsInValues(t *testing.T) {
	tests := []struct {
		name string
		a, b Input
	}{
		{
			name: "separator in name vs path",
			a:    Input{ProjectID: "p", LaunchName: "l", Name: "x;y"},
			b:    Input{ProjectID: "p", LaunchName: "l", AncestorNames: []string{"x"}, Name: "y"},
		},
		{
			name: "comma in ancestor name",
			a:    Input{ProjectID: "p", LaunchName: "l", AncestorNames: []string{"a,b"}, Name: "n"},
			b:    Input{ProjectID: "p", LaunchName: "l", AncestorNames: []string{"a", "b"}, Name: "n"},
		},
		{
			name: "parameter folded into name",
			a: Input{
				ProjectID: "p", LaunchName: "l", Name: "n",
				Parameters: []model.Parameter{{Key: "k", Value: "v"}},
			},
			b: Input{ProjectID: "p", LaunchName: "l", Name: "n;k=v"},
		},
		{
			name: "keyed vs raw parameter",
			a: Input{
				ProjectID: "p", LaunchName: "l", Name: "n",
				Parameters: []model.Parameter{{Key: "k", Value: "v"}},
			},
			b: Input{
				ProjectID: "p", LaunchName: "l", Name: "n",
				Parameters: []model.Parameter{{Value: "k=v"}},
			},
		},
		{
			name: "comma in parameter value",
			a: Input{
				ProjectID: "p", LaunchName: "l", Name: "n",
				Parameters: []model.Parameter{{Value: "a,b"}},
			},
			b: Input{
				ProjectID: "p", LaunchName: "l", Name: "n",
				Parameters: []model.Parameter{{Value: "a"}, {Value: "b"}},
			},
		},
		{
			name: "separator in project",
			a:    Input{ProjectID: "p;l", LaunchName: "n", Name: "x"},
			b:    Input{ProjectID: "p", LaunchName: "l;n", Name: "x"},
		},
		{
			name: "empty ancestor vs no path",
			a:    Input{ProjectID: "p", LaunchName: "l", AncestorNames: []string{""}, Name: "n"},
			b:    Input{ProjectID: "p", LaunchName: "l", Name: "n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, canonical(tt.a), canonical(tt.b))
			assert.NotEqual(t, Generate(tt.a), Generate(tt.b))
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Generate(Input{ProjectID: "p", LaunchName: "l", Name: "n"})

	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "generated", value: valid, want: true},
		{name: "empty", value: "", want: false},
		{name: "no marker", value: strings.TrimPrefix(valid, Marker), want: false},
		{name: "short", value: Marker + "abcd", want: false},
		{name: "not hex", value: Marker + strings.Repeat("z", digestHexLen), want: false},
		{name: "client supplied", value: "my-test-42", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.value))
		})
	}
}

type stubNames struct {
	names map[string][]string
	err   error
	calls int
}

func (s *stubNames) GetNamePath(_ context.Context, id string) ([]string, error) {
	s.calls++

	if s.err != nil {
		return nil, s.err
	}

	return s.names[id], nil
}

func TestGenerator_ForChild(t *testing.T) {
	ctx := context.Background()
	launch := &model.Node{ID: "r", ProjectID: "p", Name: "nightly", Kind: model.KindRoot}
	suite := &model.Node{ID: "s", ParentID: "r", Path: "r", Name: "auth", Kind: model.KindSuite}

	names := &stubNames{names: map[string][]string{"s": {"auth"}}}
	g := NewGenerator(names)

	underSuite, err := g.ForChild(ctx, launch, suite, "login", nil)
	require.NoError(t, err)
	assert.Equal(t, Generate(Input{
		ProjectID: "p", LaunchName: "nightly", AncestorNames: []string{"auth"}, Name: "login",
	}), underSuite)
	assert.Equal(t, 1, names.calls)

	underRoot, err := g.ForChild(ctx, launch, launch, "login", nil)
	require.NoError(t, err)
	assert.Equal(t, Generate(Input{ProjectID: "p", LaunchName: "nightly", Name: "login"}), underRoot)
	assert.Equal(t, 1, names.calls, "root parents need no lookup")

	names.err = errors.New("boom")
	_, err = g.ForChild(ctx, launch, suite, "login", nil)
	require.Error(t, err)
}

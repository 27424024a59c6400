package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Essay(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/essay_word_count.yaml")
	require.NoError(t, err)

	assert.Equal(t, "essay_word_count", s.Name)
	assert.Equal(t, map[string]string{"Essay": "word_count"}, s.Computations)
	require.Len(t, s.Documents, 1)
	assert.Equal(t, "one two", s.Documents[0].Fields["text"])
	require.Len(t, s.Steps, 3)

	kind, target := s.Steps[0].Kind()
	assert.Equal(t, StepSubscribe, kind)
	assert.Equal(t, "e1", target)
	assert.Equal(t, "s1", s.Steps[0].As)

	kind, target = s.Steps[2].Kind()
	assert.Equal(t, StepUnsubscribe, kind)
	assert.Equal(t, "s1", target)

	require.Len(t, s.Expect, 1)
	require.NotNil(t, s.Expect[0].Computed)
	assert.True(t, *s.Expect[0].Computed)
}

func TestLoadScenario_ResolvesTypesDir(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/nested_sections.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "types"), s.TypesDir)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MissingTypesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: x
description: x
types_dir: ./missing
steps:
  - set: a
    fields: { text: "x" }
`), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "types_dir")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: x\ntypes: x\nstep: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: x\ntypes: x\nsteps: [{set: a, fields: {t: 1}}]\n",
			want: "name is required",
		},
		{
			name: "both type sources",
			yaml: "name: x\ndescription: x\ntypes: x\ntypes_dir: y\nsteps: [{set: a, fields: {t: 1}}]\n",
			want: "exactly one of types or types_dir",
		},
		{
			name: "no steps",
			yaml: "name: x\ndescription: x\ntypes: x\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: x\ndescription: x\ntypes: x\nsteps: [{set: a, start: a, fields: {t: 1}}]\n",
			want: "exactly one action",
		},
		{
			name: "subscribe without name",
			yaml: "name: x\ndescription: x\ntypes: x\nsteps: [{subscribe: a}]\n",
			want: "subscribe requires as",
		},
		{
			name: "unknown subscription",
			yaml: "name: x\ndescription: x\ntypes: x\nsteps: [{unsubscribe: s9}]\n",
			want: "unknown subscription",
		},
		{
			name: "unknown builtin",
			yaml: "name: x\ndescription: x\ntypes: x\ncomputations: {Essay: magic}\nsteps: [{start: a}]\n",
			want: "unknown computation",
		},
		{
			name: "duplicate document",
			yaml: "name: x\ndescription: x\ntypes: x\ndocuments: [{id: a, type: T}, {id: a, type: T}]\nsteps: [{start: a}]\n",
			want: "duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

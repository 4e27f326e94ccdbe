package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one create delivered online
online: true
steps:
  - mutate:
      collection: notes
      key: n1
      action: create
      payload: '{"a":1}'
  - drain: true
assertions:
  - type: call_count
    count: 1
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.True(t, s.Online)
	require.Len(t, s.Steps, 2)
	require.NotNil(t, s.Steps[0].Mutate)
	assert.Equal(t, "notes", s.Steps[0].Mutate.Collection)
	assert.True(t, s.Steps[1].Drain)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertCallCount, s.Assertions[0].Type)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "retries: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{drain: true}]\nassertions: [{type: call_count}]\n",
			want: "name is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\nassertions: [{type: call_count}]\n",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nsteps: [{drain: true}]\n",
			want: "assertions list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nsteps: [{drain: true, advance: 1s}]\nassertions: [{type: call_count}]\n",
			want: "exactly one of",
		},
		{
			name: "bad action",
			yaml: "name: n\ndescription: d\nsteps: [{mutate: {collection: c, key: k, action: upsert}}]\nassertions: [{type: call_count}]\n",
			want: "steps[0]: mutate",
		},
		{
			name: "bad duration",
			yaml: "name: n\ndescription: d\nsteps: [{advance: soon}]\nassertions: [{type: call_count}]\n",
			want: "advance",
		},
		{
			name: "negative duration",
			yaml: "name: n\ndescription: d\nsteps: [{advance: -1s}]\nassertions: [{type: call_count}]\n",
			want: "must not be negative",
		},
		{
			name: "script entity without key",
			yaml: "name: n\ndescription: d\nsteps: [{script: {entity: notes, outcomes: [ok]}}]\nassertions: [{type: call_count}]\n",
			want: "collection/key",
		},
		{
			name: "unknown outcome",
			yaml: "name: n\ndescription: d\nsteps: [{script: {entity: notes/n1, outcomes: [flaky]}}]\nassertions: [{type: call_count}]\n",
			want: "unknown outcome",
		},
		{
			name: "bad connectivity",
			yaml: "name: n\ndescription: d\nsteps: [{connectivity: maybe}]\nassertions: [{type: call_count}]\n",
			want: "must be online or offline",
		},
		{
			name: "call_order without calls",
			yaml: "name: n\ndescription: d\nsteps: [{drain: true}]\nassertions: [{type: call_order}]\n",
			want: "calls list is required",
		},
		{
			name: "record_status without status",
			yaml: "name: n\ndescription: d\nsteps: [{drain: true}]\nassertions: [{type: record_status, entity: notes/n1}]\n",
			want: "entity and status are required",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nsteps: [{drain: true}]\nassertions: [{type: final_state}]\n",
			want: "unknown assertion type",
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

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
}

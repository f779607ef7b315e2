package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ResolvesPolicyRelativeToFile(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/gated_payment.yaml")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("testdata", "policy.cue"), s.Policy)
	assert.Len(t, s.Principals, 3)
	assert.Equal(t, "user:alice", s.Principals["bot"].Principal().IdentityID)
	require.Len(t, s.Setup, 1)
	assert.Equal(t, "t", s.Setup[0].Save)
	assert.Len(t, s.Flow, 6)
	assert.Equal(t, "CHECKPOINT_REQUIRED", s.Flow[1].Expect.Case)
}

func TestLoadScenario_MissingPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
policy: nowhere.cue
flow:
  - op: checkpoint.sweep
assertions:
  - type: trace_count
    op: checkpoint.sweep
    count: 1
`), 0o644))

	_, err := LoadScenario(path)
	assert.ErrorContains(t, err, "policy file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: s\ndescription: d\nflows: []\n",
			want: "field flows not found",
		},
		{
			name: "no flow",
			yaml: "name: s\ndescription: d\nassertions: [{type: trace_count, op: x}]\n",
			want: "flow list is required",
		},
		{
			name: "unknown op",
			yaml: "name: s\ndescription: d\nflow: [{op: thread.delete}]\nassertions: [{type: trace_count, op: x}]\n",
			want: `unknown op "thread.delete"`,
		},
		{
			name: "unknown principal",
			yaml: "name: s\ndescription: d\nflow: [{op: checkpoint.sweep, as: eve}]\nassertions: [{type: trace_count, op: x}]\n",
			want: `unknown principal "eve"`,
		},
		{
			name: "bad principal",
			yaml: "name: s\ndescription: d\nprincipals: {eve: {identity: u, actor: eve, type: robot}}\nflow: [{op: checkpoint.sweep}]\nassertions: [{type: trace_count, op: x}]\n",
			want: "unknown actor_type",
		},
		{
			name: "expect without case",
			yaml: "name: s\ndescription: d\nflow: [{op: checkpoint.sweep, expect: {result: {expired: 0}}}]\nassertions: [{type: trace_count, op: x}]\n",
			want: "case is required",
		},
		{
			name: "final_state without expect",
			yaml: "name: s\ndescription: d\nflow: [{op: checkpoint.sweep}]\nassertions: [{type: final_state, table: threads}]\n",
			want: "expect is required",
		},
		{
			name: "audit_count without identity",
			yaml: "name: s\ndescription: d\nflow: [{op: checkpoint.sweep}]\nassertions: [{type: audit_count, action: thread.created}]\n",
			want: "identity and action are required",
		},
		{
			name: "unknown assertion",
			yaml: "name: s\ndescription: d\nflow: [{op: checkpoint.sweep}]\nassertions: [{type: eventually}]\n",
			want: `unknown assertion type "eventually"`,
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

package governance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(filepath.Join("testdata", "policy.cue"))
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, p.DefaultExpiry)

	rule, ok := p.Rule("payment.send")
	require.True(t, ok)
	assert.Equal(t, ir.ClassCost, rule.Class)
	assert.Equal(t, time.Hour, rule.Expiry)
	assert.Equal(t, "outbound payment above the auto-approve limit", rule.Description)

	assert.Equal(t, time.Hour, p.ExpiryFor("payment.send"))
	assert.Equal(t, 24*time.Hour, p.ExpiryFor("identity.merge"), "falls back to default")
	assert.Equal(t, 24*time.Hour, p.ExpiryFor("not.gated"))

	_, ok = p.Rule("note.added")
	assert.False(t, ok)

	rules := p.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "identity.merge", rules[0].EventType)
	assert.Equal(t, "payment.send", rules[1].EventType)
	assert.Equal(t, "sphere.share", rules[2].EventType)
}

func TestParsePolicyErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown class", `gate: "x.y": {class: "urgent"}`},
		{"missing class", `gate: "x.y": {description: "no class"}`},
		{"unknown field", `gate: "x.y": {class: "cost", expires: "1h"}`},
		{"unknown top-level field", `gates: {}`},
		{"bad duration", `gate: "x.y": {class: "cost", expiry: "soon"}`},
		{"negative duration", `default_expiry: "-1h"`},
		{"syntax", `gate: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy("test.cue", []byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestParsePolicyEmpty(t *testing.T) {
	p, err := ParsePolicy("empty.cue", nil)
	require.NoError(t, err)
	assert.Empty(t, p.Rules())
	assert.Zero(t, p.ExpiryFor("anything"))
}

func TestPolicyErrorField(t *testing.T) {
	_, err := ParsePolicy("pos.cue", []byte("gate: \"x.y\": {\n\tclass: \"cost\"\n\texpiry: \"soon\"\n}\n"))
	require.Error(t, err)
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "gate.x.y.expiry", pe.Field)
	assert.Contains(t, pe.Message, `"soon"`)
}

func TestNilPolicy(t *testing.T) {
	var p *Policy
	_, ok := p.Rule("x")
	assert.False(t, ok)
	assert.Zero(t, p.ExpiryFor("x"))
}

package governance

import (
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/threadkeep/internal/ir"
)

// policySchema closes the policy so typos in field names fail to load.
const policySchema = `
#Class: "governance" | "cost" | "identity" | "sensitive" | "cross_sphere"

#Rule: {
	class:        #Class
	description?: string
	expiry?:      string
}

#Policy: {
	default_expiry?: string
	gate?: [string]: #Rule
}
`

// Rule describes how one event type is gated.
type Rule struct {
	EventType   string
	Class       ir.CheckpointClass
	Description string
	Expiry      time.Duration
}

// Policy maps event types to checkpoint rules.
type Policy struct {
	DefaultExpiry time.Duration
	rules         map[string]Rule
}

// EmptyPolicy gates nothing.
func EmptyPolicy() *Policy {
	return &Policy{rules: map[string]Rule{}}
}

// Rule returns the rule for eventType, if it is gated.
func (p *Policy) Rule(eventType string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	r, ok := p.rules[eventType]
	return r, ok
}

// Rules returns every rule sorted by event type.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// ExpiryFor returns how long a checkpoint for eventType stays pending.
// Zero means it never expires.
func (p *Policy) ExpiryFor(eventType string) time.Duration {
	if r, ok := p.Rule(eventType); ok && r.Expiry > 0 {
		return r.Expiry
	}
	if p == nil {
		return 0
	}
	return p.DefaultExpiry
}

// LoadPolicy reads and parses a CUE policy file.
func LoadPolicy(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return ParsePolicy(path, src)
}

// ParsePolicy compiles src against the policy schema.
func ParsePolicy(filename string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	policy := EmptyPolicy()

	if dv := v.LookupPath(cue.ParsePath("default_expiry")); dv.Exists() {
		d, err := parseExpiry(dv, "default_expiry")
		if err != nil {
			return nil, err
		}
		policy.DefaultExpiry = d
	}

	gateVal := v.LookupPath(cue.ParsePath("gate"))
	if !gateVal.Exists() {
		return policy, nil
	}
	iter, err := gateVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		eventType := iter.Selector().Unquoted()
		rv := iter.Value()

		class, err := rv.LookupPath(cue.ParsePath("class")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rule := Rule{EventType: eventType, Class: ir.CheckpointClass(class)}

		if dv := rv.LookupPath(cue.ParsePath("description")); dv.Exists() {
			if rule.Description, err = dv.String(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		if ev := rv.LookupPath(cue.ParsePath("expiry")); ev.Exists() {
			if rule.Expiry, err = parseExpiry(ev, "gate."+eventType+".expiry"); err != nil {
				return nil, err
			}
		}
		policy.rules[eventType] = rule
	}
	return policy, nil
}

func parseExpiry(v cue.Value, field string) (time.Duration, error) {
	s, err := v.String()
	if err != nil {
		return 0, formatCUEError(err)
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, &PolicyError{Field: field, Message: fmt.Sprintf("invalid duration %q", s), Pos: v.Pos()}
	}
	return d, nil
}

// PolicyError reports a policy problem with its source position.
type PolicyError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *PolicyError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &PolicyError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

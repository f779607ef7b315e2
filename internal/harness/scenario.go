package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/threadkeep/internal/ir"
)

// Scenario is one end-to-end test of the ledger and the gate.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is a CUE sensitivity policy. Without one nothing is gated.
	Policy string `yaml:"policy,omitempty"`

	// Principals names the callers steps act as.
	Principals map[string]PrincipalSpec `yaml:"principals"`

	// Setup steps run before the flow and must succeed. They are traced
	// like flow steps.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the main sequence of steps.
	Flow []Step `yaml:"flow"`

	// Assertions are checked after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// PrincipalSpec describes one named caller.
type PrincipalSpec struct {
	Identity string   `yaml:"identity"`
	Actor    string   `yaml:"actor"`
	Type     string   `yaml:"type"`
	Roles    []string `yaml:"roles,omitempty"`
}

// Principal builds the ir.Principal the caller acts as.
func (p PrincipalSpec) Principal() ir.Principal {
	return ir.Principal{
		IdentityID: p.Identity,
		ActorID:    p.Actor,
		ActorType:  ir.ActorType(p.Type),
		Roles:      slices.Clone(p.Roles),
	}
}

// Step invokes one operation.
type Step struct {
	// Op is the operation name, e.g. "thread.append".
	Op string `yaml:"op"`

	// As names the principal. clock.advance and checkpoint.sweep need none.
	As string `yaml:"as,omitempty"`

	Args map[string]any `yaml:"args"`

	// Save stores the step's full result under this name for later
	// $name.field references.
	Save string `yaml:"save,omitempty"`

	// Expect checks the completion. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected completion.
type ExpectClause struct {
	// Case is "ok" or an error code such as CHECKPOINT_REQUIRED.
	Case string `yaml:"case"`

	// Result is a subset match against the traced result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Op is used by trace_contains and trace_count.
	Op string `yaml:"op,omitempty"`

	// Args is a subset match, used by trace_contains.
	Args map[string]any `yaml:"args,omitempty"`

	// Ops is the expected order, used by trace_order.
	Ops []string `yaml:"ops,omitempty"`

	// Count is used by trace_count and audit_count.
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Identity and Action are used by audit_count.
	Identity string `yaml:"identity,omitempty"`
	Action   string `yaml:"action,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertAuditCount    = "audit_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected, and the policy path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Policy != "" && !filepath.IsAbs(s.Policy) {
		s.Policy = filepath.Join(filepath.Dir(path), s.Policy)
	}
	if s.Policy != "" {
		if _, err := os.Stat(s.Policy); err != nil {
			return nil, fmt.Errorf("invalid scenario: policy file: %w", err)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, p := range s.Principals {
		if err := p.Principal().Validate(); err != nil {
			return fmt.Errorf("principals[%s]: %w", name, err)
		}
	}

	check := func(section string, i int, step Step) error {
		if _, ok := operations[step.Op]; !ok {
			return fmt.Errorf("%s[%d]: unknown op %q", section, i, step.Op)
		}
		if step.As != "" {
			if _, ok := s.Principals[step.As]; !ok {
				return fmt.Errorf("%s[%d]: unknown principal %q", section, i, step.As)
			}
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("%s[%d].expect: case is required", section, i)
		}
		return nil
	}
	for i, step := range s.Setup {
		if err := check("setup", i, step); err != nil {
			return err
		}
	}
	for i, step := range s.Flow {
		if err := check("flow", i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertAuditCount:
		if a.Identity == "" || a.Action == "" {
			return fmt.Errorf("assertions[%d]: identity and action are required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

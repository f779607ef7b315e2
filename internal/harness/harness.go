package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/governance"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
	"github.com/roach88/threadkeep/internal/thread"
)

// Epoch is the clock reading at the start of every run.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Harness holds the services one scenario runs against.
type Harness struct {
	store   *store.Store
	clock   *clock.Manual
	trail   *audit.Trail
	threads *thread.Service
	gate    *governance.Gate
	logger  *slog.Logger

	principals map[string]ir.Principal
	vars       map[string]ir.IRObject
	seq        int64
}

// Run executes a scenario on a fresh in-memory store and returns the
// result. The error is non-nil only when the scenario itself is broken: an
// unreadable policy, a failing setup step or an unresolved reference.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and a logger. A nil logger discards.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	policy := governance.EmptyPolicy()
	if scenario.Policy != "" {
		if policy, err = governance.LoadPolicy(scenario.Policy); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
	}

	clk := clock.NewManual(Epoch)
	ids := idgen.NewSequential("id")
	trail := audit.New(st, clk, ids)
	gate := governance.New(st, trail, clk, ids, governance.WithPolicy(policy), governance.WithLogger(logger))
	h := &Harness{
		store:      st,
		clock:      clk,
		trail:      trail,
		threads:    thread.New(st, trail, clk, ids, thread.WithGate(gate), thread.WithLogger(logger)),
		gate:       gate,
		logger:     logger,
		principals: make(map[string]ir.Principal, len(scenario.Principals)),
		vars:       make(map[string]ir.IRObject),
	}
	for name, ps := range scenario.Principals {
		h.principals[name] = ps.Principal()
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		if err := h.execute(ctx, "setup", i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
	}
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, "flow", i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute flow: %w", err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Trail: trail, Vars: h.vars}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, section string, i int, step Step, result *Result) error {
	raw, err := ir.FromMap(step.Args)
	if err != nil {
		return fmt.Errorf("%s[%d]: args: %w", section, i, err)
	}
	resolved, err := resolveRefs(step.Args, h.vars)
	if err != nil {
		return fmt.Errorf("%s[%d]: %w", section, i, err)
	}
	args, err := ir.FromMap(resolved.(map[string]any))
	if err != nil {
		return fmt.Errorf("%s[%d]: args: %w", section, i, err)
	}

	h.seq++
	result.AddInvocationTrace(step.Op, step.As, raw, h.seq)

	view, saved, opErr := operations[step.Op](h, ctx, h.principals[step.As], args)
	outcome := CaseOK
	if opErr != nil {
		outcome = string(ir.CodeOf(opErr))
		if outcome == "" {
			outcome = CaseError
		}
		view = ir.IRObject{}
		saved = ir.IRObject{}
		if e, ok := ir.AsError(opErr); ok && e.Code == ir.ErrCodeCheckpointRequired {
			saved["checkpoint_id"] = ir.IRString(e.ResourceID)
		}
	}

	h.seq++
	result.AddCompletionTrace(step.Op, outcome, view, h.seq)
	if step.Save != "" {
		h.vars[step.Save] = saved
	}
	h.logger.Info("scenario step", "section", section, "step", i, "op", step.Op, "case", outcome)

	if step.Expect == nil {
		if opErr == nil {
			return nil
		}
		if section == "setup" {
			return fmt.Errorf("setup[%d] %s: %w", i, step.Op, opErr)
		}
		result.AddError(fmt.Sprintf("%s[%d] %s: unexpected failure: %v", section, i, step.Op, opErr))
		return nil
	}

	if step.Expect.Case != outcome {
		msg := fmt.Sprintf("%s[%d] %s: expected case %s, got %s", section, i, step.Op, step.Expect.Case, outcome)
		if opErr != nil {
			msg += ": " + opErr.Error()
		}
		result.AddError(msg)
		return nil
	}
	want, err := resolveRefs(step.Expect.Result, h.vars)
	if err != nil {
		return fmt.Errorf("%s[%d].expect: %w", section, i, err)
	}
	wantObj, err := ir.FromMap(want.(map[string]any))
	if err != nil {
		return fmt.Errorf("%s[%d].expect: %w", section, i, err)
	}
	for _, k := range wantObj.SortedKeys() {
		if !reflect.DeepEqual(view[k], wantObj[k]) {
			result.AddError(fmt.Sprintf("%s[%d] %s: result %s = %v, want %v", section, i, step.Op, k, view[k], wantObj[k]))
		}
	}
	return nil
}

// resolveRefs replaces "$name.field" strings with saved values.
func resolveRefs(v any, vars map[string]ir.IRObject) (any, error) {
	switch val := v.(type) {
	case string:
		ref, ok := strings.CutPrefix(val, "$")
		if !ok {
			return val, nil
		}
		name, field, ok := strings.Cut(ref, ".")
		if !ok {
			return nil, fmt.Errorf("reference %q must look like $name.field", val)
		}
		saved, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("reference %q: nothing saved as %q", val, name)
		}
		out, ok := saved[field]
		if !ok {
			return nil, fmt.Errorf("reference %q: %s has no field %q (have %v)", val, name, field, saved.SortedKeys())
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := resolveRefs(elem, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			r, err := resolveRefs(elem, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

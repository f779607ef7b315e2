package harness

import (
	"context"
	"time"

	"github.com/roach88/threadkeep/internal/governance"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/thread"
)

// opFunc runs one operation. view is what the trace records; saved is what
// a later step may reference and may include generated ids.
type opFunc func(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (view, saved ir.IRObject, err error)

var operations = map[string]opFunc{
	"thread.create":      opThreadCreate,
	"thread.append":      opThreadAppend,
	"thread.correct":     opThreadCorrect,
	"thread.archive":     opThreadArchive,
	"checkpoint.create":  opCheckpointCreate,
	"checkpoint.approve": opCheckpointApprove,
	"checkpoint.reject":  opCheckpointReject,
	"checkpoint.sweep":   opCheckpointSweep,
	"clock.advance":      opClockAdvance,
}

// Operations returns the supported op names, sorted.
func Operations() []string {
	names := make(ir.IRObject, len(operations))
	for name := range operations {
		names[name] = ir.IRBool(true)
	}
	return names.SortedKeys()
}

func str(args ir.IRObject, key string) string {
	if s, ok := args[key].(ir.IRString); ok {
		return string(s)
	}
	return ""
}

func obj(args ir.IRObject, key string) ir.IRObject {
	if o, ok := args[key].(ir.IRObject); ok {
		return o
	}
	return ir.IRObject{}
}

func threadResult(th ir.Thread) (ir.IRObject, ir.IRObject) {
	view := ir.IRObject{
		"status":      ir.IRString(th.Classification.Status),
		"sphere":      ir.IRString(th.Classification.Sphere),
		"event_count": ir.IRInt(th.EventCount),
	}
	saved := view.Clone()
	saved["id"] = ir.IRString(th.ID)
	return view, saved
}

func opThreadCreate(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	th, err := h.threads.CreateThread(ctx, p, thread.CreateRequest{
		FoundingIntent: str(args, "founding_intent"),
		Classification: ir.Classification{
			Sphere: str(args, "sphere"),
			Type:   str(args, "type"),
		},
		ParentThreadID: str(args, "parent"),
	})
	if err != nil {
		return nil, nil, err
	}
	view, saved := threadResult(th)
	return view, saved, nil
}

func eventResult(ev ir.ThreadEvent) (ir.IRObject, ir.IRObject) {
	view := ir.IRObject{
		"event_type":      ir.IRString(ev.EventType),
		"sequence_number": ir.IRInt(ev.SequenceNumber),
	}
	saved := view.Clone()
	saved["id"] = ir.IRString(ev.ID)
	saved["parent_event_id"] = ir.IRString(ev.ParentEventID)
	return view, saved
}

func opThreadAppend(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	ev, err := h.threads.AppendEvent(ctx, p, thread.AppendRequest{
		ThreadID:   str(args, "thread"),
		EventType:  str(args, "event_type"),
		Payload:    obj(args, "payload"),
		GrantToken: str(args, "grant"),
	})
	if err != nil {
		return nil, nil, err
	}
	view, saved := eventResult(ev)
	return view, saved, nil
}

func opThreadCorrect(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	ev, err := h.threads.AppendCorrection(ctx, p, thread.CorrectionRequest{
		ThreadID:        str(args, "thread"),
		CorrectsEventID: str(args, "corrects"),
		Payload:         obj(args, "payload"),
		GrantToken:      str(args, "grant"),
	})
	if err != nil {
		return nil, nil, err
	}
	view, saved := eventResult(ev)
	return view, saved, nil
}

func opThreadArchive(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	th, err := h.threads.ArchiveThread(ctx, p, str(args, "thread"), str(args, "reason"))
	if err != nil {
		return nil, nil, err
	}
	view, saved := threadResult(th)
	return view, saved, nil
}

func checkpointResult(cp ir.Checkpoint) (ir.IRObject, ir.IRObject) {
	view := ir.IRObject{
		"status": ir.IRString(cp.Status),
		"class":  ir.IRString(cp.Class),
		"action": ir.IRString(cp.Action),
	}
	saved := view.Clone()
	saved["id"] = ir.IRString(cp.ID)
	if cp.ExpiresAt != nil {
		saved["expires_at"] = ir.IRString(ir.FormatTime(*cp.ExpiresAt))
	}
	return view, saved
}

func opCheckpointCreate(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	req := governance.CreateRequest{
		ThreadID:    str(args, "thread"),
		Class:       ir.CheckpointClass(str(args, "class")),
		Action:      str(args, "action"),
		Description: str(args, "description"),
		Payload:     obj(args, "payload"),
	}
	if in := str(args, "expires_in"); in != "" {
		d, err := time.ParseDuration(in)
		if err != nil {
			return nil, nil, ir.Validation("expires_in: %v", err)
		}
		at := h.clock.Now().Add(d)
		req.ExpiresAt = &at
	}
	cp, err := h.gate.Create(ctx, p, req)
	if err != nil {
		return nil, nil, err
	}
	view, saved := checkpointResult(cp)
	return view, saved, nil
}

func opCheckpointApprove(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	cp, grant, err := h.gate.Approve(ctx, p, str(args, "checkpoint"), str(args, "reason"))
	if err != nil {
		return nil, nil, err
	}
	view, saved := checkpointResult(cp)
	saved["token"] = ir.IRString(grant.Token)
	return view, saved, nil
}

func opCheckpointReject(h *Harness, ctx context.Context, p ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	cp, err := h.gate.Reject(ctx, p, str(args, "checkpoint"), str(args, "reason"))
	if err != nil {
		return nil, nil, err
	}
	view, saved := checkpointResult(cp)
	return view, saved, nil
}

func opCheckpointSweep(h *Harness, ctx context.Context, _ ir.Principal, _ ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	n, err := h.gate.SweepExpired(ctx)
	if err != nil {
		return nil, nil, err
	}
	view := ir.IRObject{"expired": ir.IRInt(n)}
	return view, view.Clone(), nil
}

func opClockAdvance(h *Harness, _ context.Context, _ ir.Principal, args ir.IRObject) (ir.IRObject, ir.IRObject, error) {
	d, err := time.ParseDuration(str(args, "duration"))
	if err != nil {
		return nil, nil, ir.Validation("clock.advance: %v", err)
	}
	if d <= 0 {
		return nil, nil, ir.Validation("clock.advance: duration must be positive")
	}
	now := h.clock.Advance(d)
	view := ir.IRObject{"now": ir.IRString(ir.FormatTime(now))}
	return view, view.Clone(), nil
}

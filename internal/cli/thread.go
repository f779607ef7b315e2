package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/thread"
)

// runAs opens the app and calls fn as the flag principal. Every audit entry
// written during the call carries one request id.
func runAs(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error) error {
	p, err := opts.Principal()
	if err != nil {
		return err
	}
	return runApp(opts, cmd, func(ctx context.Context, a *app, out *OutputFormatter) error {
		return fn(ctx, a, p, out)
	})
}

// runApp opens the app for commands that act without a caller principal.
func runApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app, out *OutputFormatter) error) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := audit.WithRequestID(cmd.Context(), idgen.UUIDv7{}.New())
	return fn(ctx, a, opts.formatter(cmd))
}

// NewThreadCommand creates the thread command group.
func NewThreadCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Create, append to, read and archive threads",
	}
	cmd.AddCommand(newThreadCreateCommand(opts))
	cmd.AddCommand(newThreadAppendCommand(opts))
	cmd.AddCommand(newThreadEventsCommand(opts))
	cmd.AddCommand(newThreadListCommand(opts))
	cmd.AddCommand(newThreadArchiveCommand(opts))
	return cmd
}

func newThreadCreateCommand(opts *RootOptions) *cobra.Command {
	var req thread.CreateRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a thread",
		Long: `Create a thread owned by --identity. The thread.created event is
written as sequence 1.

Example:
  threadkeep thread create --identity user:alice --intent "Plan the offsite" --sphere work`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				th, err := a.threads.CreateThread(ctx, p, req)
				if err != nil {
					return out.Fail("thread create", err)
				}
				return out.Emit(th, func(w io.Writer) { writeThread(w, th) })
			})
		},
	}
	cmd.Flags().StringVar(&req.FoundingIntent, "intent", "", "founding intent (required)")
	cmd.Flags().StringVar(&req.Classification.Sphere, "sphere", "", "sphere, e.g. work or family")
	cmd.Flags().StringVar(&req.Classification.Type, "type", "", "thread type")
	cmd.Flags().StringVar(&req.ParentThreadID, "parent", "", "parent thread id")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func newThreadAppendCommand(opts *RootOptions) *cobra.Command {
	var (
		eventType string
		payload   string
		grant     string
		corrects  string
	)
	cmd := &cobra.Command{
		Use:   "append <thread-id>",
		Short: "Append an event to a thread",
		Long: `Append an event. Event types the policy gates are blocked until a
checkpoint is approved; the command then exits 3 and prints the checkpoint
id. Retry with --grant set to the token printed by "checkpoint approve".

With --corrects the event is a thread.correction pointing at an earlier
event, which stays in the log.

Examples:
  threadkeep thread append $T --identity user:alice --type note --payload '{"text":"hi"}'
  threadkeep thread append $T --identity user:alice --type payment.send --grant $TOKEN`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := ir.ParseObject([]byte(payload))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --payload", err)
			}
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				var ev ir.ThreadEvent
				if corrects != "" {
					ev, err = a.threads.AppendCorrection(ctx, p, thread.CorrectionRequest{
						ThreadID:        args[0],
						CorrectsEventID: corrects,
						Payload:         obj,
						GrantToken:      grant,
					})
				} else {
					ev, err = a.threads.AppendEvent(ctx, p, thread.AppendRequest{
						ThreadID:   args[0],
						EventType:  eventType,
						Payload:    obj,
						GrantToken: grant,
					})
				}
				if err != nil {
					if e, ok := ir.AsError(err); ok && e.Code == ir.ErrCodeCheckpointRequired && out.Format != "json" {
						fmt.Fprintf(out.Writer, "blocked: checkpoint %s is pending approval\n", e.ResourceID)
					}
					return out.Fail("thread append", err)
				}
				return out.Emit(ev, func(w io.Writer) { writeEvent(w, ev) })
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&payload, "payload", "{}", "event payload as a JSON object")
	cmd.Flags().StringVar(&grant, "grant", "", "grant token from an approved checkpoint")
	cmd.Flags().StringVar(&corrects, "corrects", "", "id of the event this one corrects")
	cmd.MarkFlagsMutuallyExclusive("type", "corrects")
	return cmd
}

func newThreadEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events <thread-id>",
		Short: "List a thread's events in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				events, err := a.threads.GetEvents(ctx, p, args[0], after, limit)
				if err != nil {
					return out.Fail("thread events", err)
				}
				return out.Emit(events, func(w io.Writer) {
					for _, ev := range events {
						writeEvent(w, ev)
					}
				})
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (0 for all)")
	return cmd
}

func newThreadListCommand(opts *RootOptions) *cobra.Command {
	var (
		f      thread.ListFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the identity's threads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = ir.ThreadStatus(status)
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				threads, err := a.threads.ListThreads(ctx, p, f)
				if err != nil {
					return out.Fail("thread list", err)
				}
				return out.Emit(threads, func(w io.Writer) {
					if len(threads) == 0 {
						fmt.Fprintln(w, "No threads.")
					}
					for _, th := range threads {
						writeThread(w, th)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Sphere, "sphere", "", "filter by sphere")
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|paused|archived)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum threads")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "skip this many threads")
	return cmd
}

func newThreadArchiveCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Archive a thread; its events are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				th, err := a.threads.ArchiveThread(ctx, p, args[0], reason)
				if err != nil {
					return out.Fail("thread archive", err)
				}
				return out.Emit(th, func(w io.Writer) { writeThread(w, th) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the thread is archived")
	return cmd
}

func writeThread(w io.Writer, th ir.Thread) {
	fmt.Fprintf(w, "%s  %-8s  events=%d  sphere=%s  %s\n",
		th.ID, th.Classification.Status, th.EventCount, th.Classification.Sphere, th.FoundingIntent)
}

func writeEvent(w io.Writer, ev ir.ThreadEvent) {
	payload, err := ir.MarshalCanonical(ev.Payload)
	if err != nil {
		payload = []byte("?")
	}
	fmt.Fprintf(w, "%4d  %s  %-20s  %s:%s  %s\n",
		ev.SequenceNumber, ir.FormatTime(ev.CreatedAt), ev.EventType, ev.ActorType, ev.ActorID, payload)
}

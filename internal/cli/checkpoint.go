package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/governance"
	"github.com/roach88/threadkeep/internal/ir"
)

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Open, resolve and list approval checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCommand(opts))
	cmd.AddCommand(newCheckpointApproveCommand(opts))
	cmd.AddCommand(newCheckpointRejectCommand(opts))
	cmd.AddCommand(newCheckpointPendingCommand(opts))
	cmd.AddCommand(newCheckpointSweepCommand(opts))
	return cmd
}

func newCheckpointCreateCommand(opts *RootOptions) *cobra.Command {
	var (
		req       governance.CreateRequest
		class     string
		payload   string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a pending checkpoint",
		Long: `Open a pending checkpoint for an action that needs a human decision.
Without --expires-in the policy expiry applies.

Example:
  threadkeep checkpoint create --identity user:alice --actor bot-1 --actor-type agent \
    --thread $T --class cost --action vendor.renew --description "renew for 12 months"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := ir.ParseObject([]byte(payload))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --payload", err)
			}
			req.Class = ir.CheckpointClass(class)
			req.Payload = obj
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				if expiresIn > 0 {
					at := a.clock.Now().Add(expiresIn)
					req.ExpiresAt = &at
				}
				cp, err := a.gate.Create(ctx, p, req)
				if err != nil {
					return out.Fail("checkpoint create", err)
				}
				return out.Emit(cp, func(w io.Writer) { writeCheckpoint(w, cp) })
			})
		},
	}
	cmd.Flags().StringVar(&req.ThreadID, "thread", "", "linked thread id")
	cmd.Flags().StringVar(&req.EventID, "event", "", "linked event id")
	cmd.Flags().StringVar(&class, "class", "", "governance|cost|identity|sensitive|cross_sphere (required)")
	cmd.Flags().StringVar(&req.Action, "action", "", "the gated action (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "what the approver is deciding")
	cmd.Flags().StringVar(&payload, "payload", "{}", "action payload as a JSON object")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire after this long")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newCheckpointApproveCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <checkpoint-id>",
		Short: "Approve a pending checkpoint and print its grant",
		Long: `Approve a pending checkpoint. The printed grant token authorizes exactly
one append of the gated action to the linked thread.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				cp, grant, err := a.gate.Approve(ctx, p, args[0], reason)
				if err != nil {
					return out.Fail("checkpoint approve", err)
				}
				data := struct {
					Checkpoint ir.Checkpoint `json:"checkpoint"`
					Grant      ir.Grant      `json:"grant"`
				}{cp, grant}
				return out.Emit(data, func(w io.Writer) {
					writeCheckpoint(w, cp)
					fmt.Fprintf(w, "grant: %s\n", grant.Token)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why it is approved")
	return cmd
}

func newCheckpointRejectCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <checkpoint-id>",
		Short: "Reject a pending checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				cp, err := a.gate.Reject(ctx, p, args[0], reason)
				if err != nil {
					return out.Fail("checkpoint reject", err)
				}
				return out.Emit(cp, func(w io.Writer) { writeCheckpoint(w, cp) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", fmt.Sprintf("why it is rejected (at least %d characters)", governance.MinRejectReason))
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newCheckpointPendingCommand(opts *RootOptions) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the identity's pending checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				cps, err := a.gate.ListPending(ctx, p, threadID)
				if err != nil {
					return out.Fail("checkpoint pending", err)
				}
				return out.Emit(cps, func(w io.Writer) {
					if len(cps) == 0 {
						fmt.Fprintln(w, "No pending checkpoints.")
					}
					for _, cp := range cps {
						writeCheckpoint(w, cp)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "only checkpoints linked to this thread")
	return cmd
}

func newCheckpointSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every pending checkpoint past its expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(opts, cmd, func(ctx context.Context, a *app, out *OutputFormatter) error {
				n, err := a.gate.SweepExpired(ctx)
				if err != nil {
					return out.Fail("checkpoint sweep", err)
				}
				data := map[string]int{"expired": n}
				return out.Emit(data, func(w io.Writer) { fmt.Fprintf(w, "expired %d checkpoint(s)\n", n) })
			})
		},
	}
}

func writeCheckpoint(w io.Writer, cp ir.Checkpoint) {
	expires := "never"
	if cp.ExpiresAt != nil {
		expires = ir.FormatTime(*cp.ExpiresAt)
	}
	fmt.Fprintf(w, "%s  %-8s  %-12s  %s  expires=%s  %s\n",
		cp.ID, cp.Status, cp.Class, cp.Action, expires, cp.Description)
}

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/cold"
)

// NewColdCommand creates the cold command group.
func NewColdCommand(opts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "cold",
		Short: "Inspect the cold archive",
		Long: `Inspect the cold archive of one owner. Payloads are never printed;
"access" hands out a short-lived reference and is logged.`,
	}
	cmd.PersistentFlags().StringVar(&owner, "owner", "", "owner as user:<id> or agent:<id> (required)")
	_ = cmd.MarkPersistentFlagRequired("owner")

	cmd.AddCommand(newColdListCommand(opts, &owner))
	cmd.AddCommand(newColdVerifyCommand(opts, &owner))
	cmd.AddCommand(newColdAccessCommand(opts, &owner))
	cmd.AddCommand(newColdLogCommand(opts, &owner))
	return cmd
}

func newColdListCommand(opts *RootOptions, owner *string) *cobra.Command {
	var entryType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(*owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			return runApp(opts, cmd, func(ctx context.Context, a *app, out *OutputFormatter) error {
				entries, err := a.cold.ListEntries(ctx, o, ir.ColdEntryType(entryType))
				if err != nil {
					return out.Fail("cold list", err)
				}
				return out.Emit(entries, func(w io.Writer) {
					if len(entries) == 0 {
						fmt.Fprintln(w, "No cold entries.")
					}
					for _, e := range entries {
						fmt.Fprintf(w, "%s  %-17s  accesses=%d  %s\n",
							e.ID, e.Type, e.AccessCount, cold.Describe(e))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&entryType, "type", "", "conversation_full|hot_overflow|warm_snapshot")
	return cmd
}

func newColdVerifyCommand(opts *RootOptions, owner *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [entry-id]",
		Short: "Recompute checksums of one entry or every entry of the owner",
		Long: `Recompute checksums. Exits 1 if any entry fails; each failure is recorded
in the audit trail.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(*owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				var results []cold.Verification
				if len(args) == 1 {
					if _, err := a.cold.Get(ctx, args[0], o); err != nil {
						return out.Fail("cold verify", err)
					}
					v, err := a.cold.VerifyIntegrity(ctx, p, args[0])
					if err != nil && !ir.IsIntegrityViolation(err) {
						return out.Fail("cold verify", err)
					}
					results = append(results, v)
				} else {
					if results, err = a.cold.VerifyAll(ctx, p, o); err != nil && !ir.IsIntegrityViolation(err) {
						return out.Fail("cold verify", err)
					}
				}

				bad := 0
				for _, v := range results {
					if !v.Valid {
						bad++
					}
				}
				if err := out.Emit(results, func(w io.Writer) {
					for _, v := range results {
						state := "ok"
						if !v.Valid {
							state = "MISMATCH"
						}
						fmt.Fprintf(w, "%s  %s\n", v.EntryID, state)
					}
					fmt.Fprintf(w, "%d checked, %d failed\n", len(results), bad)
				}); err != nil {
					return err
				}
				if bad > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d cold entr(y/ies) failed verification", bad))
				}
				return nil
			})
		},
	}
}

func newColdAccessCommand(opts *RootOptions, owner *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "access <entry-id>",
		Short: "Request a short-lived reference to an archived entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(*owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				ref, err := a.cold.RequestAccess(ctx, p, args[0], o, reason)
				if err != nil {
					return out.Fail("cold access", err)
				}
				return out.Emit(ref, func(w io.Writer) {
					fmt.Fprintf(w, "reference %s for %s (expires %s)\n  %s\n",
						ref.Reference, ref.EntryID, ir.FormatTime(ref.ExpiresAt), ref.Summary)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is needed")
	return cmd
}

func newColdLogCommand(opts *RootOptions, owner *string) *cobra.Command {
	return &cobra.Command{
		Use:   "log <entry-id>",
		Short: "Show every access attempt on an entry, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(*owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			return runApp(opts, cmd, func(ctx context.Context, a *app, out *OutputFormatter) error {
				if _, err := a.cold.Get(ctx, args[0], o); err != nil {
					return out.Fail("cold log", err)
				}
				log, err := a.cold.GetAuditLog(ctx, args[0])
				if err != nil {
					return out.Fail("cold log", err)
				}
				return out.Emit(log, func(w io.Writer) {
					for _, l := range log {
						state := "granted"
						if !l.Granted {
							state = "denied"
						}
						fmt.Fprintf(w, "%s  %s:%s  %-7s  %s\n",
							ir.FormatTime(l.AccessedAt), l.AccessorType, l.AccessorID, state, l.Reason)
					}
				})
			})
		},
	}
}

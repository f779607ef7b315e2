package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/ir"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the identity's audit trail",
	}
	cmd.AddCommand(newAuditQueryCommand(opts))
	return cmd
}

func newAuditQueryCommand(opts *RootOptions) *cobra.Command {
	var (
		f            audit.Filter
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries, newest first",
		Long: `List the audit entries of --identity, newest first. Entries of other
identities are never returned.

Example:
  threadkeep audit query --identity user:alice --action checkpoint.approved --since 2026-03-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if f.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				entries, err := a.trail.Query(ctx, p.IdentityID, f)
				if err != nil {
					return out.Fail("audit query", err)
				}
				return out.Emit(entries, func(w io.Writer) {
					if len(entries) == 0 {
						fmt.Fprintln(w, "No audit entries.")
					}
					for _, e := range entries {
						fmt.Fprintf(w, "%s  %s:%s  %-28s  %s/%s\n",
							ir.FormatTime(e.Timestamp), e.ActorType, e.ActorID, e.Action, e.ResourceType, e.ResourceID)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.ActorID, "by", "", "filter by actor id")
	cmd.Flags().StringVar(&f.Action, "action", "", "filter by action, e.g. thread.event_appended")
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "filter by resource type")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "filter by resource id")
	cmd.Flags().StringVar(&since, "since", "", "only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "only entries before this RFC 3339 time")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum entries (0 for all)")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "skip this many entries")
	return cmd
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --"+name, err)
	}
	t = t.UTC()
	return &t, nil
}

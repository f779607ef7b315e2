package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	Database   string

	// The caller's principal. threadkeep trusts these; an identity service
	// in front of it is expected to set them.
	Identity  string
	Actor     string
	ActorType string
	Roles     []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Principal returns the validated caller.
func (o *RootOptions) Principal() (ir.Principal, error) {
	p := ir.Principal{
		IdentityID: o.Identity,
		ActorID:    o.Actor,
		ActorType:  ir.ActorType(o.ActorType),
		Roles:      slices.Clone(o.Roles),
	}
	if p.ActorID == "" {
		p.ActorID = p.IdentityID
	}
	if err := p.Validate(); err != nil {
		return ir.Principal{}, WrapExitError(ExitCommandError, "invalid principal (set --identity)", err)
	}
	return p, nil
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// NewRootCommand creates the root command for the threadkeep CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "threadkeep",
		Short:   "threadkeep - durable threads, governed actions and tiered agent memory",
		Long:    "An identity-scoped event ledger with human approval checkpoints and hot, warm and cold agent memory.",
		Version: ir.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML config file")
	pf.StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	pf.StringVar(&opts.Identity, "identity", "", "identity the caller acts within")
	pf.StringVar(&opts.Actor, "actor", "", "acting user or agent id (defaults to --identity)")
	pf.StringVar(&opts.ActorType, "actor-type", string(ir.ActorHuman), "actor type (human|agent)")
	pf.StringSliceVar(&opts.Roles, "role", nil, "roles held by the actor")

	cmd.AddCommand(NewThreadCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewColdCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

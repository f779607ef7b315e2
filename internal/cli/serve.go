package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/threadkeep/internal/governance"
	"github.com/roach88/threadkeep/internal/memory/hot"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	*RootOptions
	Once  bool
	Batch int
}

// SweepReport is what serve --once did.
type SweepReport struct {
	Expired   int `json:"expired"`
	Resolved  int `json:"gaps_resolved"`
	Failed    int `json:"gaps_failed"`
	Abandoned int `json:"gaps_abandoned"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background sweepers until interrupted",
		Long: `Run the checkpoint expiry sweeper, the enrichment gap retrier and the
hot memory reaper until SIGINT or SIGTERM.

With --once, expire overdue checkpoints and retry one batch of gaps, then exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one sweep and exit")
	cmd.Flags().IntVar(&opts.Batch, "batch", 50, "enrichment gaps retried per pass")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	if opts.Batch <= 0 {
		return NewExitError(ExitCommandError, "--batch must be positive")
	}
	return runApp(opts.RootOptions, cmd, func(ctx context.Context, a *app, out *OutputFormatter) error {
		if opts.Once {
			return serveOnce(ctx, a, opts.Batch, out)
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a.logger.Info("serving",
			"db", a.cfg.Database.Path,
			"sweep_interval", a.cfg.Governance.SweepInterval,
			"retry_interval", a.cfg.Summarizer.RetryInterval,
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return governance.NewSweeper(a.gate, a.cfg.Governance.SweepInterval, a.logger).Run(ctx)
		})
		g.Go(func() error {
			return a.pipeline.Sweep(ctx, a.cfg.Summarizer.RetryInterval, opts.Batch)
		})
		g.Go(func() error {
			return reapLoop(ctx, a.hot, a.cfg.Governance.SweepInterval, a.clock.Now, a.logger)
		})
		if err := g.Wait(); err != nil {
			return WrapExitError(ExitFailure, "serve failed", err)
		}
		a.logger.Info("stopped")
		return nil
	})
}

func serveOnce(ctx context.Context, a *app, batch int, out *OutputFormatter) error {
	var report SweepReport
	n, err := a.gate.SweepExpired(ctx)
	if err != nil {
		return out.Fail("checkpoint sweep", err)
	}
	report.Expired = n
	gaps, err := a.pipeline.RetryGaps(ctx, batch)
	if err != nil {
		return out.Fail("enrichment retry", err)
	}
	report.Resolved, report.Failed, report.Abandoned = gaps.Resolved, gaps.Failed, gaps.Abandoned
	return out.Emit(report, func(w io.Writer) {
		fmt.Fprintf(w, "expired %d checkpoint(s); retried gaps: %d resolved, %d failed, %d abandoned\n",
			report.Expired, report.Resolved, report.Failed, report.Abandoned)
	})
}

// reapLoop drops idle hot memories until ctx is done.
func reapLoop(ctx context.Context, m *hot.Manager, interval time.Duration, now func() time.Time, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, mem := range m.Reap(now()) {
				logger.Warn("hot memory expired",
					"agent_id", mem.AgentID,
					"conversation_id", mem.ConversationID,
					"messages", len(mem.Messages),
				)
			}
		}
	}
}

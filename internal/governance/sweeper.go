package governance

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when NewSweeper gets a non-positive interval.
const DefaultSweepInterval = time.Minute

// Sweeper runs SweepExpired on a fixed interval until its context ends.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for g.
func NewSweeper(g *Gate, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{gate: g, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick. It returns nil when
// ctx is cancelled. Sweep failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("checkpoint sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.gate.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("checkpoint sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("checkpoint sweep", "expired", n)
	}
}

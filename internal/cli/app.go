package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/blob"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/config"
	"github.com/roach88/threadkeep/internal/governance"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/archive"
	"github.com/roach88/threadkeep/internal/memory/cold"
	"github.com/roach88/threadkeep/internal/memory/contextload"
	"github.com/roach88/threadkeep/internal/memory/hot"
	"github.com/roach88/threadkeep/internal/memory/warm"
	"github.com/roach88/threadkeep/internal/session"
	"github.com/roach88/threadkeep/internal/store"
	"github.com/roach88/threadkeep/internal/summarize"
	"github.com/roach88/threadkeep/internal/thread"
)

// app is every service a command may need, wired from one config.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store    *store.Store
	trail    *audit.Trail
	gate     *governance.Gate
	threads  *thread.Service
	warm     *warm.Manager
	cold     *cold.Archive
	pipeline *archive.Pipeline
	hot      *hot.Manager
	loader   *contextload.Loader
	sessions *session.Service
}

// newLogger installs the process logger: text on w, Debug when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// openApp loads the configuration and opens the store. The caller must Close.
func openApp(opts *RootOptions, errOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(errOut, opts.Verbose)

	policy := governance.EmptyPolicy()
	if cfg.Governance.PolicyFile != "" {
		if policy, err = governance.LoadPolicy(cfg.Governance.PolicyFile); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
		}
	}
	if policy.DefaultExpiry == 0 {
		policy.DefaultExpiry = cfg.Governance.DefaultExpiry
	}

	sum, err := newSummarizer(cfg.Summarizer, os.LookupEnv)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure summarizer", err)
	}

	blobs, err := blob.NewFS(cfg.Blob.Dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open blob store", err)
	}

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	clk := clock.System{}
	ids := idgen.UUIDv7{}
	trail := audit.New(st, clk, ids)
	gate := governance.New(st, trail, clk, ids,
		governance.WithPolicy(policy),
		governance.WithLogger(logger),
	)

	warmOpts := []warm.Option{
		warm.WithMaxEntries(cfg.Warm.MaxEntries),
		warm.WithCacheMaxCost(cfg.Warm.CacheMaxCost),
		warm.WithLogger(logger),
	}
	if cfg.Warm.VectorIndex {
		warmOpts = append(warmOpts, warm.WithIndex(warm.NewIndex(warm.Embed)))
	}
	w, err := warm.New(st, clk, ids, warmOpts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open warm memory", err)
	}

	coldArchive := cold.New(st, trail, clk, cold.WithLogger(logger))
	pipeline := archive.New(archive.Config{
		Store:      st,
		Trail:      trail,
		Cold:       coldArchive,
		Warm:       w,
		Blobs:      blobs,
		Summarizer: sum,
		Clock:      clk,
		IDs:        ids,
		Logger:     logger,
	})
	hotMgr := hot.NewManager(pipeline, clk, logger)
	loader := contextload.New(w, coldArchive, clk, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		store:  st,
		trail:  trail,
		gate:   gate,
		threads: thread.New(st, trail, clk, ids,
			thread.WithGate(gate),
			thread.WithAppendRetries(cfg.Thread.AppendRetries),
			thread.WithLogger(logger),
		),
		warm:     w,
		cold:     coldArchive,
		pipeline: pipeline,
		hot:      hotMgr,
		loader:   loader,
		sessions: session.New(session.Config{
			Store:    st,
			Trail:    trail,
			Hot:      hotMgr,
			Loader:   loader,
			Pipeline: pipeline,
			Clock:    clk,
			IDs:      ids,
			HotCfg: hot.Config{
				MaxTokens:   cfg.Hot.MaxTokens,
				MaxMessages: cfg.Hot.MaxMessages,
				TTL:         cfg.Hot.TTL,
			},
			Logger: logger,
		}),
	}, nil
}

// Close releases the warm cache and the database.
func (a *app) Close() {
	a.warm.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// newSummarizer builds the configured enrichment service behind a Guard.
func newSummarizer(cfg config.SummarizerConfig, lookup func(string) (string, bool)) (summarize.Summarizer, error) {
	var inner summarize.Summarizer
	switch cfg.Provider {
	case config.ProviderAnthropic:
		key, ok := lookup(cfg.APIKeyEnv)
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("summarizer: %s is not set", cfg.APIKeyEnv)
		}
		inner = summarize.NewAnthropic(key, cfg.Model)
	case config.ProviderExtractive:
		inner = summarize.Extractive{}
	case config.ProviderNone:
		inner = summarize.Unavailable{}
	default:
		return nil, fmt.Errorf("summarizer: unknown provider %q", cfg.Provider)
	}
	return summarize.NewGuard(inner, cfg.Timeout, cfg.MaxConcurrent), nil
}

// parseOwner reads "user:<id>" or "agent:<id>".
func parseOwner(s string) (ir.Owner, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return ir.Owner{}, ir.Validation("owner %q must look like user:<id> or agent:<id>", s)
	}
	t, err := ir.ParseOwnerType(kind)
	if err != nil {
		return ir.Owner{}, err
	}
	owner := ir.Owner{ID: id, Type: t}
	return owner, owner.Validate()
}

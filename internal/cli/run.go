package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/autotag/internal/config"
	"github.com/roach88/autotag/internal/dispatch"
	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/policy"
	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/store"
	"github.com/roach88/autotag/internal/tag"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Resources   string
	Database    string
	Once        bool
	MetricsAddr string

	// PassIDs allows overriding the pass id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	PassIDs engine.PassIDGenerator
}

// RunSummary is printed after a --once run.
type RunSummary struct {
	Tags     []TagMembers `json:"tags"`
	Commands []string     `json:"commands"`
}

// TagMembers is the membership of one tag after a run.
type TagMembers struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Members []string `json:"members"`
	Status  string   `json:"status,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <defs-dir>",
		Short: "Start the tagging engines",
		Long: `Start the reconciliation and policy engines with the tag definitions in
a directory, against the resources of a YAML fixture file.

Tag membership and attributes persist in a SQLite database when --db (or
db_path in the runtime settings) is set; persisted tags are restored before
the first pass.

Example:
  autotag run --db ./autotag.db --resources ./resources.yaml ./defs
  autotag run --once --resources ./resources.yaml ./defs --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Resources, "resources", "", "resource fixture file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides db_path)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run the startup passes, print the result and exit")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// system is every wired component of a run.
type system struct {
	store *store.Store
	mgr   *tag.Manager
	prov  *memory.Provider
	disp  *dispatch.Dispatcher
	eng   *engine.Engine
	pol   *policy.Engine
}

func (s *system) close() {
	s.pol.Stop()
	s.eng.Stop()
	s.disp.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}
}

func runEngine(opts *RunOptions, defsDir string, cmd *cobra.Command) error {
	rt, err := loadRuntime(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		rt.DBPath = opts.Database
	}
	slog.SetDefault(newLogger(opts.RootOptions, rt, cmd))

	sys, err := buildSystem(opts, rt, defsDir)
	if err != nil {
		return err
	}
	defer sys.close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if opts.Once {
		return runOnce(parentCtx, opts, sys, cmd)
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return sys.eng.Run(ctx) })
	g.Go(func() error { return sys.pol.Run(ctx) })

	slog.Info("engines started", "defs_dir", defsDir, "db", rt.DBPath, "resources", len(sys.prov.Resources()))
	fmt.Fprintln(cmd.OutOrStdout(), "Engines started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	slog.Info("engines stopped gracefully")
	return nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// buildSystem wires the store, tag manager, provider, dispatcher and both
// engines, restoring persisted tags before definitions are applied.
func buildSystem(opts *RunOptions, rt config.Runtime, defsDir string) (*system, error) {
	res, errs := config.LoadDefs(defsDir, config.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load definitions", errs[0])
	}
	slog.Info("definitions loaded", "dir", defsDir, "tags", len(res.Tags))
	for _, w := range config.AnalyzeCycles(res.Tags) {
		slog.Warn(w.Message, "path", w.Path)
	}

	prov := memory.New()
	if opts.Resources != "" {
		var err error
		prov, err = memory.LoadFile(opts.Resources)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load resources", err)
		}
	}
	return wire(opts, rt, res, prov)
}

func wire(opts *RunOptions, rt config.Runtime, res *config.LoadResult, prov *memory.Provider) (*system, error) {
	sys := &system{prov: prov}

	var mgrOpts []tag.Option
	if rt.DBPath != "" {
		st, err := store.Open(rt.DBPath, rt.StoreOptions()...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		sys.store = st
		mgrOpts = append(mgrOpts, tag.WithStore(st))
		slog.Info("database ready", "path", rt.DBPath)
	}

	sys.mgr = tag.NewManager(mgrOpts...)
	sys.mgr.RegisterDefaultTypes()
	restored, err := sys.mgr.Restore(func(id string) (tag.Taggable, bool) {
		r, ok := prov.Get(id)
		if !ok {
			return nil, false
		}
		return r, true
	})
	if err != nil {
		sys.closeStore()
		return nil, WrapExitError(ExitCommandError, "failed to restore tags", err)
	}
	if restored > 0 {
		slog.Info("tags restored", "count", restored)
	}
	if _, err := config.Apply(sys.mgr, res.Tags); err != nil {
		sys.closeStore()
		return nil, WrapExitError(ExitCommandError, "failed to apply definitions", err)
	}

	sys.disp = dispatch.New(append(rt.DispatchOptions(), dispatch.WithResources(prov.Resource))...)

	engOpts := rt.EngineOptions()
	if opts.PassIDs != nil {
		engOpts = append(engOpts, engine.WithPassIDs(opts.PassIDs))
	}
	sys.eng = engine.New(sys.mgr, prov, engOpts...)
	sys.pol = policy.New(sys.mgr, prov, sys.disp, rt.PolicyOptions()...)
	return sys, nil
}

func (s *system) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// runOnce performs the startup passes and one policy sync, waits for every
// dispatched command and prints the resulting membership.
func runOnce(ctx context.Context, opts *RunOptions, sys *system, cmd *cobra.Command) error {
	sys.eng.Startup(ctx)
	sys.pol.Sync(ctx)
	sys.eng.Drain(ctx)
	if err := sys.disp.Idle(ctx); err != nil {
		return WrapExitError(ExitFailure, "waiting for dispatched commands", err)
	}

	summary := RunSummary{Tags: []TagMembers{}, Commands: []string{}}
	for _, t := range sys.mgr.Tags() {
		tm := TagMembers{Name: t.Name(), Type: t.Type().Name(), Members: []string{}, Status: t.Status()}
		for _, m := range t.Members() {
			tm.Members = append(tm.Members, m.ID())
		}
		summary.Tags = append(summary.Tags, tm)
	}
	for _, c := range sys.prov.Calls() {
		summary.Commands = append(summary.Commands, c.String())
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.Format == "json" {
		return formatter.Success(summary)
	}
	w := formatter.Writer
	for _, t := range summary.Tags {
		fmt.Fprintf(w, "%s (%s): %d member(s)\n", t.Name, t.Type, len(t.Members))
		for _, id := range t.Members {
			fmt.Fprintf(w, "  %s\n", id)
		}
		if t.Status != "" {
			fmt.Fprintf(w, "  status: %s\n", t.Status)
		}
	}
	if len(summary.Commands) > 0 {
		fmt.Fprintln(w, "Commands:")
		for _, c := range summary.Commands {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	return nil
}

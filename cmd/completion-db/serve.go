package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/DeusData/completion-db/internal/config"
	"github.com/DeusData/completion-db/internal/lifecycle"
	"github.com/DeusData/completion-db/internal/scrape"
	"github.com/DeusData/completion-db/internal/tools"
	"github.com/DeusData/completion-db/internal/watcher"
)

func newServeCmd(f *flags, stderr io.Writer) *cobra.Command {
	var defaultDB, genLog string
	var poll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the library and serve database status over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(f)
			if err != nil {
				return argumentError(err)
			}
			closeLogs, err := setupLogging(cfg, stderr)
			if err != nil {
				return argumentError(err)
			}
			defer closeLogs()
			return serve(cmd.Context(), cfg, f, serveOptions{defaultDB: defaultDB, genLog: genLog, poll: poll})
		},
	}
	cmd.Flags().StringVar(&defaultDB, "default-db", "", "database served while a corrupt database is rebuilt")
	cmd.Flags().StringVar(&genLog, "generator-log", "", "per-run log of generations started by the server")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll the library instead of using native file events")
	return cmd
}

type serveOptions struct {
	defaultDB string
	genLog    string
	poll      bool
}

func serve(ctx context.Context, cfg *config.Config, f *flags, so serveOptions) error {
	s, err := openStore(cfg)
	if err != nil {
		return &exitError{code: lifecycle.ExitFailure, err: fmt.Errorf("open coordination store: %w", err)}
	}
	defer s.Close()

	exe, err := os.Executable()
	if err != nil {
		return &exitError{code: lifecycle.ExitFailure, err: err}
	}
	t := cfg.TuningOrDefault()
	opts := controllerOptions(cfg, s)
	opts.DefaultDatabaseDir = so.defaultDB
	opts.Launcher = &lifecycle.ProcessLauncher{
		Runner:     scrape.ExecRunner{},
		Executable: exe,
		Args:       launchArgs(f),
		LogPath:    so.genLog,
	}
	opts.SourceFactory = sourceFactory(so.poll || t.EffectivePoll(), t.EffectivePollInterval())

	ctl := lifecycle.New(opts)
	defer ctl.Close()
	ctl.Subscribe(func(st lifecycle.Status) {
		slog.Info("serve.status", "state", st.State.String(), "current", st.IsCurrent, "reason", st.Reason)
	})
	ctl.Evaluate(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := ctl.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("serve.watch", "err", err)
		}
	}()

	srv := tools.NewServer(ctl, s, opts.Interpreter.Identity(), version)
	if err := srv.MCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return &exitError{code: lifecycle.ExitFailure, err: fmt.Errorf("server: %w", err)}
	}
	return nil
}

// launchArgs forwards the flags a child generator needs beyond the
// interpreter description.
func launchArgs(f *flags) []string {
	var args []string
	for _, b := range f.basedb {
		args = append(args, "--basedb", b)
	}
	if f.configPath != "" {
		args = append(args, "--config", f.configPath)
	}
	if f.leaseDB != "" {
		args = append(args, "--lease-db", f.leaseDB)
	}
	if f.glog != "" {
		args = append(args, "--glog", f.glog)
	}
	if f.verbose {
		args = append(args, "--verbose")
	}
	return args
}

// sourceFactory prefers native events and falls back to polling where
// they are unavailable.
func sourceFactory(poll bool, interval time.Duration) lifecycle.SourceFactory {
	return func(dir string) (watcher.Source, error) {
		if !poll {
			src, err := watcher.NewNotifySource(dir)
			if err == nil {
				return src, nil
			}
			slog.Warn("serve.watch.fallback", "dir", dir, "err", err)
		}
		return watcher.NewPollSource(dir, interval), nil
	}
}

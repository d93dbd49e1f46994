package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DeusData/completion-db/internal/generate"
	"github.com/DeusData/completion-db/internal/lifecycle"
	"github.com/DeusData/completion-db/internal/scrape"
	"github.com/DeusData/completion-db/internal/store"
)

func runGenerate(ctx context.Context, f *flags, stdout, stderr io.Writer) error {
	cfg, err := buildConfig(f)
	if err != nil {
		return argumentError(err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return &exitError{code: lifecycle.ExitFailure, err: fmt.Errorf("open coordination store: %w", err)}
	}
	defer s.Close()

	gen := generate.New(cfg, s, scrape.ExecRunner{})
	gen.Stdout = stdout

	// A rejected run must not open, and so truncate, the log files of the
	// generator holding the identity.
	if !cfg.DryRun {
		lease, err := gen.Register(ctx)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyInUse) {
				return &exitError{code: lifecycle.ExitInUse, err: err}
			}
			return &exitError{code: lifecycle.ExitFailure, err: fmt.Errorf("register lease: %w", err)}
		}
		gen.Lease = lease
	}

	closeLogs, err := setupLogging(cfg, stderr)
	if err != nil {
		if gen.Lease != nil {
			gen.Lease.Dispose()
		}
		return argumentError(err)
	}
	defer closeLogs()

	sum, err := gen.Run(ctx)
	if err == nil {
		if !cfg.DryRun && sum.UpToDate {
			fmt.Fprintln(stdout, "database is up to date")
		}
		return nil
	}

	if errors.Is(err, store.ErrAlreadyInUse) {
		slog.Warn("generate.in_use", "id", cfg.InterpreterID, "version", cfg.Version.String())
		return &exitError{code: lifecycle.ExitInUse, err: err}
	}
	attrs := []any{"err", err}
	var ge *generate.GroupError
	if errors.As(err, &ge) {
		attrs = append(attrs, "group", ge.Group, "module", ge.Module, "path", ge.Path)
	}
	slog.Error("generate.failed", attrs...)
	return &exitError{code: lifecycle.ExitFailure, err: err}
}

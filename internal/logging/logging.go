// Package logging builds the process logger of a generation run from the
// per-run, cross-run and diagnostic log paths.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options names the log sinks. Empty paths are skipped; with no paths at
// all the logger writes text to Fallback (stderr by default).
type Options struct {
	RunLog    string // truncated each run
	GlobalLog string // appended across runs; warnings and errors only
	DiagLog   string // JSON, every level
	Verbose   bool
	Fallback  io.Writer
}

// Setup opens the sinks, installs the logger as the slog default and
// returns a function that closes the files.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var handlers []slog.Handler
	var files []*os.File
	closeAll := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	open := func(path string, flag int) (*os.File, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}

	if opts.RunLog != "" {
		f, err := open(opts.RunLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open run log: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	if opts.GlobalLog != "" {
		f, err := open(opts.GlobalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open global log: %w", err)
		}
		handlers = append(handlers, &summaryHandler{next: slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})})
	}
	if opts.DiagLog != "" {
		f, err := open(opts.DiagLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open diagnostic log: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	if len(handlers) == 0 {
		w := opts.Fallback
		if w == nil {
			w = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}

	logger := slog.New(Fanout(handlers...))
	slog.SetDefault(logger)
	return logger, closeAll, nil
}

// SummaryKey marks a record for the cross-run log regardless of level.
const SummaryKey = "summary"

// summaryHandler passes warnings, errors and records carrying
// SummaryKey=true.
type summaryHandler struct {
	next  slog.Handler
	attrs []slog.Attr
}

func (h *summaryHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *summaryHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || isSummary(h.attrs) {
		return h.next.Handle(ctx, r)
	}
	summary := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == SummaryKey && a.Value.Kind() == slog.KindBool && a.Value.Bool() {
			summary = true
			return false
		}
		return true
	})
	if !summary {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func isSummary(attrs []slog.Attr) bool {
	for _, a := range attrs {
		if a.Key == SummaryKey && a.Value.Kind() == slog.KindBool && a.Value.Bool() {
			return true
		}
	}
	return false
}

func (h *summaryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &summaryHandler{next: h.next.WithAttrs(attrs), attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *summaryHandler) WithGroup(name string) slog.Handler {
	return &summaryHandler{next: h.next.WithGroup(name), attrs: h.attrs}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

// Fanout combines handlers.
func Fanout(handlers ...slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

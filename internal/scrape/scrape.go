// Package scrape obtains member tables of modules that have no Python
// source by importing them in the target interpreter.
package scrape

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/discover"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/staleness"
)

//go:embed scrape.py
var script []byte

// ErrBuiltinScrape aborts a generation: nothing can be analyzed without the
// builtin object model.
var ErrBuiltinScrape = errors.New("builtin scrape failed")

// denylist names builtin modules that are never scraped.
var denylist = map[string]bool{
	"__main__": true,
}

// ExitError reports a scrape invocation that exited non-zero.
type ExitError struct {
	Module string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		return fmt.Sprintf("scrape %s: exit status %d", e.Module, e.Code)
	}
	return fmt.Sprintf("scrape %s: exit status %d: %s", e.Module, e.Code, msg)
}

// WriteScript materializes the introspection script in dir and returns its
// path. The caller removes the file when done.
func WriteScript(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "scrape-*.py")
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	if _, err := f.Write(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close script: %w", err)
	}
	return f.Name(), nil
}

// Scraper drives the interpreter to introspect modules.
type Scraper struct {
	Runner     Runner
	Executable string // python interpreter
	ScriptPath string // from WriteScript
	Dir        string // database directory
	Version    lang.Version
	Workers    int // parallel module scrapes; <= 0 means NumCPU
}

// Report lists the outcome of a compiled-module scrape.
type Report struct {
	Written []string // module names
	Failed  []string
}

type payload struct {
	Module  string                     `json:"module"`
	Members map[string]database.Member `json:"members"`
}

func (s *Scraper) run(ctx context.Context, args ...string) (*Result, error) {
	full := append([]string{"-E", s.ScriptPath}, args...)
	return s.Runner.Run(ctx, s.Executable, full...)
}

// BuiltinNames asks the interpreter which modules are linked into it. The
// builtins module itself is always included.
func (s *Scraper) BuiltinNames(ctx context.Context) ([]string, error) {
	res, err := s.run(ctx, "names")
	if err != nil {
		return nil, fmt.Errorf("%w: list builtin modules: %v", ErrBuiltinScrape, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %v", ErrBuiltinScrape, &ExitError{Module: "sys", Code: res.ExitCode, Stderr: res.Stderr})
	}
	var raw []string
	if err := json.Unmarshal(bytes.TrimSpace(res.Stdout), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode builtin module names: %v", ErrBuiltinScrape, err)
	}

	builtins := lang.BuiltinsModuleName(s.Version)
	names := []string{builtins}
	for _, name := range raw {
		if denylist[name] || name == builtins {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names, nil
}

// ScrapeBuiltins introspects every builtin module in one invocation. Any
// failure is fatal and wraps ErrBuiltinScrape.
func (s *Scraper) ScrapeBuiltins(ctx context.Context, names []string) error {
	slog.Info("scrape.builtins.start", "count", len(names))
	res, err := s.run(ctx, append([]string{"builtins"}, names...)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrBuiltinScrape, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %v", ErrBuiltinScrape, &ExitError{Module: "builtins", Code: res.ExitCode, Stderr: res.Stderr})
	}

	got := make(map[string]bool, len(names))
	sc := bufio.NewScanner(bytes.NewReader(res.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p payload
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("%w: decode output: %v", ErrBuiltinScrape, err)
		}
		err := database.WriteArtifact(database.ArtifactPath(s.Dir, "", p.Module), &database.Artifact{
			Module:  p.Module,
			Kind:    discover.Builtin.String(),
			Members: p.Members,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBuiltinScrape, err)
		}
		got[p.Module] = true
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: read output: %v", ErrBuiltinScrape, err)
	}
	for _, name := range names {
		if !got[name] {
			return fmt.Errorf("%w: no output for %s", ErrBuiltinScrape, name)
		}
	}
	slog.Info("scrape.builtins.done", "count", len(got))
	return nil
}

// ScrapeModules introspects each compiled module in its own invocation.
// A module that fails is logged and skipped. The returned error is non-nil
// only on cancellation.
func (s *Scraper) ScrapeModules(ctx context.Context, targets []staleness.Target) (*Report, error) {
	report := &Report{}
	if len(targets) == 0 {
		return report, nil
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := s.scrapeOne(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("scrape.module.err", "module", t.Name, "path", t.SourcePath, "err", err)
					report.Failed = append(report.Failed, t.Name)
				}
				return nil
			}
			report.Written = append(report.Written, t.Name)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Written)
	sort.Strings(report.Failed)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	slog.Info("scrape.modules.done", "written", len(report.Written), "failed", len(report.Failed))
	return report, nil
}

func (s *Scraper) scrapeOne(ctx context.Context, t staleness.Target) error {
	res, err := s.run(ctx, "module", t.Name, t.LibraryRoot)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Module: t.Name, Code: res.ExitCode, Stderr: res.Stderr}
	}
	var p payload
	if err := json.Unmarshal(bytes.TrimSpace(res.Stdout), &p); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return database.WriteArtifact(t.Artifact, &database.Artifact{
		Module:  t.Name,
		Source:  filepath.ToSlash(t.SourcePath),
		Kind:    discover.Compiled.String(),
		Members: p.Members,
	})
}

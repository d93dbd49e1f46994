// Package generate runs one completion-database generation: discovery,
// staleness evaluation, scraping, analysis, persistence and the version
// marker, under an exclusive identity lease.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/DeusData/completion-db/internal/analysis"
	"github.com/DeusData/completion-db/internal/config"
	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/discover"
	"github.com/DeusData/completion-db/internal/logging"
	"github.com/DeusData/completion-db/internal/scrape"
	"github.com/DeusData/completion-db/internal/staleness"
	"github.com/DeusData/completion-db/internal/store"
)

// ErrCancelled is returned when the run's context ends or its lease is lost
// mid-generation. The version marker is left absent so the database is
// rebuilt next time.
var ErrCancelled = fmt.Errorf("generation cancelled: %w", context.Canceled)

// GroupError is a fatal failure while persisting one module group.
type GroupError struct {
	Group  string // library root
	Module string
	Path   string
	Err    error
}

func (e *GroupError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("group %s: module %s: %v", e.Group, e.Module, e.Err)
	}
	return fmt.Sprintf("group %s: %v", e.Group, e.Err)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// Summary describes a finished run.
type Summary struct {
	Identity     string
	DryRun       bool
	UpToDate     bool
	FullRebuild  bool
	Reason       string
	Groups       int
	Written      int
	Deleted      int
	ScrapeFailed []string
	Elapsed      time.Duration
}

// Generator performs generation runs for one configuration.
type Generator struct {
	cfg    *config.Config
	tuning *config.Tuning
	Store  *store.Store
	Runner scrape.Runner
	Stdout io.Writer // dry-run listing
	// ScriptDir is where the introspection script is materialized.
	ScriptDir string
	// Lease, when set, is an already registered identity lease. Run takes
	// ownership and disposes it.
	Lease *store.Handle
}

// New creates a Generator. cfg must have passed Validate.
func New(cfg *config.Config, s *store.Store, runner scrape.Runner) *Generator {
	if runner == nil {
		runner = scrape.ExecRunner{}
	}
	return &Generator{
		cfg:    cfg,
		tuning: cfg.TuningOrDefault(),
		Store:  s,
		Runner: runner,
		Stdout: os.Stdout,
	}
}

// run is the state of one Run call.
type run struct {
	*Generator
	ctx     context.Context
	cancel  context.CancelCauseFunc
	lease   *store.Handle
	summary *Summary
	scraper *scrape.Scraper
	written map[string]bool
}

// Run executes one generation. ErrAlreadyInUse is returned before anything
// is written when another generator holds the identity.
func (g *Generator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	key := store.IdentityKey(g.cfg.InterpreterID, g.cfg.Version)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{
		Generator: g,
		ctx:       runCtx,
		cancel:    cancel,
		summary:   &Summary{Identity: key, DryRun: g.cfg.DryRun},
		written:   make(map[string]bool),
	}
	slog.Info("generate.start", "identity", key, "library", g.cfg.Library, "output", g.cfg.Output, "dryrun", g.cfg.DryRun)

	if !g.cfg.DryRun {
		lease := g.Lease
		if lease == nil {
			var err error
			lease, err = g.Register(ctx)
			if err != nil {
				return nil, err
			}
		}
		r.lease = lease
		defer func() {
			if err := lease.Dispose(); err != nil {
				slog.Warn("generate.lease.dispose", "err", err)
			}
		}()
		lease.Start(runCtx, g.tuning.EffectiveLeaseRenew())
		go func() {
			select {
			case <-lease.Lost():
				slog.Warn("generate.lease.lost", "identity", key, "lease", lease.ID())
				cancel(store.ErrLeaseLost)
			case <-runCtx.Done():
			}
		}()
	}

	err := r.execute()
	r.summary.Elapsed = time.Since(start)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = ErrCancelled
		if errors.Is(context.Cause(runCtx), store.ErrLeaseLost) {
			err = fmt.Errorf("%w: %w", ErrCancelled, store.ErrLeaseLost)
		}
	}
	r.record(start, err)
	if err != nil {
		return r.summary, err
	}
	slog.Info("generate.done", logging.SummaryKey, true,
		"identity", key,
		"uptodate", r.summary.UpToDate,
		"full", r.summary.FullRebuild,
		"groups", r.summary.Groups,
		"written", r.summary.Written,
		"deleted", r.summary.Deleted,
		"scrape_failed", len(r.summary.ScrapeFailed),
		"elapsed", r.summary.Elapsed)
	return r.summary, nil
}

// Register acquires the identity lease for this generator's configuration.
func (g *Generator) Register(ctx context.Context) (*store.Handle, error) {
	key := store.IdentityKey(g.cfg.InterpreterID, g.cfg.Version)
	holder := fmt.Sprintf("completion-db pid %d", os.Getpid())
	return g.Store.Register(ctx, key, holder, g.tuning.EffectiveLeaseTTL())
}

func (r *run) checkCancel() error {
	return r.ctx.Err()
}

func (r *run) execute() error {
	policy := r.tuning.EffectiveIO()

	// Discover
	t := time.Now()
	roots := discover.LibraryRoots(r.cfg.Library)
	groups, err := discover.FindModules(r.ctx, roots, discover.Options{
		Version: r.cfg.Version,
		Exclude: r.tuning.Discovery.Exclude,
	})
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	slog.Info("pass.timing", "pass", "discover", "groups", len(groups), "elapsed", time.Since(t))
	if err := r.checkCancel(); err != nil {
		return err
	}

	// Builtin names and staleness
	scriptPath, err := scrape.WriteScript(r.ScriptDir)
	if err != nil {
		return err
	}
	defer os.Remove(scriptPath)
	r.scraper = &scrape.Scraper{
		Runner:     r.Runner,
		Executable: r.cfg.Python,
		ScriptPath: scriptPath,
		Dir:        r.cfg.Output,
		Version:    r.cfg.Version,
	}
	builtins, err := r.scraper.BuiltinNames(r.ctx)
	if err != nil {
		return err
	}
	plan, err := staleness.Evaluate(staleness.Input{
		Location:   database.Location{Dir: r.cfg.Output, Version: r.cfg.Version},
		Groups:     groups,
		Executable: r.cfg.Python,
		Builtins:   builtins,
		ForceAll:   r.cfg.All,
		IO:         policy,
	})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	r.summary.FullRebuild = plan.FullRebuild
	r.summary.Reason = plan.Reason

	if r.cfg.DryRun {
		plan.Describe(r.Stdout)
		return nil
	}
	if plan.Empty() {
		r.summary.UpToDate = true
		r.deleteOrphans(plan)
		slog.Info("generate.up_to_date", "dir", r.cfg.Output, "orphans", r.summary.Deleted)
		return nil
	}
	if err := r.checkCancel(); err != nil {
		return err
	}

	// From here on the database is inconsistent until the marker is rewritten.
	if err := os.MkdirAll(r.cfg.Output, 0o755); err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := database.DeleteMarker(r.cfg.Output); err != nil {
		return err
	}

	if err := r.scrapeStage(plan); err != nil {
		return err
	}
	if err := r.analyzeStage(plan); err != nil {
		return err
	}
	r.deleteOrphans(plan)

	if err := r.checkCancel(); err != nil {
		return err
	}
	if err := database.WriteMarker(r.cfg.Output); err != nil {
		return err
	}
	slog.Info("generate.marker", "dir", r.cfg.Output, "version", database.FormatVersion)
	return nil
}

func (r *run) scrapeStage(plan *staleness.Plan) error {
	t := time.Now()
	if plan.ScrapeBuiltins {
		r.progress(0, 1, "scraping builtin modules")
		if err := r.scraper.ScrapeBuiltins(r.ctx, plan.Builtins); err != nil {
			return err
		}
		for _, name := range plan.Builtins {
			r.markWritten(database.ArtifactPath(r.cfg.Output, "", name))
		}
	}
	if err := r.checkCancel(); err != nil {
		return err
	}

	if len(plan.ToScrape) > 0 {
		r.progress(0, len(plan.ToScrape), "scraping compiled modules")
		report, err := r.scraper.ScrapeModules(r.ctx, plan.ToScrape)
		if err != nil {
			return err
		}
		written := make(map[string]bool, len(report.Written))
		for _, name := range report.Written {
			written[name] = true
		}
		for _, target := range plan.ToScrape {
			if written[target.Name] {
				r.markWritten(target.Artifact)
			}
		}
		r.summary.ScrapeFailed = report.Failed
	}
	slog.Info("pass.timing", "pass", "scrape", "elapsed", time.Since(t))
	return nil
}

// analyzeStage runs the foundation groups first so that later groups
// resolve against their output.
func (r *run) analyzeStage(plan *staleness.Plan) error {
	groups := append([]discover.ModuleGroup(nil), plan.ToAnalyze...)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].IsFoundation() && !groups[j].IsFoundation()
	})

	// artifacts about to be deleted are only visible once rewritten
	superseded := make(map[string]bool, len(plan.ToDelete))
	for _, path := range plan.ToDelete {
		superseded[path] = true
	}
	skip := func(path string) bool {
		return superseded[path] && !r.written[path]
	}
	opts := analysis.Options{
		Version:           r.cfg.Version,
		SuppressCallSites: r.tuning.Analysis.SuppressCallSites,
		MaxIterations:     r.tuning.EffectiveMaxIterations(),
		ProgressEvery:     r.tuning.EffectiveProgressEvery(),
		BaseDirs:          append([]string{r.cfg.Output}, r.cfg.BaseDBs...),
		SkipBase:          skip,
		IO:                r.tuning.EffectiveIO(),
	}

	for i, group := range groups {
		if err := r.checkCancel(); err != nil {
			return err
		}
		t := time.Now()
		root := group.Root.Path
		r.progress(i, len(groups), "analyzing "+root)

		c, err := analysis.RunGroup(r.ctx, group, opts, func(remaining int) {
			r.progress(i, len(groups), fmt.Sprintf("analyzing %s: %d queued", root, remaining))
		})
		if err != nil {
			return err
		}
		// a cancelled group is never persisted
		if err := r.checkCancel(); err != nil {
			return err
		}
		n, err := c.Save(r.cfg.Output, group.Subdir)
		if err != nil {
			ge := &GroupError{Group: root, Err: err}
			var se *analysis.SaveError
			if errors.As(err, &se) {
				ge.Module, ge.Path = se.Module, se.Path
			}
			return ge
		}
		for _, m := range group.Sources() {
			r.markWritten(database.ArtifactPath(r.cfg.Output, group.Subdir, m.Name))
		}
		r.summary.Groups++
		slog.Info("generate.group", "root", root, "kind", group.Root.Kind.String(), "modules", n, "elapsed", time.Since(t))
	}
	r.progress(len(groups), len(groups), "analysis complete")
	return nil
}

func (r *run) markWritten(path string) {
	if !r.written[path] {
		r.written[path] = true
		r.summary.Written++
	}
}

// deleteOrphans removes pre-existing artifacts that were neither kept nor
// rewritten.
func (r *run) deleteOrphans(plan *staleness.Plan) {
	for _, path := range plan.ToDelete {
		if r.written[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("generate.orphan.remove", "path", path, "err", err)
			continue
		}
		r.summary.Deleted++
	}
}

func (r *run) progress(done, total int, msg string) {
	if r.lease == nil {
		return
	}
	if err := r.lease.ReportProgress(done, total, msg); err != nil {
		slog.Debug("generate.progress", "err", err)
		if errors.Is(err, store.ErrLeaseLost) {
			r.cancel(store.ErrLeaseLost)
		}
	}
}

func (r *run) record(start time.Time, runErr error) {
	if r.cfg.DryRun || r.Store == nil {
		return
	}
	rec := &store.Run{
		Identity:  r.summary.Identity,
		StartedAt: start,
		Outcome:   store.OutcomeSucceeded,
		Written:   r.summary.Written,
		Failed:    len(r.summary.ScrapeFailed),
	}
	if r.lease != nil {
		rec.LeaseID = r.lease.ID()
	}
	switch {
	case runErr == nil && r.summary.UpToDate:
		rec.Outcome = store.OutcomeUpToDate
	case errors.Is(runErr, ErrCancelled):
		rec.Outcome = store.OutcomeCancelled
	case runErr != nil:
		rec.Outcome = store.OutcomeFailed
		rec.Detail = runErr.Error()
	}
	if err := r.Store.RecordRun(rec); err != nil {
		slog.Warn("generate.record", "err", err)
	}
}

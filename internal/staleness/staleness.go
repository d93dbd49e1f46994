// Package staleness decides which parts of an existing completion database
// can be reused and which must be scraped or analyzed again.
package staleness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/discover"
)

// Input is everything the oracle looks at.
type Input struct {
	Location   database.Location
	Groups     []discover.ModuleGroup
	Executable string   // interpreter; builtin artifacts must be newer than it
	Builtins   []string // names of modules compiled into the interpreter
	ForceAll   bool
	IO         database.IOPolicy
}

// Target is a compiled module together with the artifact it scrapes into.
type Target struct {
	discover.ModuleIdentity
	Artifact string
}

// Plan partitions the work of one generation run.
type Plan struct {
	Dir            string
	FullRebuild    bool
	Reason         string
	ScrapeBuiltins bool
	Builtins       []string
	ToScrape       []Target                  // compiled (non-builtin) modules
	ToAnalyze      []discover.ModuleGroup    // groups whose sources are re-analyzed
	ToKeep         []string                  // artifacts reused as-is
	ToDelete       []string                  // pre-existing artifacts not kept
}

// Empty reports whether the plan requires no scrape or analysis work.
func (p *Plan) Empty() bool {
	return !p.ScrapeBuiltins && len(p.ToScrape) == 0 && len(p.ToAnalyze) == 0
}

// Evaluate compares the database against the discovered module groups.
func Evaluate(in Input) (*Plan, error) {
	existing, err := database.ListArtifacts(in.Location.Dir, in.IO)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	plan := &Plan{Dir: in.Location.Dir, Builtins: in.Builtins}

	if in.ForceAll {
		return fullRebuild(plan, in, existing, "rescan of all modules requested"), nil
	}
	if err := in.Location.Validate(in.IO); err != nil {
		if !errors.Is(err, database.ErrInvalid) {
			return nil, err
		}
		return fullRebuild(plan, in, existing, err.Error()), nil
	}
	if reason := builtinsStale(in); reason != "" {
		return fullRebuild(plan, in, existing, reason), nil
	}

	stale := staleGroups(in.Location.Dir, in.Groups, in.IO)
	keep := make(map[string]bool)
	for _, name := range in.Builtins {
		keep[database.ArtifactPath(in.Location.Dir, "", name)] = true
	}
	for i, g := range in.Groups {
		if !stale[i] {
			for _, m := range g.Modules {
				keep[database.ArtifactPath(in.Location.Dir, g.Subdir, m.Name)] = true
			}
			continue
		}
		// Other groups resolve against the stdlib output, so a partial
		// stdlib rebuild would leave them inconsistent.
		if g.Root.Kind == discover.Stdlib {
			return fullRebuild(plan, in, existing, "standard library changed"), nil
		}
		plan.ToScrape = append(plan.ToScrape, targets(in.Location.Dir, g)...)
		if len(g.Sources()) > 0 {
			plan.ToAnalyze = append(plan.ToAnalyze, g)
		}
	}

	for _, path := range existing {
		if keep[path] {
			plan.ToKeep = append(plan.ToKeep, path)
		} else {
			plan.ToDelete = append(plan.ToDelete, path)
		}
	}
	sort.Strings(plan.ToKeep)
	sort.Strings(plan.ToDelete)
	return plan, nil
}

func fullRebuild(plan *Plan, in Input, existing []string, reason string) *Plan {
	slog.Info("staleness.full_rebuild", "dir", in.Location.Dir, "reason", reason)
	plan.FullRebuild = true
	plan.Reason = reason
	plan.ScrapeBuiltins = true
	plan.ToScrape = nil
	plan.ToAnalyze = nil
	plan.ToKeep = nil
	for _, g := range in.Groups {
		plan.ToScrape = append(plan.ToScrape, targets(in.Location.Dir, g)...)
		if len(g.Sources()) > 0 {
			plan.ToAnalyze = append(plan.ToAnalyze, g)
		}
	}
	plan.ToDelete = append([]string(nil), existing...)
	sort.Strings(plan.ToDelete)
	return plan
}

func targets(dir string, g discover.ModuleGroup) []Target {
	var out []Target
	for _, m := range g.Compiled() {
		out = append(out, Target{ModuleIdentity: m, Artifact: database.ArtifactPath(dir, g.Subdir, m.Name)})
	}
	return out
}

// builtinsStale returns a reason when any builtin artifact is missing or
// older than the interpreter. Builtins are produced by one invocation, so
// one stale artifact invalidates them all.
func builtinsStale(in Input) string {
	var exeTime time.Time
	if in.Executable != "" {
		info, err := os.Stat(in.Executable)
		if err != nil {
			slog.Warn("staleness.executable.stat", "path", in.Executable, "err", err)
		} else {
			exeTime = info.ModTime()
		}
	}
	for _, name := range in.Builtins {
		mt, ok := in.IO.ModTime(database.ArtifactPath(in.Location.Dir, "", name))
		if !ok {
			return fmt.Sprintf("builtin module %s has not been scraped", name)
		}
		if mt.Before(exeTime) {
			return fmt.Sprintf("builtin module %s is older than the interpreter", name)
		}
	}
	return ""
}

// staleGroups marks each group whose artifacts are missing or older than a
// member's file. Modification times are read in parallel.
func staleGroups(dir string, groups []discover.ModuleGroup, policy database.IOPolicy) []bool {
	stale := make([]bool, len(groups))
	numWorkers := runtime.NumCPU()
	if numWorkers > len(groups) {
		numWorkers = len(groups)
	}
	if numWorkers < 1 {
		return stale
	}

	g := new(errgroup.Group)
	g.SetLimit(numWorkers)
	for i, group := range groups {
		g.Go(func() error {
			for _, m := range group.Modules {
				if moduleStale(dir, group.Subdir, m, policy) {
					slog.Debug("staleness.module", "module", m.Name, "root", group.Root.Path)
					stale[i] = true
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return stale
}

func moduleStale(dir, subdir string, m discover.ModuleIdentity, policy database.IOPolicy) bool {
	art, ok := policy.ModTime(database.ArtifactPath(dir, subdir, m.Name))
	if !ok {
		return true
	}
	src, ok := policy.ModTime(m.SourcePath)
	if !ok {
		// The file disappeared between discovery and evaluation.
		return true
	}
	return src.After(art)
}

// StaleModules returns the names of modules in groups whose artifact is
// missing or older than the module's file, in group order. Transient stat
// failures are retried under policy.
func StaleModules(dir string, groups []discover.ModuleGroup, policy database.IOPolicy) []string {
	var out []string
	for _, g := range groups {
		for _, m := range g.Modules {
			if moduleStale(dir, g.Subdir, m, policy) {
				out = append(out, m.Name)
			}
		}
	}
	return out
}

// Describe prints the planned actions, one per line.
func (p *Plan) Describe(w io.Writer) {
	if p.FullRebuild {
		fmt.Fprintf(w, "full rebuild: %s\n", p.Reason)
	}
	if p.Empty() {
		fmt.Fprintln(w, "database is up to date")
	}
	if p.ScrapeBuiltins {
		for _, name := range p.Builtins {
			fmt.Fprintf(w, "scrape builtin %s -> %s\n", name, database.ArtifactPath(p.Dir, "", name))
		}
	}
	for _, m := range p.ToScrape {
		fmt.Fprintf(w, "scrape %s (%s) -> %s\n", m.Name, m.SourcePath, m.Artifact)
	}
	for _, g := range p.ToAnalyze {
		fmt.Fprintf(w, "analyze %s (%d modules)\n", g.Root.Path, len(g.Sources()))
		for _, m := range g.Sources() {
			fmt.Fprintf(w, "write %s\n", database.ArtifactPath(p.Dir, g.Subdir, m.Name))
		}
	}
	for _, path := range p.ToDelete {
		fmt.Fprintf(w, "delete %s\n", path)
	}
	if !p.Empty() {
		fmt.Fprintf(w, "write %s\n", database.MarkerFile)
	}
}

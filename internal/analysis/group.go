package analysis

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/completion-db/internal/discover"
	"github.com/DeusData/completion-db/internal/parser"
)

// RunGroup analyzes the source modules of one group: every module is
// registered, then parsed, then bound, then analyzed, and finally the queue
// is drained. A module that cannot be read or parsed is logged and keeps an
// empty table. The returned Context is ready to Save.
func RunGroup(ctx context.Context, group discover.ModuleGroup, opts Options, progress ProgressFunc) (*Context, error) {
	c := NewContext(opts)
	sources := group.Sources()

	// Register
	entries := make([]*Entry, len(sources))
	for i, m := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries[i] = c.AddModule(m.Name, m.SourcePath)
	}

	// Parse
	trees, err := c.parseAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	// Bind
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			closeTrees(trees)
			c.release()
			return nil, err
		}
		if trees[i] != nil {
			e.UpdateTree(trees[i])
			trees[i] = nil
		}
	}

	// Analyze
	for _, e := range entries {
		if err := e.Analyze(ctx); err != nil {
			c.release()
			return nil, err
		}
	}

	if err := c.Drain(ctx, progress); err != nil {
		return nil, err
	}
	slog.Info("analysis.group.done", "root", group.Root.Path, "modules", len(entries), "units", c.processed)
	return c, nil
}

// parseAll parses entries in parallel. Results are indexed like entries so
// the passes that follow stay in registration order.
func (c *Context) parseAll(ctx context.Context, entries []*Entry) ([]*parser.Tree, error) {
	trees := make([]*parser.Tree, len(entries))
	workers := c.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			tree, diags, err := parser.ParseFile(e.Path, c.opts.Version, parser.Options{
				BindReferences: !e.SuppressCallSites,
				ErrorSink: func(d parser.Diagnostic) {
					slog.Debug("analysis.parse.diag", "module", e.Name, "line", d.Line, "col", d.Column, "msg", d.Message)
				},
			})
			if err != nil {
				slog.Warn("analysis.parse.err", "module", e.Name, "path", e.Path, "err", err)
				return nil
			}
			if len(diags) > 0 {
				slog.Debug("analysis.parse.diagnostics", "module", e.Name, "count", len(diags))
			}
			trees[i] = tree
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		closeTrees(trees)
		return nil, err
	}
	return trees, nil
}

func closeTrees(trees []*parser.Tree) {
	for _, t := range trees {
		t.Close()
	}
}

// release frees trees still attached to entries.
func (c *Context) release() {
	for _, e := range c.order {
		e.UpdateTree(nil)
	}
}

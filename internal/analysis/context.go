// Package analysis builds member tables for Python source modules. A
// Context holds one module group; entries are registered, parsed, bound and
// analyzed in separate passes, then a shared work queue is drained until
// no entry's exported table changes.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/discover"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/parser"
)

// DefaultMaxIterations bounds the work units processed by one Drain.
const DefaultMaxIterations = 200000

// Options configures a Context.
type Options struct {
	Version lang.Version
	// SuppressCallSites lists module-name prefixes whose call sites are not
	// used to specialize callee parameters.
	SuppressCallSites []string
	MaxIterations     int
	// ProgressEvery throttles progress callbacks to one per this many
	// queue-size changes.
	ProgressEvery int
	// BaseDirs are databases searched, in order, for modules outside the
	// group.
	BaseDirs []string
	// SkipBase reports base artifacts that are superseded and must not be
	// resolved against.
	SkipBase func(path string) bool
	IO       database.IOPolicy
	Workers  int // parallel parses; <= 0 means NumCPU
}

// ProgressFunc receives the number of queued work units.
type ProgressFunc func(remaining int)

// Context is the analysis state of one module group. It is not safe for
// concurrent use.
type Context struct {
	opts    Options
	base    *baseIndex
	entries map[string]*Entry
	order   []*Entry

	queue  []*Entry
	queued map[*Entry]bool

	// dependents[m] holds the entries whose tables read module m.
	dependents map[string]map[string]bool
	// observed[module][function][i] holds the literal types passed as the
	// i-th positional argument at call sites.
	observed map[string]map[string][]map[string]bool

	processed int
	changes   int
	progress  ProgressFunc
}

// NewContext creates an empty analysis context.
func NewContext(opts Options) *Context {
	return &Context{
		opts:       opts,
		base:       newBaseIndex(opts.BaseDirs, opts.IO, opts.SkipBase),
		entries:    make(map[string]*Entry),
		queued:     make(map[*Entry]bool),
		dependents: make(map[string]map[string]bool),
		observed:   make(map[string]map[string][]map[string]bool),
	}
}

// Entry is one registered module.
type Entry struct {
	Name              string
	Path              string
	IsPackage         bool
	SuppressCallSites bool

	ctx     *Context
	tree    *parser.Tree
	info    *moduleInfo
	members map[string]database.Member
	hash    uint64
}

// AddModule registers a module. Registering the same name again returns the
// existing entry.
func (c *Context) AddModule(name, path string) *Entry {
	if e, ok := c.entries[name]; ok {
		return e
	}
	base := filepath.Base(path)
	e := &Entry{
		Name:              name,
		Path:              path,
		IsPackage:         strings.TrimSuffix(base, filepath.Ext(base)) == lang.PackageMarker,
		SuppressCallSites: c.suppressed(name),
		ctx:               c,
	}
	c.entries[name] = e
	c.order = append(c.order, e)
	return e
}

func (c *Context) suppressed(name string) bool {
	for _, prefix := range c.opts.SuppressCallSites {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// Entry returns the registered entry for name.
func (c *Context) Entry(name string) (*Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Entries returns all entries in registration order.
func (c *Context) Entries() []*Entry {
	return c.order
}

// UpdateTree attaches a parsed tree, releasing any previous one.
func (e *Entry) UpdateTree(tree *parser.Tree) {
	if e.tree != nil && e.tree != tree {
		e.tree.Close()
	}
	e.tree = tree
}

// Parsed reports whether the entry has been bound to a syntax tree.
func (e *Entry) Parsed() bool {
	return e.tree != nil || e.info != nil
}

// Members returns the current exported table.
func (e *Entry) Members() map[string]database.Member {
	return e.members
}

// Analyze summarizes the bound tree and queues the entry for resolution.
// The tree is released afterwards. Entries without a tree are left alone.
func (e *Entry) Analyze(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.tree == nil {
		return nil
	}
	e.info = collect(e.tree, e.Name, e.IsPackage)
	if e.SuppressCallSites {
		e.info.Calls = nil
	}
	e.tree.Close()
	e.tree = nil
	e.ctx.enqueue(e)
	return nil
}

func (c *Context) enqueue(e *Entry) {
	if e.info == nil || c.queued[e] {
		return
	}
	c.queued[e] = true
	c.queue = append(c.queue, e)
	c.changed()
}

func (c *Context) dequeue() *Entry {
	e := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, e)
	c.changed()
	return e
}

func (c *Context) changed() {
	c.changes++
	if c.progress != nil && c.opts.ProgressEvery > 0 && c.changes%c.opts.ProgressEvery == 0 {
		c.progress(len(c.queue))
	}
}

// Pending returns the number of queued work units.
func (c *Context) Pending() int {
	return len(c.queue)
}

// Drain processes queued entries until the queue is empty, ctx is
// cancelled, or the iteration limit is reached.
func (c *Context) Drain(ctx context.Context, progress ProgressFunc) error {
	c.progress = progress
	defer func() { c.progress = nil }()

	limit := c.opts.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	for len(c.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.processed >= limit {
			slog.Warn("analysis.drain.limit", "processed", c.processed, "pending", len(c.queue))
			c.queue = nil
			c.queued = make(map[*Entry]bool)
			break
		}
		c.process(c.dequeue())
		c.processed++
	}
	if progress != nil {
		progress(0)
	}
	return nil
}

// process recomputes e's table and requeues its dependents when it changed.
func (c *Context) process(e *Entry) {
	s := &scope{c: c, e: e, members: make(map[string]database.Member)}
	s.resolve()

	h := hashMembers(s.members)
	changed := h != e.hash || e.members == nil
	e.members = s.members
	e.hash = h
	if changed {
		for _, name := range sortedKeys(c.dependents[e.Name]) {
			if dep := c.entries[name]; dep != e {
				c.enqueue(dep)
			}
		}
	}
	if len(e.info.Calls) > 0 {
		s.specialize()
	}
}

func (c *Context) addDependent(module string, e *Entry) {
	deps := c.dependents[module]
	if deps == nil {
		deps = make(map[string]bool)
		c.dependents[module] = deps
	}
	deps[e.Name] = true
}

// observe records argument types for a call of module.fn and reports
// whether anything new was learned.
func (c *Context) observe(module, fn string, args []string) bool {
	funcs := c.observed[module]
	if funcs == nil {
		funcs = make(map[string][]map[string]bool)
		c.observed[module] = funcs
	}
	slots := funcs[fn]
	learned := false
	for i, typ := range args {
		if typ == "" {
			continue
		}
		for len(slots) <= i {
			slots = append(slots, nil)
		}
		if slots[i] == nil {
			slots[i] = make(map[string]bool)
		}
		if !slots[i][typ] {
			slots[i][typ] = true
			learned = true
		}
	}
	funcs[fn] = slots
	return learned
}

// Save writes one artifact per registered module under outDir/subdir.
// Modules that failed to parse are written with an empty table. The first
// write error is returned; the group must then be treated as unsaved.
func (c *Context) Save(outDir, subdir string) (int, error) {
	written := 0
	for _, e := range c.order {
		path := database.ArtifactPath(outDir, subdir, e.Name)
		a := &database.Artifact{
			Module:  e.Name,
			Source:  filepath.ToSlash(e.Path),
			Kind:    discover.Source.String(),
			Members: e.members,
		}
		if e.info != nil && e.info.Doc != "" {
			a.Members = withModuleDoc(e.members, e.info.Doc)
		}
		if err := database.WriteArtifact(path, a); err != nil {
			return written, &SaveError{Module: e.Name, Path: path, Err: err}
		}
		written++
	}
	return written, nil
}

// SaveError reports the artifact that could not be written.
type SaveError struct {
	Module string
	Path   string
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %v", e.Module, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

func withModuleDoc(members map[string]database.Member, doc string) map[string]database.Member {
	out := make(map[string]database.Member, len(members)+1)
	for k, v := range members {
		out[k] = v
	}
	if _, ok := out["__doc__"]; !ok {
		out["__doc__"] = database.Member{Kind: database.KindVariable, Type: "str", Doc: doc}
	}
	return out
}

func hashMembers(members map[string]database.Member) uint64 {
	b, err := json.Marshal(members)
	if err != nil {
		return 0
	}
	return xxh3.Hash(b)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package lifecycle tracks whether an interpreter's completion database is
// current and drives regeneration. It combines the database's own validity,
// the library directory's modification state, and the cross-process lease
// held by a running generator.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/discover"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/staleness"
	"github.com/DeusData/completion-db/internal/store"
	"github.com/DeusData/completion-db/internal/watcher"
)

// State is the controller's view of the database.
type State int

const (
	Unknown State = iota
	Valid
	Invalid
	Generating
	Error
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Generating:
		return "generating"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ErrAlreadyGenerating is returned by RequestRebuild while a rebuild is
// running in this or another process.
var ErrAlreadyGenerating = errors.New("database is already being generated")

const (
	reasonCorrupt    = "Database is corrupt or an old version"
	reasonGenerating = "Database is being regenerated"
	reasonChanged    = "Library files have changed"
)

// DefaultRecheck is how often an externally running generation is polled.
const DefaultRecheck = 5 * time.Second

// Progress mirrors the generator's last report.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Status is what observers see.
type Status struct {
	State     State     `json:"-"`
	IsCurrent bool      `json:"is_current"`
	Reason    string    `json:"reason,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
}

func (s Status) equal(o Status) bool {
	if s.State != o.State || s.IsCurrent != o.IsCurrent || s.Reason != o.Reason {
		return false
	}
	if !slices.Equal(s.Missing, o.Missing) {
		return false
	}
	if (s.Progress == nil) != (o.Progress == nil) {
		return false
	}
	return s.Progress == nil || *s.Progress == *o.Progress
}

// Interpreter identifies the installation a database belongs to.
type Interpreter struct {
	ID      string
	Version lang.Version
	Python  string
	Library string
}

// Identity is the generation lease key.
func (i Interpreter) Identity() string {
	return store.IdentityKey(i.ID, i.Version)
}

// Registry exposes the leases of running generators.
type Registry interface {
	Active(identity string) (*store.Lease, error)
}

// Request describes one generation.
type Request struct {
	Interpreter Interpreter
	Output      string
	Full        bool
}

// Launcher runs a generation to completion.
type Launcher interface {
	Launch(ctx context.Context, req Request) error
}

// SourceFactory opens a change source rooted at dir.
type SourceFactory func(dir string) (watcher.Source, error)

// Options configures a Controller.
type Options struct {
	Interpreter Interpreter
	DatabaseDir string
	// DefaultDatabaseDir is served while the database is rebuilt after
	// corruption. Empty disables the fallback.
	DefaultDatabaseDir string
	Registry           Registry
	Launcher           Launcher
	SourceFactory      SourceFactory
	Debounce           time.Duration
	Recheck            time.Duration
	IO                 database.IOPolicy
	Exclude            []string
}

// Controller owns the state machine for one interpreter's database.
type Controller struct {
	opts Options

	ctx    context.Context // bounds background rebuilds
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	status     Status
	serving    string // directory consumers should load
	rebuilding bool
	listeners  map[int]func(Status)
	nextID     int
}

// New creates a Controller in the Unknown state.
func New(opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = watcher.DefaultDebounce
	}
	if opts.Recheck <= 0 {
		opts.Recheck = DefaultRecheck
	}
	if opts.IO.Retries == 0 && opts.IO.Backoff == 0 {
		opts.IO = database.DefaultIO
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		serving:   opts.DatabaseDir,
		listeners: make(map[int]func(Status)),
	}
}

// Close stops background rebuild bookkeeping and waits for it to finish.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until no rebuild started by this controller is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Status returns the last evaluated status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DatabaseDir returns the directory consumers should currently load.
func (c *Controller) DatabaseDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serving
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn runs on the goroutine that caused the change.
func (c *Controller) Subscribe(fn func(Status)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Evaluate recomputes the status. Failures are captured in the status
// rather than returned.
func (c *Controller) Evaluate(ctx context.Context) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle.evaluate.panic", "panic", r)
			st = c.fail(fmt.Errorf("%v", r))
		}
	}()

	if s, ok := c.generatingStatus(); ok {
		return c.transition(s)
	}

	loc := database.Location{Dir: c.opts.DatabaseDir, Version: c.opts.Interpreter.Version}
	if err := loc.Validate(c.opts.IO); err != nil {
		if errors.Is(err, database.ErrInvalid) || errors.Is(err, database.ErrCorrupt) {
			return c.transition(Status{State: Invalid, Reason: reasonCorrupt})
		}
		return c.fail(err)
	}

	groups, err := discover.FindModules(ctx, discover.LibraryRoots(c.opts.Interpreter.Library), discover.Options{
		Version: c.opts.Interpreter.Version,
		Exclude: c.opts.Exclude,
	})
	if err != nil {
		return c.fail(err)
	}
	missing := staleness.StaleModules(c.opts.DatabaseDir, groups, c.opts.IO)
	if len(missing) > 0 {
		return c.transition(Status{
			State:   Invalid,
			Reason:  missingReason(len(missing)),
			Missing: missing,
		})
	}
	return c.transition(Status{State: Valid, IsCurrent: true})
}

func missingReason(n int) string {
	if n == 1 {
		return "1 module has not been analyzed"
	}
	return fmt.Sprintf("%d modules have not been analyzed", n)
}

// generatingStatus reports a rebuild run locally or by another process.
func (c *Controller) generatingStatus() (Status, bool) {
	c.mu.Lock()
	local := c.rebuilding
	c.mu.Unlock()

	s := Status{State: Generating, Reason: reasonGenerating}
	if c.opts.Registry == nil {
		return s, local
	}
	lease, err := c.opts.Registry.Active(c.opts.Interpreter.Identity())
	if err != nil {
		slog.Warn("lifecycle.lease.read", "err", err)
		return s, local
	}
	if lease == nil {
		return s, local
	}
	if lease.Total > 0 || lease.Message != "" {
		s.Progress = &Progress{Done: lease.Done, Total: lease.Total, Message: lease.Message}
	}
	return s, true
}

func (c *Controller) fail(err error) Status {
	slog.Error("lifecycle.evaluate.err", "dir", c.opts.DatabaseDir, "err", err)
	return c.transition(Status{
		State:  Error,
		Reason: fmt.Sprintf("An error occurred: %v, see log", err),
	})
}

// transition stores s and notifies listeners when it differs from the
// previous status.
func (c *Controller) transition(s Status) Status {
	c.mu.Lock()
	prev := c.status
	c.status = s
	// a valid database is served again whichever path validated it
	if s.State == Valid {
		c.serving = c.opts.DatabaseDir
	}
	var fns []func(Status)
	if !prev.equal(s) {
		for _, id := range sortedIDs(c.listeners) {
			fns = append(fns, c.listeners[id])
		}
	}
	c.mu.Unlock()

	if prev.State != s.State {
		slog.Info("lifecycle.state", "from", prev.State.String(), "to", s.State.String(), "reason", s.Reason)
	}
	for _, fn := range fns {
		notify(fn, s)
	}
	return s
}

func notify(fn func(Status), s Status) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle.listener.panic", "panic", r)
		}
	}()
	fn(s)
}

func sortedIDs(m map[int]func(Status)) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RequestRebuild starts a generation in the background. It reports false
// without starting anything when a generation is already running.
func (c *Controller) RequestRebuild(ctx context.Context, full bool) (bool, error) {
	if c.opts.Launcher == nil {
		return false, errors.New("no launcher configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	if c.rebuilding {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()
	if s, ok := c.generatingStatus(); ok {
		c.transition(s)
		return false, nil
	}

	c.mu.Lock()
	if c.rebuilding {
		c.mu.Unlock()
		return false, nil
	}
	c.rebuilding = true
	c.mu.Unlock()

	c.transition(Status{State: Generating, Reason: reasonGenerating})
	req := Request{Interpreter: c.opts.Interpreter, Output: c.opts.DatabaseDir, Full: full}
	slog.Info("lifecycle.rebuild.start", "dir", req.Output, "full", full)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.rebuild(req)
	}()
	return true, nil
}

func (c *Controller) rebuild(req Request) {
	start := time.Now()
	err := c.launch(req)

	c.mu.Lock()
	c.rebuilding = false
	c.mu.Unlock()

	switch {
	case err == nil:
		slog.Info("lifecycle.rebuild.done", "dir", req.Output, "elapsed", time.Since(start))
		c.Evaluate(c.ctx)
	case errors.Is(err, store.ErrAlreadyInUse):
		// another process owns the identity; its lease drives the status
		slog.Info("lifecycle.rebuild.in_use", "identity", req.Interpreter.Identity())
		c.Evaluate(c.ctx)
	case c.ctx.Err() != nil:
		slog.Info("lifecycle.rebuild.cancelled", "dir", req.Output)
	default:
		c.fail(err)
	}
}

func (c *Controller) launch(req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("launcher panic: %v", r)
		}
	}()
	return c.opts.Launcher.Launch(c.ctx, req)
}

// ReportCorrupt is called by a consumer that found the database internally
// inconsistent. Consumers are switched to the default database and a full
// rebuild is scheduled.
func (c *Controller) ReportCorrupt(ctx context.Context, cause error) {
	slog.Warn("lifecycle.corrupt", "dir", c.opts.DatabaseDir, "err", cause)
	c.mu.Lock()
	if c.opts.DefaultDatabaseDir != "" {
		c.serving = c.opts.DefaultDatabaseDir
	}
	c.mu.Unlock()

	c.transition(Status{State: Invalid, Reason: reasonCorrupt})
	if _, err := c.RequestRebuild(ctx, true); err != nil {
		c.fail(err)
	}
}

// Watch observes the library directory until ctx ends. Debounced changes
// invalidate a valid database and trigger re-evaluation. A generation run by
// another process is polled until its lease disappears.
func (c *Controller) Watch(ctx context.Context) error {
	if c.opts.SourceFactory == nil {
		return errors.New("no change source configured")
	}
	src, err := c.opts.SourceFactory(c.opts.Interpreter.Library)
	if err != nil {
		return fmt.Errorf("watch %s: %w", c.opts.Interpreter.Library, err)
	}
	defer src.Close()

	go c.recheck(ctx)

	return watcher.Debounce(ctx, src, c.opts.Debounce, func(paths []string) {
		slog.Debug("lifecycle.watch.changed", "paths", len(paths))
		c.invalidate()
		c.Evaluate(ctx)
	})
}

func (c *Controller) invalidate() {
	c.mu.Lock()
	valid := c.status.State == Valid
	c.mu.Unlock()
	if valid {
		c.transition(Status{State: Invalid, Reason: reasonChanged})
	}
}

func (c *Controller) recheck(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Recheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			external := c.status.State == Generating && !c.rebuilding
			c.mu.Unlock()
			if external {
				c.Evaluate(ctx)
			}
		}
	}
}

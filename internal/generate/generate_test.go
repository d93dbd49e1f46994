package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DeusData/completion-db/internal/config"
	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/scrape"
	"github.com/DeusData/completion-db/internal/store"
)

const interpreterID = "0f9a7c3e-2b1d-4e5f-8a6b-9c0d1e2f3a4b"

var py38 = lang.Version{Major: 3, Minor: 8}

// fakePython answers the introspection script's modes without running an
// interpreter.
type fakePython struct {
	mu      sync.Mutex
	fail    map[string]int // module -> exit code
	modules []string       // modules scraped, in call order
	onRun   func(mode string)
}

func (p *fakePython) Run(_ context.Context, _ string, args ...string) (*scrape.Result, error) {
	args = args[2:] // -E and the script
	if p.onRun != nil {
		p.onRun(args[0])
	}
	switch args[0] {
	case "names":
		return &scrape.Result{Stdout: []byte(`["sys"]`)}, nil
	case "builtins":
		var buf bytes.Buffer
		for _, name := range args[1:] {
			line, _ := json.Marshal(map[string]any{
				"module":  name,
				"members": map[string]any{"len": map[string]any{"kind": "function", "type": "int"}},
			})
			buf.Write(line)
			buf.WriteByte('\n')
		}
		return &scrape.Result{Stdout: buf.Bytes()}, nil
	case "module":
		p.mu.Lock()
		p.modules = append(p.modules, args[1])
		code := p.fail[args[1]]
		p.mu.Unlock()
		if code != 0 {
			return &scrape.Result{ExitCode: code, Stderr: "ImportError: cannot load " + args[1]}, nil
		}
		return &scrape.Result{Stdout: []byte(`{"module": "` + args[1] + `", "members": {"VERSION": {"kind": "variable", "type": "str"}}}`)}, nil
	}
	return &scrape.Result{ExitCode: 2, Stderr: "unknown mode"}, nil
}

type fixture struct {
	lib, site, exe, out string
	store               *store.Store
	python              *fakePython
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		lib:    filepath.Join(root, "lib"),
		exe:    filepath.Join(root, "bin", "python3"),
		out:    filepath.Join(root, "db"),
		python: &fakePython{fail: map[string]int{}},
	}
	f.site = filepath.Join(f.lib, "site-packages")
	writeFile(t, f.exe, "")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(f.exe, old, old); err != nil {
		t.Fatal(err)
	}
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	f.store = s
	return f
}

func (f *fixture) generator(mutate ...func(*config.Config)) *Generator {
	cfg := &config.Config{
		InterpreterID: interpreterID,
		Version:       py38,
		Python:        f.exe,
		Library:       f.lib,
		Output:        f.out,
	}
	for _, m := range mutate {
		m(cfg)
	}
	g := New(cfg, f.store, f.python)
	g.Stdout = &bytes.Buffer{}
	return g
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func touch(t *testing.T, path string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
}

func readArtifact(t *testing.T, path string) *database.Artifact {
	t.Helper()
	a, err := database.ReadArtifact(path, database.DefaultIO)
	if err != nil {
		t.Fatalf("ReadArtifact(%s): %v", path, err)
	}
	return a
}

func TestFreshBuild(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "def hello() -> int:\n    return 1\n")

	sum, err := f.generator().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.FullRebuild || sum.Groups != 1 {
		t.Errorf("summary = %+v", sum)
	}

	v, err := database.ReadMarker(f.out, database.DefaultIO)
	if err != nil || v != database.FormatVersion {
		t.Fatalf("marker = %d, %v", v, err)
	}
	arts, err := database.ListArtifacts(f.out, database.DefaultIO)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range arts {
		names = append(names, database.ModuleFromArtifact(p))
	}
	if strings.Join(names, ",") != "a,builtins,sys" {
		t.Errorf("artifacts = %v", names)
	}
	if got := readArtifact(t, database.ArtifactPath(f.out, "", "a")).Members["hello"].Type; got != "int" {
		t.Errorf("hello returns %q, want int", got)
	}

	runs, err := f.store.RecentRuns(sum.Identity, 1)
	if err != nil || len(runs) != 1 || runs[0].Outcome != store.OutcomeSucceeded {
		t.Errorf("runs = %+v, %v", runs, err)
	}
	if l, _ := f.store.Active(sum.Identity); l != nil {
		t.Errorf("lease still held after run: %+v", l)
	}
}

func TestSecondRunIsUpToDate(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	touch(t, filepath.Join(f.lib, "a.py"), time.Now().Add(-time.Hour))

	if _, err := f.generator().Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(f.out, database.MarkerFile)
	before, _ := database.ModTime(marker)

	f.python.onRun = func(mode string) {
		if mode != "names" {
			t.Errorf("up-to-date run invoked %q", mode)
		}
	}
	sum, err := f.generator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sum.UpToDate || sum.Written != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if after, _ := database.ModTime(marker); !after.Equal(before) {
		t.Error("marker rewritten by an up-to-date run")
	}
	runs, _ := f.store.RecentRuns(sum.Identity, 1)
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeUpToDate {
		t.Errorf("runs = %+v", runs)
	}
}

func TestScrapeFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "os.py"), "sep = '/'\n")
	writeFile(t, filepath.Join(f.site, "ext1.cpython-38-x86_64-linux-gnu.so"), "")
	writeFile(t, filepath.Join(f.site, "ext2.cpython-38-x86_64-linux-gnu.so"), "")
	writeFile(t, filepath.Join(f.site, "req", "__init__.py"), "from os import sep\n")
	f.python.fail["ext1"] = 2

	sum, err := f.generator().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(sum.ScrapeFailed, ",") != "ext1" {
		t.Errorf("ScrapeFailed = %v", sum.ScrapeFailed)
	}
	if sum.Groups != 2 {
		t.Errorf("analyzed %d groups, want 2", sum.Groups)
	}

	sub := "site-packages"
	if _, ok := database.ModTime(database.ArtifactPath(f.out, sub, "ext1")); ok {
		t.Error("failed module has an artifact")
	}
	if a := readArtifact(t, database.ArtifactPath(f.out, sub, "ext2")); a.Kind != "compiled" {
		t.Errorf("ext2 kind = %q", a.Kind)
	}
	req := readArtifact(t, database.ArtifactPath(f.out, sub, "req"))
	if req.Members["sep"].Type != "str" {
		t.Errorf("req.sep = %+v, want str from the stdlib group", req.Members["sep"])
	}
	if _, err := database.ReadMarker(f.out, database.DefaultIO); err != nil {
		t.Errorf("marker missing after tolerated failure: %v", err)
	}
}

func TestIdentityInUse(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")

	other, err := f.store.Register(context.Background(), store.IdentityKey(interpreterID, py38), "other", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Dispose()

	_, err = f.generator().Run(context.Background())
	if !errors.Is(err, store.ErrAlreadyInUse) {
		t.Fatalf("err = %v, want ErrAlreadyInUse", err)
	}
	if _, statErr := os.Stat(f.out); !os.IsNotExist(statErr) {
		t.Error("output written while another generator held the identity")
	}
}

func TestCancelledRunLeavesNoMarker(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	writeFile(t, filepath.Join(f.lib, "lib-dynload", "_ext.cpython-38-x86_64-linux-gnu.so"), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.python.onRun = func(mode string) {
		if mode == "builtins" {
			cancel()
		}
	}

	sum, err := f.generator().Run(ctx)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if _, ok := database.ModTime(filepath.Join(f.out, database.MarkerFile)); ok {
		t.Error("marker written by a cancelled run")
	}
	runs, _ := f.store.RecentRuns(sum.Identity, 1)
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeCancelled {
		t.Errorf("runs = %+v", runs)
	}
}

func TestLostLeaseCancelsRun(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	key := store.IdentityKey(interpreterID, py38)

	// the heartbeat stalls past the TTL, so another generator reclaims
	// the identity while builtins are scraped
	ttl, renew := 40*time.Millisecond, time.Hour
	g := f.generator(func(c *config.Config) {
		c.Tuning = &config.Tuning{Lease: config.LeaseTuning{TTL: &ttl, Renew: &renew}}
	})
	var thief *store.Handle
	f.python.onRun = func(mode string) {
		if mode != "builtins" {
			return
		}
		time.Sleep(3 * ttl)
		h, err := f.store.Register(context.Background(), key, "thief", time.Minute)
		if err != nil {
			t.Errorf("reclaim expired lease: %v", err)
			return
		}
		thief = h
	}

	sum, err := g.Run(context.Background())
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("err = %v, want ErrCancelled caused by ErrLeaseLost", err)
	}
	if thief == nil {
		t.Fatal("lease was never reclaimed")
	}
	defer thief.Dispose()

	if _, ok := database.ModTime(filepath.Join(f.out, database.MarkerFile)); ok {
		t.Error("marker written after the lease was lost")
	}
	if _, ok := database.ModTime(database.ArtifactPath(f.out, "", "a")); ok {
		t.Error("group persisted after the lease was lost")
	}
	active, err := f.store.Active(key)
	if err != nil || active == nil || active.ID != thief.ID() {
		t.Errorf("active lease = %+v, %v; want the reclaiming holder", active, err)
	}
	runs, _ := f.store.RecentRuns(sum.Identity, 1)
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeCancelled {
		t.Errorf("runs = %+v", runs)
	}
}

func TestPreRegisteredLeaseIsUsed(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")

	g := f.generator()
	lease, err := g.Register(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g.Lease = lease

	sum, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	runs, _ := f.store.RecentRuns(sum.Identity, 1)
	if len(runs) != 1 || runs[0].LeaseID != lease.ID() {
		t.Errorf("runs = %+v, want lease %s", runs, lease.ID())
	}
	if l, _ := f.store.Active(sum.Identity); l != nil {
		t.Errorf("lease still held after run: %+v", l)
	}
}

func TestInvalidatedDatabaseDropsMarkerFirst(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	if _, err := f.generator().Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// builtins scrape fails on the forced rebuild
	f.python.onRun = nil
	g := f.generator(func(c *config.Config) { c.All = true })
	g.Runner = runnerFunc(func(ctx context.Context, name string, args ...string) (*scrape.Result, error) {
		if args[2] == "builtins" {
			return &scrape.Result{ExitCode: 1, Stderr: "MemoryError"}, nil
		}
		return f.python.Run(ctx, name, args...)
	})
	_, err := g.Run(context.Background())
	if !errors.Is(err, scrape.ErrBuiltinScrape) {
		t.Fatalf("err = %v, want ErrBuiltinScrape", err)
	}
	if _, ok := database.ModTime(filepath.Join(f.out, database.MarkerFile)); ok {
		t.Error("marker survived a failed rebuild")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")

	g := f.generator(func(c *config.Config) { c.DryRun = true })
	var out bytes.Buffer
	g.Stdout = &out
	sum, err := g.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sum.DryRun {
		t.Error("summary not marked as dry run")
	}
	if want := database.ArtifactPath(f.out, "", "a"); !strings.Contains(out.String(), want) {
		t.Errorf("plan listing does not mention %s:\n%s", want, out.String())
	}
	if _, err := os.Stat(f.out); !os.IsNotExist(err) {
		t.Error("dry run created the output directory")
	}
	if runs, _ := f.store.RecentRuns(sum.Identity, 10); len(runs) != 0 {
		t.Errorf("dry run recorded %d runs", len(runs))
	}
}

func TestOrphansRemoved(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	writeFile(t, filepath.Join(f.lib, "gone.py"), "y = 2\n")
	if _, err := f.generator().Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(f.lib, "gone.py")); err != nil {
		t.Fatal(err)
	}

	sum, err := f.generator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", sum.Deleted)
	}
	if _, ok := database.ModTime(database.ArtifactPath(f.out, "", "gone")); ok {
		t.Error("orphaned artifact still present")
	}
}

func TestRemovedModuleNotResolvedDuringRebuild(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.lib, "a.py"), "x = 1\n")
	writeFile(t, filepath.Join(f.lib, "gone.py"), "def f() -> int:\n    return 1\n")
	if _, err := f.generator().Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(f.lib, "gone.py")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(f.site, "app", "__init__.py"), "from gone import f\n")
	if _, err := f.generator(func(c *config.Config) { c.All = true }).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	app := readArtifact(t, database.ArtifactPath(f.out, "site-packages", "app"))
	if m := app.Members["f"]; m.Kind != database.KindReference {
		t.Errorf("app.f = %+v, want an unresolved reference to the removed module", m)
	}
	if _, ok := database.ModTime(database.ArtifactPath(f.out, "", "gone")); ok {
		t.Error("artifact of the removed module still present")
	}
}

func TestGroupErrorMessage(t *testing.T) {
	err := &GroupError{Group: "/lib", Module: "pkg.mod", Err: os.ErrPermission}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("GroupError must unwrap")
	}
	if !strings.Contains(err.Error(), "pkg.mod") {
		t.Errorf("message = %q", err.Error())
	}
}

type runnerFunc func(ctx context.Context, name string, args ...string) (*scrape.Result, error)

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) (*scrape.Result, error) {
	return f(ctx, name, args...)
}

package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DeusData/completion-db/internal/lang"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// setupInstall lays out a minimal interpreter library tree.
func setupInstall(t *testing.T) string {
	t.Helper()
	lib := filepath.Join(t.TempDir(), "lib", "python3.11")
	writeFile(t, filepath.Join(lib, "os.py"), "import sys\n")
	writeFile(t, filepath.Join(lib, "json", "__init__.py"), "")
	writeFile(t, filepath.Join(lib, "json", "decoder.py"), "")
	writeFile(t, filepath.Join(lib, "nspkg", "mod.py"), "")
	writeFile(t, filepath.Join(lib, "test", "test_os.py"), "")
	writeFile(t, filepath.Join(lib, "__pycache__", "os.cpython-311.pyc"), "")
	writeFile(t, filepath.Join(lib, "lib-dynload", "_ssl.cpython-311-x86_64-linux-gnu.so"), "")
	writeFile(t, filepath.Join(lib, "site-packages", "requests", "__init__.py"), "")
	writeFile(t, filepath.Join(lib, "site-packages", "os.py"), "")
	return lib
}

func names(g ModuleGroup) map[string]ModuleIdentity {
	out := make(map[string]ModuleIdentity, len(g.Modules))
	for _, m := range g.Modules {
		out[m.Name] = m
	}
	return out
}

func TestFindModulesOrderingAndCollisions(t *testing.T) {
	lib := setupInstall(t)
	roots := LibraryRoots(lib)

	groups, err := FindModules(context.Background(), roots, Options{Version: lang.Version{Major: 3, Minor: 11}})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if groups[0].Root.Kind != Stdlib || groups[1].Root.Kind != BuiltinHost || groups[2].Root.Kind != SitePackages {
		t.Fatalf("unexpected group order: %v %v %v", groups[0].Root.Kind, groups[1].Root.Kind, groups[2].Root.Kind)
	}

	std := names(groups[0])
	for _, want := range []string{"os", "json", "json.decoder", "nspkg.mod", "test.test_os"} {
		if _, ok := std[want]; !ok {
			t.Errorf("stdlib group missing %s", want)
		}
	}
	if _, ok := std["requests"]; ok {
		t.Error("site-packages content leaked into stdlib group")
	}
	if groups[0].Subdir != "" {
		t.Errorf("stdlib subdir = %q, want empty", groups[0].Subdir)
	}

	dyn := names(groups[1])
	if m, ok := dyn["_ssl"]; !ok || m.Kind != Compiled {
		t.Errorf("expected compiled _ssl in builtin-host group, got %+v", m)
	}

	site := names(groups[2])
	if _, ok := site["os"]; ok {
		t.Error("site-packages os.py should be shadowed by stdlib")
	}
	if _, ok := site["requests"]; !ok {
		t.Error("site-packages group missing requests")
	}
	if groups[2].Subdir != "site-packages" {
		t.Errorf("site-packages subdir = %q", groups[2].Subdir)
	}
}

func TestFindModulesRequiresMarkerBefore33(t *testing.T) {
	lib := setupInstall(t)
	groups, err := FindModules(context.Background(), []Root{{Path: lib, Kind: Stdlib}}, Options{Version: lang.Version{Major: 2, Minor: 7}})
	if err != nil {
		t.Fatal(err)
	}
	std := names(groups[0])
	if _, ok := std["nspkg.mod"]; ok {
		t.Error("directory without __init__ must not be a package on 2.7")
	}
	if _, ok := std["json.decoder"]; !ok {
		t.Error("regular package missing on 2.7")
	}
}

func TestFindModulesCompiledShadowsSource(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "speedups.py"), "")
	writeFile(t, filepath.Join(root, "speedups.cpython-311-x86_64-linux-gnu.so"), "")

	groups, err := FindModules(context.Background(), []Root{{Path: root, Kind: Extra}}, Options{Version: lang.Version{Major: 3, Minor: 11}})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups[0].Modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(groups[0].Modules))
	}
	if groups[0].Modules[0].Kind != Compiled {
		t.Errorf("expected compiled module to win, got %v", groups[0].Modules[0].Kind)
	}
}

func TestFindModulesPackageShadowsModule(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo.py"), "")
	writeFile(t, filepath.Join(root, "foo", "__init__.py"), "")
	writeFile(t, filepath.Join(root, "foo", "bar.py"), "")
	// a module file shadows a namespace portion
	writeFile(t, filepath.Join(root, "ns.py"), "")
	writeFile(t, filepath.Join(root, "ns", "hidden.py"), "")

	groups, err := FindModules(context.Background(), []Root{{Path: root, Kind: Extra}}, Options{Version: lang.Version{Major: 3, Minor: 11}})
	if err != nil {
		t.Fatal(err)
	}
	mods := names(groups[0])
	if m := mods["foo"]; m.SourcePath != filepath.Join(root, "foo", "__init__.py") {
		t.Errorf("foo resolves to %q, want the package", m.SourcePath)
	}
	if _, ok := mods["foo.bar"]; !ok {
		t.Error("package submodule foo.bar missing")
	}
	if m := mods["ns"]; m.SourcePath != filepath.Join(root, "ns.py") {
		t.Errorf("ns resolves to %q, want ns.py", m.SourcePath)
	}
	if _, ok := mods["ns.hidden"]; ok {
		t.Error("namespace portion shadowed by ns.py was walked")
	}
}

func TestFindModulesEarlierRootShadowsPackage(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "foo.py"), "")
	writeFile(t, filepath.Join(second, "foo", "__init__.py"), "")
	writeFile(t, filepath.Join(second, "foo", "bar.py"), "")

	groups, err := FindModules(context.Background(), []Root{{Path: first, Kind: Extra}, {Path: second, Kind: Extra}}, Options{Version: lang.Version{Major: 3, Minor: 11}})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if n := len(groups[1].Modules); n != 0 {
		t.Errorf("shadowed package contributed %d modules: %+v", n, groups[1].Modules)
	}
}

func TestFindModulesUnreadableRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	groups, err := FindModules(context.Background(), []Root{{Path: missing, Kind: SitePackages}}, Options{})
	if err != nil {
		t.Fatalf("unreadable root should not abort discovery: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Modules) != 0 {
		t.Fatalf("expected one empty group, got %+v", groups)
	}
}

func TestFindModulesExclude(t *testing.T) {
	lib := setupInstall(t)
	groups, err := FindModules(context.Background(), []Root{{Path: lib, Kind: Stdlib}}, Options{
		Version: lang.Version{Major: 3, Minor: 11},
		Exclude: []string{"test/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := names(groups[0])["test.test_os"]; ok {
		t.Error("excluded directory was scanned")
	}
}

func TestFindModulesCancelled(t *testing.T) {
	lib := setupInstall(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FindModules(ctx, LibraryRoots(lib), Options{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestLibraryRootsPathFiles(t *testing.T) {
	lib := setupInstall(t)
	extra := filepath.Join(t.TempDir(), "extra")
	writeFile(t, filepath.Join(extra, "requests", "__init__.py"), "")
	writeFile(t, filepath.Join(extra, "plugin.py"), "")
	writeFile(t, filepath.Join(lib, "site-packages", "extra.pth"), "# comment\nimport site\n"+extra+"\nmissing-dir\n")

	roots := LibraryRoots(lib)
	last := roots[len(roots)-1]
	if last.Kind != PathFile || last.Path != extra {
		t.Fatalf("expected .pth root last, got %+v", last)
	}

	groups, err := FindModules(context.Background(), roots, Options{Version: lang.Version{Major: 3, Minor: 11}})
	if err != nil {
		t.Fatal(err)
	}
	pth := names(groups[len(groups)-1])
	if _, ok := pth["requests"]; ok {
		t.Error(".pth directory must not shadow site-packages")
	}
	if _, ok := pth["plugin"]; !ok {
		t.Error(".pth directory module missing")
	}
	if groups[len(groups)-1].Subdir != extra {
		t.Errorf("pth subdir = %q, want %q", groups[len(groups)-1].Subdir, extra)
	}
}

func TestModuleGroupHelpers(t *testing.T) {
	g := ModuleGroup{
		Root: Root{Kind: Stdlib},
		Modules: []ModuleIdentity{
			{Name: "a", Kind: Source},
			{Name: "b", Kind: Compiled},
		},
	}
	if !g.IsFoundation() {
		t.Error("stdlib group should be foundation")
	}
	if len(g.Sources()) != 1 || len(g.Compiled()) != 1 {
		t.Errorf("sources=%d compiled=%d", len(g.Sources()), len(g.Compiled()))
	}
	if !BuiltinModule("sys").IsCompiled() {
		t.Error("builtin should count as compiled")
	}
}

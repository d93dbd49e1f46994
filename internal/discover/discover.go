package discover

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/DeusData/completion-db/internal/fqn"
	"github.com/DeusData/completion-db/internal/lang"
)

// IGNORE_PATTERNS are directory names never descended into.
var IGNORE_PATTERNS = map[string]bool{
	"__pycache__": true, ".git": true, ".hg": true, ".svn": true,
	".tox": true, ".venv": true, ".mypy_cache": true, ".pytest_cache": true,
}

// stdlibNested are directories under the standard library root that are
// scanned as roots of their own, so the stdlib walk skips them.
var stdlibNested = map[string]bool{
	"site-packages": true, "dist-packages": true, "lib-dynload": true,
}

// ModuleKind tags how a module's members are obtained.
type ModuleKind int

const (
	// Source modules are parsed and statically analyzed.
	Source ModuleKind = iota
	// Compiled modules are native extensions scraped one per invocation.
	Compiled
	// Builtin modules are linked into the interpreter and scraped together.
	Builtin
)

func (k ModuleKind) String() string {
	switch k {
	case Source:
		return "source"
	case Compiled:
		return "compiled"
	case Builtin:
		return "builtin"
	default:
		return "unknown"
	}
}

// ModuleIdentity is one discoverable module.
type ModuleIdentity struct {
	Name        string     // dotted module name
	SourcePath  string     // absolute file path; empty for builtins
	LibraryRoot string     // root the module was found under; empty for builtins
	Kind        ModuleKind // source, compiled or builtin
}

// IsCompiled reports whether the module is scraped rather than analyzed.
func (m ModuleIdentity) IsCompiled() bool {
	return m.Kind != Source
}

// BuiltinModule returns the identity of a module compiled into the interpreter.
func BuiltinModule(name string) ModuleIdentity {
	return ModuleIdentity{Name: name, Kind: Builtin}
}

// RootKind orders library roots during discovery.
type RootKind int

const (
	Stdlib RootKind = iota
	BuiltinHost
	SitePackages
	Extra
	PathFile
)

func (k RootKind) String() string {
	switch k {
	case Stdlib:
		return "stdlib"
	case BuiltinHost:
		return "builtin-host"
	case SitePackages:
		return "site-packages"
	case Extra:
		return "extra"
	case PathFile:
		return "pth"
	default:
		return "unknown"
	}
}

// Root is a library directory modules are discovered under.
type Root struct {
	Path string
	Kind RootKind
}

// ModuleGroup is the set of modules sharing one library root. It is the unit
// of staleness evaluation and of one analysis context.
type ModuleGroup struct {
	Root    Root
	Subdir  string // output subdirectory relative to the database; "" for stdlib
	Modules []ModuleIdentity
}

// IsFoundation reports whether the group must be completed before any other
// group is analyzed.
func (g ModuleGroup) IsFoundation() bool {
	return g.Root.Kind == Stdlib || g.Root.Kind == BuiltinHost
}

// Sources returns the group's pure-source modules.
func (g ModuleGroup) Sources() []ModuleIdentity {
	var out []ModuleIdentity
	for _, m := range g.Modules {
		if m.Kind == Source {
			out = append(out, m)
		}
	}
	return out
}

// Compiled returns the group's native extension modules.
func (g ModuleGroup) Compiled() []ModuleIdentity {
	var out []ModuleIdentity
	for _, m := range g.Modules {
		if m.Kind == Compiled {
			out = append(out, m)
		}
	}
	return out
}

// Options configures module discovery.
type Options struct {
	Version lang.Version
	// Exclude holds gitignore-syntax patterns matched against root-relative paths.
	Exclude []string
}

// FindModules walks every root and returns one group per root. Stdlib and
// builtin-host roots come first and .pth-contributed roots last; when two
// roots define the same module name the first one wins.
func FindModules(ctx context.Context, roots []Root, opts Options) ([]ModuleGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ordered := make([]Root, len(roots))
	copy(ordered, roots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rootPriority(ordered[i].Kind) < rootPriority(ordered[j].Kind)
	})

	var matcher *gitignore.GitIgnore
	if len(opts.Exclude) > 0 {
		matcher = gitignore.CompileIgnoreLines(opts.Exclude...)
	}

	stdlibPath := ""
	for _, r := range ordered {
		if r.Kind == Stdlib {
			stdlibPath = r.Path
			break
		}
	}

	seen := make(map[string]bool)
	groups := make([]ModuleGroup, 0, len(ordered))
	for _, root := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w := &walker{
			ctx:       ctx,
			root:      root,
			version:   opts.Version,
			matcher:   matcher,
			seen:      seen,
			namespace: lang.NamespacePackages(opts.Version),
		}
		if err := w.walk(root.Path, "", true); err != nil {
			return nil, err
		}
		groups = append(groups, ModuleGroup{
			Root:    root,
			Subdir:  groupSubdir(root, stdlibPath),
			Modules: w.modules,
		})
		slog.Debug("discover.root", "root", root.Path, "kind", root.Kind, "modules", len(w.modules))
	}
	return groups, nil
}

func rootPriority(k RootKind) int {
	switch k {
	case Stdlib:
		return 0
	case BuiltinHost:
		return 1
	case PathFile:
		return 3
	default:
		return 2
	}
}

// groupSubdir names the output subdirectory for a root. Foundation groups
// write to the database top level so later groups can use it as a base path.
func groupSubdir(root Root, stdlibPath string) string {
	if root.Kind == Stdlib || root.Kind == BuiltinHost {
		return ""
	}
	if stdlibPath != "" {
		if rel, err := filepath.Rel(stdlibPath, root.Path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return root.Path
}

type walker struct {
	ctx       context.Context
	root      Root
	version   lang.Version
	matcher   *gitignore.GitIgnore
	seen      map[string]bool
	namespace bool
	modules   []ModuleIdentity
}

func (w *walker) walk(dir, pkg string, top bool) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if top {
			slog.Warn("discover.root.unreadable", "root", dir, "err", err)
		}
		return nil
	}

	var dirs []os.DirEntry
	// Compiled files are visited first so they shadow same-named sources.
	var compiled, sources []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
			continue
		}
		if _, ok := lang.IsCompiledExtension(e.Name()); ok {
			compiled = append(compiled, e)
		} else if _, ok := lang.IsSourceFile(e.Name()); ok {
			sources = append(sources, e)
		}
	}

	// A regular package shadows a same-named module file, which in turn
	// shadows a namespace portion.
	var packages, portions []string
	for _, e := range dirs {
		name := e.Name()
		if IGNORE_PATTERNS[name] || !lang.IsIdentifier(name) {
			continue
		}
		if top && w.root.Kind == Stdlib && stdlibNested[name] {
			continue
		}
		sub := filepath.Join(dir, name)
		if w.excluded(sub, true) {
			continue
		}
		if hasPackageMarker(sub) {
			packages = append(packages, name)
		} else if w.namespace {
			portions = append(portions, name)
		}
	}

	if err := w.descend(dir, pkg, packages); err != nil {
		return err
	}
	for _, e := range compiled {
		w.addFile(dir, pkg, e.Name(), Compiled)
	}
	for _, e := range sources {
		w.addFile(dir, pkg, e.Name(), Source)
	}
	return w.descend(dir, pkg, portions)
}

// descend walks the named subdirectories of dir, skipping any whose module
// name is already taken.
func (w *walker) descend(dir, pkg string, subdirs []string) error {
	for _, name := range subdirs {
		if w.seen[fqn.Join(pkg, name)] {
			continue
		}
		if err := w.walk(filepath.Join(dir, name), fqn.Join(pkg, name), false); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) addFile(dir, pkg, fileName string, kind ModuleKind) {
	path := filepath.Join(dir, fileName)
	if w.excluded(path, false) {
		return
	}
	base := fqn.ModuleName(fileName)
	var name string
	if base == lang.PackageMarker {
		if pkg == "" {
			return
		}
		name = pkg
	} else {
		name = fqn.Join(pkg, base)
	}
	if w.seen[name] {
		return
	}
	w.seen[name] = true
	w.modules = append(w.modules, ModuleIdentity{
		Name:        name,
		SourcePath:  path,
		LibraryRoot: w.root.Path,
		Kind:        kind,
	})
}

func (w *walker) excluded(path string, isDir bool) bool {
	if w.matcher == nil {
		return false
	}
	rel, err := filepath.Rel(w.root.Path, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return w.matcher.MatchesPath(rel)
}

func hasPackageMarker(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := lang.IsSourceFile(e.Name()); ok && name == lang.PackageMarker {
			return true
		}
		if name, ok := lang.IsCompiledExtension(e.Name()); ok && name == lang.PackageMarker {
			return true
		}
	}
	return false
}

// LibraryRoots derives the ordered library roots of an interpreter from its
// standard library directory: the stdlib itself, builtin-hosting extension
// directories, site-packages, and directories contributed by .pth files.
func LibraryRoots(libPath string) []Root {
	libPath = filepath.Clean(libPath)
	roots := []Root{{Path: libPath, Kind: Stdlib}}

	for _, cand := range []string{
		filepath.Join(libPath, "lib-dynload"),
		filepath.Join(filepath.Dir(libPath), "DLLs"),
	} {
		if isDir(cand) {
			roots = append(roots, Root{Path: cand, Kind: BuiltinHost})
		}
	}

	var siteDirs []string
	for _, name := range []string{"site-packages", "dist-packages"} {
		cand := filepath.Join(libPath, name)
		if isDir(cand) {
			siteDirs = append(siteDirs, cand)
			roots = append(roots, Root{Path: cand, Kind: SitePackages})
		}
	}

	known := make(map[string]bool, len(roots))
	for _, r := range roots {
		known[r.Path] = true
	}
	for _, site := range siteDirs {
		for _, p := range pthDirectories(site) {
			if known[p] {
				continue
			}
			known[p] = true
			roots = append(roots, Root{Path: p, Kind: PathFile})
		}
	}
	return roots
}

// pthDirectories returns existing directories listed by the .pth files in a
// site directory, in file-name order.
func pthDirectories(siteDir string) []string {
	matches, err := filepath.Glob(filepath.Join(siteDir, "*.pth"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)

	var dirs []string
	for _, pth := range matches {
		lines, err := loadPathFile(pth)
		if err != nil {
			slog.Warn("discover.pth.read", "path", pth, "err", err)
			continue
		}
		for _, line := range lines {
			p := line
			if !filepath.IsAbs(p) {
				p = filepath.Join(siteDir, p)
			}
			p = filepath.Clean(p)
			if isDir(p) {
				dirs = append(dirs, p)
			}
		}
	}
	return dirs
}

func loadPathFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Executable lines run code at startup; they never name a directory.
		if strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "import\t") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

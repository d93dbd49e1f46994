package analysis

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/DeusData/completion-db/internal/database"
)

// baseIndex resolves module names against previously written databases.
// Directories are indexed on first use and artifacts are read on demand.
type baseIndex struct {
	dirs []string
	io   database.IOPolicy
	skip func(path string) bool

	once  sync.Once
	mu    sync.Mutex
	paths map[string]string
	cache map[string]map[string]database.Member
}

func newBaseIndex(dirs []string, io database.IOPolicy, skip func(string) bool) *baseIndex {
	return &baseIndex{dirs: dirs, io: io, skip: skip, cache: make(map[string]map[string]database.Member)}
}

func (b *baseIndex) index() {
	b.paths = make(map[string]string)
	for _, dir := range b.dirs {
		seen := make(map[string]bool)
		arts, err := database.ListArtifacts(dir, b.io)
		if err != nil {
			slog.Warn("analysis.base.list", "dir", dir, "err", err)
			continue
		}
		for _, path := range arts {
			if b.skip != nil && b.skip(path) {
				continue
			}
			name := database.ModuleFromArtifact(path)
			if _, ok := b.paths[name]; ok && !seen[name] {
				continue // found in an earlier directory
			}
			// foundation artifacts at the top level shadow group subdirectories
			if !seen[name] || filepath.Dir(path) == filepath.Clean(dir) {
				b.paths[name] = path
				seen[name] = true
			}
		}
	}
}

// has reports whether a module exists without reading its artifact.
func (b *baseIndex) has(module string) bool {
	b.once.Do(b.index)
	_, ok := b.paths[module]
	return ok
}

// lookup returns the member table of module, or false when no base
// database carries a readable artifact for it.
func (b *baseIndex) lookup(module string) (map[string]database.Member, bool) {
	b.once.Do(b.index)
	path, ok := b.paths[module]
	if !ok {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.cache[module]; ok {
		return members, members != nil
	}
	a, err := database.ReadArtifact(path, b.io)
	if err != nil {
		slog.Warn("analysis.base.read", "module", module, "path", path, "err", err)
		b.cache[module] = nil
		return nil, false
	}
	b.cache[module] = a.Members
	return a.Members, true
}

package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"
)

// MemberKind classifies an entry of a module's member table.
type MemberKind string

const (
	KindFunction MemberKind = "function"
	KindClass    MemberKind = "class"
	KindVariable MemberKind = "variable"
	KindModule   MemberKind = "module"
	// KindReference is an imported name whose target could not be resolved.
	KindReference MemberKind = "reference"
)

// Member is one completion entry.
type Member struct {
	Kind    MemberKind        `json:"kind"`
	Type    string            `json:"type,omitempty"`   // inferred type, qualified
	Doc     string            `json:"doc,omitempty"`    // docstring
	Params  []string          `json:"params,omitempty"` // function parameters
	Bases   []string          `json:"bases,omitempty"`  // class bases, qualified when resolved
	Target  string            `json:"target,omitempty"` // qualified origin of an imported name
	Members map[string]Member `json:"members,omitempty"`
}

// Artifact is the persisted member table of one module.
type Artifact struct {
	Format   int               `json:"format"`
	Module   string            `json:"module"`
	Source   string            `json:"source,omitempty"`
	Kind     string            `json:"kind"`
	Members  map[string]Member `json:"members"`
	Checksum string            `json:"checksum"`
}

// checksum hashes the member payload. encoding/json sorts map keys, so the
// encoding is deterministic.
func checksum(members map[string]Member) (string, error) {
	b, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxh3.Hash(b)), nil
}

// WriteArtifact persists a to path. The full artifact is written to a
// temporary sibling first and renamed over the old one.
func WriteArtifact(path string, a *Artifact) error {
	if a.Members == nil {
		a.Members = map[string]Member{}
	}
	a.Format = FormatVersion
	sum, err := checksum(a.Members)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", a.Module, err)
	}
	a.Checksum = sum

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.Module, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadArtifact loads and verifies an artifact. Integrity failures wrap
// ErrCorrupt.
func ReadArtifact(path string, policy IOPolicy) (*Artifact, error) {
	var data []byte
	err := policy.retry("read artifact", func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if a.Format != FormatVersion {
		return nil, fmt.Errorf("%w: %s: format %d", ErrCorrupt, path, a.Format)
	}
	sum, err := checksum(a.Members)
	if err != nil || sum != a.Checksum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
	}
	return &a, nil
}

// ModTime returns the modification time of path, or false when it does not exist.
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// stat is swapped out by tests.
var stat = os.Stat

// ModTime is like the package-level ModTime but retries transient stat
// failures. A path that still cannot be read after the retries counts as
// missing.
func (p IOPolicy) ModTime(path string) (time.Time, bool) {
	var info os.FileInfo
	err := p.retry("stat", func() error {
		var statErr error
		info, statErr = stat(path)
		return statErr
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("database.stat", "path", path, "err", err)
		}
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

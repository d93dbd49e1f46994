// Package database owns the on-disk layout of a completion database: the
// database.ver format marker, per-module .idb artifacts and the path rules
// that map module identities onto them.
package database

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/DeusData/completion-db/internal/lang"
)

// FormatVersion is written to database.ver after every fully successful
// generation. Bump it whenever the artifact encoding changes.
const FormatVersion = 25

const (
	// MarkerFile holds the plain-text format version.
	MarkerFile = "database.ver"
	// ArtifactExt marks a file as a completion unit.
	ArtifactExt = ".idb"
)

var (
	// ErrInvalid means the directory must not be trusted right now.
	ErrInvalid = errors.New("database is missing or an old version")
	// ErrCorrupt means an artifact failed its integrity check.
	ErrCorrupt = errors.New("database artifact is corrupt")
)

// Location is a database directory for one language version.
type Location struct {
	Dir     string
	Version lang.Version
}

// BuiltinArtifact returns the path of the builtin-members artifact.
func (l Location) BuiltinArtifact() string {
	return ArtifactPath(l.Dir, "", lang.BuiltinsModuleName(l.Version))
}

// Validate returns nil when the directory holds the builtin artifact and a
// marker equal to FormatVersion, and an error wrapping ErrInvalid otherwise.
// Transient read failures are retried according to policy.
func (l Location) Validate(policy IOPolicy) error {
	err := policy.retry("stat builtins", func() error {
		_, statErr := os.Stat(l.BuiltinArtifact())
		return statErr
	})
	if err != nil {
		return fmt.Errorf("%w: builtin members: %v", ErrInvalid, err)
	}
	v, err := ReadMarker(l.Dir, policy)
	if err != nil {
		return err
	}
	if v != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d", ErrInvalid, v, FormatVersion)
	}
	return nil
}

// ReadMarker reads database.ver. A missing or unparsable marker yields an
// error wrapping ErrInvalid.
func ReadMarker(dir string, policy IOPolicy) (int, error) {
	var data []byte
	err := policy.retry("read marker", func() error {
		var readErr error
		data, readErr = os.ReadFile(filepath.Join(dir, MarkerFile))
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: no %s", ErrInvalid, MarkerFile)
		}
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: unparsable %s %q", ErrInvalid, MarkerFile, strings.TrimSpace(string(data)))
	}
	return v, nil
}

// WriteMarker records FormatVersion, marking the directory as trustworthy.
func WriteMarker(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir database: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, MarkerFile), []byte(strconv.Itoa(FormatVersion)))
}

// DeleteMarker removes database.ver. Readers treat its absence as "do not
// trust this directory", so it is removed before any artifact is touched.
func DeleteMarker(dir string) error {
	err := os.Remove(filepath.Join(dir, MarkerFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

// SanitizeSegment flattens a library path into a single directory name safe
// to create under the database directory.
func SanitizeSegment(subdir string) string {
	if subdir == "" {
		return ""
	}
	s := filepath.ToSlash(filepath.Clean(subdir))
	s = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
	s = strings.Trim(s, "_")
	if s == "" || s == "." {
		return ""
	}
	return s
}

// ArtifactPath maps (database dir, group subdirectory, module name) onto the
// artifact file. The module's dotted name is kept flat in the file name.
func ArtifactPath(dir, subdir, module string) string {
	if seg := SanitizeSegment(subdir); seg != "" {
		return filepath.Join(dir, seg, module+ArtifactExt)
	}
	return filepath.Join(dir, module+ArtifactExt)
}

// ModuleFromArtifact returns the module name encoded in an artifact path.
func ModuleFromArtifact(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ArtifactExt)
}

// ListArtifacts returns every artifact under dir. A missing directory yields
// an empty list.
func ListArtifacts(dir string, policy IOPolicy) ([]string, error) {
	var out []string
	err := policy.retry("list artifacts", func() error {
		out = out[:0]
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ArtifactExt) {
				out = append(out, path)
			}
			return nil
		})
		return walkErr
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

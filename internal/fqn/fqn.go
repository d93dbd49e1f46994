package fqn

import (
	"path/filepath"
	"strings"

	"github.com/DeusData/completion-db/internal/lang"
)

// ModuleName returns the dotted module name for a file path relative to its
// library root. The extension (including any ABI tag) is dropped, and a
// trailing __init__ collapses into its package.
// Examples:
//   - json/decoder.py          -> json.decoder
//   - json/__init__.py         -> json
//   - _ssl.cpython-311-x86_64-linux-gnu.so -> _ssl
func ModuleName(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	last := parts[len(parts)-1]
	if name, ok := lang.IsSourceFile(last); ok {
		last = name
	} else if name, ok := lang.IsCompiledExtension(last); ok {
		last = name
	} else {
		last = strings.TrimSuffix(last, filepath.Ext(last))
	}
	parts[len(parts)-1] = last
	if len(parts) > 1 && last == lang.PackageMarker {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, ".")
}

// PackageName returns the dotted name for a directory relative to its
// library root.
func PackageName(relDir string) string {
	if relDir == "." || relDir == "" {
		return ""
	}
	return strings.Join(strings.Split(filepath.ToSlash(relDir), "/"), ".")
}

// Join appends name to a dotted prefix.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Parent returns the dotted parent of name, or "" for a top-level name.
func Parent(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[:i]
}

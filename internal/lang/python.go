package lang

import "strings"

const (
	// SourceExtension marks a pure-source module.
	SourceExtension = ".py"
	// PackageMarker is the module name that turns a directory into a package.
	PackageMarker = "__init__"
)

// compiledSuffixes are the native extension suffixes recognized as compiled
// modules, longest first so ABI-tagged names are matched before plain ".so".
var compiledSuffixes = []string{".pyd", ".so"}

// IsCompiledExtension reports whether fileName is a native extension module and
// returns its importable module name with any ABI tag stripped
// ("_ssl.cpython-311-x86_64-linux-gnu.so" -> "_ssl").
func IsCompiledExtension(fileName string) (string, bool) {
	for _, suffix := range compiledSuffixes {
		if !strings.HasSuffix(strings.ToLower(fileName), suffix) {
			continue
		}
		base := fileName[:len(fileName)-len(suffix)]
		if i := strings.IndexByte(base, '.'); i >= 0 {
			base = base[:i]
		}
		if !IsIdentifier(base) {
			return "", false
		}
		return base, true
	}
	return "", false
}

// IsSourceFile reports whether fileName is a pure-source module and returns
// its module name.
func IsSourceFile(fileName string) (string, bool) {
	if !strings.HasSuffix(fileName, SourceExtension) {
		return "", false
	}
	base := strings.TrimSuffix(fileName, SourceExtension)
	if !IsIdentifier(base) {
		return "", false
	}
	return base, true
}

// Spec lists the tree-sitter node kinds the analyzer looks for.
type Spec struct {
	FunctionNodeTypes   []string
	ClassNodeTypes      []string
	DecoratedNodeTypes  []string
	ImportNodeTypes     []string
	ImportFromTypes     []string
	AssignmentNodeTypes []string
	// Py2OnlyNodeTypes are statements that are syntax errors in 3.x.
	Py2OnlyNodeTypes []string
	// Py3OnlyNodeTypes are statements that are syntax errors in 2.x.
	Py3OnlyNodeTypes []string
}

// Python is the node-kind table for the tree-sitter-python grammar.
var Python = &Spec{
	FunctionNodeTypes:   []string{"function_definition"},
	ClassNodeTypes:      []string{"class_definition"},
	DecoratedNodeTypes:  []string{"decorated_definition"},
	ImportNodeTypes:     []string{"import_statement"},
	ImportFromTypes:     []string{"import_from_statement", "future_import_statement"},
	AssignmentNodeTypes: []string{"assignment", "augmented_assignment"},
	Py2OnlyNodeTypes:    []string{"print_statement", "exec_statement"},
	Py3OnlyNodeTypes:    []string{"nonlocal_statement"},
}

// Has reports whether kind is one of kinds.
func Has(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

package lang

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"3.11", Version{3, 11}, false},
		{"2.7", Version{2, 7}, false},
		{" 3.8.10 ", Version{3, 8}, false},
		{"3", Version{}, true},
		{"x.1", Version{}, true},
		{"1.0", Version{}, true},
		{"3.-1", Version{}, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersion(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuiltinsModuleName(t *testing.T) {
	if got := BuiltinsModuleName(Version{2, 7}); got != "__builtin__" {
		t.Errorf("2.7 builtins = %q", got)
	}
	if got := BuiltinsModuleName(Version{3, 12}); got != "builtins" {
		t.Errorf("3.12 builtins = %q", got)
	}
}

func TestNamespacePackages(t *testing.T) {
	if NamespacePackages(Version{3, 2}) {
		t.Error("3.2 should require __init__")
	}
	if !NamespacePackages(Version{3, 3}) {
		t.Error("3.3 should allow namespace packages")
	}
	if NamespacePackages(Version{2, 7}) {
		t.Error("2.7 should require __init__")
	}
}

func TestIsCompiledExtension(t *testing.T) {
	tests := []struct {
		file string
		name string
		ok   bool
	}{
		{"_ssl.cpython-311-x86_64-linux-gnu.so", "_ssl", true},
		{"_speedups.abi3.so", "_speedups", true},
		{"select.pyd", "select", true},
		{"SELECT.PYD", "SELECT", true},
		{"foo.py", "", false},
		{"lib-foo.so", "", false},
	}
	for _, tt := range tests {
		name, ok := IsCompiledExtension(tt.file)
		if ok != tt.ok || name != tt.name {
			t.Errorf("IsCompiledExtension(%q) = (%q, %v), want (%q, %v)", tt.file, name, ok, tt.name, tt.ok)
		}
	}
}

func TestIsSourceFile(t *testing.T) {
	if name, ok := IsSourceFile("os.py"); !ok || name != "os" {
		t.Errorf("os.py = (%q, %v)", name, ok)
	}
	if _, ok := IsSourceFile("setup-tools.py"); ok {
		t.Error("non-identifier file accepted")
	}
	if _, ok := IsSourceFile("README.txt"); ok {
		t.Error("non-source file accepted")
	}
}

func TestIsIdentifier(t *testing.T) {
	for _, s := range []string{"os", "_private", "a1", "Ünicode"} {
		if !IsIdentifier(s) {
			t.Errorf("IsIdentifier(%q) = false", s)
		}
	}
	for _, s := range []string{"", "1abc", "a-b", "a.b", "a b"} {
		if IsIdentifier(s) {
			t.Errorf("IsIdentifier(%q) = true", s)
		}
	}
}

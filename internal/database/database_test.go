package database

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/DeusData/completion-db/internal/lang"
)

var py311 = lang.Version{Major: 3, Minor: 11}

func makeValid(t *testing.T, dir string) Location {
	t.Helper()
	loc := Location{Dir: dir, Version: py311}
	if err := WriteArtifact(loc.BuiltinArtifact(), &Artifact{Module: "builtins", Kind: "builtin"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteMarker(dir); err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	loc := makeValid(t, dir)
	if err := loc.Validate(DefaultIO); err != nil {
		t.Fatalf("expected valid database, got %v", err)
	}

	if err := DeleteMarker(dir); err != nil {
		t.Fatal(err)
	}
	if err := loc.Validate(DefaultIO); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing marker: got %v, want ErrInvalid", err)
	}
	// Deleting twice is not an error.
	if err := DeleteMarker(dir); err != nil {
		t.Fatal(err)
	}
}

func TestValidateGarbageMarker(t *testing.T) {
	dir := t.TempDir()
	loc := makeValid(t, dir)
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loc.Validate(DefaultIO); !errors.Is(err, ErrInvalid) {
		t.Fatalf("garbage marker: got %v, want ErrInvalid", err)
	}
}

func TestValidateOldVersion(t *testing.T) {
	dir := t.TempDir()
	loc := makeValid(t, dir)
	old := strconv.Itoa(FormatVersion - 1)
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(old+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loc.Validate(DefaultIO); !errors.Is(err, ErrInvalid) {
		t.Fatalf("old marker: got %v, want ErrInvalid", err)
	}
}

func TestValidateMissingBuiltins(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMarker(dir); err != nil {
		t.Fatal(err)
	}
	loc := Location{Dir: dir, Version: lang.Version{Major: 2, Minor: 7}}
	if err := loc.Validate(DefaultIO); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing builtins: got %v, want ErrInvalid", err)
	}
	if filepath.Base(loc.BuiltinArtifact()) != "__builtin__.idb" {
		t.Errorf("2.7 builtin artifact = %s", loc.BuiltinArtifact())
	}
}

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		subdir string
		module string
		want   string
	}{
		{"", "os.path", filepath.Join("db", "os.path.idb")},
		{"site-packages", "requests", filepath.Join("db", "site-packages", "requests.idb")},
		{"/opt/extra/lib", "plugin", filepath.Join("db", "opt_extra_lib", "plugin.idb")},
		{`C:\Python\Lib\site-packages`, "x", filepath.Join("db", "C__Python_Lib_site-packages", "x.idb")},
	}
	for _, tt := range tests {
		got := ArtifactPath("db", tt.subdir, tt.module)
		if got != tt.want {
			t.Errorf("ArtifactPath(%q, %q) = %q, want %q", tt.subdir, tt.module, got, tt.want)
		}
		if ModuleFromArtifact(got) != tt.module {
			t.Errorf("ModuleFromArtifact(%q) = %q", got, ModuleFromArtifact(got))
		}
	}
}

func TestArtifactRoundTripAndCorruption(t *testing.T) {
	dir := t.TempDir()
	path := ArtifactPath(dir, "", "a")
	a := &Artifact{
		Module: "a",
		Source: "/lib/a.py",
		Kind:   "source",
		Members: map[string]Member{
			"f": {Kind: KindFunction, Params: []string{"x"}},
			"C": {Kind: KindClass, Members: map[string]Member{"m": {Kind: KindFunction}}},
		},
	}
	if err := WriteArtifact(path, a); err != nil {
		t.Fatal(err)
	}
	got, err := ReadArtifact(path, DefaultIO)
	if err != nil {
		t.Fatal(err)
	}
	if got.Members["C"].Members["m"].Kind != KindFunction {
		t.Errorf("nested member lost: %+v", got.Members["C"])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	truncated := data[:len(data)-1]

	// Payload changed without updating the checksum.
	if err := os.WriteFile(path, []byte(`{"format":`+strconv.Itoa(FormatVersion)+`,"module":"a","kind":"source","members":{"g":{"kind":"function"}},"checksum":"0"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadArtifact(path, DefaultIO); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("checksum mismatch: got %v, want ErrCorrupt", err)
	}
	if err := os.WriteFile(path, truncated, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadArtifact(path, DefaultIO); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("truncated json: got %v, want ErrCorrupt", err)
	}
}

func TestListArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{
		ArtifactPath(dir, "", "os"),
		ArtifactPath(dir, "site-packages", "requests"),
	} {
		if err := WriteArtifact(p, &Artifact{Module: ModuleFromArtifact(p)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteMarker(dir); err != nil {
		t.Fatal(err)
	}
	got, err := ListArtifacts(dir, DefaultIO)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %v", got)
	}

	missing, err := ListArtifacts(filepath.Join(dir, "nope"), DefaultIO)
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir: got %v, %v", missing, err)
	}
}

func TestRetryTransient(t *testing.T) {
	calls := 0
	policy := IOPolicy{Retries: 3, Backoff: time.Millisecond}
	err := policy.retry("flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("sharing violation")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = policy.retry("missing", func() error {
		calls++
		return os.ErrNotExist
	})
	if !errors.Is(err, os.ErrNotExist) || calls != 1 {
		t.Fatalf("not-exist must not be retried: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = policy.retry("always", func() error {
		calls++
		return errors.New("busy")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected bounded retries, got err=%v calls=%d", err, calls)
	}
}

func TestPolicyModTimeRetriesTransient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, want, want); err != nil {
		t.Fatal(err)
	}

	calls := 0
	stat = func(name string) (os.FileInfo, error) {
		calls++
		if calls < 3 {
			return nil, &os.PathError{Op: "stat", Path: name, Err: errors.New("sharing violation")}
		}
		return os.Stat(name)
	}
	t.Cleanup(func() { stat = os.Stat })

	policy := IOPolicy{Retries: 3, Backoff: time.Millisecond}
	got, ok := policy.ModTime(path)
	if !ok || !got.Equal(want) || calls != 3 {
		t.Fatalf("ModTime = %v, %v after %d calls; want %v on the third", got, ok, calls, want)
	}

	calls = 0
	if _, ok := policy.ModTime(filepath.Join(filepath.Dir(path), "nope.json")); ok {
		t.Error("missing file reported present")
	}
	if calls != 1 {
		t.Errorf("missing file stat'ed %d times, want 1", calls)
	}
}

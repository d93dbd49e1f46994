// Package config holds the settings of one generation run: the command-line
// arguments plus optional YAML tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/DeusData/completion-db/internal/database"
	"github.com/DeusData/completion-db/internal/lang"
)

// FileName is the tuning file picked up from the output directory when no
// file is named explicitly.
const FileName = "completion-db.yaml"

// Config is everything a generation run needs.
type Config struct {
	InterpreterID string
	Version       lang.Version
	Python        string   // interpreter executable
	Library       string   // standard library directory
	Output        string   // database directory
	BaseDBs       []string // databases consulted for modules outside a group
	RunLog        string
	GlobalLog     string
	DiagLog       string
	All           bool
	DryRun        bool
	Verbose       bool
	LeaseDB       string // coordination database; "" uses the default
	Tuning        *Tuning
}

// Tuning holds user-overridable knobs. Nil pointers mean "use the default".
type Tuning struct {
	Analysis  AnalysisTuning  `yaml:"analysis"`
	Discovery DiscoveryTuning `yaml:"discovery"`
	IO        IOTuning        `yaml:"io"`
	Watch     WatchTuning     `yaml:"watch"`
	Lease     LeaseTuning     `yaml:"lease"`
	Progress  ProgressTuning  `yaml:"progress"`
}

// AnalysisTuning configures the analysis engine.
type AnalysisTuning struct {
	// SuppressCallSites lists module-name prefixes excluded from call-site
	// parameter specialization.
	SuppressCallSites []string `yaml:"suppress_call_sites"`
	MaxIterations     *int     `yaml:"max_iterations"`
}

// DiscoveryTuning configures the module locator.
type DiscoveryTuning struct {
	// Exclude holds gitignore-style patterns relative to each library root.
	Exclude []string `yaml:"exclude"`
}

// IOTuning configures retries of transient file-system errors.
type IOTuning struct {
	Retries *int           `yaml:"retries"`
	Backoff *time.Duration `yaml:"backoff"`
}

// WatchTuning configures the liveness controller's change detection.
type WatchTuning struct {
	Debounce     *time.Duration `yaml:"debounce"`
	Poll         *bool          `yaml:"poll"`
	PollInterval *time.Duration `yaml:"poll_interval"`
}

// LeaseTuning configures the generation identity lease.
type LeaseTuning struct {
	TTL   *time.Duration `yaml:"ttl"`
	Renew *time.Duration `yaml:"renew"`
}

// ProgressTuning throttles progress reports.
type ProgressTuning struct {
	Every *int `yaml:"every"`
}

// DefaultTuning returns the default tuning.
func DefaultTuning() *Tuning {
	return &Tuning{}
}

// LoadTuning reads tuning from path. When explicit is false a missing or
// invalid file yields the defaults; when true both are errors.
func LoadTuning(path string, explicit bool) (*Tuning, error) {
	if path == "" {
		return DefaultTuning(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return DefaultTuning(), nil
	}
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, t); err != nil {
		if explicit {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		return DefaultTuning(), nil
	}
	return t, nil
}

// EffectiveMaxIterations returns the drain cap, 0 meaning the engine default.
func (t *Tuning) EffectiveMaxIterations() int {
	if t.Analysis.MaxIterations != nil {
		return *t.Analysis.MaxIterations
	}
	return 0
}

// EffectiveIO returns the transient I/O retry policy.
func (t *Tuning) EffectiveIO() database.IOPolicy {
	p := database.DefaultIO
	if t.IO.Retries != nil {
		p.Retries = *t.IO.Retries
	}
	if t.IO.Backoff != nil {
		p.Backoff = *t.IO.Backoff
	}
	return p
}

// EffectiveDebounce returns the watch coalescing delay.
func (t *Tuning) EffectiveDebounce() time.Duration {
	if t.Watch.Debounce != nil {
		return *t.Watch.Debounce
	}
	return 250 * time.Millisecond
}

// EffectivePoll reports whether to poll instead of using native events.
func (t *Tuning) EffectivePoll() bool {
	return t.Watch.Poll != nil && *t.Watch.Poll
}

// EffectivePollInterval returns the polling interval; 0 adapts to the tree size.
func (t *Tuning) EffectivePollInterval() time.Duration {
	if t.Watch.PollInterval != nil {
		return *t.Watch.PollInterval
	}
	return 0
}

// EffectiveLeaseTTL returns how long a lease survives without renewal.
func (t *Tuning) EffectiveLeaseTTL() time.Duration {
	if t.Lease.TTL != nil {
		return *t.Lease.TTL
	}
	return 30 * time.Second
}

// EffectiveLeaseRenew returns the heartbeat interval.
func (t *Tuning) EffectiveLeaseRenew() time.Duration {
	if t.Lease.Renew != nil {
		return *t.Lease.Renew
	}
	return t.EffectiveLeaseTTL() / 3
}

// EffectiveProgressEvery returns the progress throttle in queue-size changes.
func (t *Tuning) EffectiveProgressEvery() int {
	if t.Progress.Every != nil {
		return *t.Progress.Every
	}
	return 50
}

// ArgumentError reports invalid or missing arguments.
type ArgumentError struct {
	Problems []string
}

func (e *ArgumentError) Error() string {
	return "invalid arguments: " + strings.Join(e.Problems, "; ")
}

// IsArgumentError reports whether err is or wraps an *ArgumentError.
func IsArgumentError(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.InterpreterID == "" {
		add("--id is required")
	} else if _, err := uuid.Parse(c.InterpreterID); err != nil {
		add("--id %q is not a GUID", c.InterpreterID)
	}
	if c.Version.IsZero() {
		add("--version is required")
	}
	if c.Python == "" {
		add("--python is required")
	} else if info, err := os.Stat(c.Python); err != nil || info.IsDir() {
		add("--python %q is not a file", c.Python)
	}
	if c.Library == "" {
		add("--library is required")
	} else if !isDir(c.Library) {
		add("--library %q is not a directory", c.Library)
	}
	if c.Output == "" {
		add("--output is required")
	}
	for _, base := range c.BaseDBs {
		if !isDir(base) {
			add("--basedb %q is not a directory", base)
		}
	}
	if c.Tuning != nil {
		if n := c.Tuning.EffectiveMaxIterations(); n < 0 {
			add("analysis.max_iterations must not be negative")
		}
		if c.Tuning.EffectiveIO().Retries < 0 {
			add("io.retries must not be negative")
		}
		if c.Tuning.EffectiveLeaseRenew() >= c.Tuning.EffectiveLeaseTTL() {
			add("lease.renew must be shorter than lease.ttl")
		}
	}

	if len(problems) > 0 {
		return &ArgumentError{Problems: problems}
	}
	return nil
}

// TuningOrDefault returns the tuning, never nil.
func (c *Config) TuningOrDefault() *Tuning {
	if c.Tuning == nil {
		return DefaultTuning()
	}
	return c.Tuning
}

// DefaultTuningPath returns the implicit tuning file for an output directory.
func DefaultTuningPath(output string) string {
	return filepath.Join(output, FileName)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

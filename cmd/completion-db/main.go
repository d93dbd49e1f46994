package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DeusData/completion-db/internal/config"
	"github.com/DeusData/completion-db/internal/lang"
	"github.com/DeusData/completion-db/internal/lifecycle"
	"github.com/DeusData/completion-db/internal/logging"
	"github.com/DeusData/completion-db/internal/store"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// flags holds the values of the shared command-line flags.
type flags struct {
	id, version, python, library, output string
	basedb                               []string
	log, glog, diag                      string
	configPath, leaseDB                  string
	all, dryRun, verbose                 bool
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return lifecycle.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	// cobra's own flag and usage errors
	fmt.Fprintln(stderr, err)
	return lifecycle.ExitArgument
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "completion-db",
		Short: "Build the completion database of a Python installation",
		Long: `completion-db discovers every module of a Python installation, introspects
builtin and compiled modules through the interpreter, analyzes source modules
and writes one member table per module. Only modules whose files changed since
the last run are processed again.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd.Context(), f, stdout, stderr)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.id, "id", "", "interpreter GUID")
	pf.StringVar(&f.version, "version", "", "language version as major.minor")
	pf.StringVar(&f.python, "python", "", "interpreter executable")
	pf.StringVar(&f.library, "library", "", "standard library directory")
	pf.StringVar(&f.output, "output", "", "database directory")
	pf.StringArrayVar(&f.basedb, "basedb", nil, "database consulted for modules outside the analyzed group (repeatable)")
	pf.StringVar(&f.log, "log", "", "per-run log file, truncated each run")
	pf.StringVar(&f.glog, "glog", "", "log file appended across runs")
	pf.StringVar(&f.diag, "diag", "", "structured JSON diagnostic log")
	pf.StringVar(&f.configPath, "config", "", "YAML tuning file (default: "+config.FileName+" in the output directory)")
	pf.StringVar(&f.leaseDB, "lease-db", "", "coordination database (default: user cache directory)")
	pf.BoolVar(&f.verbose, "verbose", false, "log debug output")

	root.Flags().BoolVar(&f.all, "all", false, "rescan every module")
	root.Flags().BoolVar(&f.dryRun, "dryrun", false, "print the planned work without writing")

	root.AddCommand(newStatusCmd(f, stdout, stderr), newServeCmd(f, stderr), newASTCmd(f, stdout), &cobra.Command{
		Use:   "about",
		Short: "Print the program version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdout, "completion-db", version)
		},
	})
	return root
}

// buildConfig turns flags into a validated Config. All argument problems
// are returned together as a *config.ArgumentError.
func buildConfig(f *flags) (*config.Config, error) {
	cfg := &config.Config{
		InterpreterID: f.id,
		Python:        f.python,
		Library:       f.library,
		Output:        f.output,
		BaseDBs:       f.basedb,
		RunLog:        f.log,
		GlobalLog:     f.glog,
		DiagLog:       f.diag,
		All:           f.all,
		DryRun:        f.dryRun,
		Verbose:       f.verbose,
		LeaseDB:       f.leaseDB,
	}

	var problems []string
	if f.version != "" {
		v, err := lang.ParseVersion(f.version)
		if err != nil {
			problems = append(problems, fmt.Sprintf("--version %q: %v", f.version, err))
		}
		cfg.Version = v
	}

	tuningPath, explicit := f.configPath, f.configPath != ""
	if !explicit && f.output != "" {
		tuningPath = config.DefaultTuningPath(f.output)
	}
	tuning, err := config.LoadTuning(tuningPath, explicit)
	if err != nil {
		problems = append(problems, err.Error())
		tuning = config.DefaultTuning()
	}
	cfg.Tuning = tuning

	if err := cfg.Validate(); err != nil {
		var ae *config.ArgumentError
		if !errors.As(err, &ae) {
			return nil, err
		}
		problems = append(problems, ae.Problems...)
	}
	if len(problems) > 0 {
		// a malformed --version is also reported as missing
		if cfg.Version.IsZero() && f.version != "" {
			problems = without(problems, "--version is required")
		}
		return nil, &config.ArgumentError{Problems: problems}
	}
	return cfg, nil
}

func without(list []string, drop string) []string {
	out := list[:0]
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func argumentError(err error) error {
	return &exitError{code: lifecycle.ExitArgument, err: err}
}

func setupLogging(cfg *config.Config, stderr io.Writer) (func() error, error) {
	_, closeLogs, err := logging.Setup(logging.Options{
		RunLog:    cfg.RunLog,
		GlobalLog: cfg.GlobalLog,
		DiagLog:   cfg.DiagLog,
		Verbose:   cfg.Verbose,
		Fallback:  stderr,
	})
	return closeLogs, err
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.LeaseDB != "" {
		return store.OpenPath(cfg.LeaseDB)
	}
	return store.Open()
}

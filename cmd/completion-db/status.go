package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DeusData/completion-db/internal/config"
	"github.com/DeusData/completion-db/internal/lifecycle"
)

// exitNotCurrent is returned by status when the database needs work.
const exitNotCurrent = 1

func newStatusCmd(f *flags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the database is current",
		Long:  "Evaluates the database once and exits 0 when it is current, 1 otherwise.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(f)
			if err != nil {
				return argumentError(err)
			}
			closeLogs, err := setupLogging(cfg, stderr)
			if err != nil {
				return argumentError(err)
			}
			defer closeLogs()

			var registry lifecycle.Registry
			if s, err := openStore(cfg); err == nil {
				defer s.Close()
				registry = s
			} else {
				fmt.Fprintf(stderr, "coordination store unavailable: %v\n", err)
			}

			ctl := lifecycle.New(controllerOptions(cfg, registry))
			defer ctl.Close()
			st := ctl.Evaluate(cmd.Context())
			printStatus(stdout, st, cfg.Verbose)
			if !st.IsCurrent {
				return &exitError{code: exitNotCurrent}
			}
			return nil
		},
	}
}

func controllerOptions(cfg *config.Config, registry lifecycle.Registry) lifecycle.Options {
	t := cfg.TuningOrDefault()
	return lifecycle.Options{
		Interpreter: lifecycle.Interpreter{
			ID:      cfg.InterpreterID,
			Version: cfg.Version,
			Python:  cfg.Python,
			Library: cfg.Library,
		},
		DatabaseDir: cfg.Output,
		Registry:    registry,
		Debounce:    t.EffectiveDebounce(),
		IO:          t.EffectiveIO(),
		Exclude:     t.Discovery.Exclude,
	}
}

func printStatus(w io.Writer, st lifecycle.Status, verbose bool) {
	fmt.Fprintf(w, "state:   %s\n", st.State)
	fmt.Fprintf(w, "current: %t\n", st.IsCurrent)
	if st.Reason != "" {
		fmt.Fprintf(w, "reason:  %s\n", st.Reason)
	}
	if p := st.Progress; p != nil {
		fmt.Fprintf(w, "progress: %d/%d %s\n", p.Done, p.Total, p.Message)
	}
	if len(st.Missing) == 0 {
		return
	}
	missing := st.Missing
	const shown = 10
	if !verbose && len(missing) > shown {
		missing = append(missing[:shown:shown], fmt.Sprintf("... %d more", len(st.Missing)-shown))
	}
	fmt.Fprintf(w, "missing: %s\n", strings.Join(missing, ", "))
}

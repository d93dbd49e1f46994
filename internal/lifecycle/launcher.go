package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/DeusData/completion-db/internal/scrape"
	"github.com/DeusData/completion-db/internal/store"
)

// Process exit codes of the generator command.
const (
	ExitOK       = 0
	ExitArgument = -1
	ExitInUse    = -2
	ExitFailure  = -3
)

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req Request) error

func (f LauncherFunc) Launch(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// ProcessLauncher runs the generator as a child process.
type ProcessLauncher struct {
	Runner     scrape.Runner
	Executable string
	// Extra arguments passed on every launch, e.g. --lease-db or --config.
	Args    []string
	LogPath string
}

// Launch runs one generation and maps its exit code.
func (p *ProcessLauncher) Launch(ctx context.Context, req Request) error {
	runner := p.Runner
	if runner == nil {
		runner = scrape.ExecRunner{}
	}
	res, err := runner.Run(ctx, p.Executable, p.args(req)...)
	if err != nil {
		return fmt.Errorf("launch generator: %w", err)
	}
	// Negative codes arrive as their low byte (254 for -2).
	switch code := int(int8(res.ExitCode)); code {
	case ExitOK:
		return nil
	case ExitInUse:
		return store.ErrAlreadyInUse
	case ExitArgument:
		return fmt.Errorf("generator rejected its arguments: %s", lastLine(res.Stderr))
	default:
		return fmt.Errorf("generator exited with status %d: %s", code, lastLine(res.Stderr))
	}
}

func (p *ProcessLauncher) args(req Request) []string {
	in := req.Interpreter
	args := []string{
		"--id", in.ID,
		"--version", in.Version.String(),
		"--python", in.Python,
		"--library", in.Library,
		"--output", req.Output,
	}
	if p.LogPath != "" {
		args = append(args, "--log", p.LogPath)
	}
	if req.Full {
		args = append(args, "--all")
	}
	return append(args, p.Args...)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "no output"
	}
	return s
}

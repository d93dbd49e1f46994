package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Result is the outcome of one finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
}

// Runner starts an external program and waits for it to exit. An error is
// returned only when the program could not be run at all; a non-zero exit
// is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExecRunner runs programs as local child processes.
type ExecRunner struct {
	Dir string
	Env []string // nil inherits the current environment
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec %s: %w", name, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		exitCode = exitErr.ExitCode()
	}
	return &Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.String()}, nil
}

package validation

import (
	"context"
	"errors"
	"os/exec"
)

// CommandRunner runs checker subprocesses. Tests substitute a fake.
type CommandRunner interface {
	LookPath(name string) (string, error)
	// Run executes name in dir and returns combined output and exit code.
	// err is only set when the process could not be run at all.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, int, error)
}

// ExecRunner runs real processes through os/exec.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitCode(), nil
		}
		return output, -1, err
	}
	return output, 0, nil
}

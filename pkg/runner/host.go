package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// HostRunner runs commands directly on the machine running dotflow.
type HostRunner struct {
	env []string
}

func NewHostRunner() *HostRunner {
	return &HostRunner{env: os.Environ()}
}

func (h *HostRunner) Run(ctx context.Context, c Command) error {
	if len(c.Argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(append([]string(nil), h.env...), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", c.Argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

func (h *HostRunner) ContainerPath(host string) string { return host }

func (h *HostRunner) DefaultShell() string {
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	return "sh"
}

func (h *HostRunner) SearchPath() string { return os.Getenv("PATH") }

func (h *HostRunner) Close() error { return nil }

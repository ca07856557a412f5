// Package runner executes step commands on the host or inside containers.
package runner

import (
	"context"
	"fmt"
	"io"
)

// Command is one process invocation. Dir and any paths in Argv are already
// mapped with ContainerPath.
type Command struct {
	Argv   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

type Runner interface {
	Run(ctx context.Context, cmd Command) error
	// ContainerPath maps a host path below the workspace or temp directory
	// to the path the command sees.
	ContainerPath(host string) string
	// DefaultShell is used by run steps that do not name a shell.
	DefaultShell() string
	// SearchPath is the PATH that GITHUB_PATH entries are prepended to.
	SearchPath() string
	Close() error
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process completed with exit code %d", e.Code)
}

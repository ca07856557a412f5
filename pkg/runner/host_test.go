package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostRun(t *testing.T) {
	h := NewHostRunner()
	dir := t.TempDir()

	var out bytes.Buffer
	err := h.Run(context.Background(), Command{
		Argv:   []string{"sh", "-c", "echo $GREETING; pwd"},
		Env:    []string{"GREETING=hello"},
		Dir:    dir,
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), dir)
}

func TestHostExitCode(t *testing.T) {
	err := NewHostRunner().Run(context.Background(), Command{Argv: []string{"sh", "-c", "exit 7"}})

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 7, exitErr.Code)
	assert.Equal(t, "process completed with exit code 7", err.Error())
}

func TestHostCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewHostRunner().Run(ctx, Command{Argv: []string{"sleep", "10"}})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

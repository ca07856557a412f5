package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	WorkspaceDir = "/github/workspace"
	TempDir      = "/github/runner_temp"
)

type LogOptions struct {
	ShowImagePull bool
	Stdout        io.Writer
}

// DockerRunner runs every command in a fresh container of one image, with
// the job workspace and temp directory bind mounted.
type DockerRunner struct {
	name       string
	image      string
	workspace  string
	temp       string
	env        []string
	logOptions LogOptions

	cli      *client.Client
	pullOnce sync.Once
	pullErr  error
	seq      int
	mu       sync.Mutex
}

func NewDockerRunner(name string, logOptions LogOptions) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client for %s: %v", name, err)
	}
	if logOptions.Stdout == nil {
		logOptions.Stdout = os.Stdout
	}
	return &DockerRunner{
		name:       slug.Make(name + "-" + uuid.NewString()[:8]),
		cli:        cli,
		logOptions: logOptions,
	}, nil
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

func (d *DockerRunner) WithWorkspace(host string) *DockerRunner {
	d.workspace = filepath.Clean(host)
	return d
}

func (d *DockerRunner) WithTemp(host string) *DockerRunner {
	d.temp = filepath.Clean(host)
	return d
}

// WithEnv sets container level variables, such as the job container's env.
func (d *DockerRunner) WithEnv(env map[string]string) *DockerRunner {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d.env = d.env[:0]
	for _, k := range keys {
		d.env = append(d.env, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return d
}

func (d *DockerRunner) ContainerPath(host string) string {
	for _, m := range [][2]string{{d.workspace, WorkspaceDir}, {d.temp, TempDir}} {
		if m[0] == "" {
			continue
		}
		if rel, err := filepath.Rel(m[0], host); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(filepath.Join(m[1], rel))
		}
	}
	return host
}

func (d *DockerRunner) DefaultShell() string { return "sh" }

func (d *DockerRunner) SearchPath() string {
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
}

func (d *DockerRunner) pull(ctx context.Context) error {
	d.pullOnce.Do(func() {
		reader, err := d.cli.ImagePull(ctx, d.image, types.ImagePullOptions{})
		if err != nil {
			d.pullErr = fmt.Errorf("unable to pull image %s: %v", d.image, err)
			return
		}
		defer reader.Close()

		out := io.Discard
		if d.logOptions.ShowImagePull {
			out = d.logOptions.Stdout
		}
		if _, err := io.Copy(out, reader); err != nil {
			d.pullErr = fmt.Errorf("unable to read image pull logs for %s: %v", d.image, err)
		}
	})
	return d.pullErr
}

func (d *DockerRunner) Run(ctx context.Context, c Command) error {
	if err := d.pull(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.seq++
	name := fmt.Sprintf("%s-%d", d.name, d.seq)
	d.mu.Unlock()

	var mounts []mount.Mount
	if d.workspace != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: d.workspace, Target: WorkspaceDir})
	}
	if d.temp != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: d.temp, Target: TempDir})
	}

	workDir := c.Dir
	if workDir == "" {
		workDir = WorkspaceDir
	}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        append(append([]string(nil), d.env...), c.Env...),
		Cmd:        c.Argv,
		WorkingDir: workDir,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, name)
	if err != nil {
		return fmt.Errorf("unable to create container %s: %v", name, err)
	}

	cleanup := context.WithoutCancel(ctx)
	defer func() {
		if err := d.cli.ContainerRemove(cleanup, resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn("unable to remove container", "name", name, "err", err)
		}
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start container %s: %v", name, err)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for %s: %v", name, err)
	}
	defer logs.Close()

	stdout, stderr := c.Stdout, c.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = stdout
	}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, logs)
		copied <- err
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return fmt.Errorf("stopping container %s: %w", name, ctx.Err())
		}
		return fmt.Errorf("error waiting for container %s to stop: %v", name, err)
	case status := <-statusCh:
		<-copied
		if status.Error != nil {
			return fmt.Errorf("container %s: %s", name, status.Error.Message)
		}
		if status.StatusCode != 0 {
			return &ExitError{Code: int(status.StatusCode)}
		}
	case <-ctx.Done():
		return fmt.Errorf("stopping container %s: %w", name, ctx.Err())
	}
	return nil
}

func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnlabs/dotflow/pkg/models"
)

const workflow = `
on:
  push:
    branches: [main, "release/**", "!release/**-rc"]
    tags: ["v*"]
    paths-ignore: ["docs/**", "*.md"]
  pull_request:
    branches: [main]
  schedule:
    - cron: "30 3 * * 1-5"
  workflow_dispatch:
    inputs:
      defconfig:
        type: choice
        options: [qemu_x86_64_defconfig, raspberrypi4_64_defconfig]
        default: qemu_x86_64_defconfig
      clean:
        type: boolean
      jobs:
        type: number
        default: 4
      note:
        required: true
jobs:
  build:
    steps: [{run: make}]
`

func load(t *testing.T) *models.Workflow {
	t.Helper()
	wf, err := models.Parse([]byte(workflow))
	require.NoError(t, err)
	return wf
}

func TestPush(t *testing.T) {
	wf := load(t)
	tests := []struct {
		name    string
		ref     string
		paths   []string
		matches bool
	}{
		{"main", "refs/heads/main", nil, true},
		{"release branch", "refs/heads/release/2024.02", nil, true},
		{"negated release candidate", "refs/heads/release/2024.02-rc", nil, false},
		{"feature branch", "refs/heads/feature/x", nil, false},
		{"version tag", "refs/tags/v1.2.0", nil, true},
		{"other tag", "refs/tags/nightly", nil, false},
		{"code change", "refs/heads/main", []string{"docs/intro.md", "board/qemu/post-build.sh"}, true},
		{"docs only", "refs/heads/main", []string{"docs/intro.md", "README.md"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Match(wf, models.Event{Name: "push", Ref: tt.ref, ChangedPaths: tt.paths})
			if tt.matches {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotActivated)
			}
		})
	}
}

func TestPullRequest(t *testing.T) {
	wf := load(t)

	_, err := Match(wf, models.Event{Name: "pull_request", Action: "opened", BaseRef: "main"})
	assert.NoError(t, err)
	_, err = Match(wf, models.Event{Name: "pull_request", Action: "closed", BaseRef: "main"})
	assert.ErrorIs(t, err, ErrNotActivated)
	_, err = Match(wf, models.Event{Name: "pull_request", Action: "opened", BaseRef: "develop"})
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestUndeclaredEvent(t *testing.T) {
	wf, err := models.Parse([]byte("on: push\njobs:\n  a:\n    steps: [{run: x}]\n"))
	require.NoError(t, err)

	_, err = Match(wf, models.Event{Name: "pull_request"})
	assert.ErrorIs(t, err, ErrNotActivated)
	_, err = Match(wf, models.Event{Name: "push", Ref: "refs/heads/anything"})
	assert.NoError(t, err)
}

func TestSchedule(t *testing.T) {
	wf := load(t)

	_, err := Match(wf, models.Event{Name: "schedule", Schedule: "30 3 * * 1-5"})
	assert.NoError(t, err)

	// Tuesday 03:30:42 UTC
	_, err = Match(wf, models.Event{Name: "schedule", Time: time.Date(2024, 3, 5, 3, 30, 42, 0, time.UTC)})
	assert.NoError(t, err)

	// Sunday
	_, err = Match(wf, models.Event{Name: "schedule", Time: time.Date(2024, 3, 3, 3, 30, 0, 0, time.UTC)})
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestDispatchInputs(t *testing.T) {
	wf := load(t)

	act, err := Match(wf, models.Event{Name: "workflow_dispatch", Inputs: map[string]any{"clean": "true", "note": "nightly"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"defconfig": "qemu_x86_64_defconfig",
		"clean":     true,
		"jobs":      4.0,
		"note":      "nightly",
	}, act.Inputs)

	tests := []struct {
		name   string
		inputs map[string]any
	}{
		{"missing required", map[string]any{}},
		{"bad choice", map[string]any{"note": "x", "defconfig": "pc_defconfig"}},
		{"bad boolean", map[string]any{"note": "x", "clean": "maybe"}},
		{"bad number", map[string]any{"note": "x", "jobs": "many"}},
		{"unknown", map[string]any{"note": "x", "arch": "arm"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Match(wf, models.Event{Name: "workflow_dispatch", Inputs: tt.inputs})
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestFilter(t *testing.T) {
	assert.True(t, Filter([]string{"**"}, "a/b/c"))
	assert.False(t, Filter([]string{"*"}, "a/b"))
	assert.True(t, Filter([]string{"src/**", "!src/gen/**", "src/gen/keep.go"}, "src/gen/keep.go"))
	assert.False(t, Filter([]string{"src/**", "!src/gen/**"}, "src/gen/x.go"))
}

func TestWatcher(t *testing.T) {
	wf := load(t)
	wf.Path = ".github/workflows/nightly.yml"

	w := NewWatcher(time.UTC, func(*models.Workflow, models.Event) {})
	n, err := w.Add(wf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next := w.Next()
	assert.Equal(t, 30, next.Minute())
	assert.Equal(t, 3, next.Hour())

	// re-adding replaces the previous registration
	_, err = w.Add(wf)
	require.NoError(t, err)
	assert.Len(t, w.cron.Entries(), 1)

	wf.On.Schedule = []models.Schedule{{Cron: "not a cron"}}
	_, err = w.Add(wf)
	assert.Error(t, err)
}

func TestWatcherEvery(t *testing.T) {
	wf := load(t)
	w := NewWatcher(time.UTC, func(*models.Workflow, models.Event) {})
	_, err := w.Add(wf)
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	require.NoError(t, w.Every("@every 1s", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))
	assert.Error(t, w.Every("sometimes", func() {}))

	// housekeeping jobs do not count as workflow schedules
	assert.Equal(t, 30, w.Next().Minute())

	w.Start()
	defer w.Stop()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job registered with Every did not run")
	}
}

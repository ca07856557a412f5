package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildrootWorkflow = `
name: buildroot
on:
  push:
    branches: [main, "release/**"]
    paths-ignore: ["docs/**"]
  schedule:
    - cron: "0 3 * * *"
  workflow_dispatch:
    inputs:
      defconfig:
        type: choice
        options: [qemu_x86_64_defconfig, raspberrypi4_64_defconfig]
        default: qemu_x86_64_defconfig
env:
  BR2_DL_DIR: /tmp/dl
permissions: read-all
jobs:
  build:
    runs-on: ubuntu-22.04
    container: debian:bookworm
    strategy:
      fail-fast: false
      max-parallel: 2
      matrix:
        gcc: [11, 12]
        kernel: ["5.15", "6.1"]
        exclude:
          - gcc: 11
            kernel: "6.1"
        include:
          - gcc: 13
            experimental: true
    steps:
      - uses: actions/checkout@v4
      - id: make
        run: make ${{ inputs.defconfig }}
        timeout-minutes: 90
    outputs:
      image: ${{ steps.make.outputs.image }}
  test:
    needs: build
    runs-on: [self-hosted, linux]
    if: ${{ always() }}
    steps:
      - run: ./test.sh
  release:
    uses: ./.github/workflows/release.yml
    needs: [build, test]
    secrets: inherit
    with:
      image: ${{ needs.build.outputs.image }}
`

func TestParseWorkflow(t *testing.T) {
	wf, err := Parse([]byte(buildrootWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "buildroot", wf.Name)
	assert.Equal(t, []string{"push", "schedule", "workflow_dispatch"}, wf.On.Events)
	require.NotNil(t, wf.On.Push)
	assert.Equal(t, []string{"main", "release/**"}, wf.On.Push.Branches)
	assert.Equal(t, []string{"docs/**"}, wf.On.Push.PathsIgnore)
	require.Len(t, wf.On.Schedule, 1)
	assert.Equal(t, "0 3 * * *", wf.On.Schedule[0].Cron)
	assert.Equal(t, "choice", wf.On.WorkflowDispatch.Inputs["defconfig"].Type)
	assert.Equal(t, Permissions{"*": "read-all"}, wf.Permissions)

	require.Len(t, wf.Jobs, 3)
	assert.Equal(t, "build", wf.Jobs[0].ID)
	assert.Equal(t, "test", wf.Jobs[1].ID)
	assert.Equal(t, "release", wf.Jobs[2].ID)

	build := wf.Jobs[0]
	assert.Equal(t, "debian:bookworm", build.Container.Image)
	assert.False(t, build.Strategy.FailFastEnabled())
	assert.Equal(t, 2, build.Strategy.MaxParallel)

	m := build.Strategy.Matrix
	require.Len(t, m.Axes, 2)
	assert.Equal(t, "gcc", m.Axes[0].Name)
	assert.Equal(t, []any{11, 12}, m.Axes[0].Values)
	assert.Equal(t, "kernel", m.Axes[1].Name)
	require.Len(t, m.Exclude, 1)
	assert.Equal(t, []string{"gcc", "kernel"}, m.Exclude[0].Keys)
	require.Len(t, m.Include, 1)
	assert.Equal(t, true, m.Include[0].Values["experimental"])

	assert.Equal(t, 90.0, build.Steps[1].TimeoutMinutes)
	assert.Equal(t, "${{ steps.make.outputs.image }}", build.Outputs["image"])

	test := wf.Jobs[1]
	assert.Equal(t, StringList{"build"}, test.Needs)
	assert.Equal(t, StringList{"self-hosted", "linux"}, test.RunsOn)

	release := wf.Jobs[2]
	assert.True(t, release.Secrets.Inherit)
	assert.Equal(t, StringList{"build", "test"}, release.Needs)
}

func TestParseOnForms(t *testing.T) {
	tests := []struct {
		name string
		on   string
		want []string
	}{
		{"scalar", "on: push", []string{"push"}},
		{"list", "on: [push, pull_request]", []string{"push", "pull_request"}},
		{"mapping with null", "on:\n  workflow_dispatch:\n  push:", []string{"workflow_dispatch", "push"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			doc := tt.on + "\njobs:\n  a:\n    steps:\n      - run: echo\n"
			wf, err := Parse([]byte(doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, wf.On.Events)
		})
	}
}

func TestParseMatrixExpression(t *testing.T) {
	doc := `
on: push
jobs:
  a:
    strategy:
      matrix: ${{ fromJSON(needs.plan.outputs.matrix) }}
    steps:
      - run: echo
  b:
    strategy:
      matrix:
        board: ${{ fromJSON(needs.plan.outputs.boards) }}
    steps:
      - run: echo
`
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "${{ fromJSON(needs.plan.outputs.matrix) }}", wf.Jobs[0].Strategy.Matrix.Expr)
	assert.Equal(t, "${{ fromJSON(needs.plan.outputs.boards) }}", wf.Jobs[1].Strategy.Matrix.Axes[0].Expr)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no jobs", "on: push\njobs: {}\n"},
		{"run and uses", "on: push\njobs:\n  a:\n    steps:\n      - run: echo\n        uses: actions/checkout@v4\n"},
		{"empty step", "on: push\njobs:\n  a:\n    steps:\n      - name: nothing\n"},
		{"duplicate job id", "on: push\njobs:\n  a:\n    steps:\n      - run: one\n  a:\n    steps:\n      - run: two\n"},
		{"duplicate step id", "on: push\njobs:\n  a:\n    steps:\n      - id: x\n        run: a\n      - id: x\n        run: b\n"},
		{"unknown event", "on: release\njobs:\n  a:\n    steps:\n      - run: echo\n"},
		{"bad input type", "on:\n  workflow_dispatch:\n    inputs:\n      x:\n        type: float\njobs:\n  a:\n    steps:\n      - run: echo\n"},
		{"matrix scalar", "on: push\njobs:\n  a:\n    strategy:\n      matrix:\n        os: linux\n    steps:\n      - run: echo\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestPropertiesOrder(t *testing.T) {
	p := NewProperties("gcc", 11, "kernel", "5.15")
	p.Set("gcc", 12)
	p.Set("arch", "arm64")

	assert.Equal(t, []string{"gcc", "kernel", "arch"}, p.Keys)
	assert.Equal(t, "12, 5.15, arm64", p.String())
	assert.True(t, p.Equal(NewProperties("arch", "arm64", "kernel", "5.15", "gcc", 12)))

	c := p.Clone()
	c.Set("extra", true)
	assert.Equal(t, 3, p.Len())
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, ResultSuccess, Aggregate(ResultSuccess, ResultSkipped))
	assert.Equal(t, ResultFailure, Aggregate(ResultSuccess, ResultCancelled, ResultFailure))
	assert.Equal(t, ResultCancelled, Aggregate(ResultSuccess, ResultCancelled))
	assert.Equal(t, ResultSkipped, Aggregate(ResultSkipped, ResultSkipped))
	assert.Equal(t, ResultSkipped, Aggregate())
}

package dotflow

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildroot = `
name: buildroot
on:
  push:
    branches: [main]
  schedule:
    - cron: "0 2 * * *"
jobs:
  build:
    strategy:
      matrix:
        defconfig: [qemu_x86_64_defconfig, raspberrypi4_64_defconfig]
        gcc: [11, 12]
        exclude:
          - defconfig: raspberrypi4_64_defconfig
            gcc: 11
    steps:
      - run: make ${{ matrix.defconfig }}
  test:
    needs: build
    steps:
      - run: "true"
`

func writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ci.yml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--state-dir", t.TempDir()))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	good := writeWorkflow(t, buildroot)
	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good+": ok")

	cycle := writeWorkflow(t, `
on: push
jobs:
  a: {needs: b, steps: [{run: x}]}
  b: {needs: a, steps: [{run: x}]}
`)
	out, err = execute(t, "validate", cycle)
	assert.Error(t, err)
	assert.Contains(t, out, "cycle")

	badCron := writeWorkflow(t, "on:\n  schedule:\n    - cron: \"every day\"\njobs:\n  a:\n    steps: [{run: x}]\n")
	_, err = execute(t, "validate", badCron)
	assert.Error(t, err)
}

func TestMatrix(t *testing.T) {
	path := writeWorkflow(t, buildroot)
	out, err := execute(t, "matrix", "build", "-f", path)
	require.NoError(t, err)

	assert.Contains(t, out, "build-1")
	assert.Contains(t, out, "build (qemu_x86_64_defconfig, 11)")
	assert.Contains(t, out, "build-3")
	assert.NotContains(t, out, "build-4")
	assert.NotContains(t, out, "raspberrypi4_64_defconfig, 11")

	out, err = execute(t, "matrix", "test", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "test")

	_, err = execute(t, "matrix", "deploy", "-f", path)
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: nightly")
}

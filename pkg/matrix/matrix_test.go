package matrix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/models"
)

func parse(t *testing.T, src string) models.Matrix {
	t.Helper()
	var m models.Matrix
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))
	return m
}

func render(combos []Combination) []string {
	out := make([]string, len(combos))
	for i, c := range combos {
		out[i] = c.String()
	}
	return out
}

func TestExpandProductOrder(t *testing.T) {
	m := parse(t, `
gcc: [11, 12]
kernel: ["5.15", "6.1"]
`)
	combos, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"11, 5.15", "11, 6.1", "12, 5.15", "12, 6.1"}, render(combos))
	assert.Equal(t, []string{"gcc", "kernel"}, combos[0].Keys)

	again, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, combos, again)
}

func TestExpandExcludeNeedsFullMatch(t *testing.T) {
	combos, err := Expand(parse(t, `
os: [a, b]
v: [1, 2]
exclude:
  - os: a
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"b, 1", "b, 2"}, render(combos))

	combos, err = Expand(parse(t, `
os: [a, b]
v: [1, 2]
exclude:
  - os: a
    v: 3
`))
	require.NoError(t, err)
	assert.Len(t, combos, 4)
}

func TestExpandInclude(t *testing.T) {
	combos, err := Expand(parse(t, `
gcc: [11, 12]
kernel: ["5.15", "6.1"]
exclude:
  - gcc: 11
    kernel: "6.1"
include:
  - gcc: 12
    experimental: true
  - gcc: 13
    kernel: "6.6"
  - arch: riscv
  - gcc: 11
    kernel: "6.1"
    note: re-added
`))
	require.NoError(t, err)
	require.Len(t, combos, 6)

	assert.Equal(t, "11, 5.15", combos[0].String())
	assert.Equal(t, "12, 5.15, true", combos[1].String())
	assert.Equal(t, "12, 6.1, true", combos[2].String())
	assert.Equal(t, "13, 6.6", combos[3].String())
	assert.Equal(t, models.NewProperties("arch", "riscv"), combos[4])
	assert.Equal(t, "11, 6.1, re-added", combos[5].String())
}

func TestExpandIncludeNeverOverwritesAxis(t *testing.T) {
	combos, err := Expand(parse(t, `
os: [linux]
include:
  - os: linux
    cc: gcc
  - os: linux
    cc: clang
`))
	require.NoError(t, err)
	require.Len(t, combos, 1)
	v, _ := combos[0].Get("cc")
	assert.Equal(t, "clang", v)
	v, _ = combos[0].Get("os")
	assert.Equal(t, "linux", v)
}

func TestExpandEdgeCases(t *testing.T) {
	combos, err := Expand(models.Matrix{})
	require.NoError(t, err)
	require.Len(t, combos, 1)
	assert.Equal(t, 0, combos[0].Len())

	combos, err = Expand(parse(t, `
include:
  - board: rpi4
  - board: bbb
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"rpi4", "bbb"}, render(combos))

	_, err = Expand(models.Matrix{Axes: []models.Axis{{Name: "a"}}})
	assert.True(t, errors.Is(err, ErrEmptyAxis))

	big := make([]any, 17)
	for i := range big {
		big[i] = i
	}
	_, err = Expand(models.Matrix{Axes: []models.Axis{{Name: "a", Values: big}, {Name: "b", Values: big}}})
	assert.True(t, errors.Is(err, ErrTooManyCombinations))

	_, err = Expand(parse(t, `
os: [a]
exclude:
  - os: a
`))
	assert.True(t, errors.Is(err, ErrInvalidMatrix))
}

func TestResolve(t *testing.T) {
	c := &expr.Context{
		Needs: map[string]any{
			"setup": map[string]any{
				"outputs": map[string]any{
					"matrix": `{"board":["rpi4","bbb"],"include":[{"board":"bbb","arch":"arm"}]}`,
					"boards": `["x86"]`,
				},
			},
		},
	}

	m, err := Resolve(parse(t, `${{ fromJSON(needs.setup.outputs.matrix) }}`), c)
	require.NoError(t, err)
	combos, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpi4", "bbb, arm"}, render(combos))

	m, err = Resolve(parse(t, `
board: ${{ fromJSON(needs.setup.outputs.boards) }}
gcc: [12]
`), c)
	require.NoError(t, err)
	combos, err = Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"x86, 12"}, render(combos))

	_, err = Resolve(parse(t, `${{ needs.setup.outputs.boards }}`), c)
	assert.True(t, errors.Is(err, ErrInvalidMatrix))
}

func TestInstanceNaming(t *testing.T) {
	c := models.NewProperties("gcc", 11, "kernel", "5.15")
	assert.Equal(t, "build (11, 5.15)", InstanceName("build", c))
	assert.Equal(t, "build", InstanceName("build", Combination{}))
	assert.Equal(t, "build-2", InstanceID("build", 1, 4, c))
	assert.Equal(t, "lint", InstanceID("lint", 0, 1, Combination{}))
}

package expr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Github: map[string]any{
			"ref":        "refs/heads/main",
			"event_name": "push",
		},
		Env:    map[string]any{"BR2_DL_DIR": "/cache/dl"},
		Matrix: map[string]any{"gcc": 11, "kernel": "6.1"},
		Steps: map[string]any{
			"restore": map[string]any{
				"outputs":    map[string]any{"cache-hit": "true"},
				"outcome":    "success",
				"conclusion": "success",
			},
		},
		Needs: map[string]any{
			"build": map[string]any{
				"result":  "success",
				"outputs": map[string]any{"image": "sdcard.img"},
			},
			"lint": map[string]any{
				"result":  "failure",
				"outputs": map[string]any{},
			},
		},
	}
}

func TestEvaluate(t *testing.T) {
	c := testContext()

	tests := []struct {
		name string
		src  string
		want any
	}{
		{"string literal", "'it''s'", "it's"},
		{"number", "42", 42.0},
		{"negative number", "-1.5", -1.5},
		{"null", "null", nil},
		{"path", "github.ref", "refs/heads/main"},
		{"path case insensitive", "GitHub.Event_Name", "push"},
		{"index", "needs['build'].outputs.image", "sdcard.img"},
		{"hyphenated key", "steps.restore.outputs.cache-hit", "true"},
		{"loose string equality", "github.event_name == 'PUSH'", true},
		{"number coercion", "matrix.gcc == '11'", true},
		{"not equal", "matrix.kernel != '5.15'", true},
		{"and returns operand", "github.ref && 'yes'", "yes"},
		{"or returns operand", "'' || 'fallback'", "fallback"},
		{"negation", "!false", true},
		{"comparison", "matrix.gcc >= 11", true},
		{"star filter", "contains(needs.*.result, 'failure')", true},
		{"star with no match", "contains(needs.*.result, 'cancelled')", false},
		{"startsWith", "startsWith(github.ref, 'refs/heads/')", true},
		{"endsWith", "endsWith(github.ref, '/MAIN')", true},
		{"format", "format('{0}-gcc{1}', 'br', matrix.gcc)", "br-gcc11"},
		{"format escapes", "format('{{0}} {0}', 'x')", "{0} x"},
		{"join default", "join(fromJSON('[\"a\",\"b\"]'))", "a,b"},
		{"join separator", "join(fromJSON('[1,2]'), ' ')", "1 2"},
		{"fromJSON object", "fromJSON('{\"a\":{\"b\":true}}').a.b", true},
		{"delimiters stripped", "${{ github.event_name }}", "push"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.src, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnresolvedReference(t *testing.T) {
	c := testContext()

	_, err := Evaluate("steps.build.outputs.version", c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))
	assert.True(t, errors.Is(err, ErrExpression))

	var ref *UnresolvedReferenceError
	require.True(t, errors.As(err, &ref))
	assert.Equal(t, "steps.build", ref.Path)

	_, err = Evaluate("nope.value", c)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))
}

func TestShortCircuitSkipsUnresolved(t *testing.T) {
	c := testContext()

	v, err := Evaluate("github.ref || steps.missing.outputs.x", c)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", v)

	v, err = Evaluate("false && steps.missing.outputs.x", c)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestErrors(t *testing.T) {
	c := testContext()

	_, err := Evaluate("github.ref ==", c)
	assert.True(t, errors.Is(err, ErrSyntax))

	_, err = Evaluate("frobnicate()", c)
	assert.True(t, errors.Is(err, ErrUnknownFunction))

	_, err = Evaluate("fromJSON(1)", c)
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	_, err = Evaluate("format('{3}', 'a')", c)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestStatusFunctions(t *testing.T) {
	c := testContext()

	for _, tt := range []struct {
		status                               Status
		success, failure, cancelled, always bool
	}{
		{Status{}, true, false, false, true},
		{Status{Failure: true}, false, true, false, true},
		{Status{Cancelled: true}, false, false, true, true},
	} {
		cc := c.WithStatus(tt.status)
		for src, want := range map[string]bool{
			"success()":   tt.success,
			"failure()":   tt.failure,
			"cancelled()": tt.cancelled,
			"always()":    tt.always,
		} {
			v, err := Evaluate(src, cc)
			require.NoError(t, err)
			assert.Equal(t, want, v, "%s with %+v", src, tt.status)
		}
	}
}

func TestCondition(t *testing.T) {
	c := testContext()
	failed := c.WithStatus(Status{Failure: true})

	tests := []struct {
		name string
		src  string
		ctx  *Context
		want bool
	}{
		{"empty is success", "", c, true},
		{"empty after failure", "", failed, false},
		{"implicit success guard", "github.event_name == 'push'", failed, false},
		{"always overrides guard", "always()", failed, true},
		{"failure predicate", "${{ failure() }}", failed, true},
		{"exact cache hit", "steps.restore.outputs.cache-hit != 'true'", c, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Condition(tt.src, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	ok, err := Condition("steps.later.outputs.done == 'true'", c)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))
}

func TestInterpolate(t *testing.T) {
	c := testContext()

	got, err := Interpolate("make O=${{ env.BR2_DL_DIR }}/gcc-${{ matrix.gcc }} # '${{ 'x}}y' }}'", c)
	require.NoError(t, err)
	assert.Equal(t, "make O=/cache/dl/gcc-11 # 'x}}y'", got)

	got, err = Interpolate("no expressions", c)
	require.NoError(t, err)
	assert.Equal(t, "no expressions", got)

	_, err = Interpolate("${{ steps.none.outputs.a }}", c)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))

	_, err = Interpolate("${{ github.ref", c)
	assert.True(t, errors.Is(err, ErrSyntax))

	assert.True(t, IsExpression(" ${{ matrix.gcc }} "))
	assert.False(t, IsExpression("gcc-${{ matrix.gcc }}"))
}

func TestHashFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("configs/a_defconfig", "BR2_x86_64=y\n")
	write("configs/b_defconfig", "BR2_aarch64=y\n")
	write("README.md", "docs\n")

	c := &Context{Workspace: dir}

	h1, err := Evaluate("hashFiles('configs/**')", c)
	require.NoError(t, err)
	require.Len(t, h1, 64)

	h2, err := Evaluate("hashFiles('configs/b_defconfig', 'configs/a_defconfig')", c)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := Evaluate("hashFiles('**/*.none')", c)
	require.NoError(t, err)
	assert.Equal(t, "", h3)

	write("configs/b_defconfig", "BR2_riscv=y\n")
	h4, err := HashFiles(dir, "configs/**")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

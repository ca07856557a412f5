package cache

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnlabs/dotflow/pkg/blob"
	"github.com/opnlabs/dotflow/pkg/expr"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, index Index, opts Options) (*Cache, *clock) {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	c := New(index, blobs, opts)
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func newRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	idx, err := NewRedisIndex("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newSQLIndex(t *testing.T, path string) *SQLIndex {
	t.Helper()
	idx, err := OpenSQLIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

var indexes = map[string]func(t *testing.T) Index{
	"memory": func(*testing.T) Index { return NewMemIndex() },
	"redis":  func(t *testing.T) Index { return newRedisIndex(t) },
	"sqlite": func(t *testing.T) Index { return newSQLIndex(t, filepath.Join(t.TempDir(), "cache.db")) },
}

func TestResolve(t *testing.T) {
	c := &expr.Context{
		Runner: map[string]any{"os": "Linux"},
		Matrix: map[string]any{"board": "rpi4"},
	}
	res, err := Resolve(c, "${{ runner.os }}-dl-${{ matrix.board }}", []string{"${{ runner.os }}-dl-", "", "${{ runner.os }}-"})
	require.NoError(t, err)
	assert.Equal(t, "Linux-dl-rpi4", res.Key)
	assert.Equal(t, []string{"Linux-dl-", "Linux-"}, res.RestoreKeys)

	_, err = Resolve(c, "${{ steps.x.outputs.y }}", nil)
	assert.True(t, errors.Is(err, expr.ErrUnresolvedReference))

	_, err = Resolve(c, "a,b", nil)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestFirstWriterWins(t *testing.T) {
	for name, mk := range indexes {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, _ := newTestCache(t, mk(t), Options{Scope: "opnlabs/buildroot"})

			ws := t.TempDir()
			writeFile(t, ws, "dl/gcc.tar.xz", "first")
			_, err := c.Save(ctx, "linux-dl-abc", ws, []string{"dl"})
			require.NoError(t, err)

			writeFile(t, ws, "dl/gcc.tar.xz", "second")
			_, err = c.Save(ctx, "linux-dl-abc", ws, []string{"dl"})
			assert.True(t, errors.Is(err, ErrEntryExists))

			dest := t.TempDir()
			res, err := c.Restore(ctx, "linux-dl-abc", nil, dest)
			require.NoError(t, err)
			assert.Equal(t, Result{Hit: true, MatchedKey: "linux-dl-abc"}, res)
			assert.Equal(t, "first", readFile(t, dest, "dl/gcc.tar.xz"))
		})
	}
}

func TestRestoreKeys(t *testing.T) {
	for name, mk := range indexes {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, clk := newTestCache(t, mk(t), Options{})

			ws := t.TempDir()
			for _, v := range []string{"old", "new"} {
				writeFile(t, ws, "ccache/stamp", v)
				_, err := c.Save(ctx, "ccache-main-"+v, ws, []string{"ccache/**"})
				require.NoError(t, err)
				clk.advance(time.Minute)
			}
			writeFile(t, ws, "other/stamp", "other")
			_, err := c.Save(ctx, "other-x", ws, []string{"other"})
			require.NoError(t, err)

			dest := t.TempDir()
			res, err := c.Restore(ctx, "ccache-main-missing", []string{"nomatch-", "ccache-main-"}, dest)
			require.NoError(t, err)
			assert.False(t, res.Hit)
			assert.Equal(t, "ccache-main-new", res.MatchedKey)
			assert.Equal(t, "new", readFile(t, dest, "ccache/stamp"))

			res, err = c.Restore(ctx, "missing", []string{"nomatch-"}, t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, Result{}, res)
		})
	}
}

func TestSaveNothing(t *testing.T) {
	c, _ := newTestCache(t, NewMemIndex(), Options{})
	_, err := c.Save(context.Background(), "k", t.TempDir(), []string{"missing/**"})
	assert.True(t, errors.Is(err, ErrNothingToSave))
}

func randomBody(seed int64, n int) string {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return string(b)
}

func TestQuotaEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, NewMemIndex(), Options{Quota: 10000})

	ws := t.TempDir()
	for i, key := range []string{"a", "b"} {
		writeFile(t, ws, key+"/data", randomBody(int64(i), 4096))
		_, err := c.Save(ctx, key, ws, []string{key})
		require.NoError(t, err)
		clk.advance(time.Hour)
	}

	// reading a makes b the least recently used entry
	_, err := c.Restore(ctx, "a", nil, t.TempDir())
	require.NoError(t, err)
	clk.advance(time.Hour)

	writeFile(t, ws, "c/data", randomBody(2, 4096))
	_, err = c.Save(ctx, "c", ws, []string{"c"})
	require.NoError(t, err)

	entries, err := c.List(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, keys)

	writeFile(t, ws, "huge/data", randomBody(3, 20000))
	_, err = c.Save(ctx, "huge", ws, []string{"huge"})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestEvictUnused(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, NewMemIndex(), Options{})

	ws := t.TempDir()
	writeFile(t, ws, "x/f", "x")
	_, err := c.Save(ctx, "stale", ws, []string{"x"})
	require.NoError(t, err)

	clk.advance(6 * 24 * time.Hour)
	_, err = c.Save(ctx, "fresh", ws, []string{"x"})
	require.NoError(t, err)

	clk.advance(2 * 24 * time.Hour)
	removed, err := c.Evict(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].Key)

	_, err = c.Restore(ctx, "stale", nil, t.TempDir())
	require.NoError(t, err)
	res, err := c.Restore(ctx, "fresh", nil, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Hit)
}

func TestSQLIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	first, err := OpenSQLIndex(dbPath)
	require.NoError(t, err)
	c := New(first, blobs, Options{Scope: "buildroot"})
	c.now = clk.now

	ws := t.TempDir()
	writeFile(t, ws, "dl/linux.tar.xz", "kernel")
	_, err = c.Save(ctx, "dl-6.6", ws, []string{"dl"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newSQLIndex(t, dbPath)
	c = New(second, blobs, Options{Scope: "buildroot"})
	c.now = clk.now

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dl-6.6", entries[0].Key)

	created, err := second.Put(ctx, entries[0])
	require.NoError(t, err)
	assert.False(t, created)

	dest := t.TempDir()
	res, err := c.Restore(ctx, "dl-6.6", nil, dest)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "kernel", readFile(t, dest, "dl/linux.tar.xz"))

	clk.advance(8 * 24 * time.Hour)
	removed, err := c.Evict(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	entries, err = c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = blobs.Get(ctx, removed[0].BlobKey)
	assert.True(t, errors.Is(err, blob.ErrNotFound))
}

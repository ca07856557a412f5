package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	n, err := s.Put(ctx, "cache/linux-dl-abc.tgz", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = s.Put(ctx, "artifacts/run1/sdcard.tgz", strings.NewReader("img"))
	require.NoError(t, err)

	r, err := s.Get(ctx, "cache/linux-dl-abc.tgz")
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "payload", string(b))

	infos, err := s.List(ctx, "cache/")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "cache/linux-dl-abc.tgz", infos[0].Key)
	assert.Equal(t, int64(7), infos[0].Size)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "cache/linux-dl-abc.tgz"))
	require.NoError(t, s.Delete(ctx, "cache/linux-dl-abc.tgz"))

	_, err = s.Get(ctx, "cache/linux-dl-abc.tgz")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFSStoreKeysStayInRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)

	_, err = s.Put(ctx, "../../escape", strings.NewReader("x"))
	require.NoError(t, err)

	infos, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "escape", infos[0].Key)

	_, err = s.Put(ctx, "/", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestFSStoreCancelledPut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", strings.NewReader("x"))
	assert.True(t, errors.Is(err, context.Canceled))

	infos, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

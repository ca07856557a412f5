package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnlabs/dotflow/pkg/blob"
)

func newManager(t *testing.T) *BlobManager {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return NewBlobManager("run-1", blobs)
}

func workspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	ws := workspace(t, map[string]string{
		"output/images/sdcard.img": "img",
		"output/images/zImage":     "kernel",
		"output/build/log.txt":     "log",
	})

	a, err := m.Upload(ctx, UploadRequest{Name: "images", Paths: []string{"output/images/"}, Workspace: ws, RetentionDays: 5})
	require.NoError(t, err)
	assert.Equal(t, "images", a.Name)
	assert.Equal(t, 2, a.Files)
	assert.Equal(t, a.CreatedAt.AddDate(0, 0, 5), a.ExpiresAt)

	dest := t.TempDir()
	got, err := m.Download(ctx, "images", dest)
	require.NoError(t, err)
	require.Len(t, got, 1)

	b, err := os.ReadFile(filepath.Join(dest, "output/images/sdcard.img"))
	require.NoError(t, err)
	assert.Equal(t, "img", string(b))
	_, err = os.Stat(filepath.Join(dest, "output/build/log.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadAll(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	ws := workspace(t, map[string]string{"a.txt": "a", "b.txt": "b"})

	_, err := m.Upload(ctx, UploadRequest{Name: "first", Paths: []string{"a.txt"}, Workspace: ws})
	require.NoError(t, err)
	_, err = m.Upload(ctx, UploadRequest{Name: "second", Paths: []string{"b.txt"}, Workspace: ws})
	require.NoError(t, err)

	dest := t.TempDir()
	got, err := m.Download(ctx, "", dest)
	require.NoError(t, err)
	require.Len(t, got, 2)

	b, err := os.ReadFile(filepath.Join(dest, "second", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
}

func TestIfNoFilesFound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	ws := t.TempDir()

	_, err := m.Upload(ctx, UploadRequest{Name: "x", Paths: []string{"none/**"}, Workspace: ws, IfNoFilesFound: IfNoFilesError})
	assert.True(t, errors.Is(err, ErrNoFilesFound))

	for _, policy := range []string{IfNoFilesWarn, IfNoFilesIgnore, ""} {
		a, err := m.Upload(ctx, UploadRequest{Name: "x", Paths: []string{"none/**"}, Workspace: ws, IfNoFilesFound: policy})
		require.NoError(t, err)
		assert.Empty(t, a.Name)
	}

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	ws := workspace(t, map[string]string{"a.txt": "a"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Upload(ctx, UploadRequest{Name: "logs", Paths: []string{"a.txt"}, Workspace: ws})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrArtifactExists))
	}
	assert.Equal(t, 1, ok)
}

func TestNotFoundAndInvalidName(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, err := m.Download(ctx, "missing", t.TempDir())
	assert.True(t, errors.Is(err, ErrArtifactNotFound))

	_, err = m.Upload(ctx, UploadRequest{Name: "a/b", Paths: []string{"x"}, Workspace: t.TempDir()})
	assert.True(t, errors.Is(err, ErrInvalidName))
}

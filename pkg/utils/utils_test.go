package utils

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestMatchFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"output/images/rootfs.ext4": "fs",
		"output/images/bzImage":     "kernel",
		"output/build/log.txt":      "log",
		"configs/qemu_defconfig":    "cfg",
	})

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"glob", []string{"output/images/*"}, []string{"output/images/bzImage", "output/images/rootfs.ext4"}},
		{"directory", []string{"output/build"}, []string{"output/build/log.txt"}},
		{"doublestar with negation", []string{"output/**", "!output/build/**"}, []string{"output/images/bzImage", "output/images/rootfs.ext4"}},
		{"negated directory", []string{"output", "!output/images"}, []string{"output/build/log.txt"}},
		{"dot slash", []string{"./configs/*_defconfig"}, []string{"configs/qemu_defconfig"}},
		{"absolute", []string{filepath.Join(root, "configs")}, []string{"configs/qemu_defconfig"}},
		{"nothing", []string{"missing/*"}, []string{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchFiles(root, tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"dl/linux-6.1.tar.xz": "kernel sources",
		"dl/busybox.tar.bz2":  "busybox",
	})

	files, err := MatchFiles(src, []string{"dl"})
	require.NoError(t, err)

	var archive bytes.Buffer
	require.NoError(t, Compress(&archive, src, files))

	dst := t.TempDir()
	require.NoError(t, Decompress(&archive, dst))

	got, err := os.ReadFile(filepath.Join(dst, "dl", "linux-6.1.tar.xz"))
	require.NoError(t, err)
	assert.Equal(t, "kernel sources", string(got))
}

type tarEntry struct {
	name, link, body string
	typ              byte
}

func tarball(t *testing.T, entries ...tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Linkname: e.link, Typeflag: e.typ, Mode: 0o644, Size: int64(len(e.body))}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return &buf
}

func TestDecompressRejectsEscapes(t *testing.T) {
	outside := t.TempDir()

	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"dot dot path", []tarEntry{{name: "../evil", body: "x", typ: tar.TypeReg}}},
		{"absolute link", []tarEntry{{name: "dl", link: outside, typ: tar.TypeSymlink}}},
		{"relative link out", []tarEntry{{name: "a/dl", link: "../../x", typ: tar.TypeSymlink}}},
		{"write through link", []tarEntry{
			{name: "dl", link: "sub", typ: tar.TypeSymlink},
			{name: "dl/f", body: "x", typ: tar.TypeReg},
		}},
		{"overwrite link", []tarEntry{
			{name: "f", body: "x", typ: tar.TypeReg},
			{name: "g", link: "f", typ: tar.TypeSymlink},
			{name: "g", body: "y", typ: tar.TypeReg},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			dst := t.TempDir()
			assert.Error(t, Decompress(tarball(t, tt.entries...), dst))

			left, err := os.ReadDir(outside)
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestDecompressKeepsInnerLinks(t *testing.T) {
	dst := t.TempDir()
	require.NoError(t, Decompress(tarball(t,
		tarEntry{name: "lib/libc.so.6", body: "elf", typ: tar.TypeReg},
		tarEntry{name: "lib/libc.so", link: "libc.so.6", typ: tar.TypeSymlink},
	), dst))

	link, err := os.Readlink(filepath.Join(dst, "lib", "libc.so"))
	require.NoError(t, err)
	assert.Equal(t, "libc.so.6", link)
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b/c"}, SplitLines("a\n\n  b/c  \n"))
	assert.Nil(t, SplitLines(""))
}

func TestColorLoggerPrefixesLines(t *testing.T) {
	color.NoColor = true
	var b bytes.Buffer
	logger := NewColorLogger("build (11, 5.15)", &b, true)

	_, err := logger.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = logger.Write([]byte("ond\n"))
	require.NoError(t, err)
	_, err = logger.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, logger.Flush())

	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "build (11, 5.15)"), line)
	}
	assert.True(t, strings.HasSuffix(lines[1], "| second"))
	assert.True(t, strings.HasSuffix(lines[2], "| tail"))
}

func TestColorLoggerTruncatesOnRunes(t *testing.T) {
	name := "build (" + strings.Repeat("ü", 40) + ")"
	logger := NewColorLogger(name, io.Discard, true)

	assert.True(t, utf8.ValidString(logger.name))
	assert.Equal(t, MaxNameLength, utf8.RuneCountInString(logger.name))
	assert.True(t, strings.HasSuffix(logger.name, "..."))
}

func TestLoggerFromContext(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, "debug", "logfmt")
	ctx := WithLogger(context.Background(), logger)

	LoggerFrom(ctx).Debug("scheduled", "job", "build")
	assert.Contains(t, b.String(), "job=build")
	assert.NotNil(t, LoggerFrom(context.Background()))
}

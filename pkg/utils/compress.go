package utils

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compress writes a .tar.gz stream of files to w. Files are paths relative to
// base and keep that relative path inside the archive.
func Compress(w io.Writer, base string, files []string) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	for _, rel := range files {
		if err := addFile(tw, base, rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

func addFile(tw *tar.Writer, base, rel string) error {
	path := filepath.Join(base, rel)
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}
	data, err := os.Open(path)
	if err != nil {
		return err
	}
	defer data.Close()

	_, err = io.Copy(tw, data)
	return err
}

// Decompress extracts a .tar.gz stream into baseDir. Entries that would land
// outside baseDir, symlinks pointing outside it and writes through an
// existing symlink are rejected.
func Decompress(r io.Reader, baseDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzr.Close()

	root, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		if !within(root, target) {
			return fmt.Errorf("archive entry %q escapes %s", header.Name, baseDir)
		}
		if err := noSymlinkParents(root, target); err != nil {
			return fmt.Errorf("archive entry %q: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
				return fmt.Errorf("archive entry %q would be written through a symlink", header.Name)
			}
			if err := writeFile(target, tr, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := filepath.FromSlash(header.Linkname)
			if filepath.IsAbs(link) || !within(root, filepath.Join(filepath.Dir(target), link)) {
				return fmt.Errorf("archive symlink %q -> %q escapes %s", header.Name, header.Linkname, baseDir)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// noSymlinkParents fails if a directory between root and target is a
// symlink.
func noSymlinkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	dir := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, part)
		fi, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("parent %s is a symlink", dir)
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

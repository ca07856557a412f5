package utils

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchFiles resolves glob patterns against base and returns the matching
// regular files as sorted, slash separated paths relative to base. A pattern
// prefixed with `!` removes files matched by earlier patterns. Matching
// directories contribute every file below them.
func MatchFiles(base string, patterns []string) ([]string, error) {
	fsys := os.DirFS(base)
	matched := make(map[string]bool)

	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}

		negate := strings.HasPrefix(pattern, "!")
		pattern = strings.TrimPrefix(pattern, "!")
		pattern = cleanPattern(base, pattern)

		if negate {
			for f := range matched {
				ok, err := doublestar.Match(pattern, f)
				if err != nil {
					return nil, err
				}
				if ok || strings.HasPrefix(f, strings.TrimSuffix(pattern, "/")+"/") {
					delete(matched, f)
				}
			}
			continue
		}

		paths, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if err := collect(fsys, p, matched); err != nil {
				return nil, err
			}
		}
	}

	files := make([]string, 0, len(matched))
	for f := range matched {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func collect(fsys fs.FS, path string, into map[string]bool) error {
	info, err := fs.Stat(fsys, path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		into[path] = true
		return nil
	}
	return fs.WalkDir(fsys, path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			into[p] = true
		}
		return nil
	})
}

// cleanPattern turns workspace relative or absolute patterns into the
// unrooted form fs.FS expects.
func cleanPattern(base, pattern string) string {
	if filepath.IsAbs(pattern) {
		if rel, err := filepath.Rel(base, pattern); err == nil && !strings.HasPrefix(rel, "..") {
			pattern = rel
		}
	}
	pattern = filepath.ToSlash(pattern)
	pattern = strings.TrimPrefix(pattern, "./")
	if pattern == "" || pattern == "." {
		return "."
	}
	return strings.TrimSuffix(pattern, "/")
}

// SplitLines splits a multi-line action input into its non-empty lines.
func SplitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

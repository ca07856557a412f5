package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opnlabs/dotflow/pkg/utils"
)

// HashFiles returns a SHA-256 over the files matching patterns below
// workspace. Files are hashed one by one in sorted path order and the
// per-file digests are hashed again, so the result does not depend on
// directory enumeration order. No matching file yields "".
func HashFiles(workspace string, patterns ...string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	files, err := utils.MatchFiles(workspace, patterns)
	if err != nil {
		return "", fmt.Errorf("hashFiles: %w", err)
	}
	if len(files) == 0 {
		return "", nil
	}

	outer := sha256.New()
	for _, f := range files {
		sum, err := hashFile(filepath.Join(workspace, filepath.FromSlash(f)))
		if err != nil {
			return "", fmt.Errorf("hashFiles: %w", err)
		}
		outer.Write(sum)
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Package artifacts stores named file sets uploaded by job instances so
// later jobs of the same run can download them.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/opnlabs/dotflow/pkg/blob"
	"github.com/opnlabs/dotflow/pkg/store"
	"github.com/opnlabs/dotflow/pkg/utils"
)

const (
	DefaultRetentionDays = 90
	DefaultName          = "artifact"
)

// Policies for an upload that matches no files.
const (
	IfNoFilesWarn   = "warn"
	IfNoFilesError  = "error"
	IfNoFilesIgnore = "ignore"
)

var (
	ErrNoFilesFound     = errors.New("no files found for artifact")
	ErrArtifactExists   = errors.New("artifact already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidName      = errors.New("invalid artifact name")
)

type Artifact struct {
	Name      string
	Files     int
	Size      int64
	BlobKey   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type UploadRequest struct {
	Name      string
	Paths     []string
	Workspace string
	// IfNoFilesFound is one of warn, error or ignore. Empty means warn.
	IfNoFilesFound string
	RetentionDays  int
}

type ArtifactManager interface {
	// Upload archives the files matching the request paths. Names are unique
	// per run: a second upload to an existing name fails with
	// ErrArtifactExists. When nothing matches and the policy is not error,
	// the returned Artifact is empty and err is nil.
	Upload(ctx context.Context, req UploadRequest) (Artifact, error)

	// Download extracts the named artifact into dest. An empty name extracts
	// every artifact of the run into dest/<name>.
	Download(ctx context.Context, name, dest string) ([]Artifact, error)

	List(ctx context.Context) ([]Artifact, error)
}

// BlobManager keeps artifact archives in a blob store and their metadata in
// a key-value store.
type BlobManager struct {
	runID string
	blobs blob.Store
	meta  store.Store
	now   func() time.Time
}

func NewBlobManager(runID string, blobs blob.Store) *BlobManager {
	return &BlobManager{
		runID: runID,
		blobs: blobs,
		meta:  store.NewMemStore(),
		now:   time.Now,
	}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "\\/\":<>|*?\r\n") {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidName, name)
	}
	return nil
}

func (m *BlobManager) Upload(ctx context.Context, req UploadRequest) (Artifact, error) {
	log := utils.LoggerFrom(ctx)

	name := req.Name
	if name == "" {
		name = DefaultName
	}
	if err := validName(name); err != nil {
		return Artifact{}, err
	}

	files, err := utils.MatchFiles(req.Workspace, req.Paths)
	if err != nil {
		return Artifact{}, err
	}
	if len(files) == 0 {
		switch req.IfNoFilesFound {
		case IfNoFilesError:
			return Artifact{}, fmt.Errorf("%w: %s", ErrNoFilesFound, strings.Join(req.Paths, ", "))
		case IfNoFilesIgnore:
			log.Debug("no files found for artifact", "name", name)
		default:
			log.Warn("no files found for artifact, nothing uploaded", "name", name, "paths", req.Paths)
		}
		return Artifact{}, nil
	}

	// Reserve the name before uploading so concurrent uploads cannot both
	// succeed.
	if err := m.meta.Set(name, Artifact{Name: name}); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactExists, name)
		}
		return Artifact{}, err
	}

	a, err := m.upload(ctx, name, req.Workspace, files, req.RetentionDays)
	if err != nil {
		_ = m.meta.Delete(name)
		return Artifact{}, err
	}
	if err := m.meta.Update(name, a); err != nil {
		return Artifact{}, err
	}
	log.Info("artifact uploaded", "name", name, "files", a.Files, "size", a.Size)
	return a, nil
}

func (m *BlobManager) upload(ctx context.Context, name, workspace string, files []string, retention int) (Artifact, error) {
	tmp, err := os.CreateTemp("", "dotflow-artifact-*.tgz")
	if err != nil {
		return Artifact{}, fmt.Errorf("could not create artifact archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := utils.Compress(tmp, workspace, files); err != nil {
		return Artifact{}, fmt.Errorf("could not archive artifact %s: %w", name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Artifact{}, err
	}

	key := path.Join("artifacts", m.runID, name+".tgz")
	size, err := m.blobs.Put(ctx, key, tmp)
	if err != nil {
		return Artifact{}, fmt.Errorf("could not store artifact %s: %w", name, err)
	}

	if retention <= 0 || retention > DefaultRetentionDays {
		retention = DefaultRetentionDays
	}
	now := m.now()
	return Artifact{
		Name:      name,
		Files:     len(files),
		Size:      size,
		BlobKey:   key,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, retention),
	}, nil
}

func (m *BlobManager) Download(ctx context.Context, name, dest string) ([]Artifact, error) {
	if name != "" {
		a, err := m.get(name)
		if err != nil {
			return nil, err
		}
		if err := m.extract(ctx, a, dest); err != nil {
			return nil, err
		}
		return []Artifact{a}, nil
	}

	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if err := m.extract(ctx, a, filepath.Join(dest, a.Name)); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (m *BlobManager) get(name string) (Artifact, error) {
	v, err := m.meta.Get(name)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	a := v.(Artifact)
	// A reservation without a blob is an upload still in progress.
	if a.BlobKey == "" {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return a, nil
}

func (m *BlobManager) extract(ctx context.Context, a Artifact, dest string) error {
	r, err := m.blobs.Get(ctx, a.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, a.Name)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return utils.Decompress(r, dest)
}

// List returns the completed artifacts of the run in name order.
func (m *BlobManager) List(_ context.Context) ([]Artifact, error) {
	var out []Artifact
	for _, k := range m.meta.Keys("") {
		a, err := m.get(k)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

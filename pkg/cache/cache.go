// Package cache resolves cache keys and saves and restores workspace paths
// against a blob store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opnlabs/dotflow/pkg/blob"
	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/utils"
)

const (
	DefaultQuota = 10 << 30
	DefaultTTL   = 7 * 24 * time.Hour
	MaxKeyLength = 512
)

var (
	ErrEntryNotFound = errors.New("cache entry not found")
	ErrEntryExists   = errors.New("cache entry already exists")
	ErrInvalidKey    = errors.New("invalid cache key")
	ErrNothingToSave = errors.New("no files match the cache paths")
	// ErrQuotaExceeded means the entry could not fit even after eviction.
	// The write is dropped; callers surface it as a warning.
	ErrQuotaExceeded = errors.New("cache quota exceeded")
)

type Options struct {
	// Scope separates repositories. Quota applies per scope.
	Scope string
	Quota int64
	TTL   time.Duration
}

// Cache is safe for concurrent use by job instances.
type Cache struct {
	index Index
	blobs blob.Store
	opts  Options
	now   func() time.Time

	// mu serialises admission so eviction and quota checks see a stable
	// total size.
	mu sync.Mutex
}

func New(index Index, blobs blob.Store, opts Options) *Cache {
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuota
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Scope == "" {
		opts.Scope = "default"
	}
	return &Cache{index: index, blobs: blobs, opts: opts, now: time.Now}
}

// Resolution is a cache key with its restore-key fallback chain.
type Resolution struct {
	Key         string
	RestoreKeys []string
}

// Resolve interpolates the key template and restore keys against c.
func Resolve(c *expr.Context, keyTemplate string, restoreKeys []string) (Resolution, error) {
	key, err := expr.Interpolate(keyTemplate, c)
	if err != nil {
		return Resolution{}, fmt.Errorf("cache key: %w", err)
	}
	if err := checkKey(key); err != nil {
		return Resolution{}, err
	}

	res := Resolution{Key: key}
	for _, rk := range restoreKeys {
		v, err := expr.Interpolate(rk, c)
		if err != nil {
			return Resolution{}, fmt.Errorf("restore key: %w", err)
		}
		if v = strings.TrimSpace(v); v != "" {
			res.RestoreKeys = append(res.RestoreKeys, v)
		}
	}
	return res, nil
}

func checkKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key is longer than %d characters", ErrInvalidKey, MaxKeyLength)
	case strings.Contains(key, ","):
		return fmt.Errorf("%w: key cannot contain commas", ErrInvalidKey)
	}
	return nil
}

// Result reports what Restore found. Hit is true only for an exact key
// match; MatchedKey is the key actually restored, if any.
type Result struct {
	Hit        bool
	MatchedKey string
}

// Restore looks up key, then each restore key as a prefix, picking the most
// recently written entry for the first prefix that has one. The archive is
// extracted into dest. A miss is not an error.
func (c *Cache) Restore(ctx context.Context, key string, restoreKeys []string, dest string) (Result, error) {
	log := utils.LoggerFrom(ctx)

	e, err := c.index.Get(ctx, c.opts.Scope, key)
	switch {
	case err == nil:
		ok, err := c.extract(ctx, e, dest)
		if err != nil || ok {
			return Result{Hit: ok, MatchedKey: e.Key}, err
		}
	case !errors.Is(err, ErrEntryNotFound):
		return Result{}, err
	}

	if len(restoreKeys) == 0 {
		return Result{}, nil
	}
	entries, err := c.index.List(ctx, c.opts.Scope)
	if err != nil {
		return Result{}, err
	}
	for _, prefix := range restoreKeys {
		// entries are newest first
		for _, e := range entries {
			if !strings.HasPrefix(e.Key, prefix) {
				continue
			}
			ok, err := c.extract(ctx, e, dest)
			if err != nil {
				return Result{}, err
			}
			if ok {
				log.Debug("cache restored from restore key", "prefix", prefix, "key", e.Key)
				return Result{MatchedKey: e.Key}, nil
			}
		}
	}
	return Result{}, nil
}

// extract returns false when the entry's blob has gone missing; the stale
// index entry is dropped.
func (c *Cache) extract(ctx context.Context, e Entry, dest string) (bool, error) {
	r, err := c.blobs.Get(ctx, e.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		_ = c.index.Delete(ctx, e.Scope, e.Key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return false, err
	}
	if err := utils.Decompress(r, dest); err != nil {
		return false, fmt.Errorf("could not extract cache %s: %w", e.Key, err)
	}
	if err := c.index.Touch(ctx, e.Scope, e.Key, c.now()); err != nil && !errors.Is(err, ErrEntryNotFound) {
		return true, err
	}
	return true, nil
}

// Save archives the files matching paths below workspace under key. Saving
// an existing key is rejected with ErrEntryExists and leaves the first entry
// intact. Least recently used entries are evicted to make room.
func (c *Cache) Save(ctx context.Context, key, workspace string, paths []string) (Entry, error) {
	if err := checkKey(key); err != nil {
		return Entry{}, err
	}
	if _, err := c.index.Get(ctx, c.opts.Scope, key); err == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryExists, key)
	}

	files, err := utils.MatchFiles(workspace, paths)
	if err != nil {
		return Entry{}, err
	}
	if len(files) == 0 {
		return Entry{}, ErrNothingToSave
	}

	tmp, err := os.CreateTemp("", "dotflow-cache-*.tgz")
	if err != nil {
		return Entry{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := utils.Compress(tmp, workspace, files); err != nil {
		return Entry{}, fmt.Errorf("could not archive cache paths: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return Entry{}, err
	}
	if size > c.opts.Quota {
		return Entry{}, fmt.Errorf("%w: entry of %d bytes is larger than the quota", ErrQuotaExceeded, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.makeRoom(ctx, size); err != nil {
		return Entry{}, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Entry{}, err
	}
	blobKey := path.Join("cache", c.opts.Scope, uuid.NewString()+".tgz")
	if _, err := c.blobs.Put(ctx, blobKey, tmp); err != nil {
		return Entry{}, err
	}

	now := c.now()
	e := Entry{Key: key, Scope: c.opts.Scope, Size: size, BlobKey: blobKey, CreatedAt: now, LastAccess: now}
	created, err := c.index.Put(ctx, e)
	if err != nil || !created {
		_ = c.blobs.Delete(ctx, blobKey)
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrEntryExists, key)
		}
		return Entry{}, err
	}
	return e, nil
}

// makeRoom evicts least recently used entries until size more bytes fit.
func (c *Cache) makeRoom(ctx context.Context, size int64) error {
	entries, err := c.index.List(ctx, c.opts.Scope)
	if err != nil {
		return err
	}
	var used int64
	for _, e := range entries {
		used += e.Size
	}
	if used+size <= c.opts.Quota {
		return nil
	}

	sortByAccess(entries)
	for _, e := range entries {
		if used+size <= c.opts.Quota {
			break
		}
		if err := c.remove(ctx, e); err != nil {
			return err
		}
		used -= e.Size
	}
	if used+size > c.opts.Quota {
		return ErrQuotaExceeded
	}
	return nil
}

// Evict removes entries not accessed within the TTL, then trims the scope
// to its quota. It returns the removed entries.
func (c *Cache) Evict(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.index.List(ctx, c.opts.Scope)
	if err != nil {
		return nil, err
	}
	sortByAccess(entries)

	cutoff := c.now().Add(-c.opts.TTL)
	var used int64
	for _, e := range entries {
		used += e.Size
	}

	var removed []Entry
	for _, e := range entries {
		if !e.LastAccess.Before(cutoff) && used <= c.opts.Quota {
			continue
		}
		if err := c.remove(ctx, e); err != nil {
			return removed, err
		}
		used -= e.Size
		removed = append(removed, e)
	}
	return removed, nil
}

// List returns the entries of the scope, newest first.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	return c.index.List(ctx, c.opts.Scope)
}

func (c *Cache) remove(ctx context.Context, e Entry) error {
	if err := c.index.Delete(ctx, e.Scope, e.Key); err != nil {
		return err
	}
	if err := c.blobs.Delete(ctx, e.BlobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	utils.LoggerFrom(ctx).Debug("cache entry evicted", "key", e.Key, "size", e.Size)
	return nil
}

// sortByAccess orders entries least recently used first.
func sortByAccess(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.Key < b.Key
	})
}

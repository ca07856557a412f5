package dotflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"

	"github.com/opnlabs/dotflow/pkg/blob"
	"github.com/opnlabs/dotflow/pkg/cache"
	"github.com/opnlabs/dotflow/pkg/config"
	"github.com/opnlabs/dotflow/pkg/engine"
	"github.com/opnlabs/dotflow/pkg/history"
	"github.com/opnlabs/dotflow/pkg/metrics"
	"github.com/opnlabs/dotflow/pkg/utils"
)

// deps holds the backends a command builds from the config.
type deps struct {
	blobs   blob.Store
	cache   *cache.Cache
	history *history.Store
	metrics metrics.Recorder
	engine  *engine.Engine

	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func newBlobStore(ctx context.Context, c *config.Config) (blob.Store, error) {
	if c.Blob.Backend == "s3" {
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   c.Blob.Bucket,
			Prefix:   c.Blob.Prefix,
			Region:   c.Blob.Region,
			Endpoint: c.Blob.Endpoint,
		})
	}
	return blob.NewFSStore(c.StatePath("blobs"))
}

// newCache returns the cache and a func closing its index.
func newCache(c *config.Config, blobs blob.Store) (*cache.Cache, func() error, error) {
	var (
		index  cache.Index
		closer = func() error { return nil }
	)
	switch c.Cache.Backend {
	case "redis":
		r, err := cache.NewRedisIndex(c.Cache.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		index, closer = r, r.Close
	case "memory":
		index = cache.NewMemIndex()
	default:
		if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
			return nil, nil, err
		}
		s, err := cache.OpenSQLIndex(c.StatePath("cache.db"))
		if err != nil {
			return nil, nil, err
		}
		index, closer = s, s.Close
	}
	return cache.New(index, blobs, cache.Options{
		Scope: cacheScope(c),
		Quota: c.Cache.Quota,
		TTL:   c.Cache.TTL,
	}), closer, nil
}

func cacheScope(c *config.Config) string {
	if c.Repository != "" {
		return slug.Make(c.Repository)
	}
	ws, err := filepath.Abs(c.Workspace)
	if err != nil {
		return "default"
	}
	return slug.Make(filepath.Base(ws))
}

func openHistory(c *config.Config) (*history.Store, error) {
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return nil, err
	}
	return history.Open(c.StatePath("history.db"))
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) (metrics.Recorder, func() error) {
	logger := utils.LoggerFrom(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
	return metrics.NewProm("dotflow", nil), shutdown
}

func newDeps(ctx context.Context, c *config.Config) (*deps, error) {
	d := &deps{metrics: metrics.Noop{}}
	var err error

	if d.blobs, err = newBlobStore(ctx, c); err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	cc, closeCache, err := newCache(c, d.blobs)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	d.cache = cc
	d.closers = append(d.closers, closeCache)

	if c.History {
		if d.history, err = openHistory(c); err != nil {
			d.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		d.closers = append(d.closers, d.history.Close)
	}
	if c.MetricsAddr != "" {
		rec, shutdown := serveMetrics(ctx, c.MetricsAddr)
		d.metrics = rec
		d.closers = append(d.closers, shutdown)
	}

	d.engine = engine.New(engine.Options{
		Workspace:   c.Workspace,
		StateDir:    c.StateDir,
		MaxParallel: c.MaxParallel,
		Secrets:     c.Secrets,
		Vars:        c.Vars,
		Cache:       d.cache,
		Blobs:       d.blobs,
		History:     d.history,
		Metrics:     d.metrics,
		Output:      os.Stdout,
	})
	return d, nil
}

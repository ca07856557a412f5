package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/opnlabs/dotflow/pkg/artifacts"
	"github.com/opnlabs/dotflow/pkg/cache"
	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/metrics"
	"github.com/opnlabs/dotflow/pkg/utils"
)

var ErrUnknownAction = errors.New("unknown action")

// ActionContext is what a built-in action sees of its step.
type ActionContext struct {
	Uses      string
	With      map[string]string
	Workspace string
	Cache     *cache.Cache
	Artifacts artifacts.ArtifactManager
	Metrics   metrics.Recorder
	Log       *log.Logger
	// Output is the step log.
	Output io.Writer

	outputs map[string]string
	posts   *[]post
}

func (a *ActionContext) SetOutput(name, value string) {
	a.outputs[name] = value
}

// Post registers fn to run after the last step of the job when the job is
// still successful.
func (a *ActionContext) Post(fn func(ctx context.Context) error) {
	*a.posts = append(*a.posts, post{name: "Post " + a.Uses, run: fn})
}

func (a *ActionContext) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.Log.Warn(msg, "action", a.Uses)
	fmt.Fprintf(a.Output, "Warning: %s\n", msg)
}

type post struct {
	name string
	run  func(ctx context.Context) error
}

// Action is a built-in implementation of a `uses:` reference.
type Action func(ctx context.Context, a *ActionContext) error

var builtins = map[string]Action{
	"actions/checkout":          checkoutAction,
	"actions/cache":             cacheAction(true, true),
	"actions/cache/restore":     cacheAction(true, false),
	"actions/cache/save":        cacheAction(false, true),
	"actions/upload-artifact":   uploadArtifactAction,
	"actions/download-artifact": downloadArtifactAction,
}

// lookupAction resolves a `uses:` reference such as actions/cache@v4.
func lookupAction(uses string) (Action, error) {
	name, _, _ := strings.Cut(uses, "@")
	if a, ok := builtins[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, uses)
}

func checkoutAction(_ context.Context, a *ActionContext) error {
	fmt.Fprintf(a.Output, "Workspace %s is used as checked out\n", a.Workspace)
	return nil
}

func cacheAction(restore, save bool) Action {
	return func(ctx context.Context, a *ActionContext) error {
		key := a.With["key"]
		paths := utils.SplitLines(a.With["path"])
		if len(paths) == 0 {
			return errors.New("input required and not supplied: path")
		}
		if strings.TrimSpace(key) == "" {
			return errors.New("input required and not supplied: key")
		}
		if a.Cache == nil {
			a.warn("cache storage is not configured, nothing is restored or saved")
			a.SetOutput("cache-hit", "false")
			a.SetOutput("cache-hit-key", "")
			return nil
		}

		doSave := func(ctx context.Context) error {
			e, err := a.Cache.Save(ctx, key, a.Workspace, paths)
			switch {
			case errors.Is(err, cache.ErrEntryExists):
				fmt.Fprintf(a.Output, "Cache entry %s already exists, not saving\n", key)
			case err != nil:
				a.warn("failed to save cache %s: %v", key, err)
			default:
				fmt.Fprintf(a.Output, "Cache saved with key: %s (%d bytes)\n", key, e.Size)
			}
			return nil
		}

		if !restore {
			return doSave(ctx)
		}

		res, err := a.Cache.Restore(ctx, key, utils.SplitLines(a.With["restore-keys"]), a.Workspace)
		if err != nil {
			a.warn("failed to restore cache: %v", err)
			res = cache.Result{}
		}

		outcome := "miss"
		switch {
		case res.Hit:
			outcome = "hit"
			fmt.Fprintf(a.Output, "Cache restored from key: %s\n", res.MatchedKey)
		case res.MatchedKey != "":
			outcome = "partial"
			fmt.Fprintf(a.Output, "Cache restored from restore key: %s\n", res.MatchedKey)
		default:
			fmt.Fprintf(a.Output, "Cache not found for input keys: %s\n", strings.Join(append([]string{key}, utils.SplitLines(a.With["restore-keys"])...), ", "))
		}
		if a.Metrics != nil {
			a.Metrics.IncCacheLookups(outcome)
		}

		a.SetOutput("cache-hit", strconv.FormatBool(res.Hit))
		a.SetOutput("cache-primary-key", key)
		a.SetOutput("cache-matched-key", res.MatchedKey)
		a.SetOutput("cache-hit-key", res.MatchedKey)

		if !res.Hit && a.With["fail-on-cache-miss"] == "true" {
			return fmt.Errorf("failed to restore cache entry, exiting as fail-on-cache-miss is set: %s", key)
		}
		if save && !res.Hit {
			a.Post(doSave)
		}
		return nil
	}
}

func uploadArtifactAction(ctx context.Context, a *ActionContext) error {
	if a.Artifacts == nil {
		return errors.New("artifact storage is not configured")
	}
	retention := 0
	if v := strings.TrimSpace(a.With["retention-days"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid retention-days %q: %w", v, expr.ErrTypeMismatch)
		}
		retention = n
	}

	art, err := a.Artifacts.Upload(ctx, artifacts.UploadRequest{
		Name:           a.With["name"],
		Paths:          utils.SplitLines(a.With["path"]),
		Workspace:      a.Workspace,
		IfNoFilesFound: a.With["if-no-files-found"],
		RetentionDays:  retention,
	})
	if err != nil {
		return err
	}
	if art.Name == "" {
		if a.With["if-no-files-found"] != artifacts.IfNoFilesIgnore {
			fmt.Fprintf(a.Output, "Warning: No files were found with the provided path: %s. No artifacts will be uploaded.\n", a.With["path"])
		}
		return nil
	}
	fmt.Fprintf(a.Output, "Artifact %s uploaded: %d files, %d bytes\n", art.Name, art.Files, art.Size)
	a.SetOutput("artifact-name", art.Name)
	return nil
}

func downloadArtifactAction(ctx context.Context, a *ActionContext) error {
	if a.Artifacts == nil {
		return errors.New("artifact storage is not configured")
	}
	dest := a.Workspace
	if p := strings.TrimSpace(a.With["path"]); p != "" {
		if filepath.IsAbs(p) {
			dest = p
		} else {
			dest = filepath.Join(a.Workspace, p)
		}
	}

	got, err := a.Artifacts.Download(ctx, a.With["name"], dest)
	if err != nil {
		return err
	}
	for _, art := range got {
		fmt.Fprintf(a.Output, "Artifact %s downloaded to %s\n", art.Name, dest)
	}
	a.SetOutput("download-path", dest)
	return nil
}

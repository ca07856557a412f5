// Package engine runs a workflow for a trigger event: it builds the
// expression context, schedules the job graph, and executes every job
// instance on the host or in a container.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/opnlabs/dotflow/pkg/artifacts"
	"github.com/opnlabs/dotflow/pkg/blob"
	"github.com/opnlabs/dotflow/pkg/cache"
	"github.com/opnlabs/dotflow/pkg/executor"
	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/history"
	"github.com/opnlabs/dotflow/pkg/metrics"
	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/runner"
	"github.com/opnlabs/dotflow/pkg/scheduler"
	"github.com/opnlabs/dotflow/pkg/secrets"
	"github.com/opnlabs/dotflow/pkg/store"
	"github.com/opnlabs/dotflow/pkg/trigger"
	"github.com/opnlabs/dotflow/pkg/utils"
)

// MaxNesting is the deepest chain of reusable workflow calls.
const MaxNesting = 4

var (
	ErrNestingTooDeep   = errors.New("engine: reusable workflows nested too deeply")
	ErrUnsupportedUses  = errors.New("engine: only local reusable workflows (./path) are supported")
	ErrMissingSecret    = errors.New("engine: required secret not provided")
	ErrWorkspaceMissing = errors.New("engine: workspace does not exist")
)

// RunnerFunc returns the runner for one job instance. out receives image
// pull progress.
type RunnerFunc func(ctx context.Context, job *models.Job, c *expr.Context, workspace, temp string, out io.Writer) (runner.Runner, error)

type Options struct {
	// Workspace is the checkout every job instance runs in.
	Workspace string
	// StateDir holds per-run temp directories.
	StateDir    string
	MaxParallel int

	Secrets map[string]string
	Vars    map[string]string

	Cache *cache.Cache
	// Blobs stores artifacts. Defaults to StateDir/artifacts on disk.
	Blobs   blob.Store
	History *history.Store
	Metrics metrics.Recorder
	// Output receives the prefixed output of every job instance.
	Output io.Writer

	NewRunner RunnerFunc
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(opts.Workspace, ".dotflow")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.NewRunner == nil {
		opts.NewRunner = DefaultRunner
	}
	return &Engine{opts: opts}
}

// Run is the outcome of one workflow run.
type Run struct {
	ID       string
	Workflow *models.Workflow
	Event    models.Event
	Result   models.Result
	Jobs     map[string]*scheduler.JobResult
	// Outputs are the on.workflow_call outputs of a called workflow.
	Outputs  map[string]string
	Started  time.Time
	Finished time.Time
}

// Run activates wf for ev and runs it to completion. A workflow that ev does
// not activate returns an error wrapping trigger.ErrNotActivated; dependency
// errors are returned before any job starts. Job failures are reported in
// Run.Result, not as an error.
func (e *Engine) Run(ctx context.Context, wf *models.Workflow, ev models.Event) (*Run, error) {
	ws, err := filepath.Abs(e.opts.Workspace)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(ws); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceMissing, ws)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	act, err := trigger.Match(wf, ev)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	blobs := e.opts.Blobs
	if blobs == nil {
		if blobs, err = blob.NewFSStore(filepath.Join(e.opts.StateDir, "artifacts")); err != nil {
			return nil, err
		}
	}

	values := make([]string, 0, len(e.opts.Secrets))
	for _, v := range e.opts.Secrets {
		values = append(values, v)
	}
	r := &run{
		e:         e,
		id:        id,
		wf:        wf,
		ev:        ev,
		act:       act,
		workspace: ws,
		secrets:   e.opts.Secrets,
		masker:    secrets.NewMasker(values...),
		artifacts: artifacts.NewBlobManager(id, blobs),
		records:   &records{m: make(map[string]*record)},
	}

	logger := utils.LoggerFrom(ctx).With("run", id[:8])
	ctx = utils.WithLogger(ctx, logger)
	logger.Info("run started", "workflow", workflowName(wf), "event", ev.Name, "ref", ev.Ref)

	e.opts.Metrics.IncRunsStarted(workflowName(wf))
	res, err := r.execute(ctx)
	if err != nil {
		return nil, err
	}
	e.opts.Metrics.IncRunsCompleted(workflowName(wf), string(res.Result))
	logger.Info("run finished", "result", res.Result, "duration", res.Finished.Sub(res.Started).Round(time.Millisecond))
	return res, nil
}

// run is one workflow execution, top level or called.
type run struct {
	e         *Engine
	id        string
	wf        *models.Workflow
	ev        models.Event
	act       trigger.Activation
	workspace string
	depth     int
	// prefix scopes instance ids of called workflows, e.g. "call-build/".
	prefix string

	secrets   map[string]string
	masker    *secrets.Masker
	artifacts artifacts.ArtifactManager
	records   *records
}

// record is what a finished instance leaves for the history.
type record struct {
	mu    sync.Mutex
	log   bytes.Buffer
	steps []executor.StepResult
}

func (rec *record) Write(p []byte) (int, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.log.Write(p)
}

// records is shared by a run and the workflows it calls.
type records struct {
	mu sync.Mutex
	m  map[string]*record
}

func (rs *records) add(id string) *record {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rec := &record{}
	rs.m[id] = rec
	return rec
}

func (rs *records) get(id string) *record {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.m[id]
}

func (r *run) execute(ctx context.Context) (*Run, error) {
	base := r.context()
	out := &Run{
		ID:       r.id,
		Workflow: r.wf,
		Event:    r.ev,
		Outputs:  map[string]string{},
		Started:  time.Now(),
	}

	s, err := scheduler.New(r.wf, r.instance, scheduler.Options{
		MaxParallel: r.e.opts.MaxParallel,
		Context:     base,
		Outputs:     store.NewMemStore(),
		Metrics:     r.e.opts.Metrics,
		OnStateChange: func(inst scheduler.Instance) {
			logger := utils.LoggerFrom(ctx)
			if inst.State.Terminal() {
				logger.Info("job finished", "job", r.prefix+inst.ID, "state", inst.State)
				return
			}
			logger.Debug("job state", "job", r.prefix+inst.ID, "state", inst.State)
		},
	})
	if err != nil {
		return nil, err
	}

	if r.depth == 0 {
		r.startHistory(ctx, out)
	}
	out.Jobs = s.Run(ctx)
	out.Result = scheduler.Result(out.Jobs)
	out.Finished = time.Now()

	r.saveInstances(ctx, out.Jobs)
	if r.depth == 0 {
		r.finishHistory(ctx, out)
	}

	if r.wf.On.WorkflowCall != nil && r.act.Event == "workflow_call" {
		out.Outputs, err = callOutputs(r.wf.On.WorkflowCall.Outputs, base, out.Jobs)
		if err != nil && out.Result == models.ResultSuccess {
			out.Result = models.ResultFailure
			return out, err
		}
	}
	return out, nil
}

// context builds the namespaces shared by every job of the run.
func (r *run) context() *expr.Context {
	ev := r.ev
	event := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		event[k] = v
	}
	inputs := make(map[string]any, len(r.act.Inputs))
	for k, v := range r.act.Inputs {
		inputs[k] = v
	}
	if len(inputs) > 0 {
		event["inputs"] = inputs
	}

	refName, refType := ev.Ref, ""
	switch {
	case strings.HasPrefix(ev.Ref, "refs/heads/"):
		refName, refType = strings.TrimPrefix(ev.Ref, "refs/heads/"), "branch"
	case strings.HasPrefix(ev.Ref, "refs/tags/"):
		refName, refType = strings.TrimPrefix(ev.Ref, "refs/tags/"), "tag"
	}

	secretNS := make(map[string]any, len(r.secrets))
	for k, v := range r.secrets {
		secretNS[k] = v
	}
	vars := make(map[string]any, len(r.e.opts.Vars))
	for k, v := range r.e.opts.Vars {
		vars[k] = v
	}

	return &expr.Context{
		Github: map[string]any{
			"event_name": ev.Name,
			"event":      event,
			"ref":        ev.Ref,
			"ref_name":   refName,
			"ref_type":   refType,
			"sha":        ev.SHA,
			"actor":      ev.Actor,
			"repository": ev.Repository,
			"base_ref":   ev.BaseRef,
			"head_ref":   ev.HeadRef,
			"run_id":     r.id,
			"workflow":   workflowName(r.wf),
			"workspace":  r.workspace,
		},
		Runner: map[string]any{
			"name": "dotflow",
			"os":   runnerOS(),
			"arch": runnerArch(),
			"temp": filepath.Join(r.e.opts.StateDir, "runs", r.id),
		},
		Env:       toAny(r.wf.Env),
		Vars:      vars,
		Secrets:   secretNS,
		Inputs:    inputs,
		Workspace: r.workspace,
	}
}

// instance is the scheduler RunFunc.
func (r *run) instance(ctx context.Context, inst *scheduler.Instance, c *expr.Context) scheduler.Outcome {
	if inst.Job.Uses != "" {
		return r.call(ctx, inst, c)
	}

	id := r.prefix + inst.ID
	rec := r.records.add(id)

	colored := utils.NewColorLogger(inst.Name, r.e.opts.Output, true)
	defer colored.Flush()
	output := io.MultiWriter(colored, rec)

	temp := filepath.Join(r.e.opts.StateDir, "runs", r.id, slug.Make(id))
	if err := os.MkdirAll(temp, 0o755); err != nil {
		return scheduler.Outcome{Result: models.ResultFailure, Err: err}
	}
	defer os.RemoveAll(temp)

	// image pull progress goes through the masker too
	masked := r.masker.Writer(output)
	defer masked.Flush()
	rn, err := r.e.opts.NewRunner(ctx, inst.Job, c, r.workspace, temp, masked)
	if err != nil {
		fmt.Fprintf(masked, "Error: %v\n", err)
		return scheduler.Outcome{Result: models.ResultFailure, Err: err}
	}
	defer rn.Close()

	res := executor.Run(ctx, executor.Config{
		Workflow:     r.wf,
		Job:          inst.Job,
		InstanceName: inst.Name,
		Context:      c,
		Runner:       rn,
		Workspace:    r.workspace,
		TempDir:      temp,
		Cache:        r.e.opts.Cache,
		Artifacts:    r.artifacts,
		Masker:       r.masker,
		Output:       output,
		Metrics:      r.e.opts.Metrics,
	})
	rec.mu.Lock()
	rec.steps = res.Steps
	rec.mu.Unlock()
	return scheduler.Outcome{Result: res.Conclusion, Outputs: res.Outputs, Err: res.Err}
}

// call runs a reusable workflow as a nested run. Its workflow_call outputs
// become the outputs of the calling instance.
func (r *run) call(ctx context.Context, inst *scheduler.Instance, c *expr.Context) scheduler.Outcome {
	fail := func(err error) scheduler.Outcome {
		utils.LoggerFrom(ctx).Error("reusable workflow failed", "job", r.prefix+inst.ID, "uses", inst.Job.Uses, "err", err)
		return scheduler.Outcome{Result: models.ResultFailure, Err: err}
	}
	if r.depth+1 >= MaxNesting {
		return fail(fmt.Errorf("%w: %s at depth %d", ErrNestingTooDeep, inst.Job.Uses, r.depth+1))
	}
	if !strings.HasPrefix(inst.Job.Uses, "./") {
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedUses, inst.Job.Uses))
	}

	wf, err := models.Load(filepath.Join(r.workspace, filepath.FromSlash(inst.Job.Uses)))
	if err != nil {
		return fail(err)
	}
	if wf.On.WorkflowCall == nil {
		return fail(fmt.Errorf("%w: %s does not declare workflow_call", trigger.ErrNotActivated, inst.Job.Uses))
	}

	with := make(map[string]any, len(inst.Job.With))
	for k, v := range inst.Job.With {
		if with[k], err = evalValue(v, c); err != nil {
			return fail(fmt.Errorf("with.%s: %w", k, err))
		}
	}
	passed, err := r.passSecrets(inst.Job.Secrets, wf.On.WorkflowCall.Secrets, c)
	if err != nil {
		return fail(err)
	}

	ev := r.ev
	ev.Name = "workflow_call"
	ev.Inputs = with
	act, err := trigger.Match(wf, ev)
	if err != nil {
		return fail(err)
	}

	child := &run{
		e:         r.e,
		id:        r.id,
		wf:        wf,
		ev:        r.ev,
		act:       act,
		workspace: r.workspace,
		depth:     r.depth + 1,
		prefix:    r.prefix + inst.ID + "/",
		secrets:   passed,
		masker:    r.masker,
		artifacts: r.artifacts,
		records:   r.records,
	}
	res, err := child.execute(ctx)
	if err != nil {
		return fail(err)
	}
	return scheduler.Outcome{Result: res.Result, Outputs: res.Outputs}
}

// passSecrets resolves the secrets a caller hands to a called workflow.
func (r *run) passSecrets(p models.SecretsPassing, declared map[string]models.CallSecret, c *expr.Context) (map[string]string, error) {
	out := make(map[string]string)
	if p.Inherit {
		for k, v := range r.secrets {
			out[k] = v
		}
	}
	for k, v := range p.Values {
		s, err := expr.Interpolate(v, c)
		if err != nil {
			return nil, fmt.Errorf("secrets.%s: %w", k, err)
		}
		r.masker.Add(s)
		out[k] = s
	}
	for name, d := range declared {
		if _, ok := out[name]; d.Required && !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSecret, name)
		}
	}
	return out, nil
}

// callOutputs evaluates on.workflow_call.outputs over the jobs of the run.
func callOutputs(decl map[string]models.CallOutput, base *expr.Context, jobs map[string]*scheduler.JobResult) (map[string]string, error) {
	ns := make(map[string]any, len(jobs))
	for id, j := range jobs {
		ns[id] = map[string]any{"result": string(j.Result), "outputs": toAny(j.Outputs)}
	}
	c := base.Clone()
	c.Jobs = ns

	out := make(map[string]string, len(decl))
	var errs []error
	for name, o := range decl {
		v, err := expr.Interpolate(o.Value, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("outputs.%s: %w", name, err))
			continue
		}
		out[name] = v
	}
	return out, errors.Join(errs...)
}

// evalValue keeps the type of a value that is a single expression, such as
// ${{ matrix.jobs }}, and interpolates any other string.
func evalValue(v any, c *expr.Context) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if expr.IsExpression(s) {
		return expr.Evaluate(s, c)
	}
	return expr.Interpolate(s, c)
}

// DefaultRunner runs jobs with a container in Docker and every other job on
// the host.
func DefaultRunner(ctx context.Context, job *models.Job, c *expr.Context, workspace, temp string, out io.Writer) (runner.Runner, error) {
	if job.Container == nil {
		return runner.NewHostRunner(), nil
	}
	image, err := expr.Interpolate(job.Container.Image, c)
	if err != nil {
		return nil, fmt.Errorf("container image: %w", err)
	}
	env := make(map[string]string, len(job.Container.Env))
	for k, v := range job.Container.Env {
		if env[k], err = expr.Interpolate(v, c); err != nil {
			return nil, fmt.Errorf("container env %s: %w", k, err)
		}
	}
	d, err := runner.NewDockerRunner(job.ID, runner.LogOptions{ShowImagePull: true, Stdout: out})
	if err != nil {
		return nil, err
	}
	return d.WithImage(image).WithWorkspace(workspace).WithTemp(temp).WithEnv(env), nil
}

func workflowName(wf *models.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	if wf.Path != "" {
		return filepath.Base(wf.Path)
	}
	return "workflow"
}

func runnerOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	}
	return "Linux"
}

func runnerArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "X64"
	case "arm64":
		return "ARM64"
	case "386":
		return "X86"
	}
	return strings.ToUpper(runtime.GOARCH)
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

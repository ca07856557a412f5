// Package executor runs the steps of one job instance.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opnlabs/dotflow/pkg/artifacts"
	"github.com/opnlabs/dotflow/pkg/cache"
	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/metrics"
	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/runner"
	"github.com/opnlabs/dotflow/pkg/secrets"
	"github.com/opnlabs/dotflow/pkg/utils"
)

const (
	DefaultJobTimeout = 360 * time.Minute
	// CleanupTimeout bounds a step that runs after the job was cancelled or
	// timed out, unless the step sets its own timeout.
	CleanupTimeout = 5 * time.Minute
)

// TimeoutError is returned when a step or a job exceeds its timeout.
type TimeoutError struct {
	Scope string
	Name  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %q exceeded the maximum execution time of %s", e.Scope, e.Name, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

type Config struct {
	Workflow *models.Workflow
	Job      *models.Job
	// InstanceName is the display name of the job instance, e.g. "build (11, 5.15)".
	InstanceName string
	// Context holds every namespace except steps and env, which the
	// executor maintains itself.
	Context *expr.Context

	Runner    runner.Runner
	Workspace string
	TempDir   string

	Cache     *cache.Cache
	Artifacts artifacts.ArtifactManager
	Masker    *secrets.Masker
	Output    io.Writer
	Metrics   metrics.Recorder

	OnStepFinished func(StepResult)
}

type StepResult struct {
	ID         string
	Name       string
	Outcome    models.Result
	Conclusion models.Result
	Outputs    map[string]string
	Started    time.Time
	Finished   time.Time
	Err        error
}

type Result struct {
	Conclusion models.Result
	Outputs    map[string]string
	Steps      []StepResult
	// Err is the first error that decided the conclusion.
	Err error
}

type jobRun struct {
	cfg Config
	log *log.Logger
	out *secrets.Writer

	status    expr.Status
	steps     map[string]any
	githubEnv map[string]string
	paths     []string
	posts     []post
	err       error

	// deadline is the job timeout. Time spent in steps with their own
	// timeout-minutes is added back to it.
	deadline time.Time
}

// Run executes the steps of cfg.Job in order. Cancelling ctx skips the
// remaining steps except those whose condition still holds, such as
// always(), which run under a fresh context.
func Run(ctx context.Context, cfg Config) *Result {
	if cfg.Masker == nil {
		cfg.Masker = secrets.NewMasker()
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Context == nil {
		cfg.Context = &expr.Context{}
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = cfg.Job.DisplayName()
	}

	j := &jobRun{
		cfg:       cfg,
		log:       utils.LoggerFrom(ctx).With("job", cfg.InstanceName),
		out:       cfg.Masker.Writer(cfg.Output),
		steps:     make(map[string]any),
		githubEnv: make(map[string]string),
	}
	defer j.out.Flush()
	return j.run(ctx)
}

func (j *jobRun) run(ctx context.Context) *Result {
	res := &Result{Outputs: make(map[string]string)}

	j.deadline = time.Now().Add(j.jobTimeout().Limit)

	base, err := j.baseEnv()
	if err != nil {
		res.Conclusion = models.ResultFailure
		res.Err = err
		fmt.Fprintf(j.out, "Error: %v\n", err)
		return res
	}

	for i := range j.cfg.Job.Steps {
		j.observe(ctx)
		jobCtx, cancel := context.WithDeadline(ctx, j.deadline)
		sr := j.runStep(ctx, jobCtx, &j.cfg.Job.Steps[i], i, base)
		cancel()
		res.Steps = append(res.Steps, sr)
	}
	j.observe(ctx)

	for i := len(j.posts) - 1; i >= 0; i-- {
		p := j.posts[i]
		if !j.status.Success() {
			continue
		}
		pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
		fmt.Fprintf(j.out, "%s\n", p.name)
		if err := p.run(pctx); err != nil {
			j.log.Warn("post step failed", "step", p.name, "err", err)
		}
		pcancel()
	}

	outputs, err := j.jobOutputs(base)
	switch {
	case err != nil && j.status.Success():
		j.status.Failure = true
		j.fail(err)
		fmt.Fprintf(j.out, "Error: %v\n", err)
	case err != nil:
		j.log.Debug("job outputs not resolved", "err", err)
	}
	res.Outputs = outputs

	switch {
	case j.status.Cancelled:
		res.Conclusion = models.ResultCancelled
	case j.status.Failure:
		res.Conclusion = models.ResultFailure
	default:
		res.Conclusion = models.ResultSuccess
	}
	res.Err = j.err
	return res
}

// observe records cancellation and job timeout at a step boundary.
func (j *jobRun) observe(ctx context.Context) {
	switch {
	case ctx.Err() != nil:
		if !j.status.Cancelled {
			j.log.Info("job cancelled")
			j.fail(ctx.Err())
		}
		j.status.Cancelled = true
	case !time.Now().Before(j.deadline):
		if !j.status.Failure {
			j.fail(j.jobTimeout())
		}
		j.status.Failure = true
	}
}

func (j *jobRun) fail(err error) {
	if j.err == nil {
		j.err = err
	}
}

func (j *jobRun) runStep(ctx, jobCtx context.Context, step *models.Step, index int, base map[string]string) StepResult {
	sr := StepResult{
		ID:      step.ID,
		Name:    step.DisplayName(),
		Outputs: make(map[string]string),
		Started: time.Now(),
	}
	defer func() {
		sr.Finished = time.Now()
		if sr.Outcome != models.ResultSkipped {
			j.cfg.Metrics.ObserveStepDuration(j.cfg.Job.ID, string(sr.Conclusion), sr.Finished.Sub(sr.Started))
		}
		j.record(sr)
		if j.cfg.OnStepFinished != nil {
			j.cfg.OnStepFinished(sr)
		}
	}()

	env := j.stepEnv(base, nil)
	ok, err := expr.Condition(step.If, j.exprContext(env))
	if err != nil {
		j.finish(&sr, models.ResultFailure, step, err)
		return sr
	}
	if !ok {
		sr.Outcome, sr.Conclusion = models.ResultSkipped, models.ResultSkipped
		j.log.Debug("step skipped", "step", sr.Name)
		return sr
	}

	// A step that still runs after cancellation or job timeout gets a fresh
	// context so cleanup can complete.
	cleanup := j.status.Cancelled || jobCtx.Err() != nil
	parent := jobCtx
	limit := time.Duration(0)
	if step.TimeoutMinutes > 0 {
		limit = minutes(step.TimeoutMinutes)
		parent = ctx
	}
	if cleanup {
		parent = context.WithoutCancel(ctx)
		if limit == 0 {
			limit = CleanupTimeout
		}
	}
	stepCtx, cancel := parent, context.CancelFunc(func() {})
	if limit > 0 {
		stepCtx, cancel = context.WithTimeout(parent, limit)
	}
	defer cancel()

	fmt.Fprintf(j.out, "Run %s\n", sr.Name)
	started := time.Now()
	err = j.exec(stepCtx, step, index, base, sr.Outputs)
	if step.TimeoutMinutes > 0 && !cleanup {
		j.deadline = j.deadline.Add(time.Since(started))
	}

	switch {
	case err == nil:
		j.finish(&sr, models.ResultSuccess, step, nil)
	case !cleanup && ctx.Err() != nil:
		j.finish(&sr, models.ResultCancelled, step, err)
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		if limit > 0 {
			err = &TimeoutError{Scope: "step", Name: sr.Name, Limit: limit}
		} else {
			err = j.jobTimeout()
		}
		j.finish(&sr, models.ResultFailure, step, err)
	default:
		j.finish(&sr, models.ResultFailure, step, err)
	}
	return sr
}

func (j *jobRun) jobTimeout() *TimeoutError {
	limit := DefaultJobTimeout
	if j.cfg.Job.TimeoutMinutes > 0 {
		limit = minutes(j.cfg.Job.TimeoutMinutes)
	}
	return &TimeoutError{Scope: "job", Name: j.cfg.InstanceName, Limit: limit}
}

// finish sets the step outcome and conclusion and folds them into the job
// status.
func (j *jobRun) finish(sr *StepResult, outcome models.Result, step *models.Step, err error) {
	sr.Outcome, sr.Conclusion, sr.Err = outcome, outcome, err
	switch outcome {
	case models.ResultFailure:
		fmt.Fprintf(j.out, "Error: %v\n", err)
		if step.ContinueOnError {
			sr.Conclusion = models.ResultSuccess
			j.log.Warn("step failed, continuing", "step", sr.Name, "err", err)
			return
		}
		j.status.Failure = true
		j.fail(fmt.Errorf("step %s: %w", sr.Name, err))
		j.log.Error("step failed", "step", sr.Name, "err", err)
	case models.ResultCancelled:
		j.status.Cancelled = true
		j.fail(err)
		j.log.Info("step cancelled", "step", sr.Name)
	default:
		j.log.Debug("step finished", "step", sr.Name, "conclusion", sr.Conclusion)
	}
}

// record publishes the step under steps.<id>.
func (j *jobRun) record(sr StepResult) {
	if sr.ID == "" {
		return
	}
	outputs := make(map[string]any, len(sr.Outputs))
	for k, v := range sr.Outputs {
		outputs[k] = v
	}
	j.steps[sr.ID] = map[string]any{
		"outputs":    outputs,
		"outcome":    string(sr.Outcome),
		"conclusion": string(sr.Conclusion),
	}
}

func (j *jobRun) exec(ctx context.Context, step *models.Step, index int, base map[string]string, outputs map[string]string) error {
	fc, err := newFileCommands(j.cfg.TempDir, fmt.Sprintf("%s_%d", uuid.NewString()[:8], index))
	if err != nil {
		return err
	}
	defer fc.remove()

	env, err := j.interpolateEnv(base, step.Env)
	if err != nil {
		return err
	}
	ectx := j.exprContext(env)
	for k, v := range j.defaultEnv(fc, step) {
		env[k] = v
	}

	if step.Uses != "" {
		err = j.action(ctx, step, ectx, outputs)
	} else {
		err = j.script(ctx, step, ectx, env, outputs)
	}
	if ferr := j.applyFileCommands(fc, outputs); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (j *jobRun) script(ctx context.Context, step *models.Step, ectx *expr.Context, env map[string]string, outputs map[string]string) error {
	body, err := expr.Interpolate(step.Run, ectx)
	if err != nil {
		return err
	}

	shell := firstNonEmpty(step.Shell, j.cfg.Job.Defaults.Run.Shell, j.workflowDefaults().Shell, j.cfg.Runner.DefaultShell())
	path := filepath.Join(j.cfg.TempDir, uuid.NewString()+scriptExt(shell))
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return err
	}
	defer os.Remove(path)

	dir, err := expr.Interpolate(firstNonEmpty(step.WorkingDirectory, j.cfg.Job.Defaults.Run.WorkingDirectory, j.workflowDefaults().WorkingDirectory), ectx)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(j.cfg.Workspace, dir)
	}

	cw := newCommandWriter(j.out, j.cfg.Masker, j.log)
	err = j.cfg.Runner.Run(ctx, runner.Command{
		Argv:   shellArgv(shell, j.cfg.Runner.ContainerPath(path)),
		Env:    envList(env),
		Dir:    j.cfg.Runner.ContainerPath(dir),
		Stdout: cw,
		Stderr: j.out,
	})
	if ferr := cw.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	for k, v := range cw.outputs {
		outputs[k] = v
	}
	return err
}

func (j *jobRun) action(ctx context.Context, step *models.Step, ectx *expr.Context, outputs map[string]string) error {
	fn, err := lookupAction(step.Uses)
	if err != nil {
		return err
	}

	with := make(map[string]string, len(step.With))
	for k, v := range step.With {
		if with[k], err = expr.Interpolate(v, ectx); err != nil {
			return fmt.Errorf("with.%s: %w", k, err)
		}
	}

	return fn(ctx, &ActionContext{
		Uses:      step.Uses,
		With:      with,
		Workspace: j.cfg.Workspace,
		Cache:     j.cfg.Cache,
		Artifacts: j.cfg.Artifacts,
		Metrics:   j.cfg.Metrics,
		Log:       j.log,
		Output:    j.out,
		outputs:   outputs,
		posts:     &j.posts,
	})
}

// applyFileCommands reads what the step appended to GITHUB_OUTPUT,
// GITHUB_ENV and GITHUB_PATH.
func (j *jobRun) applyFileCommands(fc *fileCommands, outputs map[string]string) error {
	out, _, err := parseKeyValues(fc.output)
	if err != nil {
		return err
	}
	for k, v := range out {
		outputs[k] = v
	}

	env, _, err := parseKeyValues(fc.env)
	if err != nil {
		return err
	}
	for k, v := range env {
		j.githubEnv[k] = v
	}

	paths, err := readLines(fc.path)
	if err != nil {
		return err
	}
	for _, p := range paths {
		j.paths = append([]string{p}, j.paths...)
	}
	return nil
}

func (j *jobRun) workflowDefaults() models.RunDefaults {
	if j.cfg.Workflow == nil {
		return models.RunDefaults{}
	}
	return j.cfg.Workflow.Defaults.Run
}

// baseEnv layers the workflow env under the job env.
func (j *jobRun) baseEnv() (map[string]string, error) {
	env := make(map[string]string)
	if j.cfg.Workflow != nil {
		var err error
		if env, err = j.interpolateEnv(env, j.cfg.Workflow.Env); err != nil {
			return nil, fmt.Errorf("workflow env: %w", err)
		}
	}
	env, err := j.interpolateEnv(env, j.cfg.Job.Env)
	if err != nil {
		return nil, fmt.Errorf("job env: %w", err)
	}
	return env, nil
}

// stepEnv returns base overlaid with GITHUB_ENV additions and then extra.
func (j *jobRun) stepEnv(base, extra map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(j.githubEnv)+len(extra))
	for _, layer := range []map[string]string{base, j.githubEnv, extra} {
		for k, v := range layer {
			env[k] = v
		}
	}
	return env
}

func (j *jobRun) interpolateEnv(base, layer map[string]string) (map[string]string, error) {
	env := j.stepEnv(base, nil)
	ectx := j.exprContext(env)
	for k, v := range layer {
		s, err := expr.Interpolate(v, ectx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		env[k] = s
	}
	return env, nil
}

func (j *jobRun) exprContext(env map[string]string) *expr.Context {
	c := j.cfg.Context.WithStatus(j.status)
	c.Env = make(map[string]any, len(env))
	for k, v := range env {
		c.Env[k] = v
	}
	c.Steps = make(map[string]any, len(j.steps))
	for k, v := range j.steps {
		c.Steps[k] = v
	}
	if c.Workspace == "" {
		c.Workspace = j.cfg.Workspace
	}
	return c
}

// defaultEnv returns the variables every step sees, with paths mapped into
// the runner.
func (j *jobRun) defaultEnv(fc *fileCommands, step *models.Step) map[string]string {
	r := j.cfg.Runner
	env := map[string]string{
		"CI":               "true",
		"GITHUB_ACTIONS":   "true",
		"GITHUB_JOB":       j.cfg.Job.ID,
		"GITHUB_ACTION":    step.ID,
		"GITHUB_WORKSPACE": r.ContainerPath(j.cfg.Workspace),
		"GITHUB_OUTPUT":    r.ContainerPath(fc.output),
		"GITHUB_ENV":       r.ContainerPath(fc.env),
		"GITHUB_PATH":      r.ContainerPath(fc.path),
		"RUNNER_TEMP":      r.ContainerPath(j.cfg.TempDir),
	}
	for key, name := range map[string]string{
		"ref":        "GITHUB_REF",
		"sha":        "GITHUB_SHA",
		"event_name": "GITHUB_EVENT_NAME",
		"actor":      "GITHUB_ACTOR",
		"repository": "GITHUB_REPOSITORY",
		"run_id":     "GITHUB_RUN_ID",
		"workflow":   "GITHUB_WORKFLOW",
	} {
		if v, ok := j.cfg.Context.Github[key]; ok {
			env[name] = expr.ToString(v)
		}
	}
	if len(j.paths) > 0 {
		env["PATH"] = strings.Join(j.paths, string(os.PathListSeparator)) + string(os.PathListSeparator) + r.SearchPath()
	}
	return env
}

// jobOutputs interpolates the declared job outputs against the final step
// state.
func (j *jobRun) jobOutputs(base map[string]string) (map[string]string, error) {
	outputs := make(map[string]string, len(j.cfg.Job.Outputs))
	ectx := j.exprContext(j.stepEnv(base, nil))

	names := make([]string, 0, len(j.cfg.Job.Outputs))
	for name := range j.cfg.Job.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		v, err := expr.Interpolate(j.cfg.Job.Outputs[name], ectx)
		if err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", name, err))
			continue
		}
		outputs[name] = v
	}
	return outputs, errors.Join(errs...)
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

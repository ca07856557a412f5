// Package scheduler dispatches job instances along the `needs` graph.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/matrix"
	"github.com/opnlabs/dotflow/pkg/metrics"
	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/store"
	"github.com/opnlabs/dotflow/pkg/utils"
)

type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

func stateOf(r models.Result) State {
	switch r {
	case models.ResultSuccess:
		return StateSucceeded
	case models.ResultFailure:
		return StateFailed
	case models.ResultCancelled:
		return StateCancelled
	}
	return StateSkipped
}

// Instance is one run of a job for one matrix combination.
type Instance struct {
	Job    *models.Job
	ID     string
	Name   string
	Index  int
	Total  int
	Matrix matrix.Combination

	State    State
	Result   models.Result
	Outputs  map[string]string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Outcome is what a RunFunc reports for an instance.
type Outcome struct {
	Result  models.Result
	Outputs map[string]string
	Err     error
}

// RunFunc executes one instance. c already holds the needs, matrix,
// strategy and job namespaces. Cancellation of ctx must be honoured at step
// boundaries.
type RunFunc func(ctx context.Context, inst *Instance, c *expr.Context) Outcome

type JobResult struct {
	Result    models.Result
	Outputs   map[string]string
	Instances []*Instance
}

type Options struct {
	// MaxParallel caps running instances across all jobs. 0 is unbounded.
	MaxParallel int
	// Context is the base expression context for every job.
	Context *expr.Context
	// Outputs receives instance outputs under instances/<id>/<name> and job
	// outputs under jobs/<job>/<name>.
	Outputs store.Store
	Metrics metrics.Recorder
	// OnStateChange is called, serialized, on every instance transition.
	OnStateChange func(Instance)
}

type Scheduler struct {
	wf    *models.Workflow
	graph *Graph
	run   RunFunc
	opts  Options

	global *semaphore.Weighted
	notify sync.Mutex

	mu      sync.Mutex
	results map[string]*JobResult
}

// New validates the dependency graph of wf. A *DependencyError means no
// instance will ever be dispatched.
func New(wf *models.Workflow, run RunFunc, opts Options) (*Scheduler, error) {
	g, err := NewGraph(wf.Jobs)
	if err != nil {
		return nil, err
	}
	if opts.Context == nil {
		opts.Context = &expr.Context{}
	}
	if opts.Outputs == nil {
		opts.Outputs = store.NewMemStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	s := &Scheduler{
		wf:      wf,
		graph:   g,
		run:     run,
		opts:    opts,
		results: make(map[string]*JobResult),
	}
	if opts.MaxParallel > 0 {
		s.global = semaphore.NewWeighted(int64(opts.MaxParallel))
	}
	return s, nil
}

// Run dispatches every job once its needs are terminal and returns the
// result per job id. Cancelling ctx cancels running instances; jobs not yet
// started end cancelled unless their condition still holds.
func (s *Scheduler) Run(ctx context.Context) map[string]*JobResult {
	done := make(map[string]chan struct{}, len(s.wf.Jobs))
	for _, j := range s.wf.Jobs {
		done[j.ID] = make(chan struct{})
	}

	var eg errgroup.Group
	for _, id := range s.graph.Order() {
		job, _ := s.wf.Job(id)
		eg.Go(func() error {
			defer close(done[job.ID])
			for _, need := range s.graph.Dependencies(job.ID) {
				<-done[need]
			}
			res := s.runJob(ctx, job)
			s.mu.Lock()
			s.results[job.ID] = res
			s.mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return s.results
}

// Result returns the aggregate over all jobs.
func Result(results map[string]*JobResult) models.Result {
	rs := make([]models.Result, 0, len(results))
	for _, r := range results {
		rs = append(rs, r.Result)
	}
	if len(rs) == 0 {
		return models.ResultSuccess
	}
	return models.Aggregate(rs...)
}

func (s *Scheduler) needs(job *models.Job) (map[string]any, expr.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needs := make(map[string]any, len(job.Needs))
	var status expr.Status
	for _, id := range s.graph.Dependencies(job.ID) {
		r := s.results[id]
		outputs := make(map[string]any, len(r.Outputs))
		for k, v := range r.Outputs {
			outputs[k] = v
		}
		needs[id] = map[string]any{"result": string(r.Result), "outputs": outputs}

		switch r.Result {
		case models.ResultFailure:
			status.Failure = true
		case models.ResultCancelled, models.ResultSkipped:
			status.Skipped = true
		}
	}
	return needs, status
}

func (s *Scheduler) runJob(ctx context.Context, job *models.Job) *JobResult {
	logger := utils.LoggerFrom(ctx).With("job", job.ID)

	needs, status := s.needs(job)
	status.Cancelled = ctx.Err() != nil
	base := s.opts.Context.WithStatus(status)
	base.Needs = needs

	ok, err := expr.Condition(job.If, base)
	if err != nil || !ok {
		inst := &Instance{Job: job, ID: job.ID, Name: job.DisplayName(), Total: 1, Err: err}
		s.transition(inst, StatePending)
		res := models.ResultSkipped
		switch {
		case err != nil:
			logger.Error("job condition failed", "err", err)
			res = models.ResultFailure
		case status.Cancelled:
			res = models.ResultCancelled
		default:
			logger.Info("job skipped", "if", job.If)
		}
		s.finish(inst, Outcome{Result: res, Err: err})
		return &JobResult{Result: res, Outputs: map[string]string{}, Instances: []*Instance{inst}}
	}

	combos := []matrix.Combination{{}}
	if job.Strategy != nil {
		combos, err = s.expand(job, base)
		if err != nil {
			logger.Error("matrix expansion failed", "err", err)
			inst := &Instance{Job: job, ID: job.ID, Name: job.DisplayName(), Total: 1}
			s.transition(inst, StatePending)
			s.finish(inst, Outcome{Result: models.ResultFailure, Err: err})
			return &JobResult{Result: models.ResultFailure, Outputs: map[string]string{}, Instances: []*Instance{inst}}
		}
	}

	instances := make([]*Instance, len(combos))
	for i, c := range combos {
		instances[i] = &Instance{
			Job:    job,
			ID:     matrix.InstanceID(job.ID, i, len(combos), c),
			Name:   matrix.InstanceName(job.DisplayName(), c),
			Index:  i,
			Total:  len(combos),
			Matrix: c,
		}
		s.transition(instances[i], StatePending)
	}
	s.runGroup(ctx, job, base, instances)

	return s.collect(ctx, job, instances)
}

func (s *Scheduler) expand(job *models.Job, c *expr.Context) ([]matrix.Combination, error) {
	m, err := matrix.Resolve(job.Strategy.Matrix, c)
	if err != nil {
		return nil, err
	}
	return matrix.Expand(m)
}

// runGroup runs the instances of one job. With fail-fast, the first failure
// cancels the siblings that are still waiting or running.
func (s *Scheduler) runGroup(ctx context.Context, job *models.Job, base *expr.Context, instances []*Instance) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := int64(len(instances))
	if job.Strategy != nil && job.Strategy.MaxParallel > 0 {
		limit = int64(job.Strategy.MaxParallel)
	}
	group := semaphore.NewWeighted(limit)
	failFast := job.Strategy.FailFastEnabled() && !job.ContinueOnError

	var eg errgroup.Group
	for _, inst := range instances {
		inst := inst
		s.transition(inst, StateReady)
		eg.Go(func() error {
			if err := group.Acquire(groupCtx, 1); err != nil {
				s.finish(inst, Outcome{Result: models.ResultCancelled, Err: err})
				return nil
			}
			defer group.Release(1)
			if s.global != nil {
				if err := s.global.Acquire(groupCtx, 1); err != nil {
					s.finish(inst, Outcome{Result: models.ResultCancelled, Err: err})
					return nil
				}
				defer s.global.Release(1)
			}
			if err := groupCtx.Err(); err != nil {
				s.finish(inst, Outcome{Result: models.ResultCancelled, Err: err})
				return nil
			}

			c := base.Clone()
			c.Matrix = inst.Matrix.Map()
			c.Strategy = map[string]any{
				"fail-fast":    job.Strategy.FailFastEnabled(),
				"job-index":    float64(inst.Index),
				"job-total":    float64(inst.Total),
				"max-parallel": float64(limit),
			}
			c.Job = map[string]any{"status": string(models.ResultSuccess)}

			inst.Started = time.Now()
			s.transition(inst, StateRunning)
			s.opts.Metrics.IncJobsStarted(job.ID)

			out := s.run(groupCtx, inst, c)
			s.finish(inst, out)
			s.opts.Metrics.IncJobsCompleted(job.ID, string(out.Result))
			s.opts.Metrics.ObserveJobDuration(job.ID, inst.Finished.Sub(inst.Started))

			if out.Result == models.ResultFailure && failFast && len(instances) > 1 {
				utils.LoggerFrom(ctx).Warn("fail-fast: cancelling remaining instances", "job", job.ID, "failed", inst.Name)
				cancel()
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (s *Scheduler) finish(inst *Instance, out Outcome) {
	inst.Result = out.Result
	inst.Outputs = out.Outputs
	if inst.Outputs == nil {
		inst.Outputs = map[string]string{}
	}
	inst.Err = out.Err
	inst.Finished = time.Now()
	s.transition(inst, stateOf(out.Result))
}

func (s *Scheduler) transition(inst *Instance, state State) {
	s.notify.Lock()
	defer s.notify.Unlock()
	inst.State = state
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(*inst)
	}
}

// collect aggregates instance results and merges outputs by instance index,
// so the highest index writing a name wins.
func (s *Scheduler) collect(ctx context.Context, job *models.Job, instances []*Instance) *JobResult {
	res := &JobResult{Outputs: make(map[string]string), Instances: instances}

	results := make([]models.Result, 0, len(instances))
	for _, inst := range instances {
		results = append(results, inst.Result)
		for k, v := range inst.Outputs {
			if err := s.opts.Outputs.Set(fmt.Sprintf("instances/%s/%s", inst.ID, k), v); err != nil {
				utils.LoggerFrom(ctx).Warn("instance output already recorded", "instance", inst.ID, "output", k)
			}
			if v != "" {
				res.Outputs[k] = v
			}
		}
	}
	for k, v := range res.Outputs {
		_ = s.opts.Outputs.Set(fmt.Sprintf("jobs/%s/%s", job.ID, k), v)
	}

	res.Result = models.Aggregate(results...)
	if res.Result == models.ResultFailure && job.ContinueOnError {
		res.Result = models.ResultSuccess
	}
	return res
}

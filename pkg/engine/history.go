package engine

import (
	"context"
	"sort"

	"github.com/opnlabs/dotflow/pkg/history"
	"github.com/opnlabs/dotflow/pkg/scheduler"
	"github.com/opnlabs/dotflow/pkg/utils"
)

// History writes are best effort: a failing database never fails a run.

func (r *run) startHistory(ctx context.Context, out *Run) {
	h := r.e.opts.History
	if h == nil {
		return
	}
	err := h.StartRun(context.WithoutCancel(ctx), &history.Run{
		RunID:     r.id,
		Workflow:  workflowName(r.wf),
		Path:      r.wf.Path,
		Event:     r.ev.Name,
		Ref:       r.ev.Ref,
		SHA:       r.ev.SHA,
		Result:    "running",
		StartedAt: out.Started,
	})
	if err != nil {
		utils.LoggerFrom(ctx).Warn("unable to record run", "err", err)
	}
}

func (r *run) finishHistory(ctx context.Context, out *Run) {
	h := r.e.opts.History
	if h == nil {
		return
	}
	if err := h.FinishRun(context.WithoutCancel(ctx), r.id, string(out.Result), out.Finished); err != nil {
		utils.LoggerFrom(ctx).Warn("unable to record run result", "err", err)
	}
}

func (r *run) saveInstances(ctx context.Context, jobs map[string]*scheduler.JobResult) {
	h := r.e.opts.History
	if h == nil {
		return
	}
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, jobID := range ids {
		for _, inst := range jobs[jobID].Instances {
			id := r.prefix + inst.ID
			rec := history.Instance{
				RunID:      r.id,
				InstanceID: id,
				Job:        r.prefix + jobID,
				Name:       inst.Name,
				Result:     string(inst.Result),
				StartedAt:  inst.Started,
				FinishedAt: inst.Finished,
			}
			if inst.Err != nil {
				rec.Error = r.masker.Redact(inst.Err.Error())
			}
			if log := r.records.get(id); log != nil {
				log.mu.Lock()
				rec.Log = log.log.String()
				for i, s := range log.steps {
					step := history.Step{
						Position:   i,
						StepID:     s.ID,
						Name:       s.Name,
						Outcome:    string(s.Outcome),
						Conclusion: string(s.Conclusion),
						StartedAt:  s.Started,
						FinishedAt: s.Finished,
					}
					if s.Err != nil {
						step.Error = r.masker.Redact(s.Err.Error())
					}
					rec.Steps = append(rec.Steps, step)
				}
				log.mu.Unlock()
			}
			if err := h.SaveInstance(context.WithoutCancel(ctx), &rec); err != nil {
				utils.LoggerFrom(ctx).Warn("unable to record job", "job", id, "err", err)
			}
		}
	}
}

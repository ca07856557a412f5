package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opnlabs/dotflow/pkg/models"
)

// FireFunc receives the schedule event for a workflow.
type FireFunc func(wf *models.Workflow, ev models.Event)

// Watcher fires schedule events for the `on.schedule` entries of the
// workflows added to it.
type Watcher struct {
	cron *cron.Cron
	loc  *time.Location
	fire FireFunc

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

func NewWatcher(loc *time.Location, fire FireFunc) *Watcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Watcher{
		cron:    cron.New(cron.WithLocation(loc)),
		loc:     loc,
		fire:    fire,
		entries: make(map[string][]cron.EntryID),
	}
}

// Add registers the schedules of wf, replacing any previous registration of
// the same workflow path. It returns the number of schedules.
func (w *Watcher) Add(wf *models.Workflow) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range w.entries[wf.Path] {
		w.cron.Remove(id)
	}
	delete(w.entries, wf.Path)

	var ids []cron.EntryID
	for _, s := range wf.On.Schedule {
		spec := s.Cron
		id, err := w.cron.AddFunc(spec, func() {
			w.fire(wf, models.Event{Name: "schedule", Schedule: spec, Time: time.Now()})
		})
		if err != nil {
			for _, id := range ids {
				w.cron.Remove(id)
			}
			return 0, fmt.Errorf("schedule %q: %w", spec, err)
		}
		ids = append(ids, id)
	}
	w.entries[wf.Path] = ids
	return len(ids), nil
}

// Every runs fn on the cron expression spec until the watcher stops.
func (w *Watcher) Every(spec string, fn func()) error {
	if _, err := w.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// Next returns the next time a schedule of any workflow fires.
func (w *Watcher) Next() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().In(w.loc)
	var next time.Time
	for _, ids := range w.entries {
		for _, id := range ids {
			e := w.cron.Entry(id)
			if !e.Valid() {
				continue
			}
			if n := e.Schedule.Next(now); next.IsZero() || n.Before(next) {
				next = n
			}
		}
	}
	return next
}

func (w *Watcher) Start() { w.cron.Start() }

// Stop stops the watcher. The returned context is done once running fire
// callbacks have returned.
func (w *Watcher) Stop() context.Context { return w.cron.Stop() }

// Package trigger decides whether an event activates a workflow.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"

	"github.com/opnlabs/dotflow/pkg/models"
)

var (
	ErrNotActivated = errors.New("trigger: workflow not activated by event")
	ErrInvalidInput = errors.New("trigger: invalid input")
)

// Default activity types of a pull_request trigger without `types`.
var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// Activation is the result of a matching event.
type Activation struct {
	Event string
	// Inputs are the coerced workflow_dispatch or workflow_call inputs.
	Inputs map[string]any
}

// Match checks ev against the `on` section of wf.
func Match(wf *models.Workflow, ev models.Event) (Activation, error) {
	if !wf.On.Has(ev.Name) {
		return Activation{}, fmt.Errorf("%w: %s is not declared", ErrNotActivated, ev.Name)
	}
	act := Activation{Event: ev.Name, Inputs: map[string]any{}}

	switch ev.Name {
	case "push":
		if reason := matchPush(wf.On.Push, ev); reason != "" {
			return Activation{}, fmt.Errorf("%w: %s", ErrNotActivated, reason)
		}
	case "pull_request":
		if reason := matchPullRequest(wf.On.PullRequest, ev); reason != "" {
			return Activation{}, fmt.Errorf("%w: %s", ErrNotActivated, reason)
		}
	case "schedule":
		ok, err := matchSchedule(wf.On.Schedule, ev)
		if err != nil {
			return Activation{}, err
		}
		if !ok {
			return Activation{}, fmt.Errorf("%w: no schedule fires at %s", ErrNotActivated, ev.Time.Format(time.RFC3339))
		}
	case "workflow_dispatch":
		inputs, err := Inputs(wf.On.WorkflowDispatch.Inputs, ev.Inputs)
		if err != nil {
			return Activation{}, err
		}
		act.Inputs = inputs
	case "workflow_call":
		inputs, err := Inputs(wf.On.WorkflowCall.Inputs, ev.Inputs)
		if err != nil {
			return Activation{}, err
		}
		act.Inputs = inputs
	}
	return act, nil
}

func matchPush(f *models.RefFilter, ev models.Event) string {
	if f == nil {
		return ""
	}
	if reason := matchRef(f, ev.Ref); reason != "" {
		return reason
	}
	return matchPaths(f, ev.ChangedPaths)
}

func matchPullRequest(f *models.RefFilter, ev models.Event) string {
	if f == nil {
		f = &models.RefFilter{}
	}
	types := f.Types
	if len(types) == 0 {
		types = defaultPullRequestTypes
	}
	if ev.Action != "" && !contains(types, ev.Action) {
		return fmt.Sprintf("activity type %s is not one of %s", ev.Action, strings.Join(types, ", "))
	}
	// branch filters apply to the base branch of a pull request
	ref := ev.BaseRef
	if ref != "" && !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	if ref != "" {
		if reason := matchRef(&models.RefFilter{Branches: f.Branches, BranchesIgnore: f.BranchesIgnore}, ref); reason != "" {
			return reason
		}
	}
	return matchPaths(f, ev.ChangedPaths)
}

// matchRef applies branch and tag filters. Declaring only branch filters
// excludes tags and the other way around.
func matchRef(f *models.RefFilter, ref string) string {
	hasBranch := len(f.Branches) > 0 || len(f.BranchesIgnore) > 0
	hasTag := len(f.Tags) > 0 || len(f.TagsIgnore) > 0
	if !hasBranch && !hasTag {
		return ""
	}

	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		if !hasBranch {
			return "branch pushes are not selected"
		}
		return matchName("branch", strings.TrimPrefix(ref, "refs/heads/"), f.Branches, f.BranchesIgnore)
	case strings.HasPrefix(ref, "refs/tags/"):
		if !hasTag {
			return "tag pushes are not selected"
		}
		return matchName("tag", strings.TrimPrefix(ref, "refs/tags/"), f.Tags, f.TagsIgnore)
	}
	return fmt.Sprintf("ref %q is neither a branch nor a tag", ref)
}

func matchName(kind, name string, include, ignore []string) string {
	if len(include) > 0 && !Filter(include, name) {
		return fmt.Sprintf("%s %s does not match %s filters", kind, name, kind)
	}
	if len(ignore) > 0 && Filter(ignore, name) {
		return fmt.Sprintf("%s %s is ignored", kind, name)
	}
	return ""
}

// matchPaths requires one changed path to match `paths` and one changed path
// not to match `paths-ignore`. Events without path information pass.
func matchPaths(f *models.RefFilter, changed []string) string {
	if len(changed) == 0 {
		return ""
	}
	if len(f.Paths) > 0 {
		for _, p := range changed {
			if Filter(f.Paths, p) {
				return ""
			}
		}
		return "no changed path matches the paths filter"
	}
	if len(f.PathsIgnore) > 0 {
		for _, p := range changed {
			if !Filter(f.PathsIgnore, p) {
				return ""
			}
		}
		return "every changed path is ignored"
	}
	return ""
}

// Filter evaluates glob patterns in order against name. A pattern prefixed
// with `!` excludes what earlier patterns included, so the last matching
// pattern decides.
func Filter(patterns []string, name string) bool {
	matched := false
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			matched = !negate
		}
	}
	return matched
}

// matchSchedule reports whether ev was produced by one of the declared
// schedules, either by cron string or by firing within the minute of ev.Time.
func matchSchedule(schedules []models.Schedule, ev models.Event) (bool, error) {
	minute := ev.Time.Truncate(time.Minute)
	for _, s := range schedules {
		if ev.Schedule != "" && ev.Schedule == s.Cron {
			return true, nil
		}
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return false, fmt.Errorf("schedule %q: %w", s.Cron, err)
		}
		if ev.Schedule == "" && !ev.Time.IsZero() && sched.Next(minute.Add(-time.Second)).Equal(minute) {
			return true, nil
		}
	}
	return false, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

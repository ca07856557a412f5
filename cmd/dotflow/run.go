package dotflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opnlabs/dotflow/pkg/config"
	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/scheduler"
	"github.com/opnlabs/dotflow/pkg/trigger"
	"github.com/opnlabs/dotflow/pkg/utils"
)

var (
	baseRef      string
	headRef      string
	action       string
	schedule     string
	changedPaths []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow for an event",
	Long: `Run checks that the event activates the workflow and runs its jobs.
The exit status is non-zero unless every job concludes success or skipped.`,
	Args: cobra.NoArgs,
	RunE: runWorkflow,
}

func addRunFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringP("event", "e", "", "Event name: push, pull_request, schedule, workflow_dispatch")
	pf.String("ref", "", "Git ref of the event, e.g. refs/heads/main")
	pf.String("sha", "", "Commit SHA of the event")
	pf.String("actor", "", "User that triggered the event")
	pf.String("repository", "", "Repository as owner/name")
	pf.IntP("max-parallel", "j", 0, "Maximum number of job instances running at once (0 is unbounded)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	pf.Bool("history", true, "Record the run in the history database")
	pf.StringArrayP("secret", "s", nil, "Secret available as secrets.KEY. KEY=VALUE")
	pf.StringArray("var", nil, "Variable available as vars.KEY. KEY=VALUE")
	pf.StringArrayP("input", "i", nil, "workflow_dispatch input. KEY=VALUE")

	pf.StringVar(&baseRef, "base-ref", "", "Target branch of a pull_request event")
	pf.StringVar(&headRef, "head-ref", "", "Source branch of a pull_request event")
	pf.StringVar(&action, "action", "opened", "Activity type of a pull_request event")
	pf.StringVar(&schedule, "schedule", "", "Cron expression of a schedule event")
	pf.StringSliceVar(&changedPaths, "changed-path", nil, "Changed file, for paths filters. Repeatable")

	bind(pf, map[string]string{
		"event":        "event",
		"ref":          "ref",
		"sha":          "sha",
		"actor":        "actor",
		"repository":   "repository",
		"max-parallel": "max-parallel",
		"metrics-addr": "metrics-addr",
		"history":      "history",
		"secret":       "secrets",
		"var":          "vars",
		"input":        "inputs",
	})
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := utils.LoggerFrom(ctx)

	wf, err := models.Load(cfg.Workflow)
	if err != nil {
		return err
	}

	d, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	run, err := d.engine.Run(ctx, wf, event(cfg))
	if errors.Is(err, trigger.ErrNotActivated) {
		logger.Info("workflow not activated", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	summary(cmd, run.Jobs)
	switch run.Result {
	case models.ResultSuccess, models.ResultSkipped:
		return nil
	}
	return fmt.Errorf("run %s concluded %s", run.ID, run.Result)
}

func event(c *config.Config) models.Event {
	ev := models.Event{
		Name:         c.Event,
		Ref:          c.Ref,
		SHA:          c.SHA,
		Actor:        c.Actor,
		Repository:   c.Repository,
		BaseRef:      baseRef,
		HeadRef:      headRef,
		Action:       action,
		ChangedPaths: changedPaths,
		Schedule:     schedule,
		Time:         time.Now(),
	}
	switch c.Event {
	case "workflow_dispatch", "workflow_call":
		ev.Inputs = c.Inputs
	}
	if ev.Repository == "" {
		if ws, err := filepath.Abs(c.Workspace); err == nil {
			ev.Repository = filepath.Base(ws)
		}
	}
	return ev
}

// summary prints one line per job instance in job order.
func summary(cmd *cobra.Command, jobs map[string]*scheduler.JobResult) {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tRESULT\tDURATION")
	for _, id := range ids {
		for _, inst := range jobs[id].Instances {
			d := "-"
			if !inst.Started.IsZero() {
				d = inst.Finished.Sub(inst.Started).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", inst.Name, inst.Result, d)
		}
	}
	_ = w.Flush()
}

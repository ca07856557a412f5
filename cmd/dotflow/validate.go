package dotflow

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/matrix"
	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/scheduler"
	"github.com/opnlabs/dotflow/pkg/trigger"
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow...]",
	Short: "Check workflow files without running them",
	Long: `Validate decodes each workflow file, checks the needs graph for unknown
jobs and cycles and parses every schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{cfg.Workflow}
		}
		var failed []string
		for _, path := range args {
			if err := validate(path); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				failed = append(failed, path)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
		}
		if len(failed) > 0 {
			return fmt.Errorf("invalid workflows: %s", strings.Join(failed, ", "))
		}
		return nil
	},
}

func validate(path string) error {
	wf, err := models.Load(path)
	if err != nil {
		return err
	}
	if _, err := scheduler.NewGraph(wf.Jobs); err != nil {
		return err
	}
	_, err = trigger.NewWatcher(time.UTC, func(*models.Workflow, models.Event) {}).Add(wf)
	return err
}

var matrixCmd = &cobra.Command{
	Use:   "matrix <job>",
	Short: "List the instances a job's matrix expands to",
	Long: `Matrix expands the strategy of a job. Matrices built from needs outputs
are only known at run time and cannot be listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := models.Load(cfg.Workflow)
		if err != nil {
			return err
		}
		job, ok := wf.Job(args[0])
		if !ok {
			return fmt.Errorf("job %q not found in %s", args[0], cfg.Workflow)
		}

		combos := []matrix.Combination{{}}
		if job.Strategy != nil {
			vars := make(map[string]any, len(cfg.Vars))
			for k, val := range cfg.Vars {
				vars[k] = val
			}
			m, err := matrix.Resolve(job.Strategy.Matrix, &expr.Context{Vars: vars, Inputs: cfg.Inputs})
			if err != nil {
				return fmt.Errorf("matrix of %s: %w", job.ID, err)
			}
			if combos, err = matrix.Expand(m); err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for i, c := range combos {
			fmt.Fprintf(w, "%s\t%s\n", matrix.InstanceID(job.ID, i, len(combos), c), matrix.InstanceName(job.DisplayName(), c))
		}
		return w.Flush()
	},
}

package dotflow

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyLogs  bool
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs or show the jobs and steps of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer h.Close()
		out := cmd.OutOrStdout()

		if historyPrune > 0 {
			n, err := h.Prune(ctx, time.Now().Add(-historyPrune))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pruned %d runs\n", n)
			return nil
		}

		if len(args) == 0 {
			runs, err := h.Runs(ctx, historyLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tWORKFLOW\tEVENT\tREF\tRESULT\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Workflow, r.Event, r.Ref, r.Result, r.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		}

		r, err := h.Run(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s (%s %s) %s\n\n", r.RunID, r.Workflow, r.Event, r.Ref, r.Result)
		for _, in := range r.Instances {
			fmt.Fprintf(out, "%s  %s\n", in.Name, in.Result)
			if in.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", in.Error)
			}
			for _, s := range in.Steps {
				fmt.Fprintf(out, "  %-40s %s", s.Name, s.Conclusion)
				if s.Outcome != s.Conclusion {
					fmt.Fprintf(out, " (outcome %s)", s.Outcome)
				}
				fmt.Fprintln(out)
			}
			if historyLogs && in.Log != "" {
				fmt.Fprintf(out, "\n%s\n", in.Log)
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.Flags().BoolVar(&historyLogs, "logs", false, "Print the masked log of every job")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete runs older than this, e.g. 720h")
}

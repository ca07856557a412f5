package dotflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opnlabs/dotflow/pkg/models"
	"github.com/opnlabs/dotflow/pkg/trigger"
	"github.com/opnlabs/dotflow/pkg/utils"
)

var watchCmd = &cobra.Command{
	Use:   "watch [workflow...]",
	Short: "Run workflows on their schedule until interrupted",
	Long: `Watch registers the on.schedule cron expressions of every workflow and
runs a workflow each time one of its schedules fires. Schedules use UTC.
The cache is evicted on cache.gc-schedule while watching.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := utils.LoggerFrom(ctx)
		if len(args) == 0 {
			args = []string{cfg.Workflow}
		}

		d, err := newDeps(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		w := trigger.NewWatcher(time.UTC, func(wf *models.Workflow, ev models.Event) {
			ev.Ref, ev.SHA, ev.Actor, ev.Repository = cfg.Ref, cfg.SHA, cfg.Actor, event(cfg).Repository
			run, err := d.engine.Run(ctx, wf, ev)
			switch {
			case errors.Is(err, trigger.ErrNotActivated), errors.Is(err, context.Canceled):
				return
			case err != nil:
				logger.Error("scheduled run failed", "workflow", wf.Path, "err", err)
				return
			}
			logger.Info("scheduled run finished", "workflow", wf.Path, "run", run.ID, "result", run.Result)
		})

		total := 0
		for _, path := range args {
			wf, err := models.Load(path)
			if err != nil {
				return err
			}
			n, err := w.Add(wf)
			if err != nil {
				return err
			}
			total += n
		}
		if total == 0 {
			return errors.New("no schedules found")
		}
		if err := w.Every(cfg.Cache.GCSchedule, func() { evictCache(ctx, d) }); err != nil {
			return fmt.Errorf("cache.gc-schedule: %w", err)
		}

		w.Start()
		logger.Info("watching schedules", "schedules", total, "next", w.Next().Format(time.RFC3339))
		<-ctx.Done()
		logger.Info("stopping, waiting for running workflows")
		<-w.Stop().Done()
		return nil
	},
}

func evictCache(ctx context.Context, d *deps) {
	logger := utils.LoggerFrom(ctx)
	removed, err := d.cache.Evict(ctx)
	if err != nil {
		logger.Warn("cache eviction failed", "err", err)
		return
	}
	if len(removed) > 0 {
		logger.Info("cache evicted", "entries", len(removed))
	}
}

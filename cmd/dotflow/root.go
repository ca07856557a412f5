package dotflow

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opnlabs/dotflow/pkg/config"
	"github.com/opnlabs/dotflow/pkg/utils"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dotflow",
	Short: "dotflow runs GitHub Actions style workflows locally",
	Long: `dotflow is a local first CI engine. It reads a workflow file
( default .github/workflows/ci.yml ), checks that the trigger event activates it,
expands job matrices and runs every job along its needs graph, on the host or
inside the job's container. Without a subcommand the workflow is run.`,
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger := utils.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		log.SetDefault(logger)
		cmd.SetContext(utils.WithLogger(cmd.Context(), logger))
		return nil
	},
	RunE: runWorkflow,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default .dotflow.yaml in the working directory or $HOME)")
	pf.StringP("workflow", "f", "", "Path to the workflow file")
	pf.StringP("workspace", "w", "", "Directory the jobs run in")
	pf.String("state-dir", "", "Directory for history, artifacts and temp files")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text, json or logfmt")
	pf.String("cache-backend", "", "Cache index backend: memory or redis")
	pf.String("cache-redis-url", "", "Redis URL for the redis cache backend")
	pf.String("blob-backend", "", "Blob store for caches and artifacts: fs or s3")
	pf.String("blob-bucket", "", "S3 bucket for the s3 blob backend")
	pf.String("blob-endpoint", "", "S3 compatible endpoint, e.g. a MinIO server")

	bind(pf, map[string]string{
		"workflow":        "workflow",
		"workspace":       "workspace",
		"state-dir":       "state-dir",
		"log-level":       "log.level",
		"log-format":      "log.format",
		"cache-backend":   "cache.backend",
		"cache-redis-url": "cache.redis-url",
		"blob-backend":    "blob.backend",
		"blob-bucket":     "blob.bucket",
		"blob-endpoint":   "blob.endpoint",
	})

	addRunFlags(rootCmd)
	rootCmd.AddCommand(runCmd, validateCmd, matrixCmd, cacheCmd, historyCmd, watchCmd, versionCmd)
}

// bind maps flag names to config keys. Only flags that are set override the
// file and environment.
func bind(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			log.Fatal("unable to bind flag", "flag", flag, "err", err)
		}
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

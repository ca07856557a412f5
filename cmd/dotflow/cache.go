package dotflow

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clean the cache of the repository",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, err := newBlobStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		c, closer, err := newCache(cfg, blobs)
		if err != nil {
			return err
		}
		defer closer()

		entries, err := c.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tCREATED\tLAST USED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Key, e.Size, e.CreatedAt.Format(time.RFC3339), e.LastAccess.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict entries unused for the TTL and trim the cache to its quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, err := newBlobStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		c, closer, err := newCache(cfg, blobs)
		if err != nil {
			return err
		}
		defer closer()

		removed, err := c.Evict(cmd.Context())
		for _, e := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s (%d bytes)\n", e.Key, e.Size)
		}
		return err
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheGCCmd)
}

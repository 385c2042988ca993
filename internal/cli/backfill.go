package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one embedding backfill pass on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, _ := cmd.Flags().GetStringSlice("type")

			api, err := opts.api()
			if err != nil {
				return err
			}
			resp, err := api.Backfill(cmd.Context(), ts)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format != "text" {
				if err := printJSON(out, resp); err != nil {
					return err
				}
			} else {
				names := make([]string, 0, len(resp.Stats))
				for t := range resp.Stats {
					names = append(names, string(t))
				}
				sort.Strings(names)
				for _, name := range names {
					st := resp.Stats[types.MemoryType(name)]
					fmt.Fprintf(out, "%-16s claimed %d, written %d, stale %d\n", name, st.Claimed, st.Written, st.Stale)
				}
			}
			if resp.Error != "" {
				return fmt.Errorf("backfill finished with errors: %s", resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceP("type", "t", nil, "Restrict to memory types")
	return cmd
}

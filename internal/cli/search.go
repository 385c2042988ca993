package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Long:  "Hybrid search over the owner's memories. Without a query, lists the most recent items.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, _ := cmd.Flags().GetStringSlice("type")
			modes, _ := cmd.Flags().GetStringSlice("mode")
			fields, _ := cmd.Flags().GetStringSlice("field")
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")

			api, err := opts.api()
			if err != nil {
				return err
			}
			hits, err := api.Search(cmd.Context(), apitypes.SearchRequest{
				Query:      strings.Join(args, " "),
				Types:      ts,
				Modes:      modes,
				Fields:     fields,
				Limit:      limit,
				PathPrefix: types.ParsePath(path),
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format != "text" {
				if hits == nil {
					hits = []apitypes.SearchHit{}
				}
				return printJSON(out, hits)
			}
			for _, h := range hits {
				if h.Item == nil {
					continue
				}
				v := mcptypes.NewItemView(h.Item, h.Score)
				fmt.Fprintf(out, "%.3f  %s  [%s] %s\n", v.Score, v.ID, v.Path, v.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceP("type", "t", nil, "Restrict to memory types")
	cmd.Flags().StringSliceP("mode", "m", nil, "Search modes: lexical, vector, string, fuzzy")
	cmd.Flags().StringSlice("field", nil, "Restrict to indexed fields")
	cmd.Flags().StringP("path", "p", "", "Only items under this category, e.g. work/apollo")
	cmd.Flags().IntP("limit", "l", 10, "Max results")
	return cmd
}

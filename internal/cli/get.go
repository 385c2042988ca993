package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			it, err := api.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format != "text" {
				return printJSON(out, it)
			}
			v := mcptypes.NewItemView(it, 0)
			fmt.Fprintf(out, "%s  %s  [%s]\n%s\n%s\n", v.ID, v.Type, v.Path, v.Title, types.SearchText(it.Payload))
			return nil
		},
	}
}

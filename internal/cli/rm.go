package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRmCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hard, _ := cmd.Flags().GetBool("hard")

			api, err := opts.api()
			if err != nil {
				return err
			}
			if err := api.Delete(cmd.Context(), args[0], hard); err != nil {
				return fmt.Errorf("rm: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q,"hard":%t}`+"\n", args[0], hard)
			return nil
		},
	}

	cmd.Flags().Bool("hard", false, "Permanent delete (irreversible)")
	return cmd
}

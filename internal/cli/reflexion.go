package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReflexionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reflexion",
		Short: "Start or inspect memory reorganization",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start a reflexion run for the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			res, err := api.TriggerReflexion(cmd.Context())
			if err != nil {
				return fmt.Errorf("reflexion: %w", err)
			}
			if opts.format == "text" {
				fmt.Fprintln(cmd.OutOrStdout(), res)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"result": res})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the owner's reflexion state and last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			st, err := api.ReflexionStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("reflexion status: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format != "text" {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "state: %s\n", st.State)
			if r := st.LastRun; r != nil {
				fmt.Fprintf(out, "last run: %s, applied %d of %d in %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Applied, r.Proposed, r.Duration)
				if r.Error != "" {
					fmt.Fprintf(out, "error: %s\n", r.Error)
				}
			}
			return nil
		},
	})
	return cmd
}

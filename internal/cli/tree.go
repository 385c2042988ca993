package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <type>",
		Short: "Show the category tree of a memory type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")

			t := types.MemoryType(args[0])
			if err := t.Validate(); err != nil {
				return err
			}
			api, err := opts.api()
			if err != nil {
				return err
			}
			n, err := api.Tree(cmd.Context(), t, prefix)
			if err != nil {
				return fmt.Errorf("tree: %w", err)
			}

			if opts.format != "text" {
				return printJSON(cmd.OutOrStdout(), n)
			}
			if n != nil {
				printTree(cmd.OutOrStdout(), n, 0)
			}
			return nil
		},
	}

	cmd.Flags().String("prefix", "", "Start at this category, e.g. work/apollo")
	return cmd
}

func printTree(w io.Writer, n *apitypes.TreeNode, depth int) {
	label := n.Label
	if len(n.Path) == 0 {
		label = "/"
	}
	fmt.Fprintf(w, "%s%s (%d)\n", strings.Repeat("  ", depth), label, n.Total)
	for _, c := range n.Children {
		printTree(w, c, depth+1)
	}
}

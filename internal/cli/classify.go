package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Classify and store a piece of content",
		Long:  "Files the text into every memory type it fits. Reads stdin when the text is \"-\" or omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			hint, _ := cmd.Flags().GetString("hint")
			dedup, _ := cmd.Flags().GetString("dedup-key")
			title, _ := cmd.Flags().GetString("title")
			actor, _ := cmd.Flags().GetString("actor")

			text := strings.Join(args, " ")
			if text == "" || text == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(b)
			}

			api, err := opts.api()
			if err != nil {
				return err
			}
			results, err := api.Classify(cmd.Context(), apitypes.ClassifyRequest{
				Text:       text,
				SourceHint: hint,
				DedupKey:   dedup,
				Title:      title,
				Actor:      actor,
			})
			if err != nil {
				return fmt.Errorf("classify: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format != "text" {
				return printJSON(out, results)
			}
			names := make([]string, 0, len(results))
			for t := range results {
				names = append(names, string(t))
			}
			sort.Strings(names)
			for _, name := range names {
				r := results[types.MemoryType(name)]
				switch {
				case r.Error != "":
					fmt.Fprintf(out, "%-16s error: %s\n", name, r.Error)
				case r.Created:
					fmt.Fprintf(out, "%-16s created %s [%s]\n", name, r.ID, types.FormatPath(r.TreePath))
				default:
					fmt.Fprintf(out, "%-16s updated %s [%s]\n", name, r.ID, types.FormatPath(r.TreePath))
				}
			}
			return nil
		},
	}

	cmd.Flags().String("hint", "", "Source hint: chat, document, screenshot, note")
	cmd.Flags().String("dedup-key", "", "Idempotency key")
	cmd.Flags().String("title", "", "Title for documents")
	cmd.Flags().String("actor", "", "Who produced the content")
	return cmd
}

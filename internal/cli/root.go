// Package cli implements the memctl operator commands. Every command talks
// to the central API through internal/client.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/client"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// API is the part of client.Client the commands use.
type API interface {
	Classify(ctx context.Context, req apitypes.ClassifyRequest) (map[types.MemoryType]apitypes.TypeResult, error)
	Search(ctx context.Context, req apitypes.SearchRequest) ([]apitypes.SearchHit, error)
	Get(ctx context.Context, id string) (*types.Item, error)
	Delete(ctx context.Context, id string, hard bool) error
	Tree(ctx context.Context, t types.MemoryType, prefix string) (*apitypes.TreeNode, error)
	TriggerReflexion(ctx context.Context) (string, error)
	ReflexionStatus(ctx context.Context) (*apitypes.ReflexionStatus, error)
	Backfill(ctx context.Context, ts []string) (*apitypes.BackfillResponse, error)
}

type rootOptions struct {
	apiURL string
	owner  string
	org    string
	format string

	// newAPI is swapped in tests.
	newAPI func(baseURL string, scope types.Scope) API
}

func (o *rootOptions) api() (API, error) {
	url := o.apiURL
	if url == "" {
		url = os.Getenv("ENGRAM_API_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("API URL required: use --api-url or ENGRAM_API_URL")
	}
	owner := o.owner
	if owner == "" {
		owner = os.Getenv("ENGRAM_OWNER_ID")
	}
	org := o.org
	if org == "" {
		org = os.Getenv("ENGRAM_ORGANIZATION_ID")
	}
	return o.newAPI(strings.TrimRight(url, "/"), types.Scope{OwnerID: owner, OrganizationID: org}), nil
}

// NewRootCmd builds the memctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{
		newAPI: func(baseURL string, scope types.Scope) API { return client.New(baseURL, scope) },
	}
	return newRootCmd(opts)
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "memctl",
		Short:         "Operate an engram memory server",
		Long:          "Search, inspect and maintain the memories held by an engram API server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "API URL (default: $ENGRAM_API_URL)")
	root.PersistentFlags().StringVarP(&opts.owner, "owner", "o", "", "Owner ID (default: $ENGRAM_OWNER_ID)")
	root.PersistentFlags().StringVar(&opts.org, "org", "", "Organization ID (default: $ENGRAM_ORGANIZATION_ID)")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", "json", "Output format: json or text")

	root.AddCommand(
		newSearchCmd(opts),
		newTreeCmd(opts),
		newClassifyCmd(opts),
		newGetCmd(opts),
		newRmCmd(opts),
		newReflexionCmd(opts),
		newBackfillCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

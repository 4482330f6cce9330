package client

import (
	"encoding/json"
	"fmt"

	transports "github.com/rzbill/flostore/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

// NewAllCommand constructs the `all` command group.
func NewAllCommand(baseURL BaseURLFunc) *cobra.Command {
	allCmd := &cobra.Command{Use: "all", Short: "Read the $all stream"}
	allCmd.AddCommand(newAllReadCommand(baseURL))
	return allCmd
}

func newAllReadCommand(baseURL BaseURLFunc) *cobra.Command {
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read committed events across all streams in commit order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			backward, _ := cmd.Flags().GetBool("backward")
			filter, _ := cmd.Flags().GetString("filter-cel")
			streamPrefix, _ := cmd.Flags().GetString("stream-prefix")
			typePrefix, _ := cmd.Flags().GetString("type-prefix")
			req := transports.ReadAllRequest{
				Limit: limit, Backward: backward,
				Filter: filter, StreamPrefix: streamPrefix, TypePrefix: typePrefix,
			}
			if cmd.Flags().Changed("commit") {
				commit, _ := cmd.Flags().GetInt64("commit")
				prepare := commit
				if cmd.Flags().Changed("prepare") {
					prepare, _ = cmd.Flags().GetInt64("prepare")
				}
				req.From = &transports.Position{Commit: commit, Prepare: prepare}
			}
			page, err := newTransport(baseURL).ReadAll(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range page.Events {
				if err := enc.Encode(decodedEvent(e)); err != nil {
					return err
				}
			}
			if !page.IsEndOfStream {
				fmt.Fprintf(cmd.ErrOrStderr(), "next: --commit %d --prepare %d\n", page.NextPos.Commit, page.NextPos.Prepare)
			}
			return nil
		},
	}
	readCmd.Flags().Int("limit", 20, "Max events")
	readCmd.Flags().Bool("backward", false, "Read newest first")
	readCmd.Flags().Int64("commit", 0, "Commit position to start from")
	readCmd.Flags().Int64("prepare", 0, "Prepare position to start from (defaults to --commit)")
	readCmd.Flags().String("filter-cel", "", "CEL filter over stream, type, number, size, json, is_json")
	readCmd.Flags().String("stream-prefix", "", "Comma-separated stream id prefixes")
	readCmd.Flags().String("type-prefix", "", "Comma-separated event type prefixes")
	return readCmd
}

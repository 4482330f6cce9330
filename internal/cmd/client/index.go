package client

import "github.com/spf13/cobra"

// NewIndexCommand constructs the `index` command group.
func NewIndexCommand(baseURL BaseURLFunc) *cobra.Command {
	indexCmd := &cobra.Command{Use: "index", Short: "Read index introspection"}
	indexCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show committer state, checkpoints and cache counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newTransport(baseURL).IndexStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	})
	return indexCmd
}

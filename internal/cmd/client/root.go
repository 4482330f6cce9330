package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the flostore client with the
// stream, all and index command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "flostore",
		Short: "flostore client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers the client command groups on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(NewStreamCommand(baseURL))
	root.AddCommand(NewAllCommand(baseURL))
	root.AddCommand(NewIndexCommand(baseURL))
}

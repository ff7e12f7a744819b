package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the chorus client.
// It registers the channel and federation command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "chorus",
		Short: "Chorus client commands",
	}
	root.AddCommand(NewChannelCommand(baseURL))
	root.AddCommand(NewFederationCommand(baseURL))
	return root
}

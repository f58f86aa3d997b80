package serve

import "github.com/spf13/cobra"

// Actions defines the daemon operation.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Command builds the "serve" command.
func Command(h Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the edge daemon (HTTP server + lifecycle monitor)",
		Args:  cobra.NoArgs,
		RunE:  h.Serve,
	}
}

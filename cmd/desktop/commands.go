package desktop

import "github.com/spf13/cobra"

// Actions defines desktop lifecycle operations.
type Actions interface {
	Start(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Sweep(cmd *cobra.Command, args []string) error
}

// Command builds the "desktop" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	desktopCmd := &cobra.Command{
		Use:   "desktop",
		Short: "Manage desktop instances",
	}

	startCmd := &cobra.Command{
		Use:   "start [flags] IMAGE",
		Short: "Allocate and start a desktop from a catalog image",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}
	startCmd.Flags().String("owner", "", "owner the desktop belongs to")
	startCmd.Flags().String("session", "", "session token to associate")
	_ = startCmd.MarkFlagRequired("owner")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List desktop instances",
		RunE:    h.List,
	}
	listCmd.Flags().String("owner", "", "only list desktops of this owner")

	inspectCmd := &cobra.Command{
		Use:   "inspect DESKTOP",
		Short: "Show one desktop after reconciling it against the engine (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	stopCmd := &cobra.Command{
		Use:   "stop DESKTOP [DESKTOP...]",
		Short: "Stop running desktop(s), keeping their records",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	rmCmd := &cobra.Command{
		Use:   "rm DESKTOP [DESKTOP...]",
		Short: "Destroy desktop(s) and retire their records",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor cycle: reconcile, idle stop, retention, orphans",
		Args:  cobra.NoArgs,
		RunE:  h.Sweep,
	}

	desktopCmd.AddCommand(
		startCmd,
		listCmd,
		inspectCmd,
		stopCmd,
		rmCmd,
		sweepCmd,
	)
	return desktopCmd
}

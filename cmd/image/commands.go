package image

import "github.com/spf13/cobra"

// Actions defines catalog management operations.
type Actions interface {
	Add(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Enable(cmd *cobra.Command, args []string) error
	Disable(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "image" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the desktop image catalog",
	}

	addCmd := &cobra.Command{
		Use:   "add NAME IMAGE",
		Short: "Add a catalog entry mapping NAME to a container image",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Add,
	}
	addCmd.Flags().String("description", "", "human-readable description")
	addCmd.Flags().Bool("disabled", false, "register the entry without enabling it")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List catalog entries",
		RunE:    h.List,
	}

	enableCmd := &cobra.Command{
		Use:   "enable NAME [NAME...]",
		Short: "Allow new desktops from catalog entries",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Enable,
	}

	disableCmd := &cobra.Command{
		Use:   "disable NAME [NAME...]",
		Short: "Refuse new desktops from catalog entries",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Disable,
	}

	rmCmd := &cobra.Command{
		Use:   "rm NAME [NAME...]",
		Short: "Remove catalog entries",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	imageCmd.AddCommand(
		addCmd,
		listCmd,
		enableCmd,
		disableCmd,
		rmCmd,
	)
	return imageCmd
}

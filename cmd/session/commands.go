package session

import "github.com/spf13/cobra"

// Actions defines session token operations.
type Actions interface {
	Issue(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Revoke(cmd *cobra.Command, args []string) error
}

// Command builds the "session" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage API session tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for an owner (token goes to stdout)",
		Args:  cobra.NoArgs,
		RunE:  h.Issue,
	}
	issueCmd.Flags().String("owner", "", "owner the session authenticates")
	issueCmd.Flags().Duration("ttl", 0, "session lifetime (default from config)")
	_ = issueCmd.MarkFlagRequired("owner")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions, newest first",
		RunE:    h.List,
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke SESSION [SESSION...]",
		Short: "Revoke session token(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Revoke,
	}

	sessionCmd.AddCommand(
		issueCmd,
		listCmd,
		revokeCmd,
	)
	return sessionCmd
}

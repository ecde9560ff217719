package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAppStoreOnly()
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tUPDATED\tTOKENS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
					s.ID, s.Title, s.Status,
					s.UpdatedAt.Format("2006-01-02 15:04"),
					s.InputTokens, s.OutputTokens)
			}
			return w.Flush()
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAppStoreOnly()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

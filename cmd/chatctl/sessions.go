package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls", "list"},
		Short:   "List sessions, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := c.app.Svc.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}

			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d session(s)", len(sessions))))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					idStyle.Render(s.ID),
					titleStyle.Render(s.Title),
					dateStyle.Render(s.UpdatedAt.Local().Format(time.DateTime)))
			}
			return w.Flush()
		},
	}
}

func newShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := c.app.Svc.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			views, err := c.app.Coord.MessageViews(ctx, sess.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render(sess.Title), idStyle.Render(sess.ID))
			fmt.Fprintln(out)
			for _, v := range views {
				label := roleLabel(string(v.Role))
				if v.Streaming {
					label += " " + dateStyle.Render("(streaming)")
				}
				fmt.Fprintln(out, label)
				fmt.Fprintln(out, strings.TrimRight(v.Content, "\n"))
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newRenameCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Change a session's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Svc.RenameSession(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete sessions and all their messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := c.app.Svc.DeleteSession(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-core/internal/chat"
)

func newSendCmd(c *cli) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "send [flags] <message>",
		Short: "Send a message and stream the reply",
		Long: `Send a message and stream the assistant's reply as it arrives.

Without --session a new session titled after the message is created.
Interrupt (Ctrl-C) cancels the reply and keeps what was received so far.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			svc := c.app.Svc

			events, unsubscribe := svc.Hub().Subscribe(chat.Query{SessionID: sessionID})
			defer unsubscribe()

			turn, err := c.app.Coord.Send(ctx, chat.SendRequest{SessionID: sessionID, Content: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			if sessionID == "" {
				fmt.Fprintln(out, idStyle.Render("session "+turn.SessionID))
			}
			fmt.Fprint(out, roleLabel(string(chat.RoleAssistant))+" ")

			p := &printer{}
			interrupted := ctx.Done()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						events = nil
						continue
					}
					if ev.Op != chat.OpMessageUpdated || ev.MessageID != turn.MessageID || turn.State().Terminal() {
						continue
					}
					if m, err := svc.GetMessage(context.WithoutCancel(ctx), turn.MessageID); err == nil {
						fmt.Fprint(out, p.update(m.Content))
					}

				case <-interrupted:
					interrupted = nil
					turn.Cancel()

				case <-turn.Done():
					m, err := svc.GetMessage(context.WithoutCancel(ctx), turn.MessageID)
					if err != nil {
						return err
					}
					if turn.State() != chat.TurnErrored {
						fmt.Fprint(out, p.update(m.Content))
					}
					fmt.Fprintln(out)

					switch turn.State() {
					case chat.TurnCancelled:
						fmt.Fprintln(out, dateStyle.Render("[cancelled]"))
					case chat.TurnErrored:
						fmt.Fprintln(out, errorStyle.Render(m.Content))
						return turn.Err()
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to continue")
	return cmd
}

// printer writes a streaming reply incrementally.
type printer struct {
	sent string
}

// update returns what must be written to move the terminal from the
// previously printed content to next.
func (p *printer) update(next string) string {
	prev := p.sent
	p.sent = next
	switch {
	case next == prev:
		return ""
	case strings.HasPrefix(next, prev):
		return next[len(prev):]
	default:
		// the engine replaced the text; start over on a new line
		return "\n" + next
	}
}

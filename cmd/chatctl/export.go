package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-core/internal/export"
)

func newExportCmd(c *cli) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session transcript",
		Long:  `Export a session transcript as json, jsonl, md or yaml, to stdout or a file.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := export.NewExporter(format)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sess, err := c.app.Svc.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			msgs, err := c.app.Svc.ListMessages(ctx, sess.ID)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := exp.Export(export.NewTranscript(sess, msgs), w); err != nil {
				return fmt.Errorf("failed to export session: %w", err)
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d message(s) to %s\n", len(msgs), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "export format (json, jsonl, md, yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

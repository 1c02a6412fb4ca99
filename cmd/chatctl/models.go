package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-core/internal/ai"
	"github.com/suPer8Hu/chat-core/internal/app"
	"github.com/suPer8Hu/chat-core/internal/config"
)

func newModelsCmd(c *cli, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show the provider's status and available models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.NewRegistry(cfg).Get(ctx, c.provider, "")
			if err != nil {
				return err
			}
			caps, ok := p.(ai.Capabilities)
			if !ok {
				return fmt.Errorf("provider %s does not report capabilities", c.provider)
			}

			out := cmd.OutOrStdout()
			loggedIn, err := caps.IsLoggedIn(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, headerStyle.Render(c.provider),
				dateStyle.Render(fmt.Sprintf("logged_in=%t local=%t custom_models=%t",
					loggedIn, caps.IsLocal(), caps.SupportsCustomModel())))

			models, err := caps.ListModels(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(out, " ", m)
			}
			return nil
		},
	}
}

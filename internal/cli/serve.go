package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/internal/config"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the clearnode, settle trades and serve the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			app := fx.New(ServeOptions(cfg), fx.WithLogger(zapEventLogger))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

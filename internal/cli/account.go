package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/internal/config"
	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
)

// withClient connects, waits for authentication and runs fn
func withClient(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, client *clearnode.Client) error) error {
	var client *clearnode.Client
	app := fx.New(clientOptions(cfg, &client))
	if err := app.Err(); err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Clearnode.URL, err)
	}
	defer client.Close()

	if err := client.WaitAuthenticated(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return fn(ctx, client)
}

func newBalancesCmd(load func() (*config.Config, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Print ledger balances per asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return withClient(ctx, cfg, func(ctx context.Context, client *clearnode.Client) error {
				balances, err := client.RefreshBalances(ctx)
				if err != nil {
					return err
				}

				assets := make([]string, 0, len(balances))
				for asset := range balances {
					assets = append(assets, asset)
				}
				sort.Strings(assets)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ASSET\tBALANCE")
				for _, asset := range assets {
					fmt.Fprintf(w, "%s\t%s\n", asset, balances[asset])
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func newSessionsCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		timeout time.Duration
		status  string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List app sessions the wallet participates in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return withClient(ctx, cfg, func(ctx context.Context, client *clearnode.Client) error {
				sessions, err := client.GetAppSessions(ctx, client.Address(), status)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "APP SESSION\tSTATUS\tVERSION\tPARTICIPANTS")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.AppSessionID, s.Status, s.Version, len(s.Participants))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (open, closed)")
	return cmd
}

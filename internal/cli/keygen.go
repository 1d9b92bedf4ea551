package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

func newKeygenCmd() *cobra.Command {
	var showPrivate bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh ephemeral session key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateSessionKey()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\n", key.Address().Hex())
			if showPrivate {
				fmt.Fprintf(cmd.OutOrStdout(), "private_key: 0x%s\n", hex.EncodeToString(crypto.FromECDSA(key.PrivateKey())))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPrivate, "show-private", false, "Also print the private key")
	return cmd
}

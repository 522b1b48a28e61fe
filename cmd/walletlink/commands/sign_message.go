package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"walletlink/go-backend/internal/codec"
)

// sign-message <text>: connect, sign text once, print the signature.
func signMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign-message <text>",
		Short: "Connect to the wallet and sign a single message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()
			if err := rt.Provider.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			sig, err := rt.Provider.SignMessage(ctx, []byte(strings.Join(args, " ")))
			if err != nil {
				return fmt.Errorf("sign message: %w", err)
			}
			pk, _ := rt.Provider.WalletPublicKey()
			fmt.Fprintf(cmd.OutOrStdout(), "signer: %s\nsignature: %s\n", pk, codec.EncodeBinary(sig))
			return nil
		},
	}
}

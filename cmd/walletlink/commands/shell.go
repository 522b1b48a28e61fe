package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/spf13/cobra"

	"walletlink/go-backend/internal/codec"
	"walletlink/go-backend/internal/composition/linkruntime"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive wallet session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			shell := ishell.New()
			shell.SetHomeHistoryPath(".walletlink_history")
			shell.Println("walletlink interactive shell, transport:", rt.Config.Transport)
			if addr := rt.CallbackAddr(); addr != "" {
				shell.Println("callbacks on http://" + addr)
			}

			for _, c := range sessionCmds(cmd.Context(), rt) {
				shell.AddCmd(c)
			}
			shell.AddCmd(&ishell.Cmd{
				Name: "debug",
				Help: "set log level to debug",
				Func: func(c *ishell.Context) {
					programLevel.Set(slog.LevelDebug)
				},
			})
			shell.AddCmd(&ishell.Cmd{
				Name: "info",
				Help: "set log level to info",
				Func: func(c *ishell.Context) {
					programLevel.Set(slog.LevelInfo)
				},
			})

			shell.Run()
			return nil
		},
	}
}

func sessionCmds(ctx context.Context, rt *linkruntime.Runtime) []*ishell.Cmd {
	p := rt.Provider
	return []*ishell.Cmd{
		{
			Name: "connect",
			Help: "establish an encrypted session with the wallet",
			Func: func(c *ishell.Context) {
				opCtx, cancel := withTimeout(ctx)
				defer cancel()
				if err := p.Connect(opCtx); err != nil {
					c.Println("connect failed:", err)
					return
				}
				pk, _ := p.WalletPublicKey()
				c.Println("connected, wallet:", pk)
			},
		},
		{
			Name: "sign-tx",
			Help: "sign-tx <base58 tx>: have the wallet sign a transaction",
			Func: func(c *ishell.Context) {
				tx, ok := decodeArg(c, "transaction")
				if !ok {
					return
				}
				opCtx, cancel := withTimeout(ctx)
				defer cancel()
				signed, err := p.SignTransaction(opCtx, tx)
				if err != nil {
					c.Println("sign failed:", err)
					return
				}
				c.Println("signed:", codec.EncodeBinary(signed))
			},
		},
		{
			Name: "sign-msg",
			Help: "sign-msg <text>: have the wallet sign a message",
			Func: func(c *ishell.Context) {
				if len(c.Args) == 0 {
					c.Println("enter the message text")
					return
				}
				opCtx, cancel := withTimeout(ctx)
				defer cancel()
				sig, err := p.SignMessage(opCtx, []byte(strings.Join(c.Args, " ")))
				if err != nil {
					c.Println("sign failed:", err)
					return
				}
				c.Println("signature:", codec.EncodeBinary(sig))
			},
		},
		{
			Name: "sign-all",
			Help: "sign-all <base58 tx>...: sign several transactions in one request",
			Func: func(c *ishell.Context) {
				if len(c.Args) == 0 {
					c.Println("enter one or more base58 transactions")
					return
				}
				txs := make([][]byte, 0, len(c.Args))
				for _, arg := range c.Args {
					tx, err := codec.DecodeBinary(strings.TrimSpace(arg))
					if err != nil {
						c.Println("bad transaction:", err)
						return
					}
					txs = append(txs, tx)
				}
				opCtx, cancel := withTimeout(ctx)
				defer cancel()
				signed, err := p.SignAllTransactions(opCtx, txs)
				if err != nil {
					c.Println("sign failed:", err)
					return
				}
				for i, tx := range signed {
					c.Printf("signed[%d]: %s\n", i, codec.EncodeBinary(tx))
				}
			},
		},
		{
			Name: "sign-send",
			Help: "sign-send <base58 tx>: sign and submit a transaction",
			Func: func(c *ishell.Context) {
				tx, ok := decodeArg(c, "transaction")
				if !ok {
					return
				}
				opCtx, cancel := withTimeout(ctx)
				defer cancel()
				sig, err := p.SignAndSendTransaction(opCtx, tx, nil)
				if err != nil {
					c.Println("sign and send failed:", err)
					return
				}
				c.Println("signature:", codec.EncodeBinary(sig))
			},
		},
		{
			Name: "disconnect",
			Help: "forget the session locally",
			Func: func(c *ishell.Context) {
				p.Disconnect()
				c.Println("disconnected")
			},
		},
		{
			Name: "status",
			Help: "show session state",
			Func: func(c *ishell.Context) {
				c.Print(sessionStatus(rt))
			},
		},
	}
}

func sessionStatus(rt *linkruntime.Runtime) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", rt.Provider.State())
	if id, ok := rt.Provider.SessionID(); ok {
		fmt.Fprintf(&b, "session: %s\n", id)
	}
	if pk, ok := rt.Provider.WalletPublicKey(); ok {
		fmt.Fprintf(&b, "wallet: %s\n", pk)
	}
	if rt.Wallet != nil {
		fmt.Fprintf(&b, "simulated wallet: %s (%d requests)\n", rt.Wallet.PublicKey(), rt.Wallet.Handled())
	}
	return b.String()
}

func decodeArg(c *ishell.Context, what string) ([]byte, bool) {
	if len(c.Args) != 1 {
		c.Println("enter the base58", what)
		return nil, false
	}
	raw, err := codec.DecodeBinary(strings.TrimSpace(c.Args[0]))
	if err != nil {
		c.Println("bad "+what+":", err)
		return nil, false
	}
	return raw, true
}

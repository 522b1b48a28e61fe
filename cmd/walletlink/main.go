package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"walletlink/go-backend/cmd/walletlink/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

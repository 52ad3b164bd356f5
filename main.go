package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Flissel/Vibemind-sub000/cmd/root"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

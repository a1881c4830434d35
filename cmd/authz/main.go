package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/authz/cmd/authz/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(cli.OpenRuntime)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, cli.ErrDenied) {
			stop()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "authz:", err)
		stop()
		os.Exit(1)
	}
}

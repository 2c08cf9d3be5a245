package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()

	command := newRootCommand()

	if err := command.ExecuteContext(ctx); err != nil {
		printError(command.ErrOrStderr(), err)

		done()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/entireio/gittrail/cmd/gittrail/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := cli.NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err == nil {
		return
	}

	var silent *cli.SilentError
	if !errors.As(err, &silent) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	os.Exit(cli.ExitCode(err))
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// runMain executes the command tree and returns the process exit code.
func runMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	if code := runMain(); code != 0 {
		os.Exit(code)
	}
}

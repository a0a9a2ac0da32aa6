package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		// Probe verdicts exit through cli.Exit; anything surfacing here
		// never produced evidence, which is the indeterminate exit.
		fmt.Fprintf(os.Stderr, "gwprobe: %v\n", err)
		os.Exit(2)
	}
}

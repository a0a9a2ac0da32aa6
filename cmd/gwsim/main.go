package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/gateway-probe/internal/gwsim"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		port          = flag.Int("port", 4010, "listen port")
		apiKey        = flag.String("api-key", "sim-key", "credential the simulator accepts")
		acceptAnyKey  = flag.Bool("accept-any-key", false, "accept any bearer token (simulates a misconfigured gateway)")
		rpm           = flag.Int("rpm", 0, "enforce this many requests per minute (0 disables)")
		failEvery     = flag.Int("fail-every", 0, "fail every nth completion (0 disables)")
		fallbackModel = flag.String("fallback-model", "", "reroute failed completions to this model")
		models        = flag.String("models", "", "comma-separated model list advertised on /model/info")
		verbose       = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	opts := []gwsim.Option{
		gwsim.WithPort(*port),
		gwsim.WithAPIKey(*apiKey),
		gwsim.WithLogger(logger),
	}
	if *acceptAnyKey {
		opts = append(opts, gwsim.WithAcceptAnyKey())
	}
	if *rpm > 0 {
		opts = append(opts, gwsim.WithRateLimit(*rpm))
	}
	if *failEvery > 0 {
		opts = append(opts, gwsim.WithFailEvery(*failEvery))
	}
	if *fallbackModel != "" {
		opts = append(opts, gwsim.WithFallbackModel(*fallbackModel))
	}
	if *models != "" {
		opts = append(opts, gwsim.WithModels(strings.Split(*models, ",")...))
	}

	sim, err := gwsim.New(opts...)
	if err != nil {
		logger.Error("failed to build simulator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sim.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("simulator failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

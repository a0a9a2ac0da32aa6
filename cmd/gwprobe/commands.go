package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/gateway-probe/internal/config"
	"github.com/tjfontaine/gateway-probe/internal/report"
	"github.com/tjfontaine/gateway-probe/internal/session"
	"github.com/tjfontaine/gateway-probe/internal/storage/history"
	"github.com/tjfontaine/gateway-probe/internal/telemetry"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "gwprobe",
		Usage:   "validate an LLM gateway deployment from the outside",
		Version: "1.0.0",
		Description: "gwprobe drives live traffic against a deployed gateway and judges\n" +
			"what comes back: wire protocol conformance, rate limit enforcement,\n" +
			"failover behavior and routing distribution. Exit codes: 0 compatible,\n" +
			"1 incompatible, 2 cannot determine.",
		Commands: []*cli.Command{
			probeCommand("validate", "run the wire protocol conformance checks",
				func(ctx context.Context, s *session.Session) error { return s.RunConformance(ctx) }),
			probeCommand("smoke", "send one completion to every probe target",
				func(ctx context.Context, s *session.Session) error { return s.RunSmoke(ctx) }),
			probeCommand("routing", "measure how traffic distributes across targets",
				func(ctx context.Context, s *session.Session) error { return s.RunRouting(ctx) }),
			probeCommand("failover", "exercise failover behavior over repeated trials",
				func(ctx context.Context, s *session.Session) error { return s.RunFailover(ctx) }),
			probeCommand("ratelimit", "burst past the configured rate and watch enforcement",
				func(ctx context.Context, s *session.Session) error { return s.RunRateLimit(ctx) }),
			probeCommand("all", "run every probe family against the gateway",
				func(ctx context.Context, s *session.Session) error { return s.RunAll(ctx) }),
			historyCommand(),
		},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML configuration file"},
		&cli.StringFlag{Name: "gateway-url", Usage: "gateway base URL (overrides config)"},
		&cli.StringFlag{Name: "auth-token", Usage: "bearer credential (overrides config)"},
		&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model the probes request (overrides config)"},
		&cli.StringFlag{Name: "json", Usage: "write the JSON report to this path"},
		&cli.StringFlag{Name: "color", Usage: "console color: auto, always or never"},
		&cli.StringFlag{Name: "history-db", Usage: "archive the report in this SQLite database"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging and per-check evidence"},
	}
}

func probeCommand(name, usage string, run func(context.Context, *session.Session) error) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runProbe(ctx, cmd, run)
		},
	}
}

func runProbe(ctx context.Context, cmd *cli.Command, run func(context.Context, *session.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}

	logger := newLogger(cmd.Bool("verbose"))

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("gateway-probe", logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("gwprobe: initializing tracer: %v", err), 2)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	sess, err := session.New(cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}

	if err := run(ctx, sess); err != nil {
		var setupErr *verdict.SetupError
		if !errors.As(err, &setupErr) {
			// Setup trouble is already recorded on the session; anything
			// else cut the run short and the report shows what was seen.
			logger.Error("probe run interrupted", slog.String("error", err.Error()))
		}
	}

	rep := sess.Report()

	mode, err := report.ParseColorMode(cfg.Report.Color)
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}
	report.NewConsole(os.Stdout, mode, cmd.Bool("verbose")).Render(rep)

	if path := cfg.Report.JSONPath; path != "" {
		if err := report.WriteJSON(path, rep); err != nil {
			return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
		}
		logger.Info("report exported", slog.String("path", path))
	}

	if path := cfg.History.Path; path != "" {
		if err := archiveRun(ctx, path, rep); err != nil {
			// The verdict stands even when the archive is unavailable
			logger.Warn("failed to archive run", slog.String("error", err.Error()))
		}
	}

	if code := sess.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// loadConfig layers flag overrides onto the file and environment
// configuration, then re-validates the result.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if v := cmd.String("gateway-url"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := cmd.String("auth-token"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := cmd.String("model"); v != "" {
		cfg.Probe.Model = v
	}
	if v := cmd.String("color"); v != "" {
		cfg.Report.Color = v
	}
	if v := cmd.String("json"); v != "" {
		cfg.Report.JSONPath = v
	}
	if v := cmd.String("history-db"); v != "" {
		cfg.History.Path = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	// Logs go to stderr; stdout belongs to the rendered report
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func archiveRun(ctx context.Context, path string, rep *session.Report) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(ctx, rep)
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list archived runs, or render one in full",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "history-db", Usage: "SQLite database holding archived runs", Required: true},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of runs to list"},
			&cli.StringFlag{Name: "id", Usage: "render the archived report with this run id"},
			&cli.StringFlag{Name: "color", Usage: "console color: auto, always or never"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "include per-check evidence when rendering"},
		},
		Action: runHistory,
	}
}

func runHistory(ctx context.Context, cmd *cli.Command) error {
	mode, err := report.ParseColorMode(cmd.String("color"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}

	store, err := history.Open(cmd.String("history-db"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}
	defer store.Close()

	if id := cmd.String("id"); id != "" {
		rep, err := store.Get(ctx, id)
		if err != nil {
			return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
		}
		report.NewConsole(os.Stdout, mode, cmd.Bool("verbose")).Render(rep)
		return nil
	}

	runs, err := store.List(ctx, int(cmd.Int("limit")))
	if err != nil {
		return cli.Exit(fmt.Sprintf("gwprobe: %v", err), 2)
	}
	if len(runs) == 0 {
		fmt.Println("no archived runs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Gateway", "Verdict", "Passed", "Failed", "Inconclusive", "Started"})
	table.SetAutoWrapText(false)
	for _, run := range runs {
		table.Append([]string{
			run.ID,
			run.GatewayURL,
			run.Verdict,
			strconv.Itoa(run.Passed),
			strconv.Itoa(run.Failed),
			strconv.Itoa(run.Inconclusive),
			run.StartedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

// Package session orchestrates a probe run end to end: it builds the
// client from configuration, drives the selected probe families, and
// reduces everything observed into one report with a verdict and exit
// code.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/gateway-probe/internal/config"
	"github.com/tjfontaine/gateway-probe/internal/conformance"
	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/resilience"
	"github.com/tjfontaine/gateway-probe/internal/telemetry"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

// Session is one validation run against one gateway deployment.
type Session struct {
	ID string

	cfg    *config.Config
	client *probe.Client
	logger *slog.Logger
	agg    *verdict.Aggregator

	startedAt time.Time
	setupErrs []string

	targetList      []string
	targetsResolved bool

	rateLimit *resilience.RateLimitReport
	failover  *resilience.FailoverReport
	routing   *resilience.RoutingReport
	smoke     []resilience.TrialStats

	// extra probe options appended at construction, used by tests to
	// remove pacing against a simulator
	rateLimitOpts []resilience.RateLimitOption
	failoverOpts  []resilience.FailoverOption
	routingOpts   []resilience.RoutingOption
}

// New builds a session from configuration. The client it constructs
// honors the proxy settings and, when telemetry is enabled, emits a
// span per probe request.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	opts := []probe.Option{
		probe.WithTimeouts(cfg.Probe.Timeout, cfg.Probe.CompletionTimeout, cfg.Probe.HealthTimeout),
	}

	if cfg.Gateway.ProxyURL != "" {
		bypass, err := probe.BypassesProxy(cfg.Gateway.URL, cfg.Gateway.NoProxy)
		if err != nil {
			return nil, fmt.Errorf("resolving proxy bypass: %w", err)
		}
		if !bypass {
			proxyURL, err := url.Parse(cfg.Gateway.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parsing proxy url: %w", err)
			}
			opts = append(opts, probe.WithProxy(proxyURL))
		}
	}

	client := probe.NewClient(cfg.Gateway.URL, cfg.Gateway.AuthToken, opts...)
	if cfg.Telemetry.Enabled {
		telemetry.InstrumentClient(client.HTTPClient())
	}

	id := uuid.NewString()
	return &Session{
		ID:        id,
		cfg:       cfg,
		client:    client,
		logger:    logger.With("session_id", id),
		agg:       verdict.NewAggregator(),
		startedAt: time.Now().UTC(),
	}, nil
}

// Client returns the probe client the session runs on.
func (s *Session) Client() *probe.Client {
	return s.client
}

// RunConformance runs the wire protocol checks.
func (s *Session) RunConformance(ctx context.Context) error {
	suite := conformance.NewSuite(s.client, s.cfg.Probe.Model, s.logger)
	suite.RunAll(ctx, s.agg)
	return ctx.Err()
}

// RunSmoke sends one completion to every target.
func (s *Session) RunSmoke(ctx context.Context) error {
	p := resilience.NewSmokeProbe(s.client, s.targets(ctx), s.logger)
	stats, err := p.Run(ctx, s.agg)
	s.smoke = stats
	return s.noteSetup(err)
}

// RunRouting runs the distribution probe across every target.
func (s *Session) RunRouting(ctx context.Context) error {
	strategy, err := resilience.ParseStrategy(s.cfg.Routing.Strategy)
	if err != nil {
		return s.noteSetup(verdict.Setupf("%s", err))
	}

	opts := []resilience.RoutingOption{
		resilience.WithStrategy(strategy),
		resilience.WithIterations(s.cfg.Routing.Iterations),
	}
	if s.cfg.Routing.Parallel {
		opts = append(opts, resilience.WithParallelTargets())
	}
	opts = append(opts, s.routingOpts...)

	p := resilience.NewRoutingProbe(s.client, s.targets(ctx), s.logger, opts...)
	report, err := p.Run(ctx, s.agg)
	s.routing = report
	return s.noteSetup(err)
}

// RunFailover runs the failover trials.
func (s *Session) RunFailover(ctx context.Context) error {
	opts := []resilience.FailoverOption{
		resilience.WithTrials(s.cfg.Failover.Trials),
	}
	if s.cfg.Failover.FallbackModel != "" {
		opts = append(opts, resilience.WithFallbackModel(s.cfg.Failover.FallbackModel))
	}
	opts = append(opts, s.failoverOpts...)

	p := resilience.NewFailoverProbe(s.client, s.cfg.Probe.Model, s.logger, opts...)
	report, err := p.Run(ctx, s.agg)
	s.failover = report
	return s.noteSetup(err)
}

// RunRateLimit runs the burst probe.
func (s *Session) RunRateLimit(ctx context.Context) error {
	opts := []resilience.RateLimitOption{
		resilience.WithRPM(s.cfg.RateLimit.RPM),
		resilience.WithMinRequests(s.cfg.RateLimit.MinBeforeStop),
	}
	if s.cfg.RateLimit.MaxResetWait > 0 {
		opts = append(opts, resilience.WithMaxResetWait(s.cfg.RateLimit.MaxResetWait))
	}
	opts = append(opts, s.rateLimitOpts...)

	p := resilience.NewRateLimitProbe(s.client, s.cfg.Probe.Model, s.logger, opts...)
	report, err := p.Run(ctx, s.agg)
	s.rateLimit = report
	return s.noteSetup(err)
}

// RunAll runs every probe family. Conformance goes first because it is
// cheap and diagnostic; the burst goes last because it can poison the
// rate window for anything that follows it.
func (s *Session) RunAll(ctx context.Context) error {
	if err := s.RunConformance(ctx); err != nil {
		return err
	}

	if health := s.client.Health(ctx); health.TransportFailed() {
		reason := fmt.Sprintf("gateway unreachable, skipping resilience probes: %s", health.Err)
		s.setupErrs = append(s.setupErrs, reason)
		s.logger.Warn("skipping resilience probes", "reason", health.Err)
		return nil
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"smoke", s.RunSmoke},
		{"routing", s.RunRouting},
		{"failover", s.RunFailover},
		{"ratelimit", s.RunRateLimit},
	}
	for _, step := range steps {
		err := step.run(ctx)
		if err == nil {
			continue
		}
		var setupErr *verdict.SetupError
		if errors.As(err, &setupErr) {
			// recorded already; the remaining families are still worth running
			continue
		}
		return fmt.Errorf("%s probe: %w", step.name, err)
	}
	return nil
}

// ExitCode follows the verdict: failures dominate, then setup trouble,
// then whatever the aggregate says.
func (s *Session) ExitCode() int {
	v := s.agg.Verdict()
	if v == verdict.Incompatible {
		return 1
	}
	if len(s.setupErrs) > 0 {
		return 2
	}
	return v.ExitCode()
}

// targets resolves the models the smoke and routing probes spread
// across: the configured list, or whatever the gateway advertises.
// Resolved once per session.
func (s *Session) targets(ctx context.Context) []string {
	if s.targetsResolved {
		return s.targetList
	}
	s.targetsResolved = true

	if len(s.cfg.Routing.Targets) > 0 {
		s.targetList = s.cfg.Routing.Targets
		return s.targetList
	}

	models, err := s.client.DiscoverModels(ctx)
	if err != nil {
		s.logger.Warn("model discovery failed, no probe targets", "error", err)
		return nil
	}
	s.logger.Info("discovered probe targets", "models", models)
	s.targetList = models
	return s.targetList
}

// noteSetup records a SetupError's reason on the session and passes
// the error through either way.
func (s *Session) noteSetup(err error) error {
	var setupErr *verdict.SetupError
	if errors.As(err, &setupErr) {
		s.setupErrs = append(s.setupErrs, setupErr.Reason)
	}
	return err
}

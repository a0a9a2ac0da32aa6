package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/gateway-probe/internal/config"
	"github.com/tjfontaine/gateway-probe/internal/gwsim"
	"github.com/tjfontaine/gateway-probe/internal/resilience"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

const testModel = "claude-3-5-sonnet-20241022"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSimulator(t *testing.T, opts ...gwsim.Option) *httptest.Server {
	t.Helper()
	opts = append([]gwsim.Option{gwsim.WithLogger(discardLogger())}, opts...)
	sim, err := gwsim.New(opts...)
	if err != nil {
		t.Fatalf("building simulator: %v", err)
	}
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(gatewayURL string) *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{URL: gatewayURL, AuthToken: "sim-key"},
		Probe: config.ProbeConfig{
			Model:             testModel,
			Timeout:           10 * time.Second,
			CompletionTimeout: 10 * time.Second,
			HealthTimeout:     5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{RPM: 3, MinBeforeStop: 2},
		Failover:  config.FailoverConfig{Trials: 2},
		Routing: config.RoutingConfig{
			Strategy:   "simple-shuffle",
			Targets:    []string{testModel},
			Iterations: 2,
		},
	}
}

// newTestSession strips the probe pacing so a full run completes in
// well under a second against the simulator.
func newTestSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	s, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.rateLimitOpts = []resilience.RateLimitOption{resilience.WithPace(time.Millisecond)}
	s.failoverOpts = []resilience.FailoverOption{resilience.WithTrialPause(0)}
	s.routingOpts = []resilience.RoutingOption{resilience.WithTrialDelay(0)}
	return s
}

func findResult(t *testing.T, results []verdict.CheckResult, name string) verdict.CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %d results", name, len(results))
	return verdict.CheckResult{}
}

// =============================================================================
// Full Run Tests
// =============================================================================

func TestRunAllAgainstHealthySimulator(t *testing.T) {
	// A correctly configured gateway enforces its advertised limit, so
	// the simulator carries one. The phases before the burst spend 10
	// admitted requests, leaving the burst to trip 429 past its floor.
	// The reset wait is capped so the run does not sit out the window.
	srv := startSimulator(t, gwsim.WithRateLimit(20))
	cfg := testConfig(srv.URL)
	cfg.RateLimit = config.RateLimitConfig{RPM: 20, MinBeforeStop: 10, MaxResetWait: time.Second}

	sess := newTestSession(t, cfg)
	if err := sess.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if got := sess.ExitCode(); got != 0 {
		t.Errorf("expected exit 0 against a healthy gateway, got %d", got)
	}

	report := sess.Report()
	if report.Verdict != verdict.Compatible {
		t.Errorf("expected COMPATIBLE, got %s", report.Verdict)
	}
	if report.Failed != 0 {
		t.Errorf("expected no failures, got %d: %+v", report.Failed, report.Results)
	}
	if report.Passed == 0 {
		t.Error("expected passing checks to be recorded")
	}
	if len(report.SetupErrors) != 0 {
		t.Errorf("unexpected setup errors: %v", report.SetupErrors)
	}

	if report.RateLimit == nil {
		t.Fatal("expected a rate limit report")
	}
	if report.RateLimit.FirstRateLimitAt == 0 {
		t.Error("expected the burst to trip the simulator's limit")
	}
	if report.RateLimit.State != resilience.StateStillLimited {
		t.Errorf("capped wait inside the window should end STILL_LIMITED, got %s", report.RateLimit.State)
	}
	enforcement := findResult(t, report.Results, "ratelimit-enforcement")
	if enforcement.Outcome != verdict.Pass {
		t.Errorf("expected the enforcement check to pass, got %s", enforcement.Outcome)
	}

	if report.Failover == nil {
		t.Fatal("expected a failover report")
	}
	if report.Failover.Succeeded != 2 {
		t.Errorf("expected 2 of 2 trials served, got %d", report.Failover.Succeeded)
	}

	if report.Routing == nil {
		t.Fatal("expected a routing report")
	}
	if report.Routing.Overall.Attempted != 2 {
		t.Errorf("expected 2 routing trials, got %d", report.Routing.Overall.Attempted)
	}

	if len(report.Smoke) != 1 {
		t.Fatalf("expected smoke stats for 1 target, got %d", len(report.Smoke))
	}
}

func TestRunAllFlagsMissingRateLimiting(t *testing.T) {
	// Without a limiter the whole burst is admitted, and that absence is
	// itself a finding: the enforcement check must be the run's only
	// failure.
	srv := startSimulator(t)
	sess := newTestSession(t, testConfig(srv.URL))

	if err := sess.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	report := sess.Report()
	if report.Verdict != verdict.Incompatible {
		t.Fatalf("expected INCOMPATIBLE without rate limiting, got %s", report.Verdict)
	}
	if got := sess.ExitCode(); got != 1 {
		t.Errorf("expected exit 1, got %d", got)
	}
	if report.RateLimit == nil || report.RateLimit.State != resilience.StateExhaustedNoLimit {
		t.Fatalf("expected EXHAUSTED_NO_LIMIT, got %+v", report.RateLimit)
	}

	enforcement := findResult(t, report.Results, "ratelimit-enforcement")
	if enforcement.Outcome != verdict.Fail {
		t.Errorf("expected the enforcement check to fail, got %s", enforcement.Outcome)
	}
	if report.Failed != 1 {
		t.Errorf("expected the enforcement check to be the only failure, got %d: %+v", report.Failed, report.Results)
	}
	if len(report.Remediation) == 0 {
		t.Error("expected remediation guidance for the missing limit")
	}
}

func TestRunAllDiscoversTargets(t *testing.T) {
	srv := startSimulator(t, gwsim.WithModels("model-a", "model-b"))
	cfg := testConfig(srv.URL)
	cfg.Routing.Targets = nil

	sess := newTestSession(t, cfg)
	if err := sess.RunSmoke(context.Background()); err != nil {
		t.Fatalf("RunSmoke() error = %v", err)
	}

	report := sess.Report()
	if len(report.Smoke) != 2 {
		t.Fatalf("expected stats for both advertised models, got %d", len(report.Smoke))
	}
	if report.Smoke[0].Target != "model-a" || report.Smoke[1].Target != "model-b" {
		t.Errorf("unexpected targets: %+v", report.Smoke)
	}
}

// =============================================================================
// Failure Path Tests
// =============================================================================

func TestRunConformanceAgainstPermissiveGateway(t *testing.T) {
	// A gateway that admits any bearer token is exactly what the
	// credential check exists to catch.
	srv := startSimulator(t, gwsim.WithAcceptAnyKey())
	sess := newTestSession(t, testConfig(srv.URL))

	if err := sess.RunConformance(context.Background()); err != nil {
		t.Fatalf("RunConformance() error = %v", err)
	}

	report := sess.Report()
	if report.Verdict != verdict.Incompatible {
		t.Fatalf("expected INCOMPATIBLE, got %s", report.Verdict)
	}
	if got := sess.ExitCode(); got != 1 {
		t.Errorf("expected exit 1, got %d", got)
	}

	statusCheck := findResult(t, report.Results, "status-codes")
	if statusCheck.Outcome != verdict.Fail {
		t.Errorf("expected the credential check to fail, got %s", statusCheck.Outcome)
	}
}

func TestRunAllUnreachableGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sess := newTestSession(t, testConfig(url))
	if err := sess.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	report := sess.Report()
	if report.Verdict != verdict.Incompatible {
		t.Errorf("expected INCOMPATIBLE when nothing answers, got %s", report.Verdict)
	}
	if len(report.SetupErrors) == 0 {
		t.Error("expected the skipped resilience phase to be recorded")
	}
	if report.RateLimit != nil {
		t.Error("resilience probes must not run against a dead gateway")
	}
	if got := sess.ExitCode(); got != 1 {
		t.Errorf("failures dominate setup trouble, expected exit 1, got %d", got)
	}
}

func TestRunRoutingRejectsUnknownStrategy(t *testing.T) {
	srv := startSimulator(t)
	cfg := testConfig(srv.URL)
	cfg.Routing.Strategy = "round-robin"

	sess := newTestSession(t, cfg)
	err := sess.RunRouting(context.Background())

	var setupErr *verdict.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected a setup error, got %v", err)
	}
	if got := sess.ExitCode(); got != 2 {
		t.Errorf("setup trouble with no failures should exit 2, got %d", got)
	}
}

func TestReportSnapshot(t *testing.T) {
	srv := startSimulator(t)
	sess := newTestSession(t, testConfig(srv.URL))

	if err := sess.RunConformance(context.Background()); err != nil {
		t.Fatalf("RunConformance() error = %v", err)
	}

	report := sess.Report()
	if report.ID == "" {
		t.Error("expected a session id")
	}
	if report.ID != sess.ID {
		t.Errorf("report id %q does not match session id %q", report.ID, sess.ID)
	}
	if report.GatewayURL != srv.URL {
		t.Errorf("expected gateway url %q, got %q", srv.URL, report.GatewayURL)
	}
	if report.Model != testModel {
		t.Errorf("expected model %q, got %q", testModel, report.Model)
	}
	if got := report.Passed + report.Failed + report.Inconclusive; got != len(report.Results) {
		t.Errorf("totals %d do not cover %d results", got, len(report.Results))
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Errorf("finished %v before started %v", report.FinishedAt, report.StartedAt)
	}
}

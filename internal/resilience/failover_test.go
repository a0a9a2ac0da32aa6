package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

const (
	primaryModel  = "claude-3-5-sonnet-20241022"
	fallbackModel = "claude-3-5-haiku-20241022"
)

func newTestFailoverProbe(server *httptest.Server, opts ...FailoverOption) *FailoverProbe {
	p := NewFailoverProbe(probe.NewClient(server.URL, "key"), primaryModel, discardLogger(), opts...)
	p.sleep = noSleep
	return p
}

// trialServer scripts /v1/messages by trial ordinal while keeping
// /health green for the gate.
func trialServer(t *testing.T, respond func(n int, w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	var count atomic.Int64
	server := httptest.NewServer(gatewayMux(func(w http.ResponseWriter, r *http.Request) {
		respond(int(count.Add(1)), w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

// =============================================================================
// Setup Gate Tests
// =============================================================================

func TestFailoverGateHealthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	p := newTestFailoverProbe(server)
	agg := verdict.NewAggregator()
	_, err := p.Run(context.Background(), agg)

	var setupErr *verdict.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected SetupError, got %v", err)
	}
	if len(agg.Results()) != 0 {
		t.Error("no checks should be recorded when the gate fails")
	}
}

func TestFailoverGateFallbackNotServing(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if decodeModel(t, r) == fallbackModel {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		serveCompletion(w, primaryModel)
	})

	p := newTestFailoverProbe(server, WithFallbackModel(fallbackModel))
	_, err := p.Run(context.Background(), verdict.NewAggregator())

	var setupErr *verdict.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected SetupError for dead fallback, got %v", err)
	}
}

// =============================================================================
// Trial Verdict Tests
// =============================================================================

func TestFailoverAllTrialsServed(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		serveCompletion(w, primaryModel)
	})

	p := newTestFailoverProbe(server)
	agg := verdict.NewAggregator()
	report, err := p.Run(context.Background(), agg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Succeeded != 5 {
		t.Errorf("expected 5 successes, got %d", report.Succeeded)
	}
	if report.FallbackSeen {
		t.Error("no fallback should be detected when the primary serves")
	}

	failover := findResult(t, agg, "failover")
	if failover.Outcome != verdict.Pass {
		t.Errorf("expected PASS, got %v (%s)", failover.Outcome, failover.Message)
	}
	cooldown := findResult(t, agg, "failover-cooldown")
	if cooldown.Outcome != verdict.Inconclusive {
		t.Errorf("expected INCONCLUSIVE cooldown advisory, got %v", cooldown.Outcome)
	}
}

func TestFailoverPartialOutageWithFallback(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		serveCompletion(w, fallbackModel)
	})

	p := newTestFailoverProbe(server)
	agg := verdict.NewAggregator()
	report, err := p.Run(context.Background(), agg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Succeeded != 3 {
		t.Errorf("expected 3 successes, got %d", report.Succeeded)
	}
	if !report.FallbackSeen {
		t.Error("expected fallback to be detected from the served model")
	}
	for _, trial := range report.Trials[2:] {
		if !trial.FellBack || trial.ServedModel != fallbackModel {
			t.Errorf("trial %d: expected fallback to %s, got %+v", trial.Trial, fallbackModel, trial)
		}
	}

	failover := findResult(t, agg, "failover")
	if failover.Outcome != verdict.Pass {
		t.Errorf("expected PASS when fallback carried the outage, got %v (%s)", failover.Outcome, failover.Message)
	}
}

func TestFailoverPartialOutageWithoutFallback(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		serveCompletion(w, primaryModel)
	})

	p := newTestFailoverProbe(server)
	agg := verdict.NewAggregator()
	report, err := p.Run(context.Background(), agg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.FallbackSeen {
		t.Error("no fallback evidence expected")
	}
	failover := findResult(t, agg, "failover")
	if failover.Outcome != verdict.Fail {
		t.Errorf("expected FAIL for unrerouted partial outage, got %v (%s)", failover.Outcome, failover.Message)
	}
}

func TestFailoverAllTrialsFailed(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	p := newTestFailoverProbe(server)
	agg := verdict.NewAggregator()
	report, err := p.Run(context.Background(), agg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Succeeded != 0 {
		t.Errorf("expected 0 successes, got %d", report.Succeeded)
	}
	failover := findResult(t, agg, "failover")
	if failover.Outcome != verdict.Fail {
		t.Errorf("expected FAIL, got %v", failover.Outcome)
	}
	if agg.Verdict() != verdict.Incompatible {
		t.Errorf("expected INCOMPATIBLE, got %v", agg.Verdict())
	}
}

func TestFailoverTrialCount(t *testing.T) {
	server := trialServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		serveCompletion(w, primaryModel)
	})

	p := newTestFailoverProbe(server, WithTrials(3))
	report, err := p.Run(context.Background(), verdict.NewAggregator())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Trials) != 3 {
		t.Errorf("expected 3 trials, got %d", len(report.Trials))
	}
}

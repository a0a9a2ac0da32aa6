package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
	"github.com/tjfontaine/gateway-probe/internal/wire"
)

const (
	defaultFailoverTrials = 5
	defaultTrialPause     = time.Second
)

// FailoverTrial records one completion attempt during the probe.
type FailoverTrial struct {
	Trial       int           `json:"trial"`
	Status      int           `json:"status"`
	ServedModel string        `json:"served_model,omitempty"`
	FellBack    bool          `json:"fell_back"`
	Latency     time.Duration `json:"latency"`
	Err         string        `json:"error,omitempty"`
}

// FailoverReport captures the trial-by-trial record.
type FailoverReport struct {
	RequestedModel string          `json:"requested_model"`
	FallbackModel  string          `json:"fallback_model,omitempty"`
	Trials         []FailoverTrial `json:"trials"`
	Succeeded      int             `json:"succeeded"`
	FallbackSeen   bool            `json:"fallback_seen"`
}

// FailoverOption configures a FailoverProbe.
type FailoverOption func(*FailoverProbe)

// WithTrials sets how many completions the probe attempts.
func WithTrials(n int) FailoverOption {
	return func(p *FailoverProbe) {
		if n > 0 {
			p.trials = n
		}
	}
}

// WithFallbackModel names the model the gateway is expected to fall
// back to. When set, the probe first proves that model can serve at
// all; a dead fallback makes the whole exercise meaningless.
func WithFallbackModel(model string) FailoverOption {
	return func(p *FailoverProbe) {
		p.fallbackModel = model
	}
}

// WithTrialPause overrides the pause between trials. Zero removes it,
// which is only appropriate against a simulator.
func WithTrialPause(d time.Duration) FailoverOption {
	return func(p *FailoverProbe) {
		if d >= 0 {
			p.pause = d
		}
	}
}

// FailoverProbe sends repeated completions for the primary model and
// looks for evidence that the gateway rerouted them to a fallback:
// responses attributed to a different model than requested.
type FailoverProbe struct {
	client *probe.Client
	model  string
	logger *slog.Logger

	trials        int
	fallbackModel string
	pause         time.Duration

	sleep func(context.Context, time.Duration) error
}

func NewFailoverProbe(client *probe.Client, model string, logger *slog.Logger, opts ...FailoverOption) *FailoverProbe {
	p := &FailoverProbe{
		client: client,
		model:  model,
		logger: logger.With("component", "failover"),
		trials: defaultFailoverTrials,
		pause:  defaultTrialPause,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// gate proves the prerequisites hold before any trial is burned. A
// failure here is a setup problem with the probe run, not a verdict
// about the gateway.
func (p *FailoverProbe) gate(ctx context.Context) error {
	if health := p.client.Health(ctx); !health.Succeeded() {
		if health.TransportFailed() {
			return verdict.Setupf("gateway not reachable before failover trials: %s", health.Err)
		}
		return verdict.Setupf("gateway health returned status %d before failover trials", health.Status)
	}
	if p.fallbackModel == "" {
		return nil
	}

	res := p.client.Send(ctx, probe.Request{
		Path:    wire.MessagesPath,
		Timeout: p.client.CompletionTimeout(),
		Body: wire.MessagesRequest{
			Model:     p.fallbackModel,
			MaxTokens: 1,
			Messages:  []wire.Message{{Role: "user", Content: "ping"}},
		},
	})
	if res.TransportFailed() {
		return verdict.Setupf("fallback model %q unreachable: %s", p.fallbackModel, res.Err)
	}
	if !res.Succeeded() {
		return verdict.Setupf("fallback model %q not serving: status %d", p.fallbackModel, res.Status)
	}
	return nil
}

// Run executes the trials and appends the failover check plus a
// cooldown advisory. A non-nil error is either a SetupError from the
// gate or a canceled context; in both cases no failover verdict was
// reached.
func (p *FailoverProbe) Run(ctx context.Context, agg *verdict.Aggregator) (*FailoverReport, error) {
	if err := p.gate(ctx); err != nil {
		return nil, err
	}

	report := &FailoverReport{
		RequestedModel: p.model,
		FallbackModel:  p.fallbackModel,
	}

	for i := 1; i <= p.trials; i++ {
		if i > 1 {
			if err := p.sleep(ctx, p.pause); err != nil {
				return report, fmt.Errorf("failover trials interrupted: %w", err)
			}
		}

		res := p.client.Send(ctx, probe.Request{
			Path:    wire.MessagesPath,
			Timeout: p.client.CompletionTimeout(),
			Body: wire.MessagesRequest{
				Model:     p.model,
				MaxTokens: 16,
				Messages:  []wire.Message{{Role: "user", Content: "Say hello."}},
			},
		})

		trial := FailoverTrial{Trial: i, Status: res.Status, Latency: res.Latency}
		if res.TransportFailed() {
			trial.Err = res.Err
		}
		if res.Succeeded() {
			report.Succeeded++
			trial.ServedModel = res.ServedModel()
			if trial.ServedModel != "" && trial.ServedModel != p.model {
				trial.FellBack = true
				report.FallbackSeen = true
			}
		}
		report.Trials = append(report.Trials, trial)

		p.logger.Info("failover trial",
			"trial", i,
			"status", res.Status,
			"served_model", trial.ServedModel,
			"fell_back", trial.FellBack)
	}

	agg.Append(p.judge(report))
	agg.Append(verdict.CheckResult{
		Name:    "failover-cooldown",
		Outcome: verdict.Inconclusive,
		Message: "cooldown restoration not verified",
		Detail:  "confirming the primary is restored after its cooldown window requires a controlled outage; verify manually",
	})
	return report, nil
}

// judge reduces the trial record to a single check result. Partial
// success counts as working failover only when at least one response
// was attributed to a different model than requested.
func (p *FailoverProbe) judge(report *FailoverReport) verdict.CheckResult {
	total := len(report.Trials)

	switch {
	case report.Succeeded == 0:
		return verdict.CheckResult{
			Name:    "failover",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("all %d trials failed", total),
			Detail:  "no request was served by the primary or any fallback; " + trialStatuses(report.Trials),
		}
	case report.Succeeded == total:
		detail := fmt.Sprintf("%d/%d trials served", report.Succeeded, total)
		if report.FallbackSeen {
			detail += "; fallback responses observed, so rerouting is active"
		}
		return verdict.CheckResult{
			Name:    "failover",
			Outcome: verdict.Pass,
			Message: "all trials served",
			Detail:  detail,
		}
	case report.FallbackSeen:
		return verdict.CheckResult{
			Name:    "failover",
			Outcome: verdict.Pass,
			Message: "fallback carried partial outage",
			Detail: fmt.Sprintf("%d/%d trials served with fallback responses observed; %s",
				report.Succeeded, total, trialStatuses(report.Trials)),
		}
	default:
		return verdict.CheckResult{
			Name:    "failover",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("%d/%d trials failed with no fallback evidence", total-report.Succeeded, total),
			Detail:  "failed requests were not rerouted to a fallback model; " + trialStatuses(report.Trials),
		}
	}
}

func trialStatuses(trials []FailoverTrial) string {
	parts := make([]string, 0, len(trials))
	for _, t := range trials {
		if t.Err != "" {
			parts = append(parts, "error")
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", t.Status))
	}
	return "statuses: " + strings.Join(parts, ", ")
}

package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
	"github.com/tjfontaine/gateway-probe/internal/wire"
)

// SmokeProbe sends a single completion to every target model. It is a
// cheap sanity pass run before the longer probes so a dead deployment
// is caught in seconds rather than after a full burst.
type SmokeProbe struct {
	client  *probe.Client
	targets []string
	logger  *slog.Logger
}

func NewSmokeProbe(client *probe.Client, targets []string, logger *slog.Logger) *SmokeProbe {
	return &SmokeProbe{
		client:  client,
		targets: targets,
		logger:  logger.With("component", "smoke"),
	}
}

// Run probes each target once and appends the smoke check.
func (p *SmokeProbe) Run(ctx context.Context, agg *verdict.Aggregator) ([]TrialStats, error) {
	if len(p.targets) == 0 {
		agg.Append(verdict.CheckResult{
			Name:    "smoke",
			Outcome: verdict.Inconclusive,
			Message: "no targets to probe",
			Detail:  "configure target models or expose them via /model/info",
		})
		return nil, nil
	}

	stats := make([]TrialStats, len(p.targets))
	var dead []string
	for i, target := range p.targets {
		stats[i] = TrialStats{Target: target}

		res := p.client.Send(ctx, probe.Request{
			Path:    wire.MessagesPath,
			Timeout: p.client.CompletionTimeout(),
			Body: wire.MessagesRequest{
				Model:     target,
				MaxTokens: 1,
				Messages:  []wire.Message{{Role: "user", Content: "ping"}},
			},
		})
		stats[i].Record(res.Succeeded(), res.Latency)

		if !res.Succeeded() {
			if res.TransportFailed() {
				dead = append(dead, fmt.Sprintf("%s (%s)", target, res.Err))
			} else {
				dead = append(dead, fmt.Sprintf("%s (status %d)", target, res.Status))
			}
		}
		p.logger.Info("smoke trial", "target", target, "status", res.Status, "latency", res.Latency)

		if ctx.Err() != nil {
			return stats, fmt.Errorf("smoke probe interrupted: %w", ctx.Err())
		}
	}

	if len(dead) > 0 {
		agg.Append(verdict.CheckResult{
			Name:    "smoke",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("%d of %d targets not serving", len(dead), len(p.targets)),
			Detail:  strings.Join(dead, "; "),
		})
	} else {
		agg.Append(verdict.CheckResult{
			Name:    "smoke",
			Outcome: verdict.Pass,
			Message: fmt.Sprintf("all %d targets served one completion", len(p.targets)),
		})
	}
	return stats, nil
}

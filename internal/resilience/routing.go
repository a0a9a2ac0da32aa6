package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
	"github.com/tjfontaine/gateway-probe/internal/wire"
)

// Strategy names a routing strategy the gateway may be configured with.
// The probe validates distribution outcomes, not the strategy's
// internals, so the value is carried through to the report as context.
type Strategy string

const (
	StrategySimpleShuffle Strategy = "simple-shuffle"
	StrategyLeastBusy     Strategy = "least-busy"
	StrategyUsageBased    Strategy = "usage-based-routing"
	StrategyLatencyBased  Strategy = "latency-based-routing"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySimpleShuffle, StrategyLeastBusy, StrategyUsageBased, StrategyLatencyBased:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown routing strategy %q (want one of %s, %s, %s, %s)",
		s, StrategySimpleShuffle, StrategyLeastBusy, StrategyUsageBased, StrategyLatencyBased)
}

const (
	// RoutingThreshold is the minimum success rate, per target and
	// overall, for routing to count as healthy. The boundary is
	// inclusive: exactly 80% passes.
	RoutingThreshold = 0.8

	defaultRoutingIterations = 10
	defaultRoutingDelay      = 500 * time.Millisecond
)

// RoutingReport captures per-target and overall distribution stats.
type RoutingReport struct {
	Strategy   Strategy     `json:"strategy"`
	Iterations int          `json:"iterations"`
	Parallel   bool         `json:"parallel"`
	Targets    []TrialStats `json:"targets"`
	Overall    TrialStats   `json:"overall"`
}

// RoutingOption configures a RoutingProbe.
type RoutingOption func(*RoutingProbe)

// WithStrategy records which strategy the gateway is configured with.
func WithStrategy(s Strategy) RoutingOption {
	return func(p *RoutingProbe) {
		p.strategy = s
	}
}

// WithIterations sets how many completions each target receives.
func WithIterations(n int) RoutingOption {
	return func(p *RoutingProbe) {
		if n > 0 {
			p.iterations = n
		}
	}
}

// WithParallelTargets probes each target from its own worker instead
// of interleaving them on one goroutine.
func WithParallelTargets() RoutingOption {
	return func(p *RoutingProbe) {
		p.parallel = true
	}
}

// WithTrialDelay overrides the delay between trials. Zero removes it,
// which is only appropriate against a simulator.
func WithTrialDelay(d time.Duration) RoutingOption {
	return func(p *RoutingProbe) {
		if d >= 0 {
			p.delay = d
		}
	}
}

// RoutingProbe spreads completions across every target model and
// verifies each one, and the pool as a whole, serves at least the
// threshold fraction of them.
type RoutingProbe struct {
	client *probe.Client
	logger *slog.Logger

	targets    []string
	strategy   Strategy
	iterations int
	delay      time.Duration
	parallel   bool

	sleep func(context.Context, time.Duration) error
}

func NewRoutingProbe(client *probe.Client, targets []string, logger *slog.Logger, opts ...RoutingOption) *RoutingProbe {
	p := &RoutingProbe{
		client:     client,
		logger:     logger.With("component", "routing"),
		targets:    targets,
		strategy:   StrategySimpleShuffle,
		iterations: defaultRoutingIterations,
		delay:      defaultRoutingDelay,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run distributes the trials and appends the routing-distribution
// check. The report is valid even when ctx is canceled partway.
func (p *RoutingProbe) Run(ctx context.Context, agg *verdict.Aggregator) (*RoutingReport, error) {
	report := &RoutingReport{
		Strategy:   p.strategy,
		Iterations: p.iterations,
		Parallel:   p.parallel,
		Targets:    make([]TrialStats, len(p.targets)),
	}
	for i, target := range p.targets {
		report.Targets[i] = TrialStats{Target: target}
	}

	p.logger.Info("starting routing probe",
		"strategy", p.strategy,
		"targets", len(p.targets),
		"iterations", p.iterations,
		"parallel", p.parallel)

	var err error
	if p.parallel {
		err = p.runParallel(ctx, report)
	} else {
		err = p.runInterleaved(ctx, report)
	}

	report.Overall = TrialStats{Target: "overall"}
	for _, s := range report.Targets {
		report.Overall.Merge(s)
	}
	report.Overall.Target = "overall"

	agg.Append(p.judge(report))
	if err != nil {
		return report, fmt.Errorf("routing trials interrupted: %w", err)
	}
	return report, nil
}

// runInterleaved visits every target once per iteration so trials for
// different targets alternate rather than cluster.
func (p *RoutingProbe) runInterleaved(ctx context.Context, report *RoutingReport) error {
	first := true
	for i := 0; i < p.iterations; i++ {
		for ti := range p.targets {
			if !first {
				if err := p.sleep(ctx, p.delay); err != nil {
					return err
				}
			}
			first = false
			p.trial(ctx, &report.Targets[ti])
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// runParallel gives each target a worker with private stats, merged
// back only after every worker has returned.
func (p *RoutingProbe) runParallel(ctx context.Context, report *RoutingReport) error {
	g, ctx := errgroup.WithContext(ctx)
	merged := make([]TrialStats, len(p.targets))

	for ti, target := range p.targets {
		g.Go(func() error {
			local := TrialStats{Target: target}
			for i := 0; i < p.iterations; i++ {
				if i > 0 {
					if err := p.sleep(ctx, p.delay); err != nil {
						merged[ti] = local
						return err
					}
				}
				p.trial(ctx, &local)
				if ctx.Err() != nil {
					merged[ti] = local
					return ctx.Err()
				}
			}
			merged[ti] = local
			return nil
		})
	}

	err := g.Wait()
	for ti := range merged {
		merged[ti].Target = p.targets[ti]
		report.Targets[ti] = merged[ti]
	}
	return err
}

func (p *RoutingProbe) trial(ctx context.Context, stats *TrialStats) {
	res := p.client.Send(ctx, probe.Request{
		Path: wire.MessagesPath,
		Body: wire.MessagesRequest{
			Model:     stats.Target,
			MaxTokens: 1,
			Messages:  []wire.Message{{Role: "user", Content: "ping"}},
		},
	})
	stats.Record(res.Succeeded(), res.Latency)
}

func (p *RoutingProbe) judge(report *RoutingReport) verdict.CheckResult {
	if report.Overall.Attempted == 0 {
		return verdict.CheckResult{
			Name:    "routing-distribution",
			Outcome: verdict.Inconclusive,
			Message: "no routing trials attempted",
			Detail:  "no targets were probed, so distribution cannot be judged",
		}
	}

	var below []string
	for _, s := range report.Targets {
		rate, ok := s.SuccessRate()
		if !ok {
			below = append(below, s.Target+": no trials")
			continue
		}
		if rate < RoutingThreshold {
			below = append(below, fmt.Sprintf("%s: %.0f%%", s.Target, rate*100))
		}
	}

	overallRate, _ := report.Overall.SuccessRate()
	summary := make([]string, 0, len(report.Targets))
	for _, s := range report.Targets {
		summary = append(summary, s.String())
	}

	if len(below) > 0 {
		return verdict.CheckResult{
			Name:    "routing-distribution",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("%d of %d targets below %.0f%% success", len(below), len(report.Targets), RoutingThreshold*100),
			Detail:  strings.Join(below, "; "),
		}
	}
	if overallRate < RoutingThreshold {
		return verdict.CheckResult{
			Name:    "routing-distribution",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("overall success %.0f%% below %.0f%% threshold", overallRate*100, RoutingThreshold*100),
			Detail:  strings.Join(summary, "; "),
		}
	}
	return verdict.CheckResult{
		Name:    "routing-distribution",
		Outcome: verdict.Pass,
		Message: fmt.Sprintf("all %d targets at or above %.0f%% success", len(report.Targets), RoutingThreshold*100),
		Detail:  strings.Join(summary, "; "),
	}
}

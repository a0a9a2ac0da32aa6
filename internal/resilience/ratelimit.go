package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
	"github.com/tjfontaine/gateway-probe/internal/wire"
)

// RateLimitState tracks the burst probe through its lifecycle.
type RateLimitState int

const (
	StateIdle RateLimitState = iota
	StateProbing
	StateRateLimited
	StateExhaustedNoLimit
	StateResetWait
	StateVerified
	StateStillLimited
	StateDone
)

var rateLimitStateNames = map[RateLimitState]string{
	StateIdle:             "IDLE",
	StateProbing:          "PROBING",
	StateRateLimited:      "RATE_LIMITED",
	StateExhaustedNoLimit: "EXHAUSTED_NO_LIMIT",
	StateResetWait:        "RESET_WAIT",
	StateVerified:         "VERIFIED",
	StateStillLimited:     "STILL_LIMITED",
	StateDone:             "DONE",
}

func (s RateLimitState) String() string {
	if name, ok := rateLimitStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RateLimitState(%d)", int(s))
}

func (s RateLimitState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *RateLimitState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range rateLimitStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown rate limit state %q", name)
}

const (
	// budgetHeadroom sizes the burst 20% past the advertised limit so a
	// correctly enforcing gateway must push back before we run out.
	budgetHeadroom = 1.2
	maxBurstBudget = 100

	// delayFraction paces the burst at 80% of the even spacing for the
	// budget, fast enough to exceed the limit without hammering.
	delayFraction = 0.8

	defaultMinRequests = 10
)

// burstBudget returns the number of requests to send for an advertised
// per-minute limit, capped to keep the probe affordable.
func burstBudget(rpm int) int {
	b := int(math.Ceil(float64(rpm) * budgetHeadroom))
	if b > maxBurstBudget {
		b = maxBurstBudget
	}
	if b < 1 {
		b = 1
	}
	return b
}

// interRequestDelay returns the pause between burst requests.
func interRequestDelay(budget int) time.Duration {
	perRequest := 60.0 / float64(budget) * delayFraction
	return time.Duration(perRequest * float64(time.Second))
}

// RateLimitReport captures everything the burst observed.
type RateLimitReport struct {
	State            RateLimitState     `json:"state"`
	Budget           int                `json:"budget"`
	RequestsMade     int                `json:"requests_made"`
	Succeeded        int                `json:"succeeded"`
	RateLimited      int                `json:"rate_limited"`
	TransportErrors  int                `json:"transport_errors"`
	FirstRateLimitAt int                `json:"first_rate_limit_at,omitempty"`
	Info             wire.RateLimitInfo `json:"info"`
	ResetWaited      time.Duration      `json:"reset_waited,omitempty"`
	VerifyStatus     int                `json:"verify_status,omitempty"`
}

// RateLimitOption configures a RateLimitProbe.
type RateLimitOption func(*RateLimitProbe)

// WithRPM sets the advertised requests-per-minute limit the burst is
// sized against.
func WithRPM(rpm int) RateLimitOption {
	return func(p *RateLimitProbe) {
		if rpm > 0 {
			p.rpm = rpm
		}
	}
}

// WithMinRequests sets how many requests must be sent before a 429
// stops the burst early. A floor keeps one spurious 429 from ending
// the probe with too small a sample.
func WithMinRequests(n int) RateLimitOption {
	return func(p *RateLimitProbe) {
		if n > 0 {
			p.minRequests = n
		}
	}
}

// WithPace overrides the computed inter-request delay. Meant for
// exercising the probe itself against a simulator; against a real
// gateway the computed pace is what makes the burst conclusive.
func WithPace(d time.Duration) RateLimitOption {
	return func(p *RateLimitProbe) {
		if d > 0 {
			p.pace = d
		}
	}
}

// WithMaxResetWait caps how long the probe will sleep before the reset
// verification. Gateways advertising long windows otherwise stall the
// whole run; a capped wait that still finds 429 reports STILL_LIMITED
// rather than failing.
func WithMaxResetWait(d time.Duration) RateLimitOption {
	return func(p *RateLimitProbe) {
		if d > 0 {
			p.maxResetWait = d
		}
	}
}

// RateLimitProbe sends a paced burst sized just past the advertised
// limit and watches for the gateway to push back with 429s, then waits
// out the advertised reset and verifies traffic is admitted again.
type RateLimitProbe struct {
	client *probe.Client
	model  string
	logger *slog.Logger

	rpm          int
	minRequests  int
	maxResetWait time.Duration
	state        RateLimitState

	// pace overrides the computed inter-request delay when non-zero.
	pace  time.Duration
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

func NewRateLimitProbe(client *probe.Client, model string, logger *slog.Logger, opts ...RateLimitOption) *RateLimitProbe {
	p := &RateLimitProbe{
		client:      client,
		model:       model,
		logger:      logger.With("component", "ratelimit"),
		rpm:         60,
		minRequests: defaultMinRequests,
		state:       StateIdle,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the probe's current machine state.
func (p *RateLimitProbe) State() RateLimitState {
	return p.state
}

// Run executes the burst and appends four check results: enforcement,
// header presence, Retry-After presence and reset recovery. The
// returned report is valid even when ctx is canceled partway through.
func (p *RateLimitProbe) Run(ctx context.Context, agg *verdict.Aggregator) (*RateLimitReport, error) {
	budget := burstBudget(p.rpm)
	delay := p.pace
	if delay == 0 {
		delay = interRequestDelay(budget)
	}
	report := &RateLimitReport{State: StateProbing, Budget: budget}
	p.state = StateProbing

	p.logger.Info("starting rate limit burst",
		"budget", budget,
		"delay", delay,
		"rpm", p.rpm)

	limiter := rate.NewLimiter(rate.Every(delay), 1)
	var headersSeen bool
	var limitedInfo wire.RateLimitInfo

	for i := 1; i <= budget; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("burst interrupted: %w", err)
		}

		res := p.client.Send(ctx, probe.Request{
			Path: wire.MessagesPath,
			Body: wire.MessagesRequest{
				Model:     p.model,
				MaxTokens: 1,
				Messages:  []wire.Message{{Role: "user", Content: "ping"}},
			},
		})
		report.RequestsMade++

		if res.TransportFailed() {
			report.TransportErrors++
			p.logger.Warn("burst request failed", "request", i, "error", res.Err)
			continue
		}

		info := wire.ExtractRateLimitInfo(res.Headers)
		if info.HasAny() {
			headersSeen = true
			report.Info = info
		}

		switch {
		case res.Succeeded():
			report.Succeeded++
		case res.RateLimited():
			report.RateLimited++
			if report.FirstRateLimitAt == 0 {
				report.FirstRateLimitAt = i
				limitedInfo = info
				p.state = StateRateLimited
				report.State = StateRateLimited
				p.logger.Info("rate limit hit", "request", i, "budget", budget)
			}
		}

		if report.FirstRateLimitAt > 0 && report.RequestsMade >= p.minRequests {
			break
		}
	}

	if report.FirstRateLimitAt == 0 {
		p.state = StateExhaustedNoLimit
		report.State = StateExhaustedNoLimit
	}

	p.appendBurstChecks(agg, report, headersSeen, limitedInfo)

	if report.FirstRateLimitAt > 0 {
		if err := p.verifyReset(ctx, agg, report, limitedInfo); err != nil {
			return report, err
		}
	} else {
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-reset",
			Outcome: verdict.Inconclusive,
			Message: "reset recovery not exercised",
			Detail:  "no rate limit was triggered, so there is nothing to recover from",
		})
	}

	p.state = StateDone
	return report, nil
}

func (p *RateLimitProbe) appendBurstChecks(agg *verdict.Aggregator, report *RateLimitReport, headersSeen bool, limitedInfo wire.RateLimitInfo) {
	if report.FirstRateLimitAt > 0 {
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-enforcement",
			Outcome: verdict.Pass,
			Message: "rate limiting enforced",
			Detail:  fmt.Sprintf("received 429 on request %d of %d", report.FirstRateLimitAt, report.Budget),
		})
	} else {
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-enforcement",
			Outcome: verdict.Fail,
			Message: "no rate limiting observed",
			Detail: fmt.Sprintf("sent %d requests against an advertised %d rpm without a single 429; verify rate limit policies are configured and enabled at the gateway",
				report.RequestsMade, p.rpm),
		})
	}

	if headersSeen {
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-headers",
			Outcome: verdict.Pass,
			Message: "rate limit headers present",
			Detail:  fmt.Sprintf("limit=%s remaining=%s reset=%s", report.Info.Limit, report.Info.Remaining, report.Info.Reset),
		})
	} else {
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-headers",
			Outcome: verdict.Inconclusive,
			Message: "no rate limit headers observed",
			Detail:  "clients cannot pace themselves without X-RateLimit-* or RateLimit-* headers",
		})
	}

	switch {
	case report.FirstRateLimitAt == 0:
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-retry-after",
			Outcome: verdict.Inconclusive,
			Message: "Retry-After not exercised",
			Detail:  "no 429 was received",
		})
	case limitedInfo.RetryAfter != "":
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-retry-after",
			Outcome: verdict.Pass,
			Message: "429 carried Retry-After",
			Detail:  fmt.Sprintf("Retry-After: %s", limitedInfo.RetryAfter),
		})
	default:
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-retry-after",
			Outcome: verdict.Inconclusive,
			Message: "429 lacked Retry-After",
			Detail:  "clients must guess how long to back off",
		})
	}
}

// verifyReset waits out the advertised reset window and confirms the
// gateway admits traffic again.
func (p *RateLimitProbe) verifyReset(ctx context.Context, agg *verdict.Aggregator, report *RateLimitReport, limitedInfo wire.RateLimitInfo) error {
	wait := limitedInfo.ResetDelay(p.now())
	if p.maxResetWait > 0 && wait > p.maxResetWait {
		p.logger.Info("capping reset wait", "advertised", wait, "cap", p.maxResetWait)
		wait = p.maxResetWait
	}
	p.state = StateResetWait
	report.State = StateResetWait
	report.ResetWaited = wait

	p.logger.Info("waiting for rate limit reset", "wait", wait)
	if err := p.sleep(ctx, wait); err != nil {
		return fmt.Errorf("reset wait interrupted: %w", err)
	}

	res := p.client.Send(ctx, probe.Request{
		Path: wire.MessagesPath,
		Body: wire.MessagesRequest{
			Model:     p.model,
			MaxTokens: 1,
			Messages:  []wire.Message{{Role: "user", Content: "ping"}},
		},
	})
	report.VerifyStatus = res.Status

	switch {
	case res.Succeeded():
		p.state = StateVerified
		report.State = StateVerified
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-reset",
			Outcome: verdict.Pass,
			Message: "traffic admitted after reset",
			Detail:  fmt.Sprintf("waited %s, then received %d", wait, res.Status),
		})
	case res.RateLimited():
		p.state = StateStillLimited
		report.State = StateStillLimited
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-reset",
			Outcome: verdict.Inconclusive,
			Message: "still rate limited after advertised reset",
			Detail:  fmt.Sprintf("waited %s but the verify request received 429", wait),
		})
	case res.TransportFailed():
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-reset",
			Outcome: verdict.Fail,
			Message: "verify request failed",
			Detail:  res.Err,
		})
	default:
		agg.Append(verdict.CheckResult{
			Name:    "ratelimit-reset",
			Outcome: verdict.Fail,
			Message: fmt.Sprintf("unexpected status %d after reset", res.Status),
			Detail:  fmt.Sprintf("waited %s, expected the request to be admitted", wait),
		})
	}
	return nil
}

// sleepCtx sleeps for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

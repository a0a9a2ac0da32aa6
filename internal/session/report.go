package session

import (
	"time"

	"github.com/tjfontaine/gateway-probe/internal/resilience"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

// Report is the complete record of one session, shaped for JSON export
// and the history archive.
type Report struct {
	ID         string    `json:"id"`
	GatewayURL string    `json:"gateway_url"`
	Model      string    `json:"model"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Verdict      verdict.SessionVerdict `json:"verdict"`
	Passed       int                    `json:"passed"`
	Failed       int                    `json:"failed"`
	Inconclusive int                    `json:"inconclusive"`

	Results     []verdict.CheckResult `json:"results"`
	Remediation []string              `json:"remediation,omitempty"`
	SetupErrors []string              `json:"setup_errors,omitempty"`

	RateLimit *resilience.RateLimitReport `json:"ratelimit,omitempty"`
	Failover  *resilience.FailoverReport  `json:"failover,omitempty"`
	Routing   *resilience.RoutingReport   `json:"routing,omitempty"`
	Smoke     []resilience.TrialStats     `json:"smoke,omitempty"`
}

// Report snapshots everything the session has observed so far.
func (s *Session) Report() *Report {
	passed, failed, inconclusive := s.agg.Totals()
	return &Report{
		ID:           s.ID,
		GatewayURL:   s.client.BaseURL(),
		Model:        s.cfg.Probe.Model,
		StartedAt:    s.startedAt,
		FinishedAt:   time.Now().UTC(),
		Verdict:      s.agg.Verdict(),
		Passed:       passed,
		Failed:       failed,
		Inconclusive: inconclusive,
		Results:      s.agg.Results(),
		Remediation:  s.agg.Remediation(),
		SetupErrors:  append([]string(nil), s.setupErrs...),
		RateLimit:    s.rateLimit,
		Failover:     s.failover,
		Routing:      s.routing,
		Smoke:        s.smoke,
	}
}

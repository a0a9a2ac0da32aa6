// Package resilience probes gateway behavior under adverse conditions:
// rate limiting, provider failover, and multi-target routing. Each probe
// drives live traffic against the gateway and reduces what it observed
// to check results on a shared aggregator.
package resilience

import (
	"fmt"
	"time"
)

// TrialStats accumulates per-target outcomes across repeated trials.
type TrialStats struct {
	Target    string          `json:"target"`
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Latencies []time.Duration `json:"-"`
}

// Record adds one trial outcome.
func (s *TrialStats) Record(ok bool, latency time.Duration) {
	s.Attempted++
	if ok {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.Latencies = append(s.Latencies, latency)
}

// SuccessRate returns the fraction of trials that succeeded. The second
// return is false when no trials were attempted, in which case the rate
// is undefined and must not feed a pass/fail decision.
func (s *TrialStats) SuccessRate() (float64, bool) {
	if s.Attempted == 0 {
		return 0, false
	}
	return float64(s.Succeeded) / float64(s.Attempted), true
}

// LatencySummary returns min, mean and max over recorded latencies.
// All zero when nothing was recorded.
func (s *TrialStats) LatencySummary() (min, avg, max time.Duration) {
	if len(s.Latencies) == 0 {
		return 0, 0, 0
	}
	min = s.Latencies[0]
	max = s.Latencies[0]
	var total time.Duration
	for _, l := range s.Latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		total += l
	}
	return min, total / time.Duration(len(s.Latencies)), max
}

// Merge folds another stats block for the same target into this one.
// Used by parallel probes that keep worker-private stats and combine
// them once all workers have finished.
func (s *TrialStats) Merge(other TrialStats) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Latencies = append(s.Latencies, other.Latencies...)
}

func (s *TrialStats) String() string {
	rate, ok := s.SuccessRate()
	if !ok {
		return fmt.Sprintf("%s: no trials attempted", s.Target)
	}
	return fmt.Sprintf("%s: %d/%d succeeded (%.0f%%)", s.Target, s.Succeeded, s.Attempted, rate*100)
}

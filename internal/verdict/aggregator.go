package verdict

import (
	"encoding/json"
	"fmt"
)

// SessionVerdict is the overall judgment across every outcome in a run.
type SessionVerdict int

const (
	Indeterminate SessionVerdict = iota
	Compatible
	Incompatible
)

func (v SessionVerdict) String() string {
	switch v {
	case Compatible:
		return "COMPATIBLE"
	case Incompatible:
		return "INCOMPATIBLE"
	default:
		return "INDETERMINATE"
	}
}

func (v SessionVerdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *SessionVerdict) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "COMPATIBLE":
		*v = Compatible
	case "INCOMPATIBLE":
		*v = Incompatible
	case "INDETERMINATE":
		*v = Indeterminate
	default:
		return fmt.Errorf("unknown verdict %q", s)
	}
	return nil
}

// ExitCode maps the verdict onto the process exit contract: 0 compatible,
// 1 incompatible, 2 indeterminate.
func (v SessionVerdict) ExitCode() int {
	switch v {
	case Compatible:
		return 0
	case Incompatible:
		return 1
	default:
		return 2
	}
}

// Aggregator is the append-only collector of check results for one session.
// It is owned by the session's single control thread; parallel probe workers
// accumulate privately and merge before anything is appended here.
type Aggregator struct {
	results []CheckResult
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append records one result. Order of appends is the order of the report.
func (a *Aggregator) Append(r CheckResult) {
	a.results = append(a.results, r)
}

// Results returns a copy of the outcome sequence.
func (a *Aggregator) Results() []CheckResult {
	out := make([]CheckResult, len(a.results))
	copy(out, a.results)
	return out
}

// Totals counts results per outcome.
func (a *Aggregator) Totals() (passed, failed, inconclusive int) {
	for _, r := range a.results {
		switch r.Outcome {
		case Pass:
			passed++
		case Fail:
			failed++
		default:
			inconclusive++
		}
	}
	return passed, failed, inconclusive
}

// Verdict derives the session judgment. Any failure is incompatible; with no
// failures at least one pass is required to claim compatibility, otherwise
// the evidence is indeterminate.
func (a *Aggregator) Verdict() SessionVerdict {
	passed, failed, _ := a.Totals()
	switch {
	case failed > 0:
		return Incompatible
	case passed > 0:
		return Compatible
	default:
		return Indeterminate
	}
}

// Remediation lists one actionable line per failure, repeating the check's
// detail verbatim (falling back to its message when no detail was attached).
func (a *Aggregator) Remediation() []string {
	var hints []string
	for _, r := range a.results {
		if r.Outcome != Fail {
			continue
		}
		text := r.Detail
		if text == "" {
			text = r.Message
		}
		hints = append(hints, fmt.Sprintf("%s: %s", r.Name, text))
	}
	return hints
}

// Package verdict holds the evidence vocabulary shared by every check and
// probe: the three-state outcome, the per-check result record, and the
// session-level aggregation that decides the process exit code.
package verdict

import (
	"encoding/json"
	"fmt"
)

// Outcome is the three-state result of a single check. Live probing against
// a third-party deployment cannot always produce unambiguous evidence, so
// "cannot determine" is a first-class state, never folded into pass or fail.
type Outcome int

const (
	Inconclusive Outcome = iota
	Pass
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	default:
		return "INCONCLUSIVE"
	}
}

// MarshalJSON renders the outcome as its name so exported reports stay
// readable without this package's constants.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "PASS":
		*o = Pass
	case "FAIL":
		*o = Fail
	case "INCONCLUSIVE":
		*o = Inconclusive
	default:
		return fmt.Errorf("unknown outcome %q", s)
	}
	return nil
}

// CheckResult records the evidence one check or probe step produced. Detail
// carries the raw evidence and, for failures, the remediation guidance that
// the final report repeats verbatim.
type CheckResult struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
	Detail  string  `json:"detail,omitempty"`
}

// SetupError marks a configuration or prerequisite failure that makes a
// probe family unrunnable: missing credentials, no targets, a dead fallback.
// It maps to the indeterminate exit path, distinct from a protocol failure.
type SetupError struct {
	Reason string
}

func (e *SetupError) Error() string {
	return e.Reason
}

// Setupf builds a SetupError from a format string.
func Setupf(format string, args ...any) *SetupError {
	return &SetupError{Reason: fmt.Sprintf(format, args...)}
}

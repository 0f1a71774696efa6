package types

import "fmt"

// Outcome is the terminal classification of a run, a rollout, or a step
// condition. The empty value means "not terminal".
type Outcome string

const (
	OutcomeNone             Outcome = ""
	OutcomeSubmitted        Outcome = "Submitted"
	OutcomeLimitsExceeded   Outcome = "LimitsExceeded"
	OutcomeFormatError      Outcome = "FormatError"
	OutcomeExecutionTimeout Outcome = "ExecutionTimeout"
	OutcomeError            Outcome = "Error"
)

// Outcomes lists every terminal outcome.
var Outcomes = []Outcome{
	OutcomeSubmitted,
	OutcomeLimitsExceeded,
	OutcomeFormatError,
	OutcomeExecutionTimeout,
	OutcomeError,
}

// Terminal reports whether o is one of the terminal outcomes.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSubmitted, OutcomeLimitsExceeded, OutcomeFormatError, OutcomeExecutionTimeout, OutcomeError:
		return true
	}
	return false
}

// ParseOutcome maps a stored string back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Terminal() {
		return OutcomeNone, fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

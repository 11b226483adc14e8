package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusSkipped:   true,
}

// Run status transitions: pending → running → {completed, failed}.
// skipped is terminal and only ever assigned from pending (disabled runs);
// it is never entered from running.
var validRunTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateRunTransition(from, to Status) error {
	if IsTerminal(from) && from != StatusFailed {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	// failed → running is allowed: resume re-attempts failed runs.
	if from == StatusFailed && to == StatusRunning {
		return nil
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

type ErrorPolicy string

const (
	PolicyContinue ErrorPolicy = "continue"
	PolicyStop     ErrorPolicy = "stop"
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case PolicyContinue, PolicyStop:
		return ErrorPolicy(s), nil
	case "":
		return PolicyContinue, nil
	default:
		return "", fmt.Errorf("unknown error_handling %q (must be %q or %q)", s, PolicyContinue, PolicyStop)
	}
}

package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusNeedsHuman Status = "needs_human"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted:  true,
	StatusNeedsHuman: true,
	StatusDeadLetter: true,
}

// Task lifecycle: pending ↔ in_progress; failed routes back to pending while
// the retry budget lasts, otherwise to dead_letter. needs_human is reached
// from in_progress only (reviewer verdict or ship policy).
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusDeadLetter: true,
	},
	StatusInProgress: {
		StatusPending:    true, // claim release / stale reclaim → back to pending
		StatusFailed:     true,
		StatusNeedsHuman: true,
		StatusCompleted:  true,
	},
	StatusFailed: {
		StatusPending:    true,
		StatusDeadLetter: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

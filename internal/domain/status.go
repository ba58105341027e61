package domain

import "fmt"

// HostRoleStatus is the lifecycle status of a single host role command. Stage
// and request aggregates are expressed with the same type.
type HostRoleStatus string

const (
	StatusPending         HostRoleStatus = "PENDING"
	StatusQueued          HostRoleStatus = "QUEUED"
	StatusInProgress      HostRoleStatus = "IN_PROGRESS"
	StatusHolding         HostRoleStatus = "HOLDING"
	StatusHoldingFailed   HostRoleStatus = "HOLDING_FAILED"
	StatusHoldingTimedOut HostRoleStatus = "HOLDING_TIMEDOUT"
	StatusCompleted       HostRoleStatus = "COMPLETED"
	StatusFailed          HostRoleStatus = "FAILED"
	StatusTimedOut        HostRoleStatus = "TIMEDOUT"
	StatusAborted         HostRoleStatus = "ABORTED"
	StatusSkippedFailed   HostRoleStatus = "SKIPPED_FAILED"
)

var terminalStatuses = map[HostRoleStatus]bool{
	StatusCompleted:     true,
	StatusFailed:        true,
	StatusTimedOut:      true,
	StatusAborted:       true,
	StatusSkippedFailed: true,
}

var failureStatuses = map[HostRoleStatus]bool{
	StatusFailed:   true,
	StatusTimedOut: true,
	StatusAborted:  true,
}

var holdingStatuses = map[HostRoleStatus]bool{
	StatusHolding:         true,
	StatusHoldingFailed:   true,
	StatusHoldingTimedOut: true,
}

// Any state may time out or be aborted; terminal states are final.
var validCommandTransitions = map[HostRoleStatus]map[HostRoleStatus]bool{
	StatusPending: {
		StatusQueued:   true,
		StatusHolding:  true,
		StatusFailed:   true, // dispatch failure
		StatusTimedOut: true,
		StatusAborted:  true,
	},
	StatusQueued: {
		StatusInProgress:      true,
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusTimedOut:        true,
		StatusHoldingFailed:   true,
		StatusHoldingTimedOut: true,
		StatusAborted:         true,
	},
	StatusInProgress: {
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusTimedOut:        true,
		StatusHoldingFailed:   true,
		StatusHoldingTimedOut: true,
		StatusAborted:         true,
	},
	StatusHolding: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusAborted:   true,
	},
	StatusHoldingFailed: {
		StatusPending:       true,
		StatusFailed:        true,
		StatusSkippedFailed: true,
		StatusAborted:       true,
	},
	StatusHoldingTimedOut: {
		StatusPending:       true,
		StatusTimedOut:      true,
		StatusSkippedFailed: true,
		StatusAborted:       true,
	},
}

func (s HostRoleStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsFailure reports statuses that count against a stage's success factor.
func (s HostRoleStatus) IsFailure() bool {
	return failureStatuses[s]
}

func (s HostRoleStatus) IsHolding() bool {
	return holdingStatuses[s]
}

// IsInFlight reports whether a command occupies a dispatch slot on its host.
func (s HostRoleStatus) IsInFlight() bool {
	return s == StatusQueued || s == StatusInProgress
}

func (s HostRoleStatus) IsValid() bool {
	if terminalStatuses[s] {
		return true
	}
	_, ok := validCommandTransitions[s]
	return ok
}

// NonTerminalStatuses lists every status a command can still leave.
func NonTerminalStatuses() []HostRoleStatus {
	return []HostRoleStatus{
		StatusPending,
		StatusQueued,
		StatusInProgress,
		StatusHolding,
		StatusHoldingFailed,
		StatusHoldingTimedOut,
	}
}

// SourcesOf returns every status from which a command may move to target.
func SourcesOf(target HostRoleStatus) []HostRoleStatus {
	var from []HostRoleStatus
	for _, s := range NonTerminalStatuses() {
		if validCommandTransitions[s][target] {
			from = append(from, s)
		}
	}
	return from
}

func ValidateCommandTransition(from, to HostRoleStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %q is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := validCommandTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

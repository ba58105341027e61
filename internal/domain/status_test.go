package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCommandTransition(t *testing.T) {
	tests := []struct {
		from, to HostRoleStatus
		ok       bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusHolding, true},
		{StatusPending, StatusFailed, true},
		{StatusQueued, StatusInProgress, true},
		{StatusQueued, StatusPending, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusHoldingTimedOut, true},
		{StatusInProgress, StatusHolding, false},
		{StatusHolding, StatusCompleted, true},
		{StatusHolding, StatusPending, false},
		{StatusHoldingFailed, StatusPending, true},
		{StatusHoldingFailed, StatusSkippedFailed, true},
		{StatusHoldingTimedOut, StatusTimedOut, true},
		{StatusHoldingTimedOut, StatusCompleted, false},
		{"BOGUS", StatusQueued, false},
	}
	for _, tt := range tests {
		err := ValidateCommandTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestValidateCommandTransition_TerminalIsFinal(t *testing.T) {
	all := append(NonTerminalStatuses(), StatusCompleted, StatusFailed, StatusTimedOut, StatusAborted, StatusSkippedFailed)
	for _, from := range []HostRoleStatus{StatusCompleted, StatusFailed, StatusTimedOut, StatusAborted, StatusSkippedFailed} {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			assert.ErrorIs(t, ValidateCommandTransition(from, to), ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusTimedOut.IsFailure())
	assert.True(t, StatusAborted.IsFailure())
	assert.False(t, StatusSkippedFailed.IsFailure())
	assert.True(t, StatusHoldingTimedOut.IsHolding())
	assert.False(t, StatusHoldingTimedOut.IsTerminal())
	assert.True(t, StatusQueued.IsInFlight())
	assert.False(t, StatusHolding.IsInFlight())
	assert.True(t, StatusSkippedFailed.IsValid())
	assert.False(t, HostRoleStatus("BOGUS").IsValid())

	assert.ElementsMatch(t, []HostRoleStatus{StatusHoldingFailed, StatusHoldingTimedOut}, SourcesOf(StatusSkippedFailed))
	assert.ElementsMatch(t, []HostRoleStatus{StatusHoldingFailed, StatusHoldingTimedOut}, SourcesOf(StatusPending))
}

func TestEffectiveMaintenance(t *testing.T) {
	tests := []struct {
		host, service, component MaintenanceState
		want                     MaintenanceState
	}{
		{MaintenanceOff, MaintenanceOff, MaintenanceOff, MaintenanceOff},
		{MaintenanceOn, MaintenanceOff, MaintenanceOff, MaintenanceImpliedFromHost},
		{MaintenanceOff, MaintenanceOn, MaintenanceOff, MaintenanceImpliedFromService},
		{MaintenanceOn, MaintenanceOn, MaintenanceOff, MaintenanceImpliedFromServiceAndHost},
		{MaintenanceOn, MaintenanceOn, MaintenanceOn, MaintenanceOn},
		{MaintenanceOff, MaintenanceOff, MaintenanceOn, MaintenanceOn},
		{"", "", "", MaintenanceOff},
	}
	for _, tt := range tests {
		got := EffectiveMaintenance(tt.host, tt.service, tt.component)
		assert.Equal(t, tt.want, got, "host=%s service=%s component=%s", tt.host, tt.service, tt.component)
		assert.Equal(t, tt.want != MaintenanceOff, got.Active())
	}
	assert.True(t, MaintenanceOn.IsValidExplicit())
	assert.False(t, MaintenanceImpliedFromHost.IsValidExplicit())
}

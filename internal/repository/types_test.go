package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		min      Role
		expected bool
	}{
		{"viewer below manager", RoleViewer, RoleManager, false},
		{"manager meets manager", RoleManager, RoleManager, true},
		{"admin above manager", RoleAdmin, RoleManager, true},
		{"super admin above admin", RoleSuperAdmin, RoleAdmin, true},
		{"manager below admin", RoleManager, RoleAdmin, false},
		{"viewer meets viewer", RoleViewer, RoleViewer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.role.AtLeast(tt.min))
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleSuperAdmin, ParseRole("SUPER_ADMIN"))
	assert.Equal(t, RoleAdmin, ParseRole("ADMIN"))
	assert.Equal(t, RoleManager, ParseRole("MANAGER"))
	assert.Equal(t, RoleViewer, ParseRole("VIEWER"))

	// Unknown roles degrade to the least privileged.
	assert.Equal(t, RoleViewer, ParseRole("OWNER"))
	assert.Equal(t, RoleViewer, ParseRole(""))
}

func TestPOStatusTransitions(t *testing.T) {
	tests := []struct {
		from    POStatus
		to      POStatus
		allowed bool
	}{
		{StatusDraft, StatusPendingApproval, true},
		{StatusDraft, StatusApproved, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusSent, false},
		{StatusPendingApproval, StatusApproved, true},
		{StatusPendingApproval, StatusDraft, true},
		{StatusPendingApproval, StatusInvoiced, false},
		{StatusApproved, StatusSent, true},
		{StatusApproved, StatusDraft, false},
		{StatusSent, StatusReceived, true},
		{StatusReceived, StatusInvoiced, true},
		{StatusInvoiced, StatusCancelled, true},
		{StatusInvoiced, StatusDraft, false},
		{StatusCancelled, StatusDraft, false},
		{StatusCancelled, StatusApproved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestOrganizationLedgerConnected(t *testing.T) {
	token := "tok"
	empty := ""

	assert.False(t, (&Organization{}).LedgerConnected())
	assert.False(t, (&Organization{FreeAgentAccessToken: &empty}).LedgerConnected())
	assert.True(t, (&Organization{FreeAgentAccessToken: &token}).LedgerConnected())
}

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoleModelLastAssignmentWins(t *testing.T) {
	m := NewRoleModel(
		RoleAssignment{Address: adminAddr, Role: RoleAdmin},
		RoleAssignment{Address: managerAddr, Role: RolePoolManager},
		RoleAssignment{Address: adminAddr, Role: RoleICOManager},
	)
	require.Equal(t, RoleICOManager, m.Role(adminAddr))
	_, ok := m.AddressOf(RoleAdmin)
	require.False(t, ok)
	addr, ok := m.AddressOf(RoleICOManager)
	require.True(t, ok)
	require.Equal(t, adminAddr, addr)
}

func TestRoleModelCapabilities(t *testing.T) {
	m := NewRoleModel(
		RoleAssignment{Address: adminAddr, Role: RoleAdmin},
		RoleAssignment{Address: paybotAddr, Role: RolePaybot},
	)
	require.True(t, m.HasCapability(adminAddr, RoleAdmin|RolePoolManager))
	require.False(t, m.HasCapability(adminAddr, RolePoolManager))
	require.True(t, m.HasCapability(paybotAddr, RolePaybot))
	require.False(t, m.HasCapability(strangerAdr, RoleAdmin|RolePoolManager|RoleICOManager|RolePaybot))
	require.Equal(t, RoleDefault, m.Role(strangerAdr))
}

func TestParseRoleAndPhase(t *testing.T) {
	for _, role := range []Role{RoleDefault, RolePoolManager, RoleICOManager, RoleAdmin, RolePaybot} {
		parsed, err := ParseRole(role.String())
		require.NoError(t, err)
		require.Equal(t, role, parsed)
	}
	_, err := ParseRole("owner")
	require.Error(t, err)

	for _, phase := range AllPhases {
		parsed, err := ParsePhase(phase.String())
		require.NoError(t, err)
		require.Equal(t, phase, parsed)
	}
	_, err = ParsePhase("closed")
	require.Error(t, err)
}

package pool

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a bit flag describing what an address is allowed to do. Operation
// guards are OR-ed masks of roles.
type Role uint8

const (
	RoleDefault     Role = 0x00
	RolePoolManager Role = 0x01
	RoleICOManager  Role = 0x02
	RoleAdmin       Role = 0x04
	RolePaybot      Role = 0x08
)

// StakeholderRoles lists the roles that hold a percentage of the raised ether.
var StakeholderRoles = []Role{RoleAdmin, RolePoolManager, RoleICOManager, RolePaybot}

func (r Role) String() string {
	switch r {
	case RoleDefault:
		return "default"
	case RolePoolManager:
		return "pool_manager"
	case RoleICOManager:
		return "ico_manager"
	case RoleAdmin:
		return "admin"
	case RolePaybot:
		return "paybot"
	default:
		return fmt.Sprintf("role(0x%02x)", uint8(r))
	}
}

// IsStakeholder reports whether the role is one of the percentage holders.
func (r Role) IsStakeholder() bool {
	switch r {
	case RolePoolManager, RoleICOManager, RoleAdmin, RolePaybot:
		return true
	default:
		return false
	}
}

// ParseRole resolves the textual role name used by configuration and the
// HTTP surface.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return RoleDefault, nil
	case "pool_manager", "poolmanager":
		return RolePoolManager, nil
	case "ico_manager", "icomanager":
		return RoleICOManager, nil
	case "admin":
		return RoleAdmin, nil
	case "paybot":
		return RolePaybot, nil
	default:
		return RoleDefault, fmt.Errorf("unknown role %q", raw)
	}
}

// RoleAssignment binds an address to a role at construction time.
type RoleAssignment struct {
	Address common.Address
	Role    Role
}

// RoleModel maps addresses to roles. It is immutable once built.
type RoleModel struct {
	roles   map[common.Address]Role
	holders map[Role]common.Address
}

// NewRoleModel applies the assignments in order. When an address appears more
// than once the last assignment wins.
func NewRoleModel(assignments ...RoleAssignment) *RoleModel {
	m := &RoleModel{
		roles:   make(map[common.Address]Role, len(assignments)),
		holders: make(map[Role]common.Address, len(assignments)),
	}
	for _, a := range assignments {
		m.roles[a.Address] = a.Role
	}
	for _, a := range assignments {
		if a.Role == RoleDefault || m.roles[a.Address] != a.Role {
			continue
		}
		m.holders[a.Role] = a.Address
	}
	return m
}

// Role returns the role of addr, RoleDefault when unassigned.
func (m *RoleModel) Role(addr common.Address) Role {
	if m == nil {
		return RoleDefault
	}
	return m.roles[addr]
}

// HasCapability reports whether addr's role intersects mask.
func (m *RoleModel) HasCapability(addr common.Address, mask Role) bool {
	return m.Role(addr)&mask != 0
}

// AddressOf returns the address holding role.
func (m *RoleModel) AddressOf(role Role) (common.Address, bool) {
	if m == nil {
		return common.Address{}, false
	}
	addr, ok := m.holders[role]
	return addr, ok
}

// Assignments returns the effective assignments, used when persisting.
func (m *RoleModel) Assignments() []RoleAssignment {
	if m == nil {
		return nil
	}
	out := make([]RoleAssignment, 0, len(m.roles))
	for _, role := range StakeholderRoles {
		if addr, ok := m.holders[role]; ok {
			out = append(out, RoleAssignment{Address: addr, Role: role})
		}
	}
	return out
}

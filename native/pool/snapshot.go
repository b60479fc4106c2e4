package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion uint64 = 1

// SnapshotRole is a persisted role assignment.
type SnapshotRole struct {
	Address common.Address
	Role    uint8
}

// SnapshotRelease is the ether released to a stakeholder role.
type SnapshotRelease struct {
	Role   uint8
	Amount *big.Int
}

// SnapshotInvestor is a persisted investor ledger entry.
type SnapshotInvestor struct {
	Address       common.Address
	Contributed   *big.Int
	Refundable    *big.Int
	ReleasedToken *big.Int
	ReleasedEther *big.Int
}

// Snapshot is the full pool state in an RLP friendly layout: unsigned
// integers, big.Int amounts and slices sorted for deterministic encoding.
type Snapshot struct {
	Version                uint64
	Address                common.Address
	Phase                  uint8
	CreatedAt              uint64
	RaisingStart           uint64
	ICOStart               uint64
	DistributionStart      uint64
	RaisingPeriod          uint64
	ICOPeriod              uint64
	DistributionPeriod     uint64
	MinimumFund            *big.Int
	MaximumFund            *big.Int
	MinimumDeposit         *big.Int
	AdminShare             *big.Int
	PoolManagerShare       *big.Int
	LateStakeholderRelease bool
	Roles                  []SnapshotRole
	Released               []SnapshotRelease
	Investors              []SnapshotInvestor
	TotalRaised            *big.Int
	TotalShare             *big.Int
	TotalToken             *big.Int
}

// Snapshot returns the current state for persistence or inspection.
func (p *Pool) Snapshot() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *Pool) snapshot() *Snapshot {
	st := p.state
	sh := p.shares
	snap := &Snapshot{
		Version:                SnapshotVersion,
		Address:                p.cfg.Address,
		Phase:                  uint8(st.phase),
		CreatedAt:              uint64(st.createdAt),
		RaisingStart:           uint64(st.raisingStart),
		ICOStart:               uint64(st.icoStart),
		DistributionStart:      uint64(st.distributionStart),
		RaisingPeriod:          uint64(st.periods.Raising),
		ICOPeriod:              uint64(st.periods.ICO),
		DistributionPeriod:     uint64(st.periods.Distribution),
		MinimumFund:            st.minimumFund.ToBig(),
		MaximumFund:            sh.limits.MaximumFund.ToBig(),
		MinimumDeposit:         sh.limits.MinimumDeposit.ToBig(),
		AdminShare:             sh.percentages[RoleAdmin].ToBig(),
		PoolManagerShare:       sh.percentages[RolePoolManager].ToBig(),
		LateStakeholderRelease: sh.policy.LateStakeholderRelease,
		TotalRaised:            sh.totalRaised.ToBig(),
		TotalShare:             sh.totalShare.ToBig(),
		TotalToken:             sh.totalToken.ToBig(),
	}
	for _, a := range p.roles.Assignments() {
		snap.Roles = append(snap.Roles, SnapshotRole{Address: a.Address, Role: uint8(a.Role)})
	}
	for _, role := range StakeholderRoles {
		snap.Released = append(snap.Released, SnapshotRelease{Role: uint8(role), Amount: sh.released[role].ToBig()})
	}
	for _, addr := range sh.Investors() {
		inv := sh.investors[addr]
		snap.Investors = append(snap.Investors, SnapshotInvestor{
			Address:       addr,
			Contributed:   inv.Contributed.ToBig(),
			Refundable:    inv.Refundable.ToBig(),
			ReleasedToken: inv.ReleasedToken.ToBig(),
			ReleasedEther: inv.ReleasedEther.ToBig(),
		})
	}
	return snap
}

// Restore rebuilds a pool from a snapshot. Automatic transitions that became
// due while the pool was offline are applied on the next read.
func Restore(snap *Snapshot, tok Token, bank EtherBank, opts ...Option) (*Pool, error) {
	if snap == nil {
		return nil, fmt.Errorf("pool: nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("pool: unsupported snapshot version %d", snap.Version)
	}
	amounts := make([]*uint256.Int, 0, 8)
	for _, raw := range []*big.Int{snap.MinimumFund, snap.MaximumFund, snap.MinimumDeposit, snap.AdminShare, snap.PoolManagerShare, snap.TotalRaised, snap.TotalShare, snap.TotalToken} {
		v, err := FromBig(raw)
		if err != nil {
			return nil, fmt.Errorf("pool: snapshot: %w", err)
		}
		amounts = append(amounts, v)
	}
	cfg := Config{
		Address: snap.Address,
		Periods: Periods{
			Raising:      int64(snap.RaisingPeriod),
			ICO:          int64(snap.ICOPeriod),
			Distribution: int64(snap.DistributionPeriod),
		},
		MinimumFund:      amounts[0],
		MaximumFund:      amounts[1],
		MinimumDeposit:   amounts[2],
		AdminShare:       amounts[3],
		PoolManagerShare: amounts[4],
		Policy:           ReleasePolicy{LateStakeholderRelease: snap.LateStakeholderRelease},
	}
	assignments := make([]RoleAssignment, 0, len(snap.Roles))
	for _, r := range snap.Roles {
		role := Role(r.Role)
		assignments = append(assignments, RoleAssignment{Address: r.Address, Role: role})
		switch role {
		case RoleAdmin:
			cfg.Deployer = r.Address
		case RolePoolManager:
			cfg.PoolManager = r.Address
		case RoleICOManager:
			cfg.ICOManager = r.Address
		case RolePaybot:
			cfg.Paybot = r.Address
		}
	}
	p, err := newPool(cfg, tok, bank, opts...)
	if err != nil {
		return nil, err
	}
	p.roles = NewRoleModel(assignments...)

	st := p.state
	st.phase = Phase(snap.Phase)
	st.createdAt = int64(snap.CreatedAt)
	st.raisingStart = int64(snap.RaisingStart)
	st.icoStart = int64(snap.ICOStart)
	st.distributionStart = int64(snap.DistributionStart)

	sh := p.shares
	sh.totalRaised, sh.totalShare, sh.totalToken = amounts[5], amounts[6], amounts[7]
	for _, rel := range snap.Released {
		amount, err := FromBig(rel.Amount)
		if err != nil {
			return nil, fmt.Errorf("pool: snapshot release: %w", err)
		}
		role := Role(rel.Role)
		if !role.IsStakeholder() {
			return nil, fmt.Errorf("pool: snapshot release for %s", role)
		}
		sh.released[role] = amount
	}
	for _, entry := range snap.Investors {
		inv := newInvestor()
		for dst, raw := range map[**uint256.Int]*big.Int{
			&inv.Contributed:   entry.Contributed,
			&inv.Refundable:    entry.Refundable,
			&inv.ReleasedToken: entry.ReleasedToken,
			&inv.ReleasedEther: entry.ReleasedEther,
		} {
			v, err := FromBig(raw)
			if err != nil {
				return nil, fmt.Errorf("pool: snapshot investor %s: %w", entry.Address.Hex(), err)
			}
			*dst = v
		}
		sh.investors[entry.Address] = inv
	}
	return p, nil
}

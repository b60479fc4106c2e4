package pool

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReleasePolicy controls when stakeholders may still draw their ether and
// which unclaimed allotments are handed back to investors.
type ReleasePolicy struct {
	// LateStakeholderRelease lets admin, pool manager and pay-bot release
	// during token distribution. Only the ICO manager's unclaimed ether is
	// then redistributed to investors.
	LateStakeholderRelease bool
}

// Investor is the per-address contribution ledger.
type Investor struct {
	Contributed   *uint256.Int
	Refundable    *uint256.Int
	ReleasedToken *uint256.Int
	ReleasedEther *uint256.Int
}

func newInvestor() *Investor {
	return &Investor{
		Contributed:   new(uint256.Int),
		Refundable:    new(uint256.Int),
		ReleasedToken: new(uint256.Int),
		ReleasedEther: new(uint256.Int),
	}
}

func (i *Investor) clone() *Investor {
	return &Investor{
		Contributed:   cloneAmount(i.Contributed),
		Refundable:    cloneAmount(i.Refundable),
		ReleasedToken: cloneAmount(i.ReleasedToken),
		ReleasedEther: cloneAmount(i.ReleasedEther),
	}
}

// Limits bounds contributions.
type Limits struct {
	MinimumDeposit *uint256.Int
	MaximumFund    *uint256.Int
}

// ShareStore keeps the proportional accounting of contributions, tokens and
// stakeholder payouts. It performs no transfers: every mutating method
// returns an undo func the caller runs if moving funds fails.
type ShareStore struct {
	limits      Limits
	policy      ReleasePolicy
	percentages map[Role]*uint256.Int
	released    map[Role]*uint256.Int
	investors   map[common.Address]*Investor
	totalRaised *uint256.Int
	totalShare  *uint256.Int
	totalToken  *uint256.Int
}

// NewShareStore builds an empty store. adminShare and poolManagerShare are
// fixed-point fractions of Decimals; the ICO manager receives the remainder.
func NewShareStore(limits Limits, adminShare, poolManagerShare *uint256.Int, policy ReleasePolicy) (*ShareStore, error) {
	admin := cloneAmount(adminShare)
	manager := cloneAmount(poolManagerShare)
	fees, overflow := new(uint256.Int).AddOverflow(admin, manager)
	if overflow || fees.Cmp(Decimals) > 0 {
		return nil, fmt.Errorf("pool: stakeholder shares exceed %s", Decimals.Dec())
	}
	s := &ShareStore{
		limits: Limits{
			MinimumDeposit: cloneAmount(limits.MinimumDeposit),
			MaximumFund:    cloneAmount(limits.MaximumFund),
		},
		policy: policy,
		percentages: map[Role]*uint256.Int{
			RoleAdmin:       admin,
			RolePoolManager: manager,
			RoleICOManager:  new(uint256.Int).Sub(Decimals, fees),
			RolePaybot:      new(uint256.Int),
		},
		released:    make(map[Role]*uint256.Int, len(StakeholderRoles)),
		investors:   make(map[common.Address]*Investor),
		totalRaised: new(uint256.Int),
		totalShare:  new(uint256.Int),
		totalToken:  new(uint256.Int),
	}
	for _, role := range StakeholderRoles {
		s.released[role] = new(uint256.Int)
	}
	return s, nil
}

func requirePhase(current, allowed Phase) error {
	if !current.In(allowed) {
		return fmt.Errorf("%w: %s", ErrWrongPhase, current)
	}
	return nil
}

func noop() {}

// TotalRaised is the sum of original contributions.
func (s *ShareStore) TotalRaised() *uint256.Int { return cloneAmount(s.totalRaised) }

// TotalShare is the sum of contributions still held for investors. It only
// diverges from TotalRaised once refunds start.
func (s *ShareStore) TotalShare() *uint256.Int { return cloneAmount(s.totalShare) }

// TotalToken is the amount of tokens accepted from the ICO.
func (s *ShareStore) TotalToken() *uint256.Int { return cloneAmount(s.totalToken) }

// Percentage returns the fixed-point share of a stakeholder role.
func (s *ShareStore) Percentage(role Role) (*uint256.Int, error) {
	p, ok := s.percentages[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStakeholder, role)
	}
	return cloneAmount(p), nil
}

// Released returns what has been paid out to a stakeholder role.
func (s *ShareStore) Released(role Role) *uint256.Int {
	return cloneAmount(s.released[role])
}

// Investor returns a copy of the ledger entry for addr.
func (s *ShareStore) Investor(addr common.Address) (*Investor, bool) {
	inv, ok := s.investors[addr]
	if !ok {
		return nil, false
	}
	return inv.clone(), true
}

// Investors lists investor addresses in byte order.
func (s *ShareStore) Investors() []common.Address {
	out := make([]common.Address, 0, len(s.investors))
	for addr := range s.investors {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Contribute records a deposit made during raising.
func (s *ShareStore) Contribute(phase Phase, investor common.Address, amount *uint256.Int) (func(), error) {
	if err := requirePhase(phase, PhaseRaising); err != nil {
		return noop, err
	}
	amt := cloneAmount(amount)
	if amt.Cmp(s.limits.MinimumDeposit) < 0 {
		return noop, fmt.Errorf("%w: %s < %s", ErrBelowMinimumDeposit, amt.Dec(), s.limits.MinimumDeposit.Dec())
	}
	next, overflow := new(uint256.Int).AddOverflow(s.totalRaised, amt)
	if overflow || next.Cmp(s.limits.MaximumFund) > 0 {
		return noop, fmt.Errorf("%w: raising %s would exceed %s", ErrFundCapExceeded, amt.Dec(), s.limits.MaximumFund.Dec())
	}
	inv, existed := s.investors[investor]
	if !existed {
		inv = newInvestor()
		s.investors[investor] = inv
	}
	prev := inv.clone()
	prevRaised, prevShare := cloneAmount(s.totalRaised), cloneAmount(s.totalShare)

	inv.Contributed.Add(inv.Contributed, amt)
	inv.Refundable.Add(inv.Refundable, amt)
	s.totalRaised = next
	s.totalShare.Add(s.totalShare, amt)

	return func() {
		if existed {
			s.investors[investor] = prev
		} else {
			delete(s.investors, investor)
		}
		s.totalRaised, s.totalShare = prevRaised, prevShare
	}, nil
}

// AcceptTokens credits tokens delivered by the ICO manager.
func (s *ShareStore) AcceptTokens(phase Phase, amount *uint256.Int) (func(), error) {
	if err := requirePhase(phase, PhaseWaitForICO); err != nil {
		return noop, err
	}
	next, overflow := new(uint256.Int).AddOverflow(s.totalToken, cloneAmount(amount))
	if overflow {
		return noop, fmt.Errorf("%w: token total overflows", ErrInvalidAmount)
	}
	prev := s.totalToken
	s.totalToken = next
	return func() { s.totalToken = prev }, nil
}

// StakeholderPhases returns the phases in which role may draw ether.
func (s *ShareStore) StakeholderPhases(role Role) Phase {
	if s.policy.LateStakeholderRelease && role != RoleICOManager {
		return PhaseWaitForICO | PhaseTokenDistribution
	}
	return PhaseWaitForICO
}

// StakeholderEntitlement is the unreleased part of role's allotment.
func (s *ShareStore) StakeholderEntitlement(phase Phase, role Role) (*uint256.Int, error) {
	p, ok := s.percentages[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStakeholder, role)
	}
	if !phase.In(PhaseWaitForICO | PhaseTokenDistribution | PhaseFundDeprecated) {
		return new(uint256.Int), nil
	}
	return subFloor(mulDiv(s.totalRaised, p, Decimals), s.released[role]), nil
}

// ReleaseToStakeholder books a payout of amount to role.
func (s *ShareStore) ReleaseToStakeholder(phase Phase, role Role, amount *uint256.Int) (func(), error) {
	if _, ok := s.percentages[role]; !ok {
		return noop, fmt.Errorf("%w: %s", ErrUnknownStakeholder, role)
	}
	if err := requirePhase(phase, s.StakeholderPhases(role)); err != nil {
		return noop, err
	}
	entitled, err := s.StakeholderEntitlement(phase, role)
	if err != nil {
		return noop, err
	}
	amt := cloneAmount(amount)
	if amt.Cmp(entitled) > 0 {
		return noop, fmt.Errorf("%w: %s requested %s of %s", ErrInsufficientEntitlement, role, amt.Dec(), entitled.Dec())
	}
	prev := s.released[role]
	s.released[role] = new(uint256.Int).Add(prev, amt)
	return func() { s.released[role] = prev }, nil
}

// TokenEntitlement is the unreleased token share of addr.
func (s *ShareStore) TokenEntitlement(phase Phase, addr common.Address) *uint256.Int {
	inv, ok := s.investors[addr]
	if !ok || !phase.In(PhaseTokenDistribution|PhaseFundDeprecated) {
		return new(uint256.Int)
	}
	return subFloor(mulDiv(inv.Contributed, s.totalToken, s.totalRaised), inv.ReleasedToken)
}

// unusedStakeholderEther is the ether stakeholders left unclaimed and that
// therefore belongs to investors.
func (s *ShareStore) unusedStakeholderEther() *uint256.Int {
	forfeiting := StakeholderRoles
	if s.policy.LateStakeholderRelease {
		forfeiting = []Role{RoleICOManager}
	}
	unused := new(uint256.Int)
	for _, role := range forfeiting {
		allotment := mulDiv(s.totalRaised, s.percentages[role], Decimals)
		unused.Add(unused, subFloor(allotment, s.released[role]))
	}
	return unused
}

func (s *ShareStore) percentageSum() *uint256.Int {
	sum := new(uint256.Int)
	for _, role := range StakeholderRoles {
		sum.Add(sum, s.percentages[role])
	}
	return sum
}

// EtherEntitlement is the ether addr can currently withdraw: the refundable
// contribution while raising or in money back, its share of unused
// stakeholder ether once tokens are distributed.
func (s *ShareStore) EtherEntitlement(phase Phase, addr common.Address) *uint256.Int {
	inv, ok := s.investors[addr]
	if !ok {
		return new(uint256.Int)
	}
	switch {
	case phase.In(PhaseRaising | PhaseMoneyBack):
		return cloneAmount(inv.Refundable)
	case phase.In(PhaseTokenDistribution | PhaseFundDeprecated):
		denominator := mulDiv(s.totalRaised, s.percentageSum(), Decimals)
		return subFloor(mulDiv(inv.Contributed, s.unusedStakeholderEther(), denominator), inv.ReleasedEther)
	default:
		return new(uint256.Int)
	}
}

// ReleaseToken books a token withdrawal for addr.
func (s *ShareStore) ReleaseToken(phase Phase, addr common.Address, amount *uint256.Int) (func(), error) {
	if err := requirePhase(phase, PhaseTokenDistribution); err != nil {
		return noop, err
	}
	entitled := s.TokenEntitlement(phase, addr)
	amt := cloneAmount(amount)
	if amt.Cmp(entitled) > 0 {
		return noop, fmt.Errorf("%w: token %s of %s", ErrInsufficientEntitlement, amt.Dec(), entitled.Dec())
	}
	if amt.IsZero() {
		return noop, nil
	}
	inv := s.investors[addr]
	prev := inv.ReleasedToken
	inv.ReleasedToken = new(uint256.Int).Add(prev, amt)
	return func() { inv.ReleasedToken = prev }, nil
}

// ReleaseEther books an ether withdrawal for addr during token distribution.
func (s *ShareStore) ReleaseEther(phase Phase, addr common.Address, amount *uint256.Int) (func(), error) {
	if err := requirePhase(phase, PhaseTokenDistribution); err != nil {
		return noop, err
	}
	entitled := s.EtherEntitlement(phase, addr)
	amt := cloneAmount(amount)
	if amt.Cmp(entitled) > 0 {
		return noop, fmt.Errorf("%w: ether %s of %s", ErrInsufficientEntitlement, amt.Dec(), entitled.Dec())
	}
	if amt.IsZero() {
		return noop, nil
	}
	inv := s.investors[addr]
	prev := inv.ReleasedEther
	inv.ReleasedEther = new(uint256.Int).Add(prev, amt)
	return func() { inv.ReleasedEther = prev }, nil
}

// Refund books the return of part of addr's contribution in money back. The
// original contribution is kept so ratios elsewhere stay stable.
func (s *ShareStore) Refund(phase Phase, addr common.Address, amount *uint256.Int) (func(), error) {
	if err := requirePhase(phase, PhaseMoneyBack); err != nil {
		return noop, err
	}
	amt := cloneAmount(amount)
	inv, ok := s.investors[addr]
	refundable := new(uint256.Int)
	if ok {
		refundable = inv.Refundable
	}
	if amt.Cmp(refundable) > 0 {
		return noop, fmt.Errorf("%w: refund %s of %s", ErrInsufficientEntitlement, amt.Dec(), refundable.Dec())
	}
	if amt.IsZero() {
		return noop, nil
	}
	prevRefundable, prevShare := inv.Refundable, s.totalShare
	inv.Refundable = new(uint256.Int).Sub(prevRefundable, amt)
	s.totalShare = new(uint256.Int).Sub(prevShare, amt)
	return func() {
		inv.Refundable = prevRefundable
		s.totalShare = prevShare
	}, nil
}

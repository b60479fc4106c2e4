package pool

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Periods holds the length of each timed phase in seconds.
type Periods struct {
	Raising      int64
	ICO          int64
	Distribution int64
}

// Deadlines exposes the absolute timestamps at which timed phases end. A zero
// value means the phase has not started yet.
type Deadlines struct {
	RaisingEnds      int64
	ICOEnds          int64
	DistributionEnds int64
	// DeprecatedAt bounds the whole pool lifetime measured from the raising start.
	DeprecatedAt int64
}

// Transition records a phase change and the instant it took effect.
type Transition struct {
	From      Phase
	To        Phase
	At        int64
	Automatic bool
}

type transitionRule struct {
	from    Phase
	callers Role
}

// manualTransitions is keyed by target phase. FUND_DEPRECATED has no entry
// and can only be reached by the clock.
var manualTransitions = map[Phase]transitionRule{
	PhaseRaising:           {from: PhaseDefault, callers: RolePoolManager},
	PhaseWaitForICO:        {from: PhaseRaising, callers: RolePoolManager | RoleICOManager},
	PhaseMoneyBack:         {from: PhaseRaising, callers: RolePoolManager | RoleAdmin | RolePaybot},
	PhaseTokenDistribution: {from: PhaseWaitForICO, callers: RoleICOManager | RoleAdmin | RolePoolManager | RolePaybot},
}

// StateModel is the time driven phase machine. Automatic transitions are
// evaluated lazily whenever the current phase is read.
type StateModel struct {
	phase             Phase
	createdAt         int64
	raisingStart      int64
	icoStart          int64
	distributionStart int64
	periods           Periods
	minimumFund       *uint256.Int
	raised            func() *uint256.Int
}

// NewStateModel creates a machine in PhaseDefault. raised reports the amount
// compared against minimumFund when the raising period elapses.
func NewStateModel(createdAt int64, periods Periods, minimumFund *uint256.Int, raised func() *uint256.Int) *StateModel {
	return &StateModel{
		phase:       PhaseDefault,
		createdAt:   createdAt,
		periods:     periods,
		minimumFund: cloneAmount(minimumFund),
		raised:      raised,
	}
}

// Advance applies every automatic transition due at now, repeating until the
// phase is stable, and returns what fired.
func (s *StateModel) Advance(now int64) []Transition {
	var fired []Transition
	for {
		next, at, ok := s.automaticStep(now)
		if !ok {
			return fired
		}
		fired = append(fired, Transition{From: s.phase, To: next, At: at, Automatic: true})
		s.enter(next, at)
	}
}

func (s *StateModel) automaticStep(now int64) (Phase, int64, bool) {
	switch s.phase {
	case PhaseRaising:
		deadline := s.raisingStart + s.periods.Raising
		if now < deadline {
			return s.phase, 0, false
		}
		if s.currentRaised().Cmp(s.minimumFund) >= 0 {
			return PhaseWaitForICO, deadline, true
		}
		return PhaseMoneyBack, deadline, true
	case PhaseWaitForICO:
		if deadline := s.icoStart + s.periods.ICO; now >= deadline {
			return PhaseTokenDistribution, deadline, true
		}
		// Backstop only: the ICO deadline always comes first.
		if deadline := s.lifetimeEnd(); now >= deadline {
			return PhaseFundDeprecated, deadline, true
		}
	case PhaseTokenDistribution:
		if deadline := s.distributionStart + s.periods.Distribution; now >= deadline {
			return PhaseFundDeprecated, deadline, true
		}
	}
	return s.phase, 0, false
}

// Current advances the machine to now and returns the resulting phase.
func (s *StateModel) Current(now int64) (Phase, []Transition) {
	fired := s.Advance(now)
	return s.phase, fired
}

// Phase returns the last evaluated phase without consulting the clock.
func (s *StateModel) Phase() Phase { return s.phase }

// Request performs a manual transition on behalf of a caller holding role.
// Authorization is checked before the source phase.
func (s *StateModel) Request(role Role, target Phase, now int64) ([]Transition, error) {
	rule, ok := manualTransitions[target]
	if !ok || role&rule.callers == 0 {
		return nil, fmt.Errorf("%w: %s may not move the pool to %s", ErrUnauthorized, role, target)
	}
	fired := s.Advance(now)
	if s.phase != rule.from {
		return fired, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, target)
	}
	fired = append(fired, Transition{From: s.phase, To: target, At: now})
	s.enter(target, now)
	return fired, nil
}

func (s *StateModel) enter(next Phase, at int64) {
	switch next {
	case PhaseRaising:
		s.raisingStart = at
	case PhaseWaitForICO:
		s.icoStart = at
	case PhaseTokenDistribution:
		s.distributionStart = at
	}
	s.phase = next
}

// stateCheckpoint captures everything a transition can change.
type stateCheckpoint struct {
	phase             Phase
	raisingStart      int64
	icoStart          int64
	distributionStart int64
}

func (s *StateModel) checkpoint() stateCheckpoint {
	return stateCheckpoint{
		phase:             s.phase,
		raisingStart:      s.raisingStart,
		icoStart:          s.icoStart,
		distributionStart: s.distributionStart,
	}
}

func (s *StateModel) restore(c stateCheckpoint) {
	s.phase = c.phase
	s.raisingStart = c.raisingStart
	s.icoStart = c.icoStart
	s.distributionStart = c.distributionStart
}

func (s *StateModel) lifetimeEnd() int64 {
	return s.raisingStart + s.periods.Raising + s.periods.ICO + s.periods.Distribution
}

func (s *StateModel) currentRaised() *uint256.Int {
	if s.raised == nil {
		return new(uint256.Int)
	}
	return cloneAmount(s.raised())
}

// Deadlines reports the end of each timed phase that has started.
func (s *StateModel) Deadlines() Deadlines {
	var d Deadlines
	if s.phase == PhaseDefault {
		return d
	}
	d.RaisingEnds = s.raisingStart + s.periods.Raising
	d.DeprecatedAt = s.lifetimeEnd()
	if s.icoStart != 0 {
		d.ICOEnds = s.icoStart + s.periods.ICO
	}
	if s.distributionStart != 0 {
		d.DistributionEnds = s.distributionStart + s.periods.Distribution
	}
	return d
}

// Periods returns the configured phase lengths.
func (s *StateModel) Periods() Periods { return s.periods }

// CreatedAt returns the construction timestamp.
func (s *StateModel) CreatedAt() int64 { return s.createdAt }

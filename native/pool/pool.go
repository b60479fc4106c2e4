package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"icopool/core/events"
	"icopool/core/types"
)

var errNilConfig = errors.New("pool: config not provided")

// Config captures the deployment parameters of a pool.
type Config struct {
	// Address is the account holding the pooled ether and tokens.
	Address          common.Address
	Deployer         common.Address
	PoolManager      common.Address
	ICOManager       common.Address
	Paybot           common.Address
	Periods          Periods
	MinimumFund      *uint256.Int
	MaximumFund      *uint256.Int
	MinimumDeposit   *uint256.Int
	AdminShare       *uint256.Int
	PoolManagerShare *uint256.Int
	Policy           ReleasePolicy
}

func (c *Config) validate() error {
	if c == nil {
		return errNilConfig
	}
	if c.Address == (common.Address{}) {
		return errors.New("pool: pool address required")
	}
	if c.Periods.Raising < 0 || c.Periods.ICO < 0 || c.Periods.Distribution < 0 {
		return errors.New("pool: periods must not be negative")
	}
	if c.MaximumFund != nil && c.MinimumFund != nil && c.MaximumFund.Cmp(c.MinimumFund) < 0 {
		return errors.New("pool: maximum fund below minimum fund")
	}
	return nil
}

// Option customises a pool at construction.
type Option func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEmitter sets the event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(p *Pool) {
		if emitter != nil {
			p.emitter = emitter
		}
	}
}

// WithNowFunc overrides the unix-seconds clock. Tests use it to drive the
// phase machine deterministically.
func WithNowFunc(now func() int64) Option {
	return func(p *Pool) {
		if now != nil {
			p.nowFn = now
		}
	}
}

// WithPersister stores a snapshot after each committed change.
func WithPersister(persister Persister) Option {
	return func(p *Pool) { p.persister = persister }
}

// WithLocker replaces the pool's mutex. Writers sharing the pool's storage
// pass the same locker so their changes never interleave with an operation.
func WithLocker(locker sync.Locker) Option {
	return func(p *Pool) {
		if locker != nil {
			p.mu = locker
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(p *Pool) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// Pool is the facade combining roles, phases and share accounting. Every
// public method holds a single lock for its whole duration.
type Pool struct {
	mu        sync.Locker
	cfg       Config
	roles     *RoleModel
	state     *StateModel
	shares    *ShareStore
	token     Token
	bank      EtherBank
	emitter   events.Emitter
	logger    *slog.Logger
	persister Persister
	metrics   Metrics
	nowFn     func() int64
	dirty     bool
	// pending holds events published once the change behind them is saved.
	pending []*types.Event
}

// New deploys a pool. The deployer becomes admin.
func New(cfg Config, token Token, bank EtherBank, opts ...Option) (*Pool, error) {
	p, err := newPool(cfg, token, bank, opts...)
	if err != nil {
		return nil, err
	}
	p.dirty = true
	if err := p.commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPool(cfg Config, token Token, bank EtherBank, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errNilToken
	}
	if bank == nil {
		return nil, errNilBank
	}
	p := &Pool{
		mu:      &sync.Mutex{},
		cfg:     cfg,
		token:   token,
		bank:    bank,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: noopMetrics{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "pool"), slog.String("pool", cfg.Address.Hex()))
	p.roles = NewRoleModel(
		RoleAssignment{Address: cfg.Deployer, Role: RoleAdmin},
		RoleAssignment{Address: cfg.PoolManager, Role: RolePoolManager},
		RoleAssignment{Address: cfg.ICOManager, Role: RoleICOManager},
		RoleAssignment{Address: cfg.Paybot, Role: RolePaybot},
	)
	shares, err := NewShareStore(Limits{
		MinimumDeposit: cfg.MinimumDeposit,
		MaximumFund:    maxOrUnbounded(cfg.MaximumFund),
	}, cfg.AdminShare, cfg.PoolManagerShare, cfg.Policy)
	if err != nil {
		return nil, err
	}
	p.shares = shares
	p.state = NewStateModel(p.now(), cfg.Periods, cfg.MinimumFund, shares.TotalRaised)
	return p, nil
}

func maxOrUnbounded(v *uint256.Int) *uint256.Int {
	if v == nil {
		return cloneAmount(MaxAmount)
	}
	return v
}

// Address returns the account holding the pooled funds.
func (p *Pool) Address() common.Address { return p.cfg.Address }

// TokenAddress returns the address of the distributed token.
func (p *Pool) TokenAddress() common.Address { return p.token.Address() }

func (p *Pool) now() int64 {
	if p == nil || p.nowFn == nil {
		return time.Now().Unix()
	}
	return p.nowFn()
}

// phase re-evaluates automatic transitions. Callers must hold p.mu.
func (p *Pool) phase() Phase {
	phase, fired := p.state.Current(p.now())
	p.recordTransitions(fired)
	return phase
}

func (p *Pool) recordTransitions(fired []Transition) {
	for _, t := range fired {
		p.dirty = true
		p.logger.Info("pool phase changed",
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
			slog.Int64("at", t.At),
			slog.Bool("automatic", t.Automatic))
		p.emit(NewPhaseChangedEvent(t))
	}
}

func (p *Pool) observe(operation string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = outcomeOf(err)
	}
	p.metrics.ObserveOperation(operation, outcome, time.Since(started))
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrWrongPhase), errors.Is(err, ErrInvalidTransition):
		return "wrong_phase"
	case errors.Is(err, ErrTransferFailed), errors.Is(err, ErrAllowanceExceeded):
		return "transfer_failed"
	default:
		return "rejected"
	}
}

// authorize checks the caller's role after the phase check.
func (p *Pool) authorize(caller common.Address, mask Role) error {
	if !p.roles.HasCapability(caller, mask) {
		return fmt.Errorf("%w: %s is %s", ErrUnauthorized, caller.Hex(), p.roles.Role(caller))
	}
	return nil
}

// Role returns the role of addr.
func (p *Pool) Role(addr common.Address) Role {
	return p.roles.Role(addr)
}

// Roles lists the configured role holders.
func (p *Pool) Roles() []RoleAssignment {
	return p.roles.Assignments()
}

// State returns the current phase after applying due transitions.
func (p *Pool) State() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase()
	p.commitQuietly()
	return phase
}

// Deadlines returns the end of every started timed phase.
func (p *Pool) Deadlines() Deadlines {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase()
	p.commitQuietly()
	return p.state.Deadlines()
}

// TotalShare returns the contributions still held for investors.
func (p *Pool) TotalShare() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares.TotalShare()
}

// TotalRaised returns the sum of original contributions.
func (p *Pool) TotalRaised() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares.TotalRaised()
}

// TotalToken returns the tokens accepted from the ICO.
func (p *Pool) TotalToken() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares.TotalToken()
}

// StakeholderShare returns the fixed-point percentage of role.
func (p *Pool) StakeholderShare(role Role) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares.Percentage(role)
}

// StakeholderSummary describes one percentage holder.
type StakeholderSummary struct {
	Role      Role
	Address   common.Address
	Assigned  bool
	Share     *uint256.Int
	Released  *uint256.Int
	Available *uint256.Int
}

// Summary is a consistent view of the pool taken under a single lock.
type Summary struct {
	Address      common.Address
	Token        common.Address
	Phase        Phase
	Deadlines    Deadlines
	TotalRaised  *uint256.Int
	TotalShare   *uint256.Int
	TotalToken   *uint256.Int
	Stakeholders []StakeholderSummary
}

// Summary returns the current phase, deadlines, totals and stakeholder
// balances.
func (p *Pool) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase()
	p.commitQuietly()
	out := Summary{
		Address:      p.cfg.Address,
		Token:        p.token.Address(),
		Phase:        phase,
		Deadlines:    p.state.Deadlines(),
		TotalRaised:  p.shares.TotalRaised(),
		TotalShare:   p.shares.TotalShare(),
		TotalToken:   p.shares.TotalToken(),
		Stakeholders: make([]StakeholderSummary, 0, len(StakeholderRoles)),
	}
	for _, role := range StakeholderRoles {
		share, _ := p.shares.Percentage(role)
		available, _ := p.shares.StakeholderEntitlement(phase, role)
		addr, ok := p.roles.AddressOf(role)
		out.Stakeholders = append(out.Stakeholders, StakeholderSummary{
			Role:      role,
			Address:   addr,
			Assigned:  ok,
			Share:     share,
			Released:  p.shares.Released(role),
			Available: available,
		})
	}
	return out
}


// SetState requests a manual transition.
func (p *Pool) SetState(caller common.Address, target Phase) (err error) {
	started := time.Now()
	defer func() { p.observe("set_state", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(_ *txn, _ Phase) error {
		fired, err := p.state.Request(p.roles.Role(caller), target, p.now())
		p.recordTransitions(fired)
		return err
	})
}

// BuyShare deposits amount from investor during raising.
func (p *Pool) BuyShare(investor common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("buy_share", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.contribute(tx, phase, investor, cloneAmount(amount))
	})
}

func (p *Pool) contribute(tx *txn, phase Phase, investor common.Address, amount *uint256.Int) error {
	undo, err := p.shares.Contribute(phase, investor, amount)
	if err != nil {
		return err
	}
	tx.book(undo)
	if err := p.moveEther(tx, investor, p.cfg.Address, amount); err != nil {
		return err
	}
	p.dirty = true
	p.logger.Info("contribution accepted",
		slog.String("investor", investor.Hex()),
		slog.String("amount", amount.Dec()))
	p.emit(NewContributedEvent(investor, amount, p.shares.TotalRaised()))
	return nil
}

// StakeholderBalanceOf returns the ether role may still release.
func (p *Pool) StakeholderBalanceOf(role Role) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase()
	p.commitQuietly()
	return p.shares.StakeholderEntitlement(phase, role)
}

// ReleaseEtherToStakeholder pays the caller's own stakeholder allotment.
func (p *Pool) ReleaseEtherToStakeholder(caller common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_stakeholder", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	role := p.roles.Role(caller)
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseStakeholder(tx, phase, caller, role, cloneAmount(amount), false)
	})
}

// ReleaseEtherToStakeholderForce lets the admin pay role's allotment to the
// address registered for role.
func (p *Pool) ReleaseEtherToStakeholderForce(caller common.Address, role Role, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_stakeholder_force", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseStakeholder(tx, phase, caller, role, cloneAmount(amount), true)
	})
}

func (p *Pool) releaseStakeholder(tx *txn, phase Phase, caller common.Address, role Role, amount *uint256.Int, force bool) error {
	allowed := PhaseWaitForICO
	if role.IsStakeholder() {
		allowed = p.shares.StakeholderPhases(role)
	}
	if err := requirePhase(phase, allowed); err != nil {
		return err
	}
	if force {
		if err := p.authorize(caller, RoleAdmin); err != nil {
			return err
		}
	} else if !role.IsStakeholder() {
		return fmt.Errorf("%w: %s holds no stakeholder role", ErrUnauthorized, caller.Hex())
	}
	to, ok := p.roles.AddressOf(role)
	if !ok {
		return fmt.Errorf("%w: no address registered for %s", ErrUnknownStakeholder, role)
	}
	undo, err := p.shares.ReleaseToStakeholder(phase, role, amount)
	if err != nil {
		return err
	}
	tx.book(undo)
	if err := p.moveEther(tx, p.cfg.Address, to, amount); err != nil {
		return err
	}
	p.dirty = true
	p.logger.Info("stakeholder ether released",
		slog.String("role", role.String()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()))
	p.emit(NewStakeholderReleasedEvent(role, to, caller, amount))
	return nil
}

// AcceptTokenFromICO pulls amount tokens from the ICO manager using the
// allowance granted to the pool.
func (p *Pool) AcceptTokenFromICO(caller common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("accept_tokens", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	amt := cloneAmount(amount)
	return p.run(func(tx *txn, phase Phase) error {
		if err := requirePhase(phase, PhaseWaitForICO); err != nil {
			return err
		}
		if err := p.authorize(caller, RoleICOManager); err != nil {
			return err
		}
		undo, err := p.shares.AcceptTokens(phase, amt)
		if err != nil {
			return err
		}
		tx.book(undo)
		if !amt.IsZero() {
			if err := p.pullToken(tx, caller, p.cfg.Address, amt); err != nil {
				return fmt.Errorf("%w: %v", ErrAllowanceExceeded, err)
			}
		}
		p.dirty = true
		p.logger.Info("tokens accepted", slog.String("from", caller.Hex()), slog.String("amount", amt.Dec()))
		p.emit(NewTokensAcceptedEvent(caller, amt, p.shares.TotalToken()))
		return nil
	})
}

// BalanceTokenOf returns the tokens addr may still release.
func (p *Pool) BalanceTokenOf(addr common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase()
	p.commitQuietly()
	return p.shares.TokenEntitlement(phase, addr)
}

// BalanceEtherOf returns the ether addr may currently withdraw.
func (p *Pool) BalanceEtherOf(addr common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase()
	p.commitQuietly()
	return p.shares.EtherEntitlement(phase, addr)
}

// ReleaseToken withdraws the caller's tokens.
func (p *Pool) ReleaseToken(caller common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_token", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseToken(tx, phase, caller, caller, cloneAmount(amount), false)
	})
}

// ReleaseTokenForce lets the admin push tokens to investor.
func (p *Pool) ReleaseTokenForce(caller, investor common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_token_force", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseToken(tx, phase, caller, investor, cloneAmount(amount), true)
	})
}

func (p *Pool) releaseToken(tx *txn, phase Phase, caller, investor common.Address, amount *uint256.Int, force bool) error {
	if err := requirePhase(phase, PhaseTokenDistribution); err != nil {
		return err
	}
	if force {
		if err := p.authorize(caller, RoleAdmin); err != nil {
			return err
		}
	}
	undo, err := p.shares.ReleaseToken(phase, investor, amount)
	if err != nil {
		return err
	}
	tx.book(undo)
	if err := p.moveToken(tx, investor, amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	p.dirty = true
	p.logger.Info("tokens released", slog.String("investor", investor.Hex()), slog.String("amount", amount.Dec()))
	p.emit(NewTokenReleasedEvent(investor, caller, amount))
	return nil
}

// ReleaseEther withdraws the caller's share of unused stakeholder ether.
func (p *Pool) ReleaseEther(caller common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_ether", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseEther(tx, phase, caller, caller, cloneAmount(amount), false)
	})
}

// ReleaseEtherForce lets the admin push ether to investor.
func (p *Pool) ReleaseEtherForce(caller, investor common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("release_ether_force", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.releaseEther(tx, phase, caller, investor, cloneAmount(amount), true)
	})
}

func (p *Pool) releaseEther(tx *txn, phase Phase, caller, investor common.Address, amount *uint256.Int, force bool) error {
	if err := requirePhase(phase, PhaseTokenDistribution); err != nil {
		return err
	}
	if force {
		if err := p.authorize(caller, RoleAdmin); err != nil {
			return err
		}
	}
	undo, err := p.shares.ReleaseEther(phase, investor, amount)
	if err != nil {
		return err
	}
	tx.book(undo)
	if err := p.moveEther(tx, p.cfg.Address, investor, amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	p.dirty = true
	p.logger.Info("ether released", slog.String("investor", investor.Hex()), slog.String("amount", amount.Dec()))
	p.emit(NewEtherReleasedEvent(investor, caller, amount))
	return nil
}

// RefundShare returns part of the caller's contribution in money back.
func (p *Pool) RefundShare(caller common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("refund", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.refund(tx, phase, caller, caller, cloneAmount(amount), false)
	})
}

// RefundShareForce lets the admin refund investor.
func (p *Pool) RefundShareForce(caller, investor common.Address, amount *uint256.Int) (err error) {
	started := time.Now()
	defer func() { p.observe("refund_force", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.refund(tx, phase, caller, investor, cloneAmount(amount), true)
	})
}

func (p *Pool) refund(tx *txn, phase Phase, caller, investor common.Address, amount *uint256.Int, force bool) error {
	if err := requirePhase(phase, PhaseMoneyBack); err != nil {
		return err
	}
	if force {
		if err := p.authorize(caller, RoleAdmin); err != nil {
			return err
		}
	}
	undo, err := p.shares.Refund(phase, investor, amount)
	if err != nil {
		return err
	}
	tx.book(undo)
	if err := p.moveEther(tx, p.cfg.Address, investor, amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	p.dirty = true
	p.logger.Info("contribution refunded", slog.String("investor", investor.Hex()), slog.String("amount", amount.Dec()))
	p.emit(NewRefundedEvent(investor, caller, amount))
	return nil
}

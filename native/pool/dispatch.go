package pool

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReceiveAction names what a bare transfer was interpreted as.
type ReceiveAction string

const (
	ReceiveContribution ReceiveAction = "contribution"
	ReceiveRefund       ReceiveAction = "refund"
	ReceiveClaim        ReceiveAction = "claim"
)

// ReceiveResult reports the effect of a bare transfer to the pool.
type ReceiveResult struct {
	Action ReceiveAction
	// Ether moved: deposited for a contribution, paid out otherwise.
	Ether *uint256.Int
	Token *uint256.Int
}

type receiveHandler func(p *Pool, tx *txn, phase Phase, from common.Address, value *uint256.Int) (ReceiveResult, error)

// receiveTable maps a phase to the meaning of a bare transfer. Phases without
// an entry reject the transfer.
var receiveTable = map[Phase]receiveHandler{
	PhaseRaising:           receiveContribution,
	PhaseMoneyBack:         receiveRefund,
	PhaseTokenDistribution: receiveClaim,
}

// Receive handles value sent to the pool without naming an operation.
func (p *Pool) Receive(from common.Address, value *uint256.Int) (result ReceiveResult, err error) {
	started := time.Now()
	defer func() { p.observe("receive", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.run(func(tx *txn, phase Phase) error {
		handler, ok := receiveTable[phase]
		if !ok {
			return fmt.Errorf("%w: transfers are not accepted in %s", ErrWrongPhase, phase)
		}
		var herr error
		result, herr = handler(p, tx, phase, from, cloneAmount(value))
		return herr
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	return result, nil
}

func receiveContribution(p *Pool, tx *txn, phase Phase, from common.Address, value *uint256.Int) (ReceiveResult, error) {
	if err := p.contribute(tx, phase, from, value); err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{Action: ReceiveContribution, Ether: value, Token: new(uint256.Int)}, nil
}

// receiveRefund returns the whole refundable contribution. The attached value
// is not taken.
func receiveRefund(p *Pool, tx *txn, phase Phase, from common.Address, _ *uint256.Int) (ReceiveResult, error) {
	amount := p.shares.EtherEntitlement(phase, from)
	if err := p.refund(tx, phase, from, from, amount, false); err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{Action: ReceiveRefund, Ether: amount, Token: new(uint256.Int)}, nil
}

// receiveClaim releases the full token and ether entitlements as one change:
// when either leg fails neither is paid.
func receiveClaim(p *Pool, tx *txn, phase Phase, from common.Address, _ *uint256.Int) (ReceiveResult, error) {
	tokens := p.shares.TokenEntitlement(phase, from)
	ether := p.shares.EtherEntitlement(phase, from)
	if err := p.releaseToken(tx, phase, from, from, tokens, false); err != nil {
		return ReceiveResult{}, err
	}
	if err := p.releaseEther(tx, phase, from, from, ether, false); err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{Action: ReceiveClaim, Ether: ether, Token: tokens}, nil
}

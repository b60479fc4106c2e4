package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"icopool/native/token"
)

// Execute lets the admin sweep whatever the pool still holds once it is
// deprecated. Empty data sends value ether to target; data addressed to the
// token contract is decoded as an ERC20 transfer, transferFrom or approve and
// performed from the pool's token account.
func (p *Pool) Execute(caller, target common.Address, value *uint256.Int, data []byte) (err error) {
	started := time.Now()
	defer func() { p.observe("execute", started, err) }()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(func(tx *txn, phase Phase) error {
		return p.execute(tx, phase, caller, target, cloneAmount(value), data)
	})
}

func (p *Pool) execute(tx *txn, phase Phase, caller, target common.Address, amount *uint256.Int, data []byte) error {
	if err := requirePhase(phase, PhaseFundDeprecated); err != nil {
		return err
	}
	if err := p.authorize(caller, RoleAdmin); err != nil {
		return err
	}
	method := ""
	switch {
	case len(data) == 0:
		if err := p.moveEther(tx, p.cfg.Address, target, amount); err != nil {
			return err
		}
	case target == p.token.Address():
		if !amount.IsZero() {
			return fmt.Errorf("%w: token calls carry no ether", ErrUnsupportedCall)
		}
		call, err := token.DecodeCall(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
		}
		if err := p.executeTokenCall(tx, call); err != nil {
			return err
		}
		method = call.Method
	default:
		return fmt.Errorf("%w: calldata for %s", ErrUnsupportedCall, target.Hex())
	}
	// The ledgers moved even though the pool's own accounting did not.
	p.dirty = true
	p.logger.Warn("pool sweep executed",
		slog.String("target", target.Hex()),
		slog.String("value", amount.Dec()),
		slog.String("method", method))
	p.emit(NewExecutedEvent(caller, target, amount, method))
	return nil
}

func (p *Pool) executeTokenCall(tx *txn, call token.Call) error {
	switch call.Method {
	case token.MethodTransfer:
		return p.moveToken(tx, call.To, call.Amount)
	case token.MethodTransferFrom:
		if err := p.pullToken(tx, call.From, call.To, call.Amount); err != nil {
			return errors.Join(ErrTransferFailed, err)
		}
		return nil
	case token.MethodApprove:
		prev := p.token.Allowance(p.cfg.Address, call.To)
		if err := p.token.Approve(p.cfg.Address, call.To, call.Amount); err != nil {
			return errors.Join(ErrTransferFailed, err)
		}
		tx.compensate(func() error { return p.token.Approve(p.cfg.Address, call.To, prev) })
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCall, call.Method)
	}
}

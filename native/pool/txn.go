package pool

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"icopool/core/types"
)

// txn records how to revert one operation. Steps run in reverse order when
// the operation fails, including when its result cannot be persisted.
type txn struct {
	state  stateCheckpoint
	dirty  bool
	events int
	undo   []func() error
}

func (p *Pool) begin() *txn {
	return &txn{state: p.state.checkpoint(), dirty: p.dirty, events: len(p.pending)}
}

// book registers the undo of a ShareStore mutation.
func (t *txn) book(undo func()) {
	t.undo = append(t.undo, func() error {
		undo()
		return nil
	})
}

// compensate registers a transfer that reverses one already made.
func (t *txn) compensate(fn func() error) {
	t.undo = append(t.undo, fn)
}

func (p *Pool) rollback(t *txn) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](); err != nil {
			p.logger.Error("pool rollback step failed", slog.Any("error", err))
		}
	}
	t.undo = nil
	p.state.restore(t.state)
	p.dirty = t.dirty
	if t.events <= len(p.pending) {
		p.pending = p.pending[:t.events]
	}
}

// run executes one mutating operation. Callers must hold p.mu. Any error, a
// failed persist included, reverts what the operation changed. Transitions
// the clock made before the operation started are kept.
func (p *Pool) run(op func(tx *txn, phase Phase) error) error {
	phase := p.phase()
	tx := p.begin()
	if err := op(tx, phase); err != nil {
		p.rollback(tx)
		p.commitQuietly()
		return err
	}
	if err := p.commit(); err != nil {
		p.rollback(tx)
		return err
	}
	return nil
}

// commit persists pending changes, then publishes their events. Callers must
// hold p.mu.
func (p *Pool) commit() error {
	if p.dirty && p.persister != nil {
		if err := p.persister.SavePool(p.snapshot()); err != nil {
			return fmt.Errorf("pool: persist: %w", err)
		}
	}
	p.dirty = false
	p.publish()
	return nil
}

// commitQuietly is used by read paths that cannot return an error. Unsaved
// transitions stay pending and are retried by the next commit.
func (p *Pool) commitQuietly() {
	if err := p.commit(); err != nil {
		p.logger.Error("pool persist failed", slog.Any("error", err))
	}
}

func (p *Pool) emit(event *types.Event) {
	if event != nil {
		p.pending = append(p.pending, event)
	}
}

func (p *Pool) publish() {
	pending := p.pending
	p.pending = nil
	for _, evt := range pending {
		if evt.Type == EventTypePhaseChanged {
			p.metrics.RecordPhase(evt.Attribute("to"))
		}
		p.emitter.Emit(poolEvent{evt: evt})
	}
}

// moveEther transfers ether and registers the reverse transfer with tx.
func (p *Pool) moveEther(tx *txn, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := p.bank.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: ether %s -> %s: %v", ErrTransferFailed, from.Hex(), to.Hex(), err)
	}
	tx.compensate(func() error { return p.bank.Transfer(to, from, amount) })
	return nil
}

// moveToken pays tokens out of the pool account.
func (p *Pool) moveToken(tx *txn, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := p.token.Transfer(p.cfg.Address, to, amount); err != nil {
		return fmt.Errorf("%w: token -> %s: %v", ErrTransferFailed, to.Hex(), err)
	}
	tx.compensate(func() error { return p.token.Transfer(to, p.cfg.Address, amount) })
	return nil
}

// pullToken moves tokens with the pool's allowance over owner. The reverse
// step also restores the allowance.
func (p *Pool) pullToken(tx *txn, owner, to common.Address, amount *uint256.Int) error {
	allowed := p.token.Allowance(owner, p.cfg.Address)
	if err := p.token.TransferFrom(p.cfg.Address, owner, to, amount); err != nil {
		return err
	}
	tx.compensate(func() error {
		if err := p.token.Transfer(to, owner, amount); err != nil {
			return err
		}
		return p.token.Approve(owner, p.cfg.Address, allowed)
	})
	return nil
}

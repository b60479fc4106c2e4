package pool

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the fungible token delivered by the ICO. It follows ERC20
// semantics with explicit sender arguments.
type Token interface {
	Address() common.Address
	BalanceOf(owner common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
}

// EtherBank moves the native currency between accounts.
type EtherBank interface {
	BalanceOf(owner common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Persister stores the pool state after every committed change.
type Persister interface {
	SavePool(*Snapshot) error
}

// Metrics receives operational measurements from the pool.
type Metrics interface {
	ObserveOperation(operation, outcome string, duration time.Duration)
	RecordPhase(phase string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
func (noopMetrics) RecordPhase(string)                             {}

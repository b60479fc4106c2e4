package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"icopool/storage"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrOverflow              = errors.New("token: balance overflow")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is a fungible balance book with ERC20 semantics. It backs both the
// ICO token and the native ether bank; balances are written through to the
// database so a restarted daemon sees the same accounts.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	address    common.Address
	db         storage.Database
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// NewLedger opens the ledger identified by symbol. A nil database keeps the
// ledger in memory.
func NewLedger(symbol string, address common.Address, db storage.Database) (*Ledger, error) {
	l := &Ledger{
		symbol:     symbol,
		address:    address,
		db:         db,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
	supply, err := l.load(l.supplyKey())
	if err != nil {
		return nil, fmt.Errorf("token: load supply: %w", err)
	}
	l.supply = supply
	return l, nil
}

// Address returns the contract address of the token.
func (l *Ledger) Address() common.Address { return l.address }

// Symbol returns the ledger symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// TotalSupply returns the minted amount.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.supply)
}

// BalanceOf returns the balance of owner. Storage errors read as zero.
func (l *Ledger) BalanceOf(owner common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balance(owner)
	if err != nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(bal)
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed, err := l.allowance(owner, spender)
	if err != nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(allowed)
}

// Mint credits amount to owner and grows the supply.
func (l *Ledger) Mint(owner common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balance(owner)
	if err != nil {
		return err
	}
	nextBal, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ErrOverflow
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return ErrOverflow
	}
	if err := l.store(l.supplyKey(), nextSupply); err != nil {
		return err
	}
	if err := l.setBalance(owner, nextBal); err != nil {
		_ = l.store(l.supplyKey(), l.supply)
		return err
	}
	l.supply = nextSupply
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// TransferFrom moves amount from owner to to, consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed, err := l.allowance(from, spender)
	if err != nil {
		return err
	}
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s allowed %s, requested %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), amount.Dec())
	}
	remaining := new(uint256.Int).Sub(allowed, amount)
	if err := l.setAllowance(from, spender, remaining); err != nil {
		return err
	}
	if err := l.transfer(from, to, amount); err != nil {
		_ = l.setAllowance(from, spender, allowed)
		return err
	}
	return nil
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setAllowance(owner, spender, new(uint256.Int).Set(amount))
}

func (l *Ledger) transfer(from, to common.Address, amount *uint256.Int) error {
	fromBal, err := l.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal.Dec(), l.symbol, amount.Dec())
	}
	if from == to || amount.IsZero() {
		return nil
	}
	toBal, err := l.balance(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrOverflow
	}
	prevFrom := fromBal
	if err := l.setBalance(from, new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := l.setBalance(to, nextTo); err != nil {
		_ = l.setBalance(from, prevFrom)
		return err
	}
	return nil
}

func (l *Ledger) balance(owner common.Address) (*uint256.Int, error) {
	if bal, ok := l.balances[owner]; ok {
		return bal, nil
	}
	bal, err := l.load(l.balanceKey(owner))
	if err != nil {
		return nil, err
	}
	l.balances[owner] = bal
	return bal, nil
}

func (l *Ledger) setBalance(owner common.Address, amount *uint256.Int) error {
	if err := l.store(l.balanceKey(owner), amount); err != nil {
		return err
	}
	l.balances[owner] = amount
	return nil
}

func (l *Ledger) allowance(owner, spender common.Address) (*uint256.Int, error) {
	key := allowanceKey{owner: owner, spender: spender}
	if allowed, ok := l.allowances[key]; ok {
		return allowed, nil
	}
	allowed, err := l.load(l.allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	l.allowances[key] = allowed
	return allowed, nil
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount *uint256.Int) error {
	if err := l.store(l.allowanceKey(owner, spender), amount); err != nil {
		return err
	}
	l.allowances[allowanceKey{owner: owner, spender: spender}] = amount
	return nil
}

func (l *Ledger) supplyKey() []byte {
	return []byte("ledger/" + l.symbol + "/supply")
}

func (l *Ledger) balanceKey(owner common.Address) []byte {
	return append([]byte("ledger/"+l.symbol+"/balance/"), owner.Bytes()...)
}

func (l *Ledger) allowanceKey(owner, spender common.Address) []byte {
	key := append([]byte("ledger/"+l.symbol+"/allowance/"), owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	if l.db == nil {
		return new(uint256.Int), nil
	}
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	var value big.Int
	if err := rlp.DecodeBytes(raw, &value); err != nil {
		return nil, fmt.Errorf("token: decode %q: %w", key, err)
	}
	out, overflow := uint256.FromBig(&value)
	if overflow {
		return nil, fmt.Errorf("token: stored value for %q overflows", key)
	}
	return out, nil
}

func (l *Ledger) store(key []byte, amount *uint256.Int) error {
	if l.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(amount.ToBig())
	if err != nil {
		return err
	}
	return l.db.Put(key, encoded)
}

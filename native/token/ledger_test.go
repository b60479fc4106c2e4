package token

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"icopool/storage"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
)

func TestLedgerTransfer(t *testing.T) {
	l, err := NewLedger("TKN", common.Address{}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Mint(alice, uint256.NewInt(100)))
	require.Equal(t, uint256.NewInt(100), l.TotalSupply())

	require.NoError(t, l.Transfer(alice, bob, uint256.NewInt(40)))
	require.Equal(t, uint256.NewInt(60), l.BalanceOf(alice))
	require.Equal(t, uint256.NewInt(40), l.BalanceOf(bob))

	err = l.Transfer(bob, alice, uint256.NewInt(41))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, uint256.NewInt(40), l.BalanceOf(bob))

	// self transfers and zero transfers leave balances alone
	require.NoError(t, l.Transfer(alice, alice, uint256.NewInt(60)))
	require.NoError(t, l.Transfer(carol, bob, uint256.NewInt(0)))
	require.Equal(t, uint256.NewInt(60), l.BalanceOf(alice))
}

func TestLedgerTransferFromConsumesAllowance(t *testing.T) {
	l, err := NewLedger("TKN", common.Address{}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Mint(alice, uint256.NewInt(100)))
	require.NoError(t, l.Approve(alice, bob, uint256.NewInt(30)))

	err = l.TransferFrom(bob, alice, carol, uint256.NewInt(31))
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, l.TransferFrom(bob, alice, carol, uint256.NewInt(20)))
	require.Equal(t, uint256.NewInt(10), l.Allowance(alice, bob))
	require.Equal(t, uint256.NewInt(20), l.BalanceOf(carol))

	// allowance is restored when the owner cannot cover the transfer
	require.NoError(t, l.Approve(alice, bob, uint256.NewInt(1000)))
	err = l.TransferFrom(bob, alice, carol, uint256.NewInt(500))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, uint256.NewInt(1000), l.Allowance(alice, bob))
}

func TestLedgerPersistsThroughDatabase(t *testing.T) {
	db := storage.NewMemDB()
	l, err := NewLedger("ETH", common.Address{}, db)
	require.NoError(t, err)
	require.NoError(t, l.Mint(alice, uint256.NewInt(500)))
	require.NoError(t, l.Transfer(alice, bob, uint256.NewInt(125)))
	require.NoError(t, l.Approve(bob, carol, uint256.NewInt(7)))

	reopened, err := NewLedger("ETH", common.Address{}, db)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(375), reopened.BalanceOf(alice))
	require.Equal(t, uint256.NewInt(125), reopened.BalanceOf(bob))
	require.Equal(t, uint256.NewInt(7), reopened.Allowance(bob, carol))
	require.Equal(t, uint256.NewInt(500), reopened.TotalSupply())

	other, err := NewLedger("TKN", common.Address{}, db)
	require.NoError(t, err)
	require.True(t, other.BalanceOf(alice).IsZero())
}

func TestLedgerMintOverflow(t *testing.T) {
	l, err := NewLedger("TKN", common.Address{}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Mint(alice, new(uint256.Int).SetAllOne()))
	require.ErrorIs(t, l.Mint(bob, uint256.NewInt(1)), ErrOverflow)
	require.True(t, l.BalanceOf(bob).IsZero())
}

package pool

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"icopool/core/events"
	"icopool/native/token"
)

const (
	day       = int64(24 * 60 * 60)
	startTime = int64(1_700_000_000)
)

var (
	poolAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	adminAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	icoAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	paybotAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	strangerAdr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	investors   = []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000c01"),
		common.HexToAddress("0x0000000000000000000000000000000000000c02"),
		common.HexToAddress("0x0000000000000000000000000000000000000c03"),
		common.HexToAddress("0x0000000000000000000000000000000000000c04"),
		common.HexToAddress("0x0000000000000000000000000000000000000c05"),
	}
)

// milli returns n thousandths of one ether (or token) in base units.
func milli(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000))
}

func amt(n uint64) *uint256.Int { return uint256.NewInt(n) }

type failingBank struct {
	EtherBank
	fail bool
}

func (b *failingBank) Transfer(from, to common.Address, amount *uint256.Int) error {
	if b.fail {
		return errors.New("bank offline")
	}
	return b.EtherBank.Transfer(from, to, amount)
}

type fixture struct {
	t        *testing.T
	now      int64
	pool     *Pool
	ether    *token.Ledger
	token    *token.Ledger
	bank     *failingBank
	recorder *events.Recorder
}

func defaultConfig() Config {
	return Config{
		Address:     poolAddr,
		Deployer:    adminAddr,
		PoolManager: managerAddr,
		ICOManager:  icoAddr,
		Paybot:      paybotAddr,
		Periods: Periods{
			Raising:      10 * day,
			ICO:          15 * day,
			Distribution: 30 * day,
		},
		MinimumFund:      milli(1000),
		MaximumFund:      milli(100_000_000),
		MinimumDeposit:   milli(50),
		AdminShare:       milli(10),
		PoolManagerShare: milli(40),
	}
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := defaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	ether, err := token.NewLedger("ETH", common.Address{}, nil)
	require.NoError(t, err)
	tok, err := token.NewLedger("TKN", tokenAddr, nil)
	require.NoError(t, err)
	for _, inv := range investors {
		require.NoError(t, ether.Mint(inv, milli(10_000)))
	}
	require.NoError(t, tok.Mint(icoAddr, milli(10_000)))

	f := &fixture{t: t, now: startTime, ether: ether, token: tok, recorder: &events.Recorder{}}
	f.bank = &failingBank{EtherBank: ether}
	f.pool, err = New(cfg, tok, f.bank,
		WithNowFunc(func() int64 { return f.now }),
		WithEmitter(f.recorder))
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) startRaising() {
	f.t.Helper()
	require.NoError(f.t, f.pool.SetState(managerAddr, PhaseRaising))
}

// raise has every investor contribute each amount.
func (f *fixture) raise(each *uint256.Int) {
	f.t.Helper()
	for _, inv := range investors {
		require.NoError(f.t, f.pool.BuyShare(inv, each))
	}
}

func (f *fixture) deliverTokens(amount *uint256.Int) {
	f.t.Helper()
	require.NoError(f.t, f.token.Approve(icoAddr, poolAddr, amount))
	require.NoError(f.t, f.pool.AcceptTokenFromICO(icoAddr, amount))
}

// toPhase drives a fresh fixture into target along the main path: five
// investors of 0.5 each and 10 tokens delivered.
func (f *fixture) toPhase(target Phase) {
	f.t.Helper()
	if target == PhaseDefault {
		return
	}
	f.startRaising()
	if target == PhaseRaising {
		return
	}
	f.raise(milli(500))
	if target == PhaseMoneyBack {
		require.NoError(f.t, f.pool.SetState(managerAddr, PhaseMoneyBack))
		return
	}
	require.NoError(f.t, f.pool.SetState(icoAddr, PhaseWaitForICO))
	if target == PhaseWaitForICO {
		return
	}
	f.deliverTokens(milli(10_000))
	require.NoError(f.t, f.pool.SetState(icoAddr, PhaseTokenDistribution))
	if target == PhaseTokenDistribution {
		return
	}
	f.advance(30 * day)
	require.Equal(f.t, PhaseFundDeprecated, f.pool.State())
}

func (f *fixture) stakeholderBalance(role Role) *uint256.Int {
	f.t.Helper()
	balance, err := f.pool.StakeholderBalanceOf(role)
	require.NoError(f.t, err)
	return balance
}

// observed is everything an operation could change: the pool's accounting,
// both ledgers and the published events.
type observed struct {
	snapshot []byte
	ledgers  map[string]string
	events   int
}

func (f *fixture) observe() observed {
	f.t.Helper()
	encoded, err := rlp.EncodeToBytes(f.pool.Snapshot())
	require.NoError(f.t, err)
	ledgers := make(map[string]string)
	accounts := append([]common.Address{poolAddr, adminAddr, managerAddr, icoAddr, paybotAddr, strangerAdr}, investors...)
	for _, acct := range accounts {
		ledgers["ETH/"+acct.Hex()] = f.ether.BalanceOf(acct).Dec()
		ledgers["TKN/"+acct.Hex()] = f.token.BalanceOf(acct).Dec()
		ledgers["allowance/"+acct.Hex()] = f.token.Allowance(acct, poolAddr).Dec()
	}
	return observed{snapshot: encoded, ledgers: ledgers, events: len(f.recorder.Events())}
}

func (f *fixture) requireUnchanged(before observed) {
	f.t.Helper()
	after := f.observe()
	require.Equal(f.t, before.ledgers, after.ledgers)
	require.Equal(f.t, before.snapshot, after.snapshot)
	require.Equal(f.t, before.events, after.events)
}

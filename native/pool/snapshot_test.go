package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryPersister struct {
	saved []*Snapshot
	err   error
}

func (m *memoryPersister) SavePool(s *Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *memoryPersister) last() *Snapshot { return m.saved[len(m.saved)-1] }

func TestPersisterReceivesEveryCommit(t *testing.T) {
	f := newFixture(t)
	persister := &memoryPersister{}
	f.pool.persister = persister

	f.startRaising()
	require.Len(t, persister.saved, 1)
	require.Equal(t, uint8(PhaseRaising), persister.last().Phase)

	require.NoError(t, f.pool.BuyShare(investors[0], milli(1500)))
	require.Len(t, persister.saved, 2)
	require.Len(t, persister.last().Investors, 1)

	// rejected operations do not write
	require.Error(t, f.pool.BuyShare(investors[0], milli(1)))
	require.Len(t, persister.saved, 2)

	// a lazy transition observed by a getter is persisted
	f.advance(10 * day)
	require.Equal(t, PhaseWaitForICO, f.pool.State())
	require.Len(t, persister.saved, 3)
}

func TestPersistFailureRevertsTransition(t *testing.T) {
	f := newFixture(t)
	f.pool.persister = &memoryPersister{err: errors.New("disk full")}
	before := f.observe()
	require.ErrorContains(t, f.pool.SetState(managerAddr, PhaseRaising), "disk full")
	require.Equal(t, PhaseDefault, f.pool.State())
	f.requireUnchanged(before)
}

func TestPersistFailureRevertsPayout(t *testing.T) {
	f := newFixture(t)
	f.toPhase(PhaseTokenDistribution)
	persister := &memoryPersister{err: errors.New("disk full")}
	f.pool.persister = persister
	before := f.observe()

	require.ErrorContains(t, f.pool.ReleaseToken(investors[0], milli(2000)), "disk full")
	f.requireUnchanged(before)
	require.True(t, f.token.BalanceOf(investors[0]).IsZero())
	require.Equal(t, milli(2000), f.pool.BalanceTokenOf(investors[0]))

	_, err := f.pool.Receive(investors[1], nil)
	require.ErrorContains(t, err, "disk full")
	f.requireUnchanged(before)

	persister.err = nil
	require.NoError(t, f.pool.ReleaseToken(investors[0], milli(2000)))
	require.Equal(t, milli(2000), f.token.BalanceOf(investors[0]))
	require.ErrorIs(t, f.pool.ReleaseToken(investors[0], amt(1)), ErrInsufficientEntitlement)

	// the saved state agrees with the ledger, so a restart cannot pay twice
	restored, err := Restore(persister.last(), f.token, f.bank, WithNowFunc(func() int64 { return f.now }))
	require.NoError(t, err)
	require.True(t, restored.BalanceTokenOf(investors[0]).IsZero())
	require.ErrorIs(t, restored.ReleaseToken(investors[0], milli(2000)), ErrInsufficientEntitlement)
	require.Equal(t, milli(2000), f.token.BalanceOf(investors[0]))
}

func TestPersistFailureRevertsContribution(t *testing.T) {
	f := newFixture(t)
	f.toPhase(PhaseRaising)
	f.pool.persister = &memoryPersister{err: errors.New("disk full")}
	before := f.observe()
	require.ErrorContains(t, f.pool.BuyShare(investors[0], milli(700)), "disk full")
	f.requireUnchanged(before)
	require.True(t, f.pool.TotalRaised().IsZero())
	require.Equal(t, milli(10_000), f.ether.BalanceOf(investors[0]))
}

func TestRestoreResumesPool(t *testing.T) {
	f := newFixture(t)
	f.toPhase(PhaseWaitForICO)
	require.NoError(t, f.pool.ReleaseEtherToStakeholder(icoAddr, milli(2000)))
	f.deliverTokens(milli(10_000))
	snap := f.pool.Snapshot()

	restored, err := Restore(snap, f.token, f.bank, WithNowFunc(func() int64 { return f.now }))
	require.NoError(t, err)
	require.Equal(t, PhaseWaitForICO, restored.State())
	require.Equal(t, RolePaybot, restored.Role(paybotAddr))
	require.Equal(t, milli(2500), restored.TotalRaised())
	require.Equal(t, milli(10_000), restored.TotalToken())

	entitled, err := restored.StakeholderBalanceOf(RoleICOManager)
	require.NoError(t, err)
	require.Equal(t, milli(375), entitled)

	require.NoError(t, restored.SetState(icoAddr, PhaseTokenDistribution))
	require.Equal(t, milli(2000), restored.BalanceTokenOf(investors[0]))
	require.Equal(t, milli(100), restored.BalanceEtherOf(investors[0]))
	require.Equal(t, f.pool.Deadlines().RaisingEnds, restored.Deadlines().RaisingEnds)
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	f := newFixture(t)
	snap := f.pool.Snapshot()
	snap.Version = 99
	_, err := Restore(snap, f.token, f.bank)
	require.Error(t, err)
}

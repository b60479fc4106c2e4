package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type brokenBatch struct{ Batch }

func (brokenBatch) Write() error { return errors.New("disk full") }

type brokenDB struct {
	*MemDB
	broken bool
}

func (db *brokenDB) NewBatch() Batch {
	if db.broken {
		return brokenBatch{db.MemDB.NewBatch()}
	}
	return db.MemDB.NewBatch()
}

func TestStagedBuffersUntilBatchWrite(t *testing.T) {
	backend := NewMemDB()
	staged := NewStaged(backend)
	exerciseDatabase(t, staged)

	require.NoError(t, staged.Put([]byte("ledger"), []byte("1")))
	_, err := backend.Get([]byte("ledger"))
	require.ErrorIs(t, err, ErrNotFound)
	value, err := staged.Get([]byte("ledger"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	batch := staged.NewBatch()
	require.NoError(t, batch.Put([]byte("snapshot"), []byte("s")))
	require.NoError(t, batch.Write())
	require.Zero(t, staged.Pending())

	for key, want := range map[string]string{"ledger": "1", "snapshot": "s"} {
		value, err := backend.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte(want), value)
	}
}

func TestStagedDeleteShadowsBackend(t *testing.T) {
	backend := NewMemDB()
	require.NoError(t, backend.Put([]byte("k"), []byte("v")))
	staged := NewStaged(backend)

	require.NoError(t, staged.Delete([]byte("k")))
	_, err := staged.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get([]byte("k"))
	require.NoError(t, err)

	require.NoError(t, staged.Flush())
	_, err = backend.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStagedFailedWriteLandsNothing(t *testing.T) {
	backend := &brokenDB{MemDB: NewMemDB(), broken: true}
	staged := NewStaged(backend)
	require.NoError(t, staged.Put([]byte("ledger"), []byte("1")))

	batch := staged.NewBatch()
	require.NoError(t, batch.Put([]byte("snapshot"), []byte("s")))
	require.EqualError(t, batch.Write(), "disk full")

	_, err := backend.Get([]byte("ledger"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get([]byte("snapshot"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = staged.Get([]byte("snapshot"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, staged.Pending())

	backend.broken = false
	require.NoError(t, staged.Flush())
	value, err := backend.Get([]byte("ledger"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
}

func TestStagedUpdateFlushesOnSuccessOnly(t *testing.T) {
	backend := NewMemDB()
	staged := NewStaged(backend)

	err := staged.Update(func() error {
		require.NoError(t, staged.Put([]byte("a"), []byte("1")))
		return errors.New("rejected")
	})
	require.EqualError(t, err, "rejected")
	_, err = backend.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, staged.Update(func() error {
		return staged.Put([]byte("b"), []byte("2"))
	}))
	for _, key := range []string{"a", "b"} {
		_, err := backend.Get([]byte(key))
		require.NoError(t, err)
	}
}

func TestLevelDBBatch(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Put([]byte("gone"), []byte("x")))

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Delete([]byte("gone")))
	_, err = db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, batch.Write())

	value, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
	_, err = db.Get([]byte("gone"))
	require.ErrorIs(t, err, ErrNotFound)
}

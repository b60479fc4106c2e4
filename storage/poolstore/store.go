package poolstore

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"icopool/native/pool"
	"icopool/storage"
)

// Store persists pool snapshots as RLP blobs keyed by pool address.
type Store struct {
	db storage.Database
}

// New wraps db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func snapshotKey(addr common.Address) []byte {
	return append([]byte("pool/snapshot/"), addr.Bytes()...)
}

// SavePool implements pool.Persister. The snapshot is written as a batch, so
// over a storage.Staged database it lands together with every buffered
// ledger write or not at all.
func (s *Store) SavePool(snap *pool.Snapshot) error {
	if s == nil || s.db == nil {
		return errors.New("poolstore: database not configured")
	}
	if snap == nil {
		return errors.New("poolstore: nil snapshot")
	}
	encoded, err := rlp.EncodeToBytes(snap)
	if err != nil {
		return fmt.Errorf("poolstore: encode: %w", err)
	}
	batch := s.db.NewBatch()
	if err := batch.Put(snapshotKey(snap.Address), encoded); err != nil {
		return err
	}
	return batch.Write()
}

// LoadPool returns the stored snapshot for addr. The boolean is false when no
// snapshot exists.
func (s *Store) LoadPool(addr common.Address) (*pool.Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("poolstore: database not configured")
	}
	raw, err := s.db.Get(snapshotKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	snap := new(pool.Snapshot)
	if err := rlp.DecodeBytes(raw, snap); err != nil {
		return nil, false, fmt.Errorf("poolstore: decode: %w", err)
	}
	return snap, true, nil
}

// DeletePool drops the stored snapshot.
func (s *Store) DeletePool(addr common.Address) error {
	if s == nil || s.db == nil {
		return errors.New("poolstore: database not configured")
	}
	return s.db.Delete(snapshotKey(addr))
}

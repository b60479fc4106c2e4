package storage

import "sync"

// Staged buffers writes on top of a backend Database. Reads see buffered
// values first. Buffered writes reach the backend only when a batch from
// NewBatch is written: the buffer and the batch's own writes then land in one
// backend batch. A failed write keeps the buffer and drops the batch.
//
// Staged is also a sync.Locker guarding units of work: a writer holding the
// lock knows no other unit can flush its half-finished changes.
type Staged struct {
	unit    sync.Mutex
	mu      sync.RWMutex
	backend Database
	pending map[string]batchOp
}

// NewStaged wraps backend.
func NewStaged(backend Database) *Staged {
	return &Staged{backend: backend, pending: make(map[string]batchOp)}
}

// Lock starts a unit of work.
func (s *Staged) Lock() { s.unit.Lock() }

// Unlock ends a unit of work.
func (s *Staged) Unlock() { s.unit.Unlock() }

// Update runs fn as one unit and flushes its writes when fn succeeds.
func (s *Staged) Update(fn func() error) error {
	s.Lock()
	defer s.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return s.Flush()
}

func (s *Staged) Put(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	return nil
}

func (s *Staged) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	op, ok := s.pending[string(key)]
	s.mu.RUnlock()
	if ok {
		if op.delete {
			return nil, ErrNotFound
		}
		return append([]byte(nil), op.value...), nil
	}
	return s.backend.Get(key)
}

func (s *Staged) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = batchOp{key: append([]byte(nil), key...), delete: true}
	return nil
}

// Pending reports how many keys wait for the next flush.
func (s *Staged) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// NewBatch returns a batch whose Write also flushes the buffer.
func (s *Staged) NewBatch() Batch {
	return &stagedBatch{staged: s}
}

// Flush writes the buffer to the backend.
func (s *Staged) Flush() error {
	return s.NewBatch().Write()
}

// Close closes the backend.
func (s *Staged) Close() {
	s.backend.Close()
}

type stagedBatch struct {
	staged *Staged
	ops    []batchOp
}

func (b *stagedBatch) Put(key []byte, value []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (b *stagedBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
	return nil
}

func (b *stagedBatch) Write() error {
	s := b.staged
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.backend.NewBatch()
	for _, op := range s.pending {
		if err := apply(batch, op); err != nil {
			return err
		}
	}
	for _, op := range b.ops {
		if err := apply(batch, op); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.pending = make(map[string]batchOp)
	return nil
}

func apply(batch Batch, op batchOp) error {
	if op.delete {
		return batch.Delete(op.key)
	}
	return batch.Put(op.key, op.value)
}

package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/voteledger/meta"
)

type MemoryStore struct {
	mu       sync.RWMutex
	replicas map[string][]meta.Block
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{replicas: make(map[string][]meta.Block)}
}

func (m *MemoryStore) Create(ctx context.Context, participantID string, blocks []meta.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replicas[participantID]; ok {
		return errors.Wrap(ErrExists, participantID)
	}
	m.replicas[participantID] = copyBlocks(blocks)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.replicas[participantID]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, participantID)
	}
	// Return a copy of the blocks to prevent modification
	return copyBlocks(c), nil
}

func (m *MemoryStore) Append(ctx context.Context, participantID string, block meta.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.replicas[participantID]
	if !ok {
		return errors.Wrap(ErrNotFound, participantID)
	}
	if err := checkAppend(len(c), block); err != nil {
		return err
	}
	m.replicas[participantID] = append(c, block)
	return nil
}

func (m *MemoryStore) Participants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.replicas))
	for id := range m.replicas {
		ids = append(ids, id)
	}
	return sorted(ids), nil
}

// Put replaces a replica wholesale. It exists for importing replicas from
// another node and for audit drills; the ledger itself never calls it.
func (m *MemoryStore) Put(participantID string, blocks []meta.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicas[participantID] = copyBlocks(blocks)
}

func (m *MemoryStore) Close() error { return nil }

package coordinator

import (
	"context"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/voteledger/chain"
	"github.com/voteledger/meta"
	"github.com/voteledger/store"
)

// Sequencer owns the decision of what block N is. It keeps the canonical
// chain in memory and lets one holder at a time extend it.
type Sequencer struct {
	store       store.ReplicaStore
	canonicalID string
	difficulty  int

	token chan struct{}
	mu    sync.RWMutex
	chain []meta.Block
}

// Slot is the exclusive right to extend the canonical chain, held until Release.
type Slot struct {
	seq      *Sequencer
	released bool
}

// LoadSequencer reads the canonical replica, creating it genesis-only when it
// does not exist yet. A canonical replica that fails validation is fatal.
func LoadSequencer(ctx context.Context, s store.ReplicaStore, canonicalID string, difficulty int) (*Sequencer, error) {
	c, err := s.Load(ctx, canonicalID)
	if errors.Is(err, store.ErrNotFound) {
		c = chain.NewChain()
		if err := s.Create(ctx, canonicalID, c); err != nil && !errors.Is(err, store.ErrExists) {
			return nil, errors.Wrap(err, "create canonical replica")
		}
		log.Infof("created canonical replica %s", canonicalID)
	} else if err != nil {
		return nil, errors.Wrap(err, "load canonical replica")
	}
	if vs := chain.ValidateChain(c, difficulty); len(vs) > 0 {
		return nil, meta.Errorf(meta.IntegrityViolation, "canonical replica %s is invalid at index %d: %s",
			canonicalID, vs[0].Index, vs[0].Reason)
	}

	seq := &Sequencer{
		store:       s,
		canonicalID: canonicalID,
		difficulty:  difficulty,
		token:       make(chan struct{}, 1),
		chain:       c,
	}
	log.Infof("sequencer loaded, canonical height %d", len(c))
	return seq, nil
}

// Acquire waits for the slot or for ctx to end.
func (s *Sequencer) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case s.token <- struct{}{}:
		return &Slot{seq: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Height is the number of blocks in the canonical chain.
func (s *Sequencer) Height() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chain)
}

// Snapshot returns a copy of the canonical chain.
func (s *Sequencer) Snapshot() []meta.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]meta.Block, len(s.chain))
	copy(res, s.chain)
	return res
}

func (s *Sequencer) Difficulty() int {
	return s.difficulty
}

func (s *Sequencer) CanonicalID() string {
	return s.canonicalID
}

func (sl *Slot) Tip() meta.Block {
	return chain.Tip(sl.Chain())
}

// Chain is the canonical chain. Only the holder may read it and must not
// keep it past Release.
func (sl *Slot) Chain() []meta.Block {
	return sl.seq.chain
}

// Commit appends block to the canonical replica. The block must extend the
// current tip and pass validation; on success it becomes the new tip.
func (sl *Slot) Commit(ctx context.Context, block meta.Block) error {
	if sl.released {
		return errors.New("slot already released")
	}
	s := sl.seq
	if v := chain.ValidateBlock(block, chain.Tip(s.chain), s.difficulty); v != nil {
		return meta.Errorf(meta.IntegrityViolation, "block %d rejected: %s", block.Index, v.Reason)
	}
	if err := s.store.Append(ctx, s.canonicalID, block); err != nil {
		return errors.Wrap(err, "append to canonical replica")
	}
	s.mu.Lock()
	s.chain = append(s.chain, block)
	s.mu.Unlock()
	return nil
}

func (sl *Slot) Release() {
	if sl.released {
		return
	}
	sl.released = true
	<-sl.seq.token
}

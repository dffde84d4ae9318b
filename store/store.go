// Package store persists replicas: one append-only block log per participant.
package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/voteledger/meta"
)

var (
	ErrNotFound      = errors.New("replica not found")
	ErrExists        = errors.New("replica already exists")
	ErrIndexMismatch = errors.New("block index does not extend replica")
)

// ReplicaStore is the append-only log capability the ledger writes replicas to.
//
// Load must return a consistent point-in-time copy. Append must reject a block
// whose index is not the current replica length, so concurrent or replayed
// appends can never leave duplicate or missing indices.
type ReplicaStore interface {
	Create(ctx context.Context, participantID string, blocks []meta.Block) error
	Load(ctx context.Context, participantID string) ([]meta.Block, error)
	Append(ctx context.Context, participantID string, block meta.Block) error
	// Participants lists replica owners in ascending order.
	Participants(ctx context.Context) ([]string, error)
	Close() error
}

func checkAppend(length int, block meta.Block) error {
	if block.Index != uint64(length) {
		return errors.Wrapf(ErrIndexMismatch, "replica has %d blocks, got index %d", length, block.Index)
	}
	return nil
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func copyBlocks(c []meta.Block) []meta.Block {
	res := make([]meta.Block, len(c))
	copy(res, c)
	return res
}

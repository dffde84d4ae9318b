// Package coordinator is the single writer of the ledger: it sequences new
// blocks against the canonical chain and broadcasts them to every replica.
package coordinator

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/voteledger/chain"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/registry"
	"github.com/voteledger/store"
)

// VoteCounter is the side-channel counter kept next to the chain.
type VoteCounter interface {
	Increment(ctx context.Context, electionID, candidateID string) error
}

type Options struct {
	// SeedFromCanonical makes new replicas start as a copy of the canonical
	// chain instead of genesis only.
	SeedFromCanonical bool
	Counter           VoteCounter
	Metrics           *metrics.Ledger
}

type Coordinator struct {
	store       store.ReplicaStore
	seq         *Sequencer
	broadcaster *Broadcaster
	registry    registry.Registry
	opts        Options
}

func New(s store.ReplicaStore, seq *Sequencer, b *Broadcaster, reg registry.Registry, opts Options) *Coordinator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Coordinator{
		store:       s,
		seq:         seq,
		broadcaster: b,
		registry:    reg,
		opts:        opts,
	}
}

func checkID(field, id string) error {
	if id == "" {
		return meta.Errorf(meta.ValidationError, "%s is required", field)
	}
	if len(id) > commonconst.MaxIDLength {
		return meta.Errorf(meta.ValidationError, "%s is longer than %d bytes", field, commonconst.MaxIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return meta.Errorf(meta.ValidationError, "%s contains control characters", field)
	}
	return nil
}

// CastVote records voterID's vote for candidateID in electionID. The vote is
// committed once the canonical replica accepts it; failed writes to other
// replicas are reported in the result and never fail the call.
func (c *Coordinator) CastVote(ctx context.Context, electionID, candidateID, voterID string) (*meta.CastResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	res, err := c.castVote(ctx, reqID, electionID, candidateID, voterID)
	if err != nil {
		c.opts.Metrics.VotesRejected.Inc(1)
		log.Infof("[%s] vote rejected: %v", reqID, err)
		return nil, err
	}
	c.opts.Metrics.VotesCast.Inc(1)
	c.opts.Metrics.CastTime.UpdateSince(start)
	return res, nil
}

func (c *Coordinator) castVote(ctx context.Context, reqID, electionID, candidateID, voterID string) (*meta.CastResult, error) {
	if err := checkID("election id", electionID); err != nil {
		return nil, err
	}
	if err := checkID("candidate id", candidateID); err != nil {
		return nil, err
	}
	if err := checkID("voter id", voterID); err != nil {
		return nil, err
	}
	if err := c.checkElection(ctx, electionID, candidateID); err != nil {
		return nil, err
	}

	block, delivery, err := c.commit(ctx, electionID, candidateID, voterID)
	if err != nil {
		return nil, err
	}

	if c.opts.Counter != nil {
		if err := c.opts.Counter.Increment(ctx, electionID, candidateID); err != nil {
			log.Warningf("[%s] side-channel counter not updated: %v", reqID, err)
		}
	}

	res := &meta.CastResult{Success: true, BlockHash: block.Hash, Block: &block}
	if delivery != nil {
		failures, err := delivery.Wait(ctx)
		if err != nil {
			log.Warningf("[%s] stopped waiting for replica writes: %v", reqID, err)
		}
		res.Failures = failures
		log.Infof("[%s] vote committed at index %d hash %.12s, %d/%d replicas written",
			reqID, block.Index, block.Hash, delivery.Targets()-len(failures), delivery.Targets())
	}
	if len(res.Failures) > 0 {
		log.Warning(meta.Errorf(meta.ReplicationFailure, "block %d missing on %d replicas", block.Index, len(res.Failures)))
	}
	return res, nil
}

func (c *Coordinator) checkElection(ctx context.Context, electionID, candidateID string) error {
	e, err := c.registry.Election(ctx, electionID)
	if errors.Is(err, registry.ErrUnknownElection) {
		return meta.Errorf(meta.ValidationError, "unknown election %s", electionID)
	}
	if err != nil {
		return meta.WrapKind(err, meta.InternalError, "look up election %s", electionID)
	}
	if e.Status != meta.Active {
		return meta.Errorf(meta.StateError, "election %s is %s", electionID, e.Status)
	}
	if !c.registry.IsCandidate(ctx, electionID, candidateID) {
		return meta.Errorf(meta.ValidationError, "candidate %s is not in election %s", candidateID, electionID)
	}
	return nil
}

// commit runs under the sequencer: duplicate check, mining, canonical append
// and queueing of the replica writes.
func (c *Coordinator) commit(ctx context.Context, electionID, candidateID, voterID string) (meta.Block, *Delivery, error) {
	slot, err := c.seq.Acquire(ctx)
	if err != nil {
		return meta.Block{}, nil, meta.WrapKind(err, meta.InternalError, "wait for sequencer")
	}
	defer slot.Release()

	if chain.HasVoted(slot.Chain(), voterID, electionID) {
		return meta.Block{}, nil, meta.Errorf(meta.StateError, "participant already voted in election %s", electionID)
	}

	mineStart := time.Now()
	block, err := chain.Mine(ctx, slot.Tip(), electionID, candidateID, voterID, c.seq.Difficulty())
	if err != nil {
		return meta.Block{}, nil, meta.WrapKind(err, meta.InternalError, "mine block")
	}
	c.opts.Metrics.RecordMined(block, time.Since(mineStart))

	if err := slot.Commit(ctx, block); err != nil {
		if meta.KindOf(err) == meta.IntegrityViolation {
			return meta.Block{}, nil, err
		}
		return meta.Block{}, nil, meta.WrapKind(err, meta.StorageError, "vote not committed")
	}
	c.opts.Metrics.RecordCommitted(block)

	ids, err := c.participants(ctx)
	if err != nil {
		// the vote is committed; the replicas will show up as lagging
		f := meta.ReplicaFailure{
			ParticipantID: "*",
			BlockIndex:    block.Index,
			Error:         err.Error(),
			At:            time.Now().UnixNano() / int64(time.Millisecond),
		}
		log.Errorf("block %d not broadcast: %v", block.Index, err)
		if c.broadcaster.failures != nil {
			c.broadcaster.failures.Record(f)
		}
		d := &Delivery{block: block, pending: 1, acks: make(chan *meta.ReplicaFailure, 1)}
		d.acks <- &f
		return block, d, nil
	}
	// the block is committed; the caller going away must not keep it from any replica
	return block, c.broadcaster.Enqueue(context.Background(), ids, block), nil
}

// participants lists replica owners without the canonical replica.
func (c *Coordinator) participants(ctx context.Context) ([]string, error) {
	ids, err := c.store.Participants(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	res := ids[:0]
	for _, id := range ids {
		if id != c.seq.CanonicalID() {
			res = append(res, id)
		}
	}
	return res, nil
}

// Register creates participantID's replica.
func (c *Coordinator) Register(ctx context.Context, participantID string) error {
	if err := checkID("participant id", participantID); err != nil {
		return err
	}
	if participantID == c.seq.CanonicalID() {
		return meta.Errorf(meta.ValidationError, "participant id %s is reserved", participantID)
	}

	slot, err := c.seq.Acquire(ctx)
	if err != nil {
		return meta.WrapKind(err, meta.InternalError, "wait for sequencer")
	}
	defer slot.Release()

	blocks := chain.NewChain()
	if c.opts.SeedFromCanonical {
		blocks = slot.Chain()
	}
	err = c.store.Create(ctx, participantID, blocks)
	if errors.Is(err, store.ErrExists) {
		return meta.Errorf(meta.StateError, "participant %s is already registered", participantID)
	}
	if err != nil {
		return meta.WrapKind(err, meta.StorageError, "create replica for %s", participantID)
	}
	c.opts.Metrics.Registrations.Inc(1)
	log.Infof("registered participant %s with %d blocks", participantID, len(blocks))
	return nil
}

// ReplicaStats summarizes participantID's replica as stored, valid or not.
func (c *Coordinator) ReplicaStats(ctx context.Context, participantID string) (*meta.ReplicaStats, error) {
	if err := checkID("participant id", participantID); err != nil {
		return nil, err
	}
	blocks, err := c.store.Load(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, meta.Errorf(meta.NotFound, "participant %s has no replica", participantID)
	}
	if err != nil {
		return nil, meta.WrapKind(err, meta.Unreadable, "load replica %s", participantID)
	}
	stats := &meta.ReplicaStats{
		ParticipantID: participantID,
		TotalBlocks:   len(blocks),
		TotalVotes:    chain.VoteCount(blocks),
	}
	if len(blocks) > 0 {
		stats.GenesisHash = blocks[0].Hash
		stats.LastBlockHash = chain.Tip(blocks).Hash
	}
	return stats, nil
}

// Height is the canonical chain length.
func (c *Coordinator) Height() int {
	return c.seq.Height()
}

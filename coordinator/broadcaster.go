package coordinator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/store"
)

var ErrStopped = errors.New("broadcaster stopped")

type task struct {
	participantID string
	block         meta.Block
	delivery      *Delivery
}

// Broadcaster fans blocks out to participant replicas. Each participant is
// pinned to one worker so its appends stay in order, while different
// replicas are written in parallel.
type Broadcaster struct {
	store    store.ReplicaStore
	queues   []chan *task
	timeout  time.Duration
	failures *FailureLog
	metrics  *metrics.Ledger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// Delivery tracks the acknowledgements of one broadcast block.
type Delivery struct {
	block   meta.Block
	pending int
	acks    chan *meta.ReplicaFailure
}

func NewBroadcaster(s store.ReplicaStore, workers, queueSize int, timeout time.Duration, failures *FailureLog, m *metrics.Ledger) *Broadcaster {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	b := &Broadcaster{
		store:    s,
		queues:   make([]chan *task, workers),
		timeout:  timeout,
		failures: failures,
		metrics:  m,
	}
	for i := range b.queues {
		b.queues[i] = make(chan *task, queueSize)
	}
	return b
}

func (b *Broadcaster) Start() {
	for _, q := range b.queues {
		b.wg.Add(1)
		go b.worker(q)
	}
	log.Infof("broadcaster started with %d workers", len(b.queues))
}

// Stop lets the workers drain what is queued and waits for them.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
	log.Info("broadcaster stopped")
}

func (b *Broadcaster) shard(participantID string) chan *task {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return b.queues[h.Sum32()%uint32(len(b.queues))]
}

// Enqueue schedules block for every participant. It blocks while a worker
// queue is full; participants that could not be queued before ctx ended are
// acknowledged as failures right away.
func (b *Broadcaster) Enqueue(ctx context.Context, participantIDs []string, block meta.Block) *Delivery {
	d := &Delivery{
		block:   block,
		pending: len(participantIDs),
		acks:    make(chan *meta.ReplicaFailure, len(participantIDs)),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, id := range participantIDs {
		if b.stopped {
			d.acks <- b.fail(id, block, ErrStopped)
			continue
		}
		select {
		case b.shard(id) <- &task{participantID: id, block: block, delivery: d}:
		case <-ctx.Done():
			d.acks <- b.fail(id, block, errors.Wrap(ctx.Err(), "queue replica write"))
		}
	}
	return d
}

func (b *Broadcaster) worker(q chan *task) {
	defer b.wg.Done()
	for t := range q {
		t.delivery.acks <- b.write(t)
	}
}

func (b *Broadcaster) write(t *task) *meta.ReplicaFailure {
	ctx := context.Background()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := b.store.Append(ctx, t.participantID, t.block); err != nil {
		return b.fail(t.participantID, t.block, err)
	}
	return nil
}

func (b *Broadcaster) fail(participantID string, block meta.Block, err error) *meta.ReplicaFailure {
	f := meta.ReplicaFailure{
		ParticipantID: participantID,
		BlockIndex:    block.Index,
		Error:         err.Error(),
		At:            time.Now().UnixNano() / int64(time.Millisecond),
	}
	log.Warningf("replica %s: write of block %d failed: %v", participantID, block.Index, err)
	if b.failures != nil {
		b.failures.Record(f)
	}
	if b.metrics != nil {
		b.metrics.ReplicaWriteFailures.Inc(1)
	}
	return &f
}

// Wait collects the acknowledgements and returns the failed writes. When ctx
// ends first the writes still pending keep running and ctx's error is returned.
func (d *Delivery) Wait(ctx context.Context) ([]meta.ReplicaFailure, error) {
	var failures []meta.ReplicaFailure
	for ; d.pending > 0; d.pending-- {
		select {
		case f := <-d.acks:
			if f != nil {
				failures = append(failures, *f)
			}
		case <-ctx.Done():
			return failures, ctx.Err()
		}
	}
	return failures, nil
}

// Targets is the number of replicas the block was sent to.
func (d *Delivery) Targets() int {
	return cap(d.acks)
}

package tally

import (
	"context"
	"strconv"
	"sync"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/voteledger/commonconst"
)

// Counter is the side-channel vote count kept outside the chain.
type Counter interface {
	Increment(ctx context.Context, electionID, candidateID string) error
	Counts(ctx context.Context, electionID string) (map[string]int, error)
}

type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]map[string]int)}
}

func (m *MemoryCounter) Increment(ctx context.Context, electionID, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.counts[electionID]
	if !ok {
		e = make(map[string]int)
		m.counts[electionID] = e
	}
	e[candidateID]++
	return nil
}

func (m *MemoryCounter) Counts(ctx context.Context, electionID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[string]int, len(m.counts[electionID]))
	for c, n := range m.counts[electionID] {
		res[c] = n
	}
	return res, nil
}

// RedisCounter keeps one hash per election, candidate id to count.
type RedisCounter struct {
	rdb *goredis.Client
}

func NewRedisCounter(rdb *goredis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func counterKey(electionID string) string {
	return commonconst.RedisTallyPrefix + electionID
}

func (r *RedisCounter) Increment(ctx context.Context, electionID, candidateID string) error {
	if err := r.rdb.HIncrBy(ctx, counterKey(electionID), candidateID, 1).Err(); err != nil {
		return errors.Wrapf(err, "increment %s/%s", electionID, candidateID)
	}
	return nil
}

func (r *RedisCounter) Counts(ctx context.Context, electionID string) (map[string]int, error) {
	raw, err := r.rdb.HGetAll(ctx, counterKey(electionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read counts of %s", electionID)
	}
	res := make(map[string]int, len(raw))
	for c, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "count of %s/%s", electionID, c)
		}
		res[c] = n
	}
	return res, nil
}

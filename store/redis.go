package store

import (
	"context"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

// maxAppendRetries bounds optimistic-lock retries when the replica list is
// modified between WATCH and EXEC.
const maxAppendRetries = 8

// RedisStore keeps every replica as a Redis list of JSON blocks and the set
// of participants as a Redis set. LRANGE gives point-in-time loads; creates
// and appends run inside WATCH/MULTI transactions.
type RedisStore struct {
	rdb             *goredis.Client
	replicaPrefix   string
	participantsKey string
}

func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{
		rdb:             rdb,
		replicaPrefix:   commonconst.RedisReplicaPrefix,
		participantsKey: commonconst.RedisParticipantsKey,
	}
}

// NewRedisStoreWithPrefix keeps its keys under prefix, apart from the
// ledger's own replicas on the same server.
func NewRedisStoreWithPrefix(rdb *goredis.Client, prefix string) *RedisStore {
	return &RedisStore{
		rdb:             rdb,
		replicaPrefix:   prefix + "replica:",
		participantsKey: prefix + "participants",
	}
}

func (s *RedisStore) replicaKey(participantID string) string {
	return s.replicaPrefix + participantID
}

func (s *RedisStore) Create(ctx context.Context, participantID string, blocks []meta.Block) error {
	vals := make([]interface{}, 0, len(blocks))
	for _, b := range blocks {
		data, err := util.FastestJson.Marshal(b)
		if err != nil {
			return errors.Wrap(err, "marshal block")
		}
		vals = append(vals, data)
	}

	key := s.replicaKey(participantID)
	// membership and blocks become visible together
	txf := func(tx *goredis.Tx) error {
		ok, err := tx.SIsMember(ctx, s.participantsKey, participantID).Result()
		if err != nil {
			return err
		}
		if ok {
			return errors.Wrap(ErrExists, participantID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(vals) > 0 {
				pipe.RPush(ctx, key, vals...)
			}
			pipe.SAdd(ctx, s.participantsKey, participantID)
			return nil
		})
		return err
	}
	var err error
	for i := 0; i < maxAppendRetries; i++ {
		err = s.rdb.Watch(ctx, txf, s.participantsKey, key)
		if err != goredis.TxFailedErr {
			return errors.Wrapf(err, "create replica %s", participantID)
		}
	}
	return errors.Wrapf(err, "create replica %s: too much contention", participantID)
}

func (s *RedisStore) exists(ctx context.Context, participantID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.participantsKey, participantID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check replica %s", participantID)
	}
	return ok, nil
}

func (s *RedisStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	ok, err := s.exists(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrNotFound, participantID)
	}
	vals, err := s.rdb.LRange(ctx, s.replicaKey(participantID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load replica %s", participantID)
	}
	c := make([]meta.Block, 0, len(vals))
	for _, v := range vals {
		var b meta.Block
		if err := util.FastestJson.Unmarshal([]byte(v), &b); err != nil {
			return nil, errors.Wrapf(err, "decode block of %s", participantID)
		}
		c = append(c, b)
	}
	return c, nil
}

func (s *RedisStore) Append(ctx context.Context, participantID string, block meta.Block) error {
	ok, err := s.exists(ctx, participantID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNotFound, participantID)
	}
	data, err := util.FastestJson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshal block")
	}

	key := s.replicaKey(participantID)
	txf := func(tx *goredis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if err := checkAppend(int(n), block); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}
	for i := 0; i < maxAppendRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if err != goredis.TxFailedErr {
			return errors.Wrapf(err, "append to %s", participantID)
		}
	}
	return errors.Wrapf(err, "append to %s: too much contention", participantID)
}

func (s *RedisStore) Participants(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.participantsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	return sorted(ids), nil
}

// Close leaves the client open; whoever dialed it closes it.
func (s *RedisStore) Close() error {
	return nil
}

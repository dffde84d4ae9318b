package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

// LevelDBStore keeps replicas in a single LevelDB database.
//
//	p/<hex id>          -> replica length
//	r/<hex id>/<index>  -> zstd(json(block)), index zero padded to 20 digits
//
// Loads read from a snapshot; appends write block and length in one batch.
type LevelDBStore struct {
	db    *leveldb.DB
	locks sync.Map
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &LevelDBStore{db: db}, nil
}

// NewLevelDBStoreWithStorage opens the store on an arbitrary goleveldb
// storage, e.g. storage.NewMemStorage().
func NewLevelDBStoreWithStorage(stor storage.Storage) (*LevelDBStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb")
	}
	return &LevelDBStore{db: db}, nil
}

func lengthKey(participantID string) []byte {
	return []byte("p/" + hex.EncodeToString([]byte(participantID)))
}

func blockPrefix(participantID string) []byte {
	return []byte("r/" + hex.EncodeToString([]byte(participantID)) + "/")
}

func blockKey(participantID string, index uint64) []byte {
	return append(blockPrefix(participantID), []byte(fmt.Sprintf("%020d", index))...)
}

func (s *LevelDBStore) lock(participantID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(participantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeBlock(b meta.Block) ([]byte, error) {
	raw, err := util.FastestJson.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "marshal block")
	}
	return util.Compress(raw)
}

func decodeBlock(data []byte) (meta.Block, error) {
	var b meta.Block
	raw, err := util.DeCompress(data)
	if err != nil {
		return b, err
	}
	if err := util.FastestJson.Unmarshal(raw, &b); err != nil {
		return b, errors.Wrap(err, "unmarshal block")
	}
	return b, nil
}

func (s *LevelDBStore) length(participantID string) (int, error) {
	v, err := s.db.Get(lengthKey(participantID), nil)
	if err == leveldb.ErrNotFound {
		return 0, errors.Wrap(ErrNotFound, participantID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read length of %s", participantID)
	}
	return strconv.Atoi(string(v))
}

func (s *LevelDBStore) Create(ctx context.Context, participantID string, blocks []meta.Block) error {
	mu := s.lock(participantID)
	mu.Lock()
	defer mu.Unlock()

	ok, err := s.db.Has(lengthKey(participantID), nil)
	if err != nil {
		return errors.Wrapf(err, "check replica %s", participantID)
	}
	if ok {
		return errors.Wrap(ErrExists, participantID)
	}
	batch := new(leveldb.Batch)
	for _, b := range blocks {
		data, err := encodeBlock(b)
		if err != nil {
			return err
		}
		batch.Put(blockKey(participantID, b.Index), data)
	}
	batch.Put(lengthKey(participantID), []byte(strconv.Itoa(len(blocks))))
	return errors.Wrapf(s.db.Write(batch, nil), "create replica %s", participantID)
}

func (s *LevelDBStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "leveldb snapshot")
	}
	defer snap.Release()

	v, err := snap.Get(lengthKey(participantID), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrap(ErrNotFound, participantID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read length of %s", participantID)
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt length of %s", participantID)
	}

	c := make([]meta.Block, 0, n)
	iter := snap.NewIterator(lvlutil.BytesPrefix(blockPrefix(participantID)), nil)
	defer iter.Release()
	for iter.Next() {
		b, err := decodeBlock(iter.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "decode block of %s", participantID)
		}
		c = append(c, b)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "iterate replica %s", participantID)
	}
	if len(c) != n {
		return nil, errors.Errorf("replica %s: expected %d blocks, found %d", participantID, n, len(c))
	}
	return c, nil
}

func (s *LevelDBStore) Append(ctx context.Context, participantID string, block meta.Block) error {
	mu := s.lock(participantID)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.length(participantID)
	if err != nil {
		return err
	}
	if err := checkAppend(n, block); err != nil {
		return err
	}
	data, err := encodeBlock(block)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(participantID, block.Index), data)
	batch.Put(lengthKey(participantID), []byte(strconv.Itoa(n+1)))
	return errors.Wrapf(s.db.Write(batch, nil), "append to %s", participantID)
}

func (s *LevelDBStore) Participants(ctx context.Context) ([]string, error) {
	iter := s.db.NewIterator(lvlutil.BytesPrefix([]byte("p/")), nil)
	defer iter.Release()

	ids := make([]string, 0)
	for iter.Next() {
		raw, err := hex.DecodeString(string(iter.Key()[2:]))
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate participants")
	}
	return sorted(ids), nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

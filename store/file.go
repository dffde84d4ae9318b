package store

import (
	"context"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

const replicaExt = ".json"

// FileStore keeps each replica as a JSON array in its own file. Files are
// rewritten through a temporary file and an atomic rename, so a reader
// always sees a whole replica.
type FileStore struct {
	basePath string
	locks    sync.Map // participant id -> *sync.Mutex
}

func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.Wrapf(err, "create directory %s", basePath)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) lock(participantID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(participantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// file names are hex encoded so any participant id is a safe name
func (s *FileStore) path(participantID string) string {
	return filepath.Join(s.basePath, hex.EncodeToString([]byte(participantID))+replicaExt)
}

func (s *FileStore) Create(ctx context.Context, participantID string, blocks []meta.Block) error {
	mu := s.lock(participantID)
	mu.Lock()
	defer mu.Unlock()

	if util.IsExist(s.path(participantID)) {
		return errors.Wrap(ErrExists, participantID)
	}
	return s.write(participantID, blocks)
}

func (s *FileStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	return s.read(participantID)
}

func (s *FileStore) Append(ctx context.Context, participantID string, block meta.Block) error {
	mu := s.lock(participantID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.read(participantID)
	if err != nil {
		return err
	}
	if err := checkAppend(len(c), block); err != nil {
		return err
	}
	return s.write(participantID, append(c, block))
}

func (s *FileStore) Participants(ctx context.Context) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.basePath, "*"+replicaExt))
	if err != nil {
		return nil, errors.Wrap(err, "list replica files")
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		raw, err := hex.DecodeString(strings.TrimSuffix(filepath.Base(f), replicaExt))
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	return sorted(ids), nil
}

func (s *FileStore) read(participantID string) ([]meta.Block, error) {
	data, err := ioutil.ReadFile(s.path(participantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, participantID)
		}
		return nil, errors.Wrapf(err, "read replica %s", participantID)
	}
	var c []meta.Block
	if err := util.FastestJson.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "decode replica %s", participantID)
	}
	return c, nil
}

func (s *FileStore) write(participantID string, c []meta.Block) error {
	path := s.path(participantID)
	data, err := util.FastestJson.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal replica")
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := ioutil.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrapf(err, "write replica file %s", tempPath)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Wrapf(err, "save replica file %s", path)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// Package registry is the election/candidate registry consulted before a
// block is minted.
package registry

import (
	"context"
	"io/ioutil"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

var ErrUnknownElection = errors.New("unknown election")

// Registry answers election status and candidate questions.
type Registry interface {
	Election(ctx context.Context, electionID string) (meta.Election, error)
	IsCandidate(ctx context.Context, electionID, candidateID string) bool
}

type entry struct {
	election   meta.Election
	candidates mapset.Set
}

type MemoryRegistry struct {
	mu        sync.RWMutex
	elections map[string]*entry
	now       func() time.Time
}

type electionsFile struct {
	Elections []meta.Election `json:"elections"`
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		elections: make(map[string]*entry),
		now:       time.Now,
	}
}

func validateElection(e meta.Election) error {
	if e.ID == "" {
		return errors.New("election id is required")
	}
	if len(e.Candidates) == 0 {
		return errors.Errorf("election %s has no candidates", e.ID)
	}
	switch e.Status {
	case "", meta.Upcoming, meta.Active, meta.Ended:
	default:
		return errors.Errorf("election %s has unknown status %q", e.ID, e.Status)
	}
	if e.StartsAt != 0 && e.EndsAt != 0 && e.EndsAt <= e.StartsAt {
		return errors.Errorf("election %s ends before it starts", e.ID)
	}
	return nil
}

func (r *MemoryRegistry) AddElection(e meta.Election) error {
	if err := validateElection(e); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = meta.Upcoming
	}
	set := mapset.NewSet()
	for _, c := range e.Candidates {
		set.Add(c)
	}
	e.Candidates = append([]string(nil), e.Candidates...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.elections[e.ID] = &entry{election: e, candidates: set}
	return nil
}

func (r *MemoryRegistry) SetStatus(electionID string, status meta.ElectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	en, ok := r.elections[electionID]
	if !ok {
		return errors.Wrap(ErrUnknownElection, electionID)
	}
	en.election.Status = status
	return nil
}

// status derives the state from the schedule when one is set.
func (r *MemoryRegistry) status(e meta.Election) meta.ElectionStatus {
	if e.StartsAt == 0 && e.EndsAt == 0 {
		return e.Status
	}
	now := r.now().UnixNano() / int64(time.Millisecond)
	switch {
	case e.StartsAt != 0 && now < e.StartsAt:
		return meta.Upcoming
	case e.EndsAt != 0 && now >= e.EndsAt:
		return meta.Ended
	default:
		return meta.Active
	}
}

func (r *MemoryRegistry) Election(ctx context.Context, electionID string) (meta.Election, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	en, ok := r.elections[electionID]
	if !ok {
		return meta.Election{}, errors.Wrap(ErrUnknownElection, electionID)
	}
	e := en.election
	e.Status = r.status(e)
	e.Candidates = append([]string(nil), e.Candidates...)
	return e, nil
}

func (r *MemoryRegistry) IsCandidate(ctx context.Context, electionID, candidateID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	en, ok := r.elections[electionID]
	return ok && en.candidates.Contains(candidateID)
}

func (r *MemoryRegistry) Elections() []meta.Election {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]meta.Election, 0, len(r.elections))
	for _, en := range r.elections {
		e := en.election
		e.Status = r.status(e)
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// LoadFile reads {"elections": [...]} from path. A missing file is not an error.
func (r *MemoryRegistry) LoadFile(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warningf("registry file %s does not exist, no elections loaded", path)
			return nil
		}
		return errors.Wrapf(err, "read registry file %s", path)
	}
	var f electionsFile
	if err := util.FastestJson.Unmarshal(data, &f); err != nil {
		return errors.Wrapf(err, "decode registry file %s", path)
	}
	for _, e := range f.Elections {
		if err := r.AddElection(e); err != nil {
			return errors.Wrapf(err, "registry file %s", path)
		}
	}
	log.Infof("loaded %d elections from %s", len(f.Elections), path)
	return nil
}

// Package verify reconciles all replicas: it groups them by content, elects
// the consensus chain and reports every replica that disagrees with it.
package verify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/voteledger/chain"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/store"
	"github.com/voteledger/util"
)

type UnreadablePolicy string

const (
	// CountUnreadable keeps unreadable replicas in the denominator.
	CountUnreadable   UnreadablePolicy = "count"
	ExcludeUnreadable UnreadablePolicy = "exclude"
)

// FailureSource reports replica writes that failed during broadcast.
type FailureSource interface {
	Failures() []meta.ReplicaFailure
}

type Options struct {
	// Quorum is the match percentage at or above which the ledger is safe.
	Quorum      float64
	ChunkSize   int
	Concurrency int
	Unreadable  UnreadablePolicy
	Difficulty  int
	CanonicalID string
	Failures    FailureSource
	Metrics     *metrics.Ledger
}

type Verifier struct {
	store store.ReplicaStore
	opts  Options

	mu     sync.RWMutex
	latest *meta.IntegrityReport
}

// group is a set of replicas with identical content.
type group struct {
	chain      []meta.Block
	members    mapset.Set
	violations []meta.Violation
}

type loaded struct {
	id     string
	blocks []meta.Block
	err    error
}

func New(s store.ReplicaStore, opts Options) *Verifier {
	if opts.Quorum <= 0 {
		opts.Quorum = commonconst.DefaultQuorum
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = commonconst.DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = commonconst.DefaultVerifyJobs
	}
	if opts.Unreadable == "" {
		opts.Unreadable = CountUnreadable
	}
	if opts.CanonicalID == "" {
		opts.CanonicalID = commonconst.CanonicalReplica
	}
	return &Verifier{store: s, opts: opts}
}

// fingerprint identifies a replica's full content.
func fingerprint(c []meta.Block) string {
	b, err := util.FastestJson.Marshal(c)
	if err != nil {
		// Block has only strings and integers
		panic(err)
	}
	return util.CalHash(b)
}

// VerifyIntegrity scans every replica in chunks and builds the integrity
// report. A replica that cannot be loaded is recorded and the scan goes on;
// only failing to list participants or ctx ending aborts the run.
func (v *Verifier) VerifyIntegrity(ctx context.Context) (*meta.IntegrityReport, error) {
	start := time.Now()
	ids, err := v.store.Participants(ctx)
	if err != nil {
		return nil, meta.WrapKind(err, meta.StorageError, "list participants")
	}
	ids = v.withoutCanonical(ids)

	groups := make(map[string]*group)
	var unreadable []meta.UnreadableReplica
	for from := 0; from < len(ids); from += v.opts.ChunkSize {
		to := from + v.opts.ChunkSize
		if to > len(ids) {
			to = len(ids)
		}
		for _, r := range v.loadChunk(ctx, ids[from:to]) {
			if r.err != nil {
				log.Warningf("replica %s unreadable: %v", r.id, r.err)
				unreadable = append(unreadable, meta.UnreadableReplica{ParticipantID: r.id, Error: r.err.Error()})
				continue
			}
			fp := fingerprint(r.blocks)
			g, ok := groups[fp]
			if !ok {
				g = &group{chain: r.blocks, members: mapset.NewSet()}
				groups[fp] = g
			}
			g.members.Add(r.id)
		}
		if err := ctx.Err(); err != nil {
			return nil, meta.WrapKind(err, meta.InternalError, "verification interrupted")
		}
	}

	report := v.buildReport(groups, unreadable)
	if v.opts.Failures != nil {
		report.ReplicationFailures = v.opts.Failures.Failures()
	}
	if v.opts.Metrics != nil {
		v.opts.Metrics.RecordVerification(report, time.Since(start))
	}

	v.mu.Lock()
	v.latest = report
	v.mu.Unlock()

	log.Infof("verification %s: %d/%d replicas match (%.2f%%), %d groups, %d discrepancies, %d unreadable, safe=%v",
		report.RunID, report.Matching, report.TotalUsers, report.MatchPercentage, report.Groups,
		len(report.Discrepancies), len(report.Unreadable), report.IsIntegritySafe)
	return report, nil
}

func (v *Verifier) withoutCanonical(ids []string) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != v.opts.CanonicalID {
			res = append(res, id)
		}
	}
	return res
}

func (v *Verifier) loadChunk(ctx context.Context, ids []string) []loaded {
	res := make([]loaded, len(ids))
	sem := make(chan struct{}, v.opts.Concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			blocks, err := v.store.Load(ctx, id)
			res[i] = loaded{id: id, blocks: blocks, err: err}
		}(i, id)
	}
	wg.Wait()
	return res
}

func (v *Verifier) buildReport(groups map[string]*group, unreadable []meta.UnreadableReplica) *meta.IntegrityReport {
	report := &meta.IntegrityReport{
		RunID:         uuid.New().String(),
		CheckedAt:     time.Now().UnixNano() / int64(time.Millisecond),
		Groups:        len(groups),
		Unreadable:    unreadable,
		Discrepancies: make([]meta.Discrepancy, 0),
	}

	readable := 0
	for _, g := range groups {
		g.violations = chain.ValidateChain(g.chain, v.opts.Difficulty)
		readable += g.members.Cardinality()
	}
	consensus := elect(groups)

	report.TotalUsers = readable
	if v.opts.Unreadable == CountUnreadable {
		report.TotalUsers += len(unreadable)
	}
	if consensus != nil {
		report.ConsensusChain = consensus.chain
		report.ConsensusChainLength = len(consensus.chain)
		report.ConsensusTipHash = chain.Tip(consensus.chain).Hash
		report.Matching = consensus.members.Cardinality()
	}
	if report.TotalUsers > 0 {
		report.MatchPercentage = float64(report.Matching) / float64(report.TotalUsers) * 100
	}
	report.IsIntegritySafe = report.TotalUsers > 0 && consensus != nil && report.MatchPercentage >= v.opts.Quorum

	for _, g := range groups {
		if g == consensus {
			continue
		}
		for _, id := range members(g) {
			report.Discrepancies = append(report.Discrepancies, discrepancy(id, g, report.ConsensusChain))
		}
	}
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		return report.Discrepancies[i].ParticipantID < report.Discrepancies[j].ParticipantID
	})
	sort.Slice(report.Unreadable, func(i, j int) bool {
		return report.Unreadable[i].ParticipantID < report.Unreadable[j].ParticipantID
	})
	return report
}

// elect picks the consensus group among the internally valid ones: the
// largest, then the longest chain, then the smallest tip hash.
func elect(groups map[string]*group) *group {
	var best *group
	for _, g := range groups {
		if len(g.violations) > 0 {
			continue
		}
		if best == nil || better(g, best) {
			best = g
		}
	}
	return best
}

func better(a, b *group) bool {
	if sa, sb := a.members.Cardinality(), b.members.Cardinality(); sa != sb {
		return sa > sb
	}
	if len(a.chain) != len(b.chain) {
		return len(a.chain) > len(b.chain)
	}
	return strings.Compare(chain.Tip(a.chain).Hash, chain.Tip(b.chain).Hash) < 0
}

func members(g *group) []string {
	ids := make([]string, 0, g.members.Cardinality())
	for _, m := range g.members.ToSlice() {
		ids = append(ids, m.(string))
	}
	sort.Strings(ids)
	return ids
}

// divergingIndex is the first position where replica and consensus hold
// different blocks, or the shorter length when one is a prefix of the other.
func divergingIndex(replica, consensus []meta.Block) int {
	n := len(replica)
	if len(consensus) < n {
		n = len(consensus)
	}
	for i := 0; i < n; i++ {
		if replica[i] != consensus[i] {
			return i
		}
	}
	return n
}

func discrepancy(id string, g *group, consensus []meta.Block) meta.Discrepancy {
	i := divergingIndex(g.chain, consensus)
	d := meta.Discrepancy{
		ParticipantID:  id,
		Kind:           meta.Diverged,
		DivergingIndex: i,
	}
	if i < len(consensus) {
		d.ExpectedHash = consensus[i].Hash
	}
	if i < len(g.chain) {
		d.ActualHash = g.chain[i].Hash
	}
	if len(g.violations) > 0 {
		d.Kind = meta.IntegrityBreached
		d.Violations = g.violations
	}
	return d
}

// GetConsensusChain runs a verification and returns the consensus chain's
// blocks for electionID. The slice is empty when no replica is valid.
func (v *Verifier) GetConsensusChain(ctx context.Context, electionID string) ([]meta.Block, error) {
	report, err := v.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	return chain.FilterElection(report.ConsensusChain, electionID), nil
}

// Latest is the last report produced, nil before the first run.
func (v *Verifier) Latest() *meta.IntegrityReport {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latest
}

// Watch verifies right away and then every interval until ctx ends.
func (v *Verifier) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := v.VerifyIntegrity(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("periodic verification failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (v *Verifier) Difficulty() int {
	return v.opts.Difficulty
}

// Package tally derives per-candidate counts from a validated chain and
// compares them with the side-channel counter.
package tally

import (
	"context"
	"sort"

	"github.com/cloudflare/cfssl/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/voteledger/chain"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/verify"
)

type Extractor struct {
	verifier *verify.Verifier
	counter  Counter
	metrics  *metrics.Ledger
}

// NewExtractor builds an extractor; counter and m may be nil.
func NewExtractor(v *verify.Verifier, counter Counter, m *metrics.Ledger) *Extractor {
	return &Extractor{verifier: v, counter: counter, metrics: m}
}

// FromChain tallies electionID from a single chain, refusing one that does
// not validate.
func FromChain(c []meta.Block, electionID string, difficulty int) (map[string]int, error) {
	if vs := chain.ValidateChain(c, difficulty); len(vs) > 0 {
		return nil, meta.Errorf(meta.IntegrityViolation, "chain invalid at index %d: %s", vs[0].Index, vs[0].Reason)
	}
	return chain.Tally(c, electionID), nil
}

// Tally counts electionID on the elected consensus chain.
func (e *Extractor) Tally(ctx context.Context, electionID string) (*meta.TallyResult, error) {
	report, err := e.verifier.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.ConsensusChain) == 0 {
		return nil, meta.Errorf(meta.IntegrityViolation, "no valid replica to tally %s from", electionID)
	}
	counts, err := FromChain(report.ConsensusChain, electionID, e.verifier.Difficulty())
	if err != nil {
		return nil, err
	}

	res := &meta.TallyResult{
		ElectionID:      electionID,
		Counts:          counts,
		ChainLength:     len(report.ConsensusChain),
		IntegritySafe:   report.IsIntegritySafe,
		MatchPercentage: report.MatchPercentage,
	}
	for _, n := range counts {
		res.TotalVotes += n
	}
	if !report.IsIntegritySafe {
		log.Warningf("tally of %s taken from a chain only %.2f%% of replicas hold", electionID, report.MatchPercentage)
	}

	if e.counter != nil {
		side, err := e.counter.Counts(ctx, electionID)
		if err != nil {
			log.Warningf("side-channel counts of %s unavailable: %v", electionID, err)
			return res, nil
		}
		res.SideChannel = side
		res.Mismatches = Compare(counts, side)
		if len(res.Mismatches) > 0 {
			log.Warningf("tally of %s disagrees with side-channel counter for %d candidates", electionID, len(res.Mismatches))
			if e.metrics != nil {
				e.metrics.TallyMismatches.Inc(int64(len(res.Mismatches)))
			}
		}
	}
	return res, nil
}

// Compare lists the candidates whose chain and side-channel counts differ,
// ordered by candidate id.
func Compare(chainCounts, side map[string]int) []meta.CountMismatch {
	ids := mapset.NewSet()
	for c := range chainCounts {
		ids.Add(c)
	}
	for c := range side {
		ids.Add(c)
	}
	var res []meta.CountMismatch
	for v := range ids.Iter() {
		c := v.(string)
		if chainCounts[c] != side[c] {
			res = append(res, meta.CountMismatch{CandidateID: c, Chain: chainCounts[c], SideChannel: side[c]})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CandidateID < res[j].CandidateID })
	return res
}

// Package metrics collects ledger counters and timings in a go-metrics
// registry.
package metrics

import (
	"io"
	"sync"
	"time"

	"github.com/mxmCherry/movavg"
	mtr "github.com/rcrowley/go-metrics"
	"github.com/voteledger/meta"
)

// matchWindow is the number of verification runs the match average covers.
const matchWindow = 10

type Ledger struct {
	VotesCast            mtr.Counter
	VotesRejected        mtr.Counter
	ReplicaWriteFailures mtr.Counter
	Registrations        mtr.Counter
	CastTime             mtr.Timer
	MineTime             mtr.Timer
	NonceAttempts        mtr.Histogram
	Height               mtr.Gauge

	Verifications   mtr.Counter
	VerifyTime      mtr.Timer
	MatchPercentage mtr.GaugeFloat64
	Discrepancies   mtr.Gauge
	Unreadable      mtr.Gauge
	TallyMismatches mtr.Counter

	registry mtr.Registry
	matchAvg *movavg.SMA
	mu       sync.Mutex
}

func New() *Ledger {
	r := mtr.NewPrefixedRegistry("voteledger - ")
	m := &Ledger{
		VotesCast:            mtr.GetOrRegisterCounter("votes cast", r),
		VotesRejected:        mtr.GetOrRegisterCounter("votes rejected", r),
		ReplicaWriteFailures: mtr.GetOrRegisterCounter("replica write failures", r),
		Registrations:        mtr.GetOrRegisterCounter("registrations", r),
		CastTime:             mtr.GetOrRegisterTimer("cast time", r),
		MineTime:             mtr.GetOrRegisterTimer("mine time", r),
		NonceAttempts:        mtr.GetOrRegisterHistogram("nonce attempts", r, mtr.NewUniformSample(500)),
		Height:               mtr.GetOrRegisterGauge("canonical height", r),
		Verifications:        mtr.GetOrRegisterCounter("verifications", r),
		VerifyTime:           mtr.GetOrRegisterTimer("verify time", r),
		MatchPercentage:      mtr.GetOrRegisterGaugeFloat64("match percentage", r),
		Discrepancies:        mtr.GetOrRegisterGauge("discrepancies", r),
		Unreadable:           mtr.GetOrRegisterGauge("unreadable replicas", r),
		TallyMismatches:      mtr.GetOrRegisterCounter("tally mismatches", r),
		registry:             r,
		matchAvg:             movavg.NewSMA(matchWindow),
	}
	r.Register("match percentage avg", mtr.NewFunctionalGaugeFloat64(m.MatchAverage))
	return m
}

func (m *Ledger) RecordMined(b meta.Block, d time.Duration) {
	m.MineTime.Update(d)
	m.NonceAttempts.Update(int64(b.Nonce) + 1)
}

// RecordCommitted is called once block is part of the canonical chain.
func (m *Ledger) RecordCommitted(b meta.Block) {
	m.Height.Update(int64(b.Index) + 1)
}

func (m *Ledger) RecordVerification(report *meta.IntegrityReport, d time.Duration) {
	m.Verifications.Inc(1)
	m.VerifyTime.Update(d)
	m.MatchPercentage.Update(report.MatchPercentage)
	m.Discrepancies.Update(int64(len(report.Discrepancies)))
	m.Unreadable.Update(int64(len(report.Unreadable)))

	m.mu.Lock()
	m.matchAvg.Add(report.MatchPercentage)
	m.mu.Unlock()
}

// MatchAverage is the mean match percentage over the recent verification runs.
func (m *Ledger) MatchAverage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchAvg.Avg()
}

func (m *Ledger) WriteJSON(w io.Writer) {
	mtr.WriteJSONOnce(m.registry, w)
}

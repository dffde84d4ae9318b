package verify

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pkg/errors"
	"github.com/voteledger/chain"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/store"
)

// unreadableStore fails loads for the listed participants.
type unreadableStore struct {
	*store.MemoryStore
	bad map[string]bool
}

func (s *unreadableStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	if s.bad[participantID] {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.Load(ctx, participantID)
}

type staticFailures []meta.ReplicaFailure

func (f staticFailures) Failures() []meta.ReplicaFailure { return f }

func buildChain(votes ...string) []meta.Block {
	c := chain.NewChain()
	for i, v := range votes {
		election := "e1"
		if i%2 == 1 {
			election = "e2"
		}
		c = append(c, chain.MineBlock(chain.Tip(c), election, "cand-"+v, v, 1))
	}
	return c
}

func clone(c []meta.Block) []meta.Block {
	return append([]meta.Block(nil), c...)
}

var _ = Describe("Verifier", func() {
	var (
		ctx    context.Context
		s      *unreadableStore
		honest []meta.Block
		opts   Options
	)

	put := func(c []meta.Block, ids ...string) {
		for _, id := range ids {
			s.Put(id, c)
		}
	}
	verify := func() *meta.IntegrityReport {
		report, err := New(s, opts).VerifyIntegrity(ctx)
		Expect(err).ToNot(HaveOccurred())
		return report
	}

	BeforeEach(func() {
		ctx = context.Background()
		s = &unreadableStore{MemoryStore: store.NewMemoryStore(), bad: make(map[string]bool)}
		honest = buildChain("v1", "v2", "v3", "v4")
		opts = Options{Difficulty: 1}
	})

	Describe("#VerifyIntegrity", func() {

		It("reports full agreement when replicas are in sync", func() {
			put(honest, "a", "b", "c")
			report := verify()

			Expect(report.MatchPercentage).To(Equal(100.0))
			Expect(report.Discrepancies).To(BeEmpty())
			Expect(report.TotalUsers).To(Equal(3))
			Expect(report.Groups).To(Equal(1))
			Expect(report.IsIntegritySafe).To(BeTrue())
			Expect(report.ConsensusChainLength).To(Equal(len(honest)))
			Expect(report.ConsensusTipHash).To(Equal(chain.Tip(honest).Hash))
			Expect(report.RunID).ToNot(BeEmpty())
		})

		It("pins a single altered hash to its index", func() {
			for k := 1; k < len(honest); k++ {
				put(honest, "a", "b", "c")
				altered := clone(honest)
				altered[k].Hash = "0" + altered[k].Hash[1:len(altered[k].Hash)-1] + "x"
				put(altered, "d")

				report := verify()
				Expect(report.MatchPercentage).To(Equal(75.0))
				Expect(report.Discrepancies).To(HaveLen(1))
				d := report.Discrepancies[0]
				Expect(d.ParticipantID).To(Equal("d"))
				Expect(d.DivergingIndex).To(Equal(k))
				Expect(d.ExpectedHash).To(Equal(honest[k].Hash))
				Expect(d.ActualHash).To(Equal(altered[k].Hash))
				Expect(d.Kind).To(Equal(meta.IntegrityBreached))
				Expect(d.Violations).ToNot(BeEmpty())
				Expect(report.IsIntegritySafe).To(BeTrue())
			}
		})

		It("reports a truncated replica at its own length", func() {
			put(honest, "a", "b")
			truncated := clone(honest[:len(honest)-1])
			put(truncated, "c")

			report := verify()
			Expect(report.Matching).To(Equal(2))
			Expect(report.ConsensusChainLength).To(Equal(len(honest)))
			Expect(report.Discrepancies).To(HaveLen(1))
			d := report.Discrepancies[0]
			Expect(d.ParticipantID).To(Equal("c"))
			Expect(d.DivergingIndex).To(Equal(len(truncated)))
			Expect(d.Kind).To(Equal(meta.Diverged))
			Expect(d.ActualHash).To(BeEmpty())
			Expect(d.ExpectedHash).To(Equal(chain.Tip(honest).Hash))
			Expect(report.IsIntegritySafe).To(BeFalse())
		})

		It("reports a replica ahead of consensus at the consensus length", func() {
			put(honest[:3], "a", "b", "c")
			put(honest, "d")

			report := verify()
			Expect(report.Discrepancies).To(HaveLen(1))
			Expect(report.Discrepancies[0].DivergingIndex).To(Equal(3))
			Expect(report.Discrepancies[0].ExpectedHash).To(BeEmpty())
		})

		It("tells a valid fork from a broken chain", func() {
			fork := clone(honest[:2])
			fork = append(fork, chain.MineBlock(chain.Tip(fork), "e1", "cand-x", "intruder", 1))
			put(honest, "a", "b", "c")
			put(fork, "d")

			report := verify()
			Expect(report.Discrepancies).To(HaveLen(1))
			Expect(report.Discrepancies[0].Kind).To(Equal(meta.Diverged))
			Expect(report.Discrepancies[0].DivergingIndex).To(Equal(2))
			Expect(report.Discrepancies[0].Violations).To(BeEmpty())
		})

		It("catches a changed vote whose hash was left alone", func() {
			tampered := clone(honest)
			tampered[2].CandidateID = "cand-mallory"
			put(honest, "a", "b", "c")
			put(tampered, "d")

			report := verify()
			Expect(report.Groups).To(Equal(2))
			Expect(report.Discrepancies).To(HaveLen(1))
			Expect(report.Discrepancies[0].DivergingIndex).To(Equal(2))
			Expect(report.Discrepancies[0].Kind).To(Equal(meta.IntegrityBreached))
		})

		It("never elects an invalid majority", func() {
			tampered := clone(honest)
			tampered[1].CandidateID = "cand-mallory"
			put(tampered, "a", "b", "c")
			put(honest, "d")

			report := verify()
			Expect(report.ConsensusTipHash).To(Equal(chain.Tip(honest).Hash))
			Expect(report.Matching).To(Equal(1))
			Expect(report.MatchPercentage).To(Equal(25.0))
			Expect(report.IsIntegritySafe).To(BeFalse())
			Expect(report.Discrepancies).To(HaveLen(3))
		})

		It("has no consensus when every replica is invalid", func() {
			tampered := clone(honest)
			tampered[0].Nonce = 7
			put(tampered, "a", "b")

			report := verify()
			Expect(report.ConsensusChainLength).To(Equal(0))
			Expect(report.MatchPercentage).To(Equal(0.0))
			Expect(report.IsIntegritySafe).To(BeFalse())
			Expect(report.Discrepancies).To(HaveLen(2))
			Expect(report.Discrepancies[0].DivergingIndex).To(Equal(0))
		})

		Context("when groups are the same size", func() {
			It("prefers the longer chain", func() {
				put(honest[:3], "a", "b")
				put(honest, "c", "d")

				report := verify()
				Expect(report.ConsensusChainLength).To(Equal(len(honest)))
				Expect(report.MatchPercentage).To(Equal(50.0))
			})

			It("prefers the smaller tip hash", func() {
				x := append(clone(honest[:2]), chain.MineBlock(honest[1], "e1", "cand-x", "x", 1))
				y := append(clone(honest[:2]), chain.MineBlock(honest[1], "e1", "cand-y", "y", 1))
				want := x
				if chain.Tip(y).Hash < chain.Tip(x).Hash {
					want = y
				}
				put(x, "a", "b")
				put(y, "c", "d")

				for i := 0; i < 5; i++ {
					Expect(verify().ConsensusTipHash).To(Equal(chain.Tip(want).Hash))
				}
			})
		})

		Context("with unreadable replicas", func() {
			BeforeEach(func() {
				put(honest, "a", "b", "c", "d")
				s.bad["d"] = true
			})

			It("counts them against the match by default", func() {
				report := verify()
				Expect(report.TotalUsers).To(Equal(4))
				Expect(report.MatchPercentage).To(Equal(75.0))
				Expect(report.Unreadable).To(HaveLen(1))
				Expect(report.Unreadable[0].ParticipantID).To(Equal("d"))
				Expect(report.Discrepancies).To(BeEmpty())
			})

			It("leaves them out when excluded", func() {
				opts.Unreadable = ExcludeUnreadable
				report := verify()
				Expect(report.TotalUsers).To(Equal(3))
				Expect(report.MatchPercentage).To(Equal(100.0))
				Expect(report.Unreadable).To(HaveLen(1))
			})
		})

		It("is not safe without participants", func() {
			report := verify()
			Expect(report.TotalUsers).To(Equal(0))
			Expect(report.MatchPercentage).To(Equal(0.0))
			Expect(report.IsIntegritySafe).To(BeFalse())
		})

		It("ignores the canonical replica", func() {
			put(honest, commonconst.CanonicalReplica, "a")
			put(honest[:2], "b")
			report := verify()
			Expect(report.TotalUsers).To(Equal(2))
		})

		It("gives the same answer whatever the chunk size", func() {
			for i := 0; i < 25; i++ {
				c := honest
				if i%5 == 0 {
					c = honest[:i%3+1]
				}
				put(c, fmt.Sprintf("p%02d", i))
			}
			opts.ChunkSize = 256
			whole := verify()
			opts.ChunkSize = 3
			opts.Concurrency = 2
			chunked := verify()

			Expect(chunked.Matching).To(Equal(whole.Matching))
			Expect(chunked.TotalUsers).To(Equal(25))
			Expect(chunked.Discrepancies).To(Equal(whole.Discrepancies))
			Expect(chunked.ConsensusTipHash).To(Equal(whole.ConsensusTipHash))
		})

		It("includes recorded replication failures and metrics", func() {
			put(honest, "a")
			m := metrics.New()
			opts.Metrics = m
			opts.Failures = staticFailures{{ParticipantID: "b", BlockIndex: 3, Error: "timeout"}}

			report := verify()
			Expect(report.ReplicationFailures).To(HaveLen(1))
			Expect(m.Verifications.Count()).To(Equal(int64(1)))
			Expect(m.MatchPercentage.Value()).To(Equal(100.0))
		})

		It("stops when the context ends", func() {
			put(honest, "a", "b")
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := New(s, opts).VerifyIntegrity(cctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("#GetConsensusChain", func() {
		It("returns the consensus blocks of one election", func() {
			put(honest, "a", "b")
			put(honest[:2], "c")

			blocks, err := New(s, opts).GetConsensusChain(ctx, "e1")
			Expect(err).ToNot(HaveOccurred())
			Expect(blocks).To(Equal([]meta.Block{honest[1], honest[3]}))

			blocks, err = New(s, opts).GetConsensusChain(ctx, "nope")
			Expect(err).ToNot(HaveOccurred())
			Expect(blocks).To(BeEmpty())
		})
	})

	Describe("#Watch", func() {
		It("keeps the latest report", func() {
			put(honest, "a")
			v := New(s, opts)
			Expect(v.Latest()).To(BeNil())

			wctx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				v.Watch(wctx, 10*time.Millisecond)
				close(done)
			}()
			Eventually(v.Latest).ShouldNot(BeNil())
			cancel()
			Eventually(done).Should(BeClosed())
			Expect(v.Latest().MatchPercentage).To(Equal(100.0))
		})
	})
})

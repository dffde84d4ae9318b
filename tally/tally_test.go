package tally

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/voteledger/chain"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/redis"
	"github.com/voteledger/store"
	"github.com/voteledger/verify"
)

func votes(pairs ...string) []meta.Block {
	c := chain.NewChain()
	for i := 0; i+1 < len(pairs); i += 2 {
		c = append(c, chain.MineBlock(chain.Tip(c), pairs[i], pairs[i+1], pairs[i]+pairs[i+1]+string(rune('a'+i)), 1))
	}
	return c
}

func TestFromChain(t *testing.T) {
	c := votes("e1", "alice", "e1", "bob", "e2", "alice", "e1", "alice")
	counts, err := FromChain(c, "e1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]int{"alice": 2, "bob": 1}; !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}

	c[2].CandidateID = "alice"
	if _, err := FromChain(c, "e1", 1); !meta.IsKind(err, meta.IntegrityViolation) {
		t.Errorf("tampered chain: expected IntegrityViolation, got %v", err)
	}
}

func TestExtractor(t *testing.T) {
	ctx := context.Background()
	honest := votes("e1", "alice", "e1", "bob", "e1", "alice")
	s := store.NewMemoryStore()
	s.Put("p1", honest)
	s.Put("p2", honest)
	tampered := append([]meta.Block(nil), honest...)
	tampered[2].CandidateID = "alice"
	s.Put("p3", tampered)

	counter := NewMemoryCounter()
	for _, c := range []string{"alice", "bob", "alice"} {
		if err := counter.Increment(ctx, "e1", c); err != nil {
			t.Fatal(err)
		}
	}
	m := metrics.New()
	v := verify.New(s, verify.Options{Difficulty: 1, Quorum: 60})
	res, err := NewExtractor(v, counter, m).Tally(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]int{"alice": 2, "bob": 1}; !reflect.DeepEqual(res.Counts, want) {
		t.Errorf("counts = %v, want %v", res.Counts, want)
	}
	if res.TotalVotes != 3 || res.ChainLength != 4 || !res.IntegritySafe || len(res.Mismatches) != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	t.Run("side-channel mismatch", func(t *testing.T) {
		if err := counter.Increment(ctx, "e1", "carol"); err != nil {
			t.Fatal(err)
		}
		res, err := NewExtractor(v, counter, m).Tally(ctx, "e1")
		if err != nil {
			t.Fatal(err)
		}
		want := []meta.CountMismatch{{CandidateID: "carol", Chain: 0, SideChannel: 1}}
		if !reflect.DeepEqual(res.Mismatches, want) {
			t.Errorf("mismatches = %+v, want %+v", res.Mismatches, want)
		}
		if m.TallyMismatches.Count() != 1 {
			t.Errorf("mismatch metric = %d", m.TallyMismatches.Count())
		}
	})

	t.Run("no valid replica", func(t *testing.T) {
		bad := store.NewMemoryStore()
		bad.Put("p1", tampered)
		_, err := NewExtractor(verify.New(bad, verify.Options{Difficulty: 1}), nil, nil).Tally(ctx, "e1")
		if !meta.IsKind(err, meta.IntegrityViolation) {
			t.Errorf("expected IntegrityViolation, got %v", err)
		}
	})
}

func TestCompare(t *testing.T) {
	got := Compare(map[string]int{"a": 2, "b": 1}, map[string]int{"a": 2, "b": 3, "c": 1})
	want := []meta.CountMismatch{{CandidateID: "b", Chain: 1, SideChannel: 3}, {CandidateID: "c", SideChannel: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compare() = %+v, want %+v", got, want)
	}
	if Compare(map[string]int{"a": 1}, map[string]int{"a": 1}) != nil {
		t.Error("equal counts reported a mismatch")
	}
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("VOTELEDGER_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	rdb, err := redis.Dial(ctx, redis.Options{Addr: addr, DB: 14})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	c := NewRedisCounter(rdb)
	for _, cand := range []string{"a", "b", "a"} {
		if err := c.Increment(ctx, "e1", cand); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.Counts(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]int{"a": 2, "b": 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("counts = %v, want %v", got, want)
	}
	if got, _ := c.Counts(ctx, "e9"); len(got) != 0 {
		t.Errorf("unknown election counts = %v", got)
	}
}

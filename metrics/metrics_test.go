package metrics

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/voteledger/meta"
)

func TestLedger(t *testing.T) {
	m := New()
	m.VotesCast.Inc(2)
	m.RecordMined(meta.Block{Index: 4, Nonce: 9}, time.Millisecond)
	if m.Height.Value() != 0 {
		t.Errorf("height moved before commit: %d", m.Height.Value())
	}
	m.RecordCommitted(meta.Block{Index: 4, Nonce: 9})
	if m.Height.Value() != 5 {
		t.Errorf("height = %d, want 5", m.Height.Value())
	}
	if m.NonceAttempts.Max() != 10 {
		t.Errorf("nonce attempts max = %d, want 10", m.NonceAttempts.Max())
	}

	m.RecordVerification(&meta.IntegrityReport{MatchPercentage: 100}, time.Millisecond)
	m.RecordVerification(&meta.IntegrityReport{MatchPercentage: 50, Discrepancies: make([]meta.Discrepancy, 2)}, time.Millisecond)
	if math.Abs(m.MatchAverage()-75) > 1e-9 {
		t.Errorf("match average = %f, want 75", m.MatchAverage())
	}
	if m.Discrepancies.Value() != 2 || m.Verifications.Count() != 2 {
		t.Errorf("discrepancies %d verifications %d", m.Discrepancies.Value(), m.Verifications.Count())
	}

	var buf bytes.Buffer
	m.WriteJSON(&buf)
	if !strings.Contains(buf.String(), "voteledger - votes cast") {
		t.Fatalf("json export misses counter: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"voteledger - match percentage avg":{"value":75}`) {
		t.Fatalf("json export misses match average: %s", buf.String())
	}
}

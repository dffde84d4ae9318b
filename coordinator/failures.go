package coordinator

import (
	"sync"

	"github.com/voteledger/meta"
)

// FailureLog keeps the most recent replica write failures for the verifier
// to surface. Older entries are overwritten once it is full.
type FailureLog struct {
	mu    sync.Mutex
	buf   []meta.ReplicaFailure
	next  int
	full  bool
	total int64
}

func NewFailureLog(size int) *FailureLog {
	if size <= 0 {
		size = 1
	}
	return &FailureLog{buf: make([]meta.ReplicaFailure, size)}
}

func (l *FailureLog) Record(f meta.ReplicaFailure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = f
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Failures returns the retained failures, oldest first.
func (l *FailureLog) Failures() []meta.ReplicaFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		res := make([]meta.ReplicaFailure, l.next)
		copy(res, l.buf[:l.next])
		return res
	}
	res := make([]meta.ReplicaFailure, 0, len(l.buf))
	res = append(res, l.buf[l.next:]...)
	return append(res, l.buf[:l.next]...)
}

// Total counts every failure ever recorded, including overwritten ones.
func (l *FailureLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

package natsclient

import (
	"sync/atomic"
	"time"
)

const initialBackoff = time.Second

// breaker counts failures for the circuit. failures is the lifetime count
// since the last reset; round restarts each time the circuit trips.
type breaker struct {
	threshold  int32
	maxBackoff time.Duration

	failures    atomic.Int32
	round       atomic.Int32
	backoff     atomic.Int64 // time.Duration
	lastFailure atomic.Int64 // unix nanos, 0 when none
}

func newBreaker(threshold int32, maxBackoff time.Duration) *breaker {
	b := &breaker{threshold: threshold, maxBackoff: maxBackoff}
	b.backoff.Store(int64(initialBackoff))
	return b
}

// fail records one failure and reports whether this round reached the
// threshold. The round counter restarts when it does.
func (b *breaker) fail() (total int32, tripped bool) {
	total = b.failures.Add(1)
	b.lastFailure.Store(time.Now().UnixNano())
	if b.round.Add(1) < b.threshold {
		return total, false
	}
	b.round.Store(0)
	return total, true
}

// grow doubles the backoff up to maxBackoff and returns the previous value.
func (b *breaker) grow() time.Duration {
	prev := b.wait()
	next := prev * 2
	if next > b.maxBackoff {
		next = b.maxBackoff
	}
	b.backoff.Store(int64(next))
	return prev
}

func (b *breaker) wait() time.Duration {
	return time.Duration(b.backoff.Load())
}

func (b *breaker) reset() {
	b.failures.Store(0)
	b.round.Store(0)
	b.backoff.Store(int64(initialBackoff))
	b.lastFailure.Store(0)
}

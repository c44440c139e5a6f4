package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffPolicy computes the retry gate for a failed message or delivery:
// delay = min(cap, 2^min(attempts, capExponent)) seconds, plus jitter in
// [0, 1) seconds so retries spread out instead of synchronizing under load.
type BackoffPolicy struct {
	Cap         time.Duration
	CapExponent int

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoffPolicy constructs a policy with its own jitter source.
func NewBackoffPolicy(cap time.Duration, capExponent int) *BackoffPolicy {
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if capExponent < 0 {
		capExponent = 0
	}
	return &BackoffPolicy{
		Cap:         cap,
		CapExponent: capExponent,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the scheduled wait for the given attempt count.
func (p *BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	shift := attempts
	if shift > p.CapExponent {
		shift = p.CapExponent
	}
	base := time.Duration(1<<uint(shift)) * time.Second
	if base > p.Cap {
		base = p.Cap
	}
	return base + p.jitter()
}

// NextGate returns the absolute instant before which the message must not be
// retried.
func (p *BackoffPolicy) NextGate(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

func (p *BackoffPolicy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rand.Float64() * float64(time.Second))
}

// Package circuitbreaker guards the storage backends behind the host
// operations (store, query_create): when the entity store's
// Postgres pool starts failing, the breaker rejects further calls for a
// cool-down period instead of letting every in-flight handler pile onto
// a dead backend.
//
// # State machine
//
//	Closed ──(error rate ≥ ErrorPct over the window)──► Open
//	Open ──(OpenDuration elapsed)──► HalfOpen
//	HalfOpen ──(all probes succeed)──► Closed
//	HalfOpen ──(any probe fails)──► Open
//
// # Window representation
//
// Outcomes are accumulated into a ring of fixed-width count buckets
// covering the last WindowDuration. Compared to keeping raw timestamps,
// the ring's memory is constant regardless of traffic volume, and
// advancing it is O(buckets) in the worst case rather than O(events).
// The error rate it reports is off by at most one bucket width, which
// is noise at the traffic levels that can trip a breaker.
//
// # Concurrency
//
// All public methods are safe for concurrent use; each takes the
// breaker's mutex. The Registry's read path (an existing breaker) only
// takes a read lock.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a bounded number of probe calls pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds the breaker thresholds.
type Config struct {
	ErrorPct       float64       // error percentage (0-100) that trips the breaker
	WindowDuration time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // how long Open lasts before probing
	HalfOpenProbes int           // probe calls allowed in HalfOpen
}

// windowBuckets is how many count buckets the sliding window is split
// into; each bucket covers WindowDuration/windowBuckets.
const windowBuckets = 10

type bucket struct {
	successes int
	failures  int
}

// Breaker is one circuit breaker, keyed in the Registry by the backend
// it guards.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state    State
	openedAt time.Time

	buckets   [windowBuckets]bucket
	head      int       // index of the bucket currently being written
	headStart time.Time // start of the head bucket's interval

	probesSent int // probes dispatched in HalfOpen
	probesOK   int // probes that came back successful
}

// New creates a breaker with the given thresholds.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, headStart: time.Now()}
}

func (b *Breaker) bucketWidth() time.Duration {
	return b.cfg.WindowDuration / windowBuckets
}

// advance rotates the ring so that the head bucket covers now. Buckets
// that have fallen out of the window are zeroed as the head passes over
// them. Must be called under the lock.
func (b *Breaker) advance(now time.Time) {
	width := b.bucketWidth()
	if width <= 0 {
		return
	}
	steps := int(now.Sub(b.headStart) / width)
	if steps <= 0 {
		return
	}
	if steps > windowBuckets {
		steps = windowBuckets
	}
	for i := 0; i < steps; i++ {
		b.head = (b.head + 1) % windowBuckets
		b.buckets[b.head] = bucket{}
	}
	b.headStart = now.Truncate(width)
}

// totals sums the window. Must be called under the lock.
func (b *Breaker) totals() (successes, failures int) {
	for _, bk := range b.buckets {
		successes += bk.successes
		failures += bk.failures
	}
	return successes, failures
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.toHalfOpen()
		b.probesSent++
		return true
	case StateHalfOpen:
		if b.probesSent < b.cfg.HalfOpenProbes {
			b.probesSent++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.advance(now)
		b.buckets[b.head].successes++
	case StateHalfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.buckets = [windowBuckets]bucket{}
			b.headStart = now
		}
	}
}

// RecordFailure records a failed call, tripping the breaker if the
// window's error rate reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.advance(now)
		b.buckets[b.head].failures++
		successes, failures := b.totals()
		total := successes + failures
		if total > 0 && float64(failures)/float64(total)*100 >= b.cfg.ErrorPct {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current state, applying the Open → HalfOpen
// transition if OpenDuration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.toHalfOpen()
	}
	return b.state
}

// toHalfOpen resets probe accounting. Must be called under the lock.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.probesSent = 0
	b.probesOK = 0
}

// Registry holds one breaker per guarded backend.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use. A Config
// whose ErrorPct, WindowDuration or OpenDuration is not positive
// disables breaking for that backend: Get returns nil and callers treat
// nil as always-allow.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(cfg)
	r.breakers[name] = b
	return b
}

// Remove deletes the breaker for name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Snapshot returns each registered backend's current state name.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}

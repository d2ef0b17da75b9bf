// Package sema provides the concurrency-safety primitives of spec.md §4.7:
// a CAS-based counting semaphore for credit accounting, a CAS spinlock, and
// a handler-safe lock (HSL) usable from Active Message handler context.
package sema

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Counting is a bounded counting semaphore built on a single int32 atomic,
// per spec.md §4.7: "try_down uses CAS(old, old-1) on the counter; failure
// when the counter is zero." No auxiliary mutex is needed on any platform
// Go targets, since all of them provide a native word-width CAS.
type Counting struct {
	n     int32
	limit int32
}

func NewCounting(n int32) *Counting {
	return &Counting{n: n, limit: n}
}

// TryDown attempts to acquire one unit without blocking.
func (s *Counting) TryDown() bool {
	for {
		old := atomic.LoadInt32(&s.n)
		if old <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.n, old, old-1) {
			return true
		}
	}
}

// Up releases one unit. It never exceeds the initial allocation: the
// connection record invariant in spec.md §3 ("credit semaphore value never
// exceeds the initial allocation") is enforced here rather than merely
// assumed.
func (s *Counting) Up() {
	for {
		old := atomic.LoadInt32(&s.n)
		next := old + 1
		if next > s.limit {
			next = s.limit
		}
		if atomic.CompareAndSwapInt32(&s.n, old, next) {
			return
		}
	}
}

// Value returns the current count, for the buffer/credit-conservation
// testable properties of spec.md §8.
func (s *Counting) Value() int32 { return atomic.LoadInt32(&s.n) }

// Limit returns the initial allocation.
func (s *Counting) Limit() int32 { return s.limit }

// WaitDown spins, calling poll between attempts, until a unit is acquired.
// This realizes spec.md §5's "no OS-level blocking" rule: suspension is a
// polling loop, never a channel receive or condvar wait.
func (s *Counting) WaitDown(poll func()) {
	for !s.TryDown() {
		if poll != nil {
			poll()
		} else {
			runtime.Gosched()
		}
	}
}

// Spinlock is the CAS-based mutex of spec.md §4.7, over a 32-bit word with
// locked/unlocked sentinel values rather than a bool, so a racy reader can
// never mistake a torn write for a valid state.
type Spinlock struct {
	state int32
}

const (
	unlocked int32 = 0
	locked   int32 = 1
)

func (l *Spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, unlocked, locked) {
		runtime.Gosched()
	}
}

func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, unlocked, locked)
}

func (l *Spinlock) Unlock() {
	atomic.StoreInt32(&l.state, unlocked)
}

// HSL is the handler-safe lock of spec.md §4.7: a recursive-capable mutex
// that can be safely acquired from Active Message handler context. Since
// this runtime has no interrupt-driven completion delivery (progress is
// polled, per spec.md §5), HSL degenerates to a plain non-recursive mutex
// plus owner tracking purely to make the "recursive acquire is forbidden"
// invariant (spec.md §5, "Forbidden cross-thread operations") a checkable
// error instead of a silent deadlock.
type HSL struct {
	mu    sync.Mutex
	owner int64 // goroutine identity surrogate; 0 means unlocked
}

// Token is an approximate goroutine identity: Go has no public goroutine-id
// API, so HSL uses a per-goroutine token the caller passes in rather than
// reading runtime internals. Token 0 is never checked for recursion.
type Token int64

func (h *HSL) Lock(tok Token) {
	if atomic.LoadInt64(&h.owner) == int64(tok) && tok != 0 {
		panic("gasnet: recursive HSL acquire")
	}
	h.mu.Lock()
	atomic.StoreInt64(&h.owner, int64(tok))
}

func (h *HSL) Unlock() {
	atomic.StoreInt64(&h.owner, 0)
	h.mu.Unlock()
}

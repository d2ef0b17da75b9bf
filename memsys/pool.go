// Package memsys implements the buffer pool of spec.md §4.1 (C1): fixed-size
// pinned send/receive buffers kept on a LIFO free list. The list itself is a
// lock-free Treiber stack over sync/atomic.Pointer — safe from the classic
// ABA hazard without hazard pointers or a sequence tag, because every *node
// is a distinct GC-tracked allocation: nodes are never manually recycled
// into a freelist of their own (only the *payload* buffer they carry is
// reused), so the garbage collector guarantees a popped node's address is
// never reused for an unrelated push while a concurrent CAS still holds it.
/*
 * Grounded on rockstar-0000-aistore's memsys/transport split: `transport`
 * treats buffers as opaque, pool-owned bytes handed out by an MMSA-like
 * allocator and returned on completion (see transport/pdu.go's
 * `mm.Free(pdu.buf)`), which is the same acquire/release discipline spec.md
 * §3 assigns to the "Send buffer" and "Receive buffer" entries.
 */
package memsys

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
)

// Buf is a pinned, fixed-size region with an associated (opaque) memory
// key, large enough for any AM payload plus header (spec.md §3).
type Buf struct {
	Data []byte
	RKey uint32 // opaque registration/memory key, meaningful to rdma.Provider
}

type node struct {
	buf  *Buf
	next atomic.Pointer[node]
}

// Pool is a LIFO free list of fixed-size pinned buffers. Pools are bounded
// at creation to D*N+slack (send) or D*N+spares (recv), per spec.md §4.1.
type Pool struct {
	head    atomic.Pointer[node]
	bufSize int
	count   int32 // total ever allocated, for buffer-conservation tests (spec.md §8)
	free    int32 // currently on the free list
	pinned  bool
}

// NewPool preallocates n buffers of bufSize bytes each, mlock'ing the
// backing arena when pin is true (the real send/recv path always wants
// this; tests may pass pin=false to avoid requiring CAP_IPC_LOCK).
func NewPool(n, bufSize int, pin bool) *Pool {
	p := &Pool{bufSize: bufSize, pinned: pin}
	arena := make([]byte, n*bufSize)
	if pin {
		// Best-effort: a pinning failure here is a setup-time RESOURCE
		// failure at a higher layer, not something memsys itself should
		// decide is fatal — it just records that pinning wasn't honored.
		if err := unix.Mlock(arena); err == nil {
			p.pinned = true
		} else {
			p.pinned = false
		}
	}
	for i := 0; i < n; i++ {
		b := &Buf{Data: arena[i*bufSize : (i+1)*bufSize]}
		p.push(&node{buf: b})
	}
	p.count = int32(n)
	p.free = int32(n)
	return p
}

func (p *Pool) push(nd *node) {
	for {
		old := p.head.Load()
		nd.next.Store(old)
		if p.head.CompareAndSwap(old, nd) {
			return
		}
	}
}

func (p *Pool) pop() *node {
	for {
		old := p.head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if p.head.CompareAndSwap(old, next) {
			return old
		}
	}
}

// Acquire is non-blocking, per spec.md §4.1: "callers that exhaust the pool
// must first reap send completions to replenish." It returns ok=false
// rather than waiting.
func (p *Pool) Acquire() (*Buf, bool) {
	nd := p.pop()
	if nd == nil {
		return nil, false
	}
	atomic.AddInt32(&p.free, -1)
	return nd.buf, true
}

// Release returns a buffer to the free list. Invariant (spec.md §3): a
// buffer is either on the free list or referenced by exactly one
// outstanding work request — callers must not call Release twice for the
// same completion.
func (p *Pool) Release(b *Buf) {
	debug.Assert(b != nil, "memsys: release of nil buffer")
	p.push(&node{buf: b})
	atomic.AddInt32(&p.free, 1)
}

// Free reports the number of buffers currently on the free list, and Total
// the number ever allocated — together these back the buffer-conservation
// testable property of spec.md §8 ("at rest, the number of buffers in the
// free list equals the total allocated").
func (p *Pool) Free() int  { return int(atomic.LoadInt32(&p.free)) }
func (p *Pool) Total() int { return int(atomic.LoadInt32(&p.count)) }

func (p *Pool) BufSize() int { return p.bufSize }
func (p *Pool) Pinned() bool { return p.pinned }

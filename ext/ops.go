// Package ext implements the Extended API of spec.md §4.6 (C7): explicit-
// and implicit-handle non-blocking get/put/memset, access regions, and the
// (page,slot)-addressed thread-local operation-descriptor freelists of
// spec.md §9's design note.
package ext

import (
	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
	"github.com/pgas-rt/gasnet-ibv/engine"
	"github.com/pgas-rt/gasnet-ibv/gerr"
)

const pageSize = 256 // entries per eop freelist page (spec.md §9)

// Handle is a compact (page,slot) pair packed into 16 bits, stable across
// freelist growth: the high byte is the page index, the low byte the slot
// within it (spec.md §9: "identify a descriptor by (page_index,
// slot_index) packed into 16 bits").
type Handle uint16

func packHandle(page, slot int) Handle { return Handle(page<<8 | slot) }
func (h Handle) page() int             { return int(h) >> 8 }
func (h Handle) slot() int             { return int(h) & 0xFF }

// EOp is the explicit operation descriptor of spec.md §3: one outstanding
// operation, tracked by a single atomic counter, returned to the client as
// an opaque Handle. Owned by the thread (ThreadCtx) that allocated it;
// freeing from another thread is forbidden.
type EOp struct {
	counter *engine.Counter
	memDone *engine.Counter
	inUse   bool
}

type eopPage struct {
	slots [pageSize]EOp
}

// ThreadCtx stands in for GASNet's per-thread "thread info" pointer
// (spec.md §9's open question: "an implementation should document and
// enforce no-fork-after-init"); callers construct one ThreadCtx per
// goroutine that will issue Extended API calls and must not share it
// across goroutines, mirroring the forbidden cross-thread free of spec.md
// §5.
type ThreadCtx struct {
	eng *engine.Engine

	eopPages []*eopPage
	free     []Handle

	defaultIOp *IOp
	stack      []*IOp // nested access regions; spec.md §4.6 forbids recursion by default
}

func NewThreadCtx(eng *engine.Engine) *ThreadCtx {
	t := &ThreadCtx{eng: eng}
	t.defaultIOp = &IOp{}
	return t
}

func (t *ThreadCtx) allocEOp() Handle {
	if len(t.free) > 0 {
		h := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		p := t.eopPages[h.page()]
		p.slots[h.slot()] = EOp{counter: engine.NewCounter(), memDone: engine.NewCounter(), inUse: true}
		return h
	}
	page := &eopPage{}
	t.eopPages = append(t.eopPages, page)
	pageIdx := len(t.eopPages) - 1
	for slot := pageSize - 1; slot >= 1; slot-- {
		t.free = append(t.free, packHandle(pageIdx, slot))
	}
	page.slots[0] = EOp{counter: engine.NewCounter(), memDone: engine.NewCounter(), inUse: true}
	return packHandle(pageIdx, 0)
}

func (t *ThreadCtx) eop(h Handle) *EOp {
	debug.Assertf(h.page() < len(t.eopPages), "ext: handle %d from a foreign/unknown freelist page", h)
	return &t.eopPages[h.page()].slots[h.slot()]
}

func (t *ThreadCtx) freeEOp(h Handle) {
	e := t.eop(h)
	debug.Assertf(e.inUse, "ext: double-free of eop handle %d", h)
	e.inUse = false
	t.free = append(t.free, h)
}

// currentIOp returns the access region an implicit op should be charged
// against: the top of the nested-region stack, or the thread's default.
func (t *ThreadCtx) currentIOp() *IOp {
	if len(t.stack) > 0 {
		return t.stack[len(t.stack)-1]
	}
	return t.defaultIOp
}

// -- explicit handle ops ---------------------------------------------------

// GetNB allocates an eop, issues a non-blocking get through engine, and
// returns its handle (spec.md §4.6).
func (t *ThreadCtx) GetNB(peer int, dst []byte, raddr uint64, rkey uint32, dstPinned bool) (Handle, error) {
	h := t.allocEOp()
	e := t.eop(h)
	if err := t.eng.Get(peer, dst, raddr, rkey, e.counter, dstPinned); err != nil {
		t.freeEOp(h)
		return 0, err
	}
	return h, nil
}

// PutNB additionally waits synchronously for local source-safety (the
// memDone counter) before returning, per spec.md §4.6: "The non-bulk
// put_nb additionally waits synchronously for local source-safety... before
// returning." PutNBBulk skips that wait.
func (t *ThreadCtx) PutNB(peer int, raddr uint64, rkey uint32, src []byte) (Handle, error) {
	h := t.allocEOp()
	e := t.eop(h)
	if err := t.eng.Put(peer, raddr, rkey, src, e.memDone, e.counter); err != nil {
		t.freeEOp(h)
		return 0, err
	}
	for e.memDone.Value() != 0 {
		t.eng.Poll(64, 64)
	}
	return h, nil
}

// PutNBBulk is put_nb without the local-source-safety wait: the caller
// promises not to touch src until the returned handle syncs.
func (t *ThreadCtx) PutNBBulk(peer int, raddr uint64, rkey uint32, src []byte) (Handle, error) {
	h := t.allocEOp()
	e := t.eop(h)
	if err := t.eng.Put(peer, raddr, rkey, src, nil, e.counter); err != nil {
		t.freeEOp(h)
		return 0, err
	}
	return h, nil
}

func (t *ThreadCtx) MemsetNB(peer int, raddr uint64, rkey uint32, b byte, n int) (Handle, error) {
	h := t.allocEOp()
	e := t.eop(h)
	if err := t.eng.Memset(peer, raddr, rkey, b, n, e.counter); err != nil {
		t.freeEOp(h)
		return 0, err
	}
	return h, nil
}

// TrySync returns NOT_READY iff the op's counter is still nonzero; on
// success it frees the descriptor (spec.md §4.6: "try_sync... on OK frees
// the op"). A handle that is not in use (already freed) is rejected with
// BAD_ARG.
func (t *ThreadCtx) TrySync(h Handle) error {
	e := t.eop(h)
	if !e.inUse {
		return gerr.BadArgf("ext.TrySync", "handle %d is not in use", h)
	}
	if e.counter.Value() != 0 {
		return gerr.NotReadyErr("ext.TrySync")
	}
	t.freeEOp(h)
	return nil
}

// WaitSync loops polling until the op completes, then frees it. Per
// spec.md §9's resolved open question, waiting on a handle allocated by a
// different ThreadCtx is forbidden; debug builds catch it.
func (t *ThreadCtx) WaitSync(h Handle) {
	debug.Assertf(h.page() < len(t.eopPages), "ext.WaitSync: handle from a foreign ThreadCtx")
	e := t.eop(h)
	for e.counter.Value() != 0 {
		t.eng.Poll(64, 64)
	}
	t.freeEOp(h)
}

// TrySyncSome/TrySyncAll/WaitSyncSome/WaitSyncAll operate over a batch of
// handles, per spec.md §6's try_syncnb_some/all naming for the explicit
// API.
func (t *ThreadCtx) TrySyncAll(hs []Handle) bool {
	for _, h := range hs {
		if t.eop(h).counter.Value() != 0 {
			return false
		}
	}
	for _, h := range hs {
		t.freeEOp(h)
	}
	return true
}

// TrySyncSome polls the engine once, then reports whether any handle's op
// has completed; it frees none of them.
func (t *ThreadCtx) TrySyncSome(hs []Handle) bool {
	t.eng.Poll(64, 64)
	any := false
	for _, h := range hs {
		if t.eop(h).counter.Value() == 0 {
			any = true
		}
	}
	return any
}

func (t *ThreadCtx) WaitSyncSome(hs []Handle) {
	for {
		for _, h := range hs {
			if t.eop(h).counter.Value() == 0 {
				return
			}
		}
		t.eng.Poll(64, 64)
	}
}

func (t *ThreadCtx) WaitSyncAll(hs []Handle) {
	for _, h := range hs {
		t.WaitSync(h)
	}
}

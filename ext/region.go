package ext

import (
	"github.com/pgas-rt/gasnet-ibv/engine"
	"github.com/pgas-rt/gasnet-ibv/gerr"
)

// IOp is the implicit operation descriptor of spec.md §3: a group of
// outstanding operations belonging to the current access region, tracked
// by two atomic counters (gets-outstanding, puts-outstanding). A thread
// has a default IOp and may push one nested region (spec.md §4.6:
// "Recursion is forbidden by default").
type IOp struct {
	gets engine.Counter
	puts engine.Counter
}

// GetNBI/PutNBI/PutNBIBulk/MemsetNBI charge their completion against the
// thread's *current* access region (the top of the nested-region stack, or
// the default IOp), per spec.md §4.6.
func (t *ThreadCtx) GetNBI(peer int, dst []byte, raddr uint64, rkey uint32, dstPinned bool) error {
	return t.eng.Get(peer, dst, raddr, rkey, &t.currentIOp().gets, dstPinned)
}

func (t *ThreadCtx) PutNBI(peer int, raddr uint64, rkey uint32, src []byte) error {
	iop := t.currentIOp()
	memDone := engine.NewCounter()
	if err := t.eng.Put(peer, raddr, rkey, src, memDone, &iop.puts); err != nil {
		return err
	}
	for memDone.Value() != 0 {
		t.eng.Poll(64, 64)
	}
	return nil
}

func (t *ThreadCtx) PutNBIBulk(peer int, raddr uint64, rkey uint32, src []byte) error {
	return t.eng.Put(peer, raddr, rkey, src, nil, &t.currentIOp().puts)
}

func (t *ThreadCtx) MemsetNBI(peer int, raddr uint64, rkey uint32, b byte, n int) error {
	return t.eng.Memset(peer, raddr, rkey, b, n, &t.currentIOp().puts)
}

// BeginAccessRegion pushes a new IOp as the thread's current access
// region. Nested regions are forbidden: a call while a region is already
// open fails with BAD_ARG (spec.md §4.6).
func (t *ThreadCtx) BeginAccessRegion() error {
	if len(t.stack) > 0 {
		return gerr.BadArgf("ext.BeginAccessRegion", "nested access regions are forbidden by default")
	}
	t.stack = append(t.stack, &IOp{})
	return nil
}

// EndAccessRegion pops the pushed IOp and returns it as an explicit-looking
// handle: the caller syncs on it with WaitSyncNBIGets/WaitSyncNBIPuts/
// WaitSyncNBIAll much as it would an eop, per spec.md §4.6 ("end_nbi_accessregion pops and returns
// the pushed iop as an explicit-looking handle").
func (t *ThreadCtx) EndAccessRegion() (*IOp, error) {
	if len(t.stack) == 0 {
		return nil, gerr.BadArgf("ext.EndAccessRegion", "no access region is open")
	}
	iop := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return iop, nil
}

func (iop *IOp) outstandingGets() int32 { return iop.gets.Value() }
func (iop *IOp) outstandingPuts() int32 { return iop.puts.Value() }

// TrySyncNBIGets/TrySyncNBIPuts/TrySyncNBIAll check the given IOp's
// counters without blocking (spec.md §6: try_syncnbi_{gets,puts,all}).
func TrySyncNBIGets(iop *IOp) bool { return iop.outstandingGets() == 0 }
func TrySyncNBIPuts(iop *IOp) bool { return iop.outstandingPuts() == 0 }
func TrySyncNBIAll(iop *IOp) bool  { return TrySyncNBIGets(iop) && TrySyncNBIPuts(iop) }

// WaitSyncNBIGets/WaitSyncNBIPuts/WaitSyncNBIAll loop polling until the
// given IOp's counters reach zero (spec.md §6: wait_syncnbi_{gets,puts,all}).
func (t *ThreadCtx) WaitSyncNBIGets(iop *IOp) {
	for iop.outstandingGets() != 0 {
		t.eng.Poll(64, 64)
	}
}

func (t *ThreadCtx) WaitSyncNBIPuts(iop *IOp) {
	for iop.outstandingPuts() != 0 {
		t.eng.Poll(64, 64)
	}
}

func (t *ThreadCtx) WaitSyncNBIAll(iop *IOp) {
	t.WaitSyncNBIGets(iop)
	t.WaitSyncNBIPuts(iop)
}

// DefaultIOp exposes the thread's default access region, for
// try_syncnbi_{gets,puts,all} calls made outside any begin/end pair.
func (t *ThreadCtx) DefaultIOp() *IOp { return t.defaultIOp }

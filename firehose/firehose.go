// Package firehose implements the distributed pinning cache of spec.md
// §4.4 (C3) — "the CORE of this specification." A local bucket table
// tracks how many peers currently hold a firehose onto each bucket of this
// node's segment; a per-peer remote firehose hash, bounded to F entries,
// tracks which of a peer's buckets this node currently owns a firehose to.
// Refcount-zero entries on either side sit on a victim FIFO and are
// reclaimed LRU-first.
//
// Grounded directly on spec.md §4.4's public contract and move algorithm;
// the victim-FIFO membership follows the §9 design note ("treat FIFO
// membership as an index field inside the descriptor... the descriptor is
// owned by the table, the FIFO contains only weak references") by storing
// a *list.Element inside each descriptor, with the map as sole owner.
package firehose

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"

	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
	"github.com/pgas-rt/gasnet-ibv/gerr"
	"github.com/pgas-rt/gasnet-ibv/rdma"
)

// Flags controls remote_pin's synchronous-completion and callback behavior.
type Flags uint8

const (
	ReturnIfPinned Flags = 1 << iota
	EnableRemoteCallback
)

// RequestHandle names the set of buckets one pin call covers, enough for
// release to find and decrement every one of them.
type RequestHandle struct {
	local  bool
	peer   int
	bucket []uint64
}

func (h RequestHandle) NumBuckets() int { return len(h.bucket) }

// Config carries the sizing parameters read from the environment
// (FIREHOSE_M, FIREHOSE_R, FIREHOSE_MAXVICTIM_M, FIREHOSE_MAXVICTIM_R) by
// the `config` package, plus the bucket size and this node's segment
// extent.
type Config struct {
	BucketSize   uint64
	SegBase      uintptr
	SegLen       uint64
	NumPeers     int
	F            int // max owned firehoses per peer; spec.md §3: M / (B*(N-1))
	MaxVictimLoc int
	MaxVictimRem int
}

// BucketMeta is the per-bucket metadata a move reply carries back: the
// remote node's registration key for that bucket, needed to target it with
// RDMA.
type BucketMeta struct {
	Addr uint64
	RKey uint32
}

// MoveRequest is the AM payload a firehose move sends to the peer that
// owns the buckets being moved.
type MoveRequest struct {
	Peer       int
	PinAddrs   []uint64
	UnpinAddrs []uint64
	UseCB      bool
}

// MoveReply is the AM reply payload: one BucketMeta per PinAddrs entry, in
// order.
type MoveReply struct {
	Metadata []BucketMeta
}

// Mover performs the network round trip a firehose move needs: it is
// implemented by gasnet.Endpoint (over an AM round trip) and injected here,
// keeping firehose free of any dependency on the AM framer. RemotePin
// dispatches each Move on its own goroutine and delivers the result via
// the caller-supplied callback — the idiomatic Go rendering of "reports
// completion via callback" (see DESIGN.md for why this, rather than a
// hand-rolled poll-driven state machine, is the right idiom here: the
// engine's own hot-path CQE reaping is still strictly poll()-driven, as
// spec.md's suspension-points paragraph requires, and remains untouched
// by firehose's background resolution of in-flight moves).
type Mover interface {
	Move(req MoveRequest) (MoveReply, error)
}

type localBucket struct {
	addr     uint64
	rkey     uint32
	refcount int32
	elem     *list.Element // non-nil iff refcount == 0
}

type remoteEntry struct {
	addr     uint64
	rkey     uint32
	refcount int32
	elem     *list.Element
}

type peerState struct {
	mu      sync.Mutex
	entries map[uint64]*remoteEntry
	fifo    *list.List // front = most-recently-freed, back = LRU victim
}

// Table is the firehose cache for one node's segment plus its views onto
// every peer's segment.
type Table struct {
	cfg      Config
	provider rdma.Provider
	mover    Mover

	localMu sync.Mutex
	local   map[uint64]*localBucket
	lfifo   *list.List

	peers map[int]*peerState
}

func NewTable(cfg Config, provider rdma.Provider, mover Mover) *Table {
	t := &Table{
		cfg:      cfg,
		provider: provider,
		mover:    mover,
		local:    make(map[uint64]*localBucket),
		lfifo:    list.New(),
		peers:    make(map[int]*peerState),
	}
	for i := 0; i < cfg.NumPeers; i++ {
		t.peers[i] = &peerState{entries: make(map[uint64]*remoteEntry), fifo: list.New()}
	}
	return t
}

func (t *Table) peer(p int) *peerState {
	ps, ok := t.peers[p]
	debug.Assertf(ok, "firehose: unknown peer %d", p)
	return ps
}

func (t *Table) bucketsFor(addr uint64, length uint64) []uint64 {
	b := t.cfg.BucketSize
	start := (addr / b) * b
	end := ((addr + length + b - 1) / b) * b
	out := make([]uint64, 0, (end-start)/b)
	for a := start; a < end; a += b {
		out = append(out, a)
	}
	return out
}

// -- local bucket table -------------------------------------------------

func (t *Table) getOrCreateLocal(addr uint64) *localBucket {
	lb, ok := t.local[addr]
	if !ok {
		lb = &localBucket{addr: addr}
		t.local[addr] = lb
	}
	return lb
}

// pinLocalBuckets registers (if not already refcounted) and bumps the
// refcount of every bucket in addrs. Returns the subset actually pinned,
// and an error only if register_memory failed and eviction could not make
// room (spec.md §4.4 "Failure semantics").
func (t *Table) pinLocalBuckets(addrs []uint64) ([]uint64, error) {
	t.localMu.Lock()
	defer t.localMu.Unlock()

	pinned := make([]uint64, 0, len(addrs))
	for _, a := range addrs {
		lb := t.getOrCreateLocal(a)
		if lb.refcount == 0 && lb.elem == nil && lb.rkey == 0 {
			// Brand new bucket: must register with the HCA.
			rkey, err := t.provider.RegisterMemory(uintptr(a), t.cfg.BucketSize)
			if err != nil {
				if evictErr := t.evictLocalLocked(1); evictErr != nil {
					return pinned, gerr.Fatal("firehose.pinLocalBuckets", fmt.Errorf("register_memory failed and no victim available: %w", err))
				}
				rkey, err = t.provider.RegisterMemory(uintptr(a), t.cfg.BucketSize)
				if err != nil {
					return pinned, gerr.Fatal("firehose.pinLocalBuckets", err)
				}
			}
			lb.rkey = rkey
		} else if lb.elem != nil {
			// Was on the victim FIFO (refcount 0, already registered): pull
			// it off, it's live again.
			t.lfifo.Remove(lb.elem)
			lb.elem = nil
		}
		lb.refcount++
		pinned = append(pinned, a)
	}
	return pinned, nil
}

// LocalPin ensures the buckets covering [addr, addr+len) are pinned,
// bumping refcounts. Blocks (via eviction+retry) rather than failing on
// recoverable register_memory pressure.
func (t *Table) LocalPin(addr, length uint64) (RequestHandle, error) {
	buckets := t.bucketsFor(addr, length)
	pinned, err := t.pinLocalBuckets(buckets)
	if err != nil {
		return RequestHandle{}, err
	}
	return RequestHandle{local: true, bucket: pinned}, nil
}

// TryLocalPin succeeds only if every covering bucket is already pinned
// (refcount > 0); it never registers new memory.
func (t *Table) TryLocalPin(addr, length uint64) (RequestHandle, bool) {
	buckets := t.bucketsFor(addr, length)
	t.localMu.Lock()
	defer t.localMu.Unlock()
	for _, a := range buckets {
		lb, ok := t.local[a]
		if !ok || lb.refcount <= 0 {
			return RequestHandle{}, false
		}
	}
	for _, a := range buckets {
		t.local[a].refcount++
	}
	return RequestHandle{local: true, bucket: buckets}, true
}

// PartialLocalPin returns a handle for whatever prefix run of buckets is
// already pinned, or ok=false if none are.
func (t *Table) PartialLocalPin(addr, length uint64) (RequestHandle, bool) {
	buckets := t.bucketsFor(addr, length)
	t.localMu.Lock()
	defer t.localMu.Unlock()
	covered := make([]uint64, 0, len(buckets))
	for _, a := range buckets {
		lb, ok := t.local[a]
		if !ok || lb.refcount <= 0 {
			break
		}
		covered = append(covered, a)
	}
	if len(covered) == 0 {
		return RequestHandle{}, false
	}
	for _, a := range covered {
		t.local[a].refcount++
	}
	return RequestHandle{local: true, bucket: covered}, true
}

// evictLocalLocked frees `need` local buckets from the victim FIFO tail,
// oldest first, with one DeregisterMemory call per bucket; contiguous
// buckets are not coalesced into a single unregister. It fails if the FIFO
// runs out first. Caller holds localMu.
func (t *Table) evictLocalLocked(need int) error {
	freed := 0
	for freed < need {
		back := t.lfifo.Back()
		if back == nil {
			return fmt.Errorf("firehose: local victim FIFO exhausted")
		}
		addr := back.Value.(uint64)
		t.lfifo.Remove(back)
		delete(t.local, addr)
		_ = t.provider.DeregisterMemory(uintptr(addr), t.cfg.BucketSize)
		freed++
	}
	return nil
}

func (t *Table) releaseLocal(addrs []uint64) {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	for _, a := range addrs {
		lb, ok := t.local[a]
		debug.Assertf(ok, "firehose: release of unknown local bucket %d", a)
		if !ok {
			continue
		}
		lb.refcount--
		debug.Assertf(lb.refcount >= 0, "firehose: negative local refcount on bucket %d", a)
		if lb.refcount == 0 {
			lb.elem = t.lfifo.PushFront(a)
			if t.lfifo.Len() > t.cfg.MaxVictimLoc {
				// Over budget: force-evict the tail run immediately rather
				// than waiting for pressure, keeping the FIFO within
				// MAXVICTIM at all times (spec.md §4.4).
				_ = t.evictLocalLocked(t.lfifo.Len() - t.cfg.MaxVictimLoc)
			}
		}
	}
}

// -- remote firehose hash ------------------------------------------------

// RemotePin ensures the buckets covering [addr,addr+len) on peer are
// pinned there and bound to local firehose entries. If every bucket is
// already owned, no move is sent: with ReturnIfPinned set the handle is
// returned directly (true), and without it cb runs with the handle before
// RemotePin returns. If any bucket is missing, it kicks off a firehose move
// on a background goroutine and reports completion via cb.
func (t *Table) RemotePin(peer int, addr, length uint64, flags Flags, cb func(RequestHandle, error)) (RequestHandle, bool) {
	buckets := t.bucketsFor(addr, length)
	ps := t.peer(peer)

	ps.mu.Lock()
	missing := make([]uint64, 0, len(buckets))
	for _, a := range buckets {
		e, ok := ps.entries[a]
		if !ok {
			missing = append(missing, a)
			continue
		}
		if e.elem != nil {
			ps.fifo.Remove(e.elem)
			e.elem = nil
		}
		e.refcount++
	}
	allOwned := len(missing) == 0
	if allOwned {
		ps.mu.Unlock()
		if flags&ReturnIfPinned != 0 {
			return RequestHandle{peer: peer, bucket: buckets}, true
		}
		if cb != nil {
			cb(RequestHandle{peer: peer, bucket: buckets}, nil)
		}
		return RequestHandle{}, false
	}
	// Not every bucket is owned: roll back the bumps made above on the
	// already-owned ones. The move below re-acquires everything (missing
	// and previously-owned alike) atomically once it completes.
	for _, a := range buckets {
		if isMissing(missing, a) {
			continue
		}
		ps.entries[a].refcount--
	}
	ps.mu.Unlock()

	go t.doMove(peer, buckets, missing, flags, cb)
	return RequestHandle{}, false
}

// TryRemotePin succeeds only if every covering bucket is already an owned
// firehose entry.
func (t *Table) TryRemotePin(peer int, addr, length uint64) (RequestHandle, bool) {
	buckets := t.bucketsFor(addr, length)
	ps := t.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, a := range buckets {
		if _, ok := ps.entries[a]; !ok {
			return RequestHandle{}, false
		}
	}
	for _, a := range buckets {
		e := ps.entries[a]
		if e.elem != nil {
			ps.fifo.Remove(e.elem)
			e.elem = nil
		}
		e.refcount++
	}
	return RequestHandle{peer: peer, bucket: buckets}, true
}

// PartialRemotePin returns a handle over whatever already-owned prefix of
// buckets exists.
func (t *Table) PartialRemotePin(peer int, addr, length uint64) (RequestHandle, bool) {
	buckets := t.bucketsFor(addr, length)
	ps := t.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	covered := make([]uint64, 0, len(buckets))
	for _, a := range buckets {
		if _, ok := ps.entries[a]; !ok {
			break
		}
		covered = append(covered, a)
	}
	if len(covered) == 0 {
		return RequestHandle{}, false
	}
	for _, a := range covered {
		e := ps.entries[a]
		if e.elem != nil {
			ps.fifo.Remove(e.elem)
			e.elem = nil
		}
		e.refcount++
	}
	return RequestHandle{peer: peer, bucket: covered}, true
}

// doMove runs the firehose move algorithm of spec.md §4.4 steps 1-5 for one
// pin request and invokes cb with the resulting handle.
func (t *Table) doMove(peer int, allBuckets, missing []uint64, flags Flags, cb func(RequestHandle, error)) {
	ps := t.peer(peer)

	var unpin []uint64
	ps.mu.Lock()
	for len(ps.entries)+len(missing)-countAlreadyPending(ps, missing) > t.cfg.F {
		victim := ps.fifo.Back()
		if victim == nil {
			// Per spec.md: poll until one becomes available. In this
			// synchronous-goroutine rendering that means yielding and
			// retrying rather than busy-spinning the lock.
			ps.mu.Unlock()
			runtime.Gosched()
			ps.mu.Lock()
			continue
		}
		addr := victim.Value.(uint64)
		e := ps.entries[addr]
		debug.Assertf(e.refcount == 0, "firehose: evicting referenced entry %d", addr)
		ps.fifo.Remove(victim)
		delete(ps.entries, addr)
		unpin = append(unpin, addr)
	}
	ps.mu.Unlock()

	req := MoveRequest{Peer: peer, PinAddrs: missing, UnpinAddrs: unpin, UseCB: flags&EnableRemoteCallback != 0}
	reply, err := t.mover.Move(req)
	if err != nil {
		if cb != nil {
			cb(RequestHandle{}, err)
		}
		return
	}

	ps.mu.Lock()
	for _, m := range reply.Metadata {
		ps.entries[m.Addr] = &remoteEntry{addr: m.Addr, rkey: m.RKey, refcount: 1}
	}
	// The buckets in allBuckets that weren't in missing were already owned
	// and had their provisional refcount bump rolled back in RemotePin
	// before the move started (so a concurrent eviction couldn't touch
	// them while this move was in flight). The handle handed to cb below
	// covers all of allBuckets, so every one of those already-owned
	// buckets needs its refcount re-acquired here, in step with the newly
	// pinned ones, or the matching Release will decrement a reference that
	// was never (re-)taken.
	for _, a := range allBuckets {
		if isMissing(missing, a) {
			continue
		}
		e := ps.entries[a]
		if e == nil {
			continue
		}
		if e.elem != nil {
			ps.fifo.Remove(e.elem)
			e.elem = nil
		}
		e.refcount++
	}
	ps.mu.Unlock()

	if cb != nil {
		cb(RequestHandle{peer: peer, bucket: allBuckets}, nil)
	}
}

func isMissing(missing []uint64, a uint64) bool {
	for _, m := range missing {
		if m == a {
			return true
		}
	}
	return false
}

func countAlreadyPending(ps *peerState, missing []uint64) int {
	n := 0
	for _, a := range missing {
		if _, ok := ps.entries[a]; ok {
			n++
		}
	}
	return n
}

func (t *Table) releaseRemote(peer int, addrs []uint64) {
	ps := t.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, a := range addrs {
		e, ok := ps.entries[a]
		debug.Assertf(ok, "firehose: release of unknown remote entry peer=%d addr=%d", peer, a)
		if !ok {
			continue
		}
		e.refcount--
		debug.Assertf(e.refcount >= 0, "firehose: negative remote refcount peer=%d addr=%d", peer, a)
		if e.refcount == 0 {
			e.elem = ps.fifo.PushFront(a)
		}
	}
}

// Release decrements every bucket/entry a handle covers, per spec.md
// §4.4's release contract.
func (t *Table) Release(h RequestHandle) {
	if len(h.bucket) == 0 {
		return
	}
	if h.local {
		t.releaseLocal(h.bucket)
		return
	}
	t.releaseRemote(h.peer, h.bucket)
}

// HandleMoveRequest runs on the peer that owns the segment a move targets:
// it unregisters the unpin list and registers the pin list, returning the
// metadata the requester's doMove will install. This is the `move_callback`
// of spec.md §4.4 step 4; gasnet's move-request AM handler (moveHandler)
// calls this directly.
func (t *Table) HandleMoveRequest(req MoveRequest, remoteCallback func([]uint64)) (MoveReply, error) {
	t.localMu.Lock()
	for _, a := range req.UnpinAddrs {
		lb, ok := t.local[a]
		if !ok {
			continue
		}
		lb.refcount--
		if lb.refcount <= 0 {
			if lb.elem != nil {
				t.lfifo.Remove(lb.elem)
			}
			delete(t.local, a)
			_ = t.provider.DeregisterMemory(uintptr(a), t.cfg.BucketSize)
		}
	}
	t.localMu.Unlock()

	pinned, err := t.pinLocalBuckets(req.PinAddrs)
	if err != nil {
		return MoveReply{}, err
	}
	if req.UseCB && remoteCallback != nil {
		remoteCallback(pinned)
	}
	meta := make([]BucketMeta, 0, len(pinned))
	t.localMu.Lock()
	for _, a := range pinned {
		meta = append(meta, BucketMeta{Addr: a, RKey: t.local[a].rkey})
	}
	t.localMu.Unlock()
	return MoveReply{Metadata: meta}, nil
}

// PeerOwned reports how many firehose entries this node currently owns to
// peer, for the "hash cardinality <= F" invariant check in tests.
func (t *Table) PeerOwned(peer int) int {
	ps := t.peer(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.entries)
}

// LocalRefcount exposes one bucket's refcount, for the "refcount coupling"
// invariant check in tests.
func (t *Table) LocalRefcount(addr uint64) int32 {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	lb, ok := t.local[addr]
	if !ok {
		return 0
	}
	return lb.refcount
}

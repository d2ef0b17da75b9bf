// Package gasnet is the top-level Core API (spec.md §6) and the
// process-global context object spec.md §9's design note asks for
// ("Encapsulate [endpoint, connection array, tracefile] in one
// process-wide context object constructed at init and destroyed at
// finalize"). It wires bootstrap, conn, engine, am, firehose, ext, and
// stats into the two-level Core/Extended API spec.md §1 describes.
package gasnet

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pgas-rt/gasnet-ibv/am"
	"github.com/pgas-rt/gasnet-ibv/bootstrap"
	"github.com/pgas-rt/gasnet-ibv/cmn/cos"
	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
	"github.com/pgas-rt/gasnet-ibv/config"
	"github.com/pgas-rt/gasnet-ibv/conn"
	"github.com/pgas-rt/gasnet-ibv/engine"
	"github.com/pgas-rt/gasnet-ibv/ext"
	"github.com/pgas-rt/gasnet-ibv/firehose"
	"github.com/pgas-rt/gasnet-ibv/gerr"
	"github.com/pgas-rt/gasnet-ibv/memsys"
	"github.com/pgas-rt/gasnet-ibv/rdma"
	"github.com/pgas-rt/gasnet-ibv/sema"
	"github.com/pgas-rt/gasnet-ibv/stats"
)

// NodeID is the dense [0,N) node identifier of spec.md §3.
type NodeID = int

// SegKind distinguishes the three segment layouts of spec.md §3.
type SegKind uint8

const (
	SegFast SegKind = iota
	SegLarge
	SegEverything
)

// SegmentDesc is one node's remotely addressable region: (base, length,
// kind), replicated to every node at attach via bootstrap's Exchange
// (spec.md §3).
type SegmentDesc struct {
	Base uintptr
	Len  uint64
	Kind SegKind
}

const segRecordSize = 8 + 8 + 1

func (s SegmentDesc) marshal() []byte {
	b := make([]byte, segRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.Base))
	binary.LittleEndian.PutUint64(b[8:16], s.Len)
	b[16] = byte(s.Kind)
	return b
}

func unmarshalSeg(b []byte) SegmentDesc {
	return SegmentDesc{
		Base: uintptr(binary.LittleEndian.Uint64(b[0:8])),
		Len:  binary.LittleEndian.Uint64(b[8:16]),
		Kind: SegKind(b[16]),
	}
}

// SegTable is the replicated per-node segment table of spec.md §3.
type SegTable []SegmentDesc

// moveHandlerIdx is the core-range handler (spec.md §4.5: 1-63) the
// firehose cache's move algorithm round-trips through.
const moveHandlerIdx uint8 = 1

// Endpoint is the process-global endpoint of spec.md §3: handler table
// (owned by am.Dispatcher), per-peer connection records (conn.Manager),
// segment descriptor table, and bootstrap handle. Exactly one per process;
// created at Init/Attach, finalized at Finalize.
type Endpoint struct {
	cfg     config.Config
	spawner bootstrap.Spawner
	conns   *conn.Manager
	eng     *engine.Engine
	disp    *am.Dispatcher
	fh      *firehose.Table
	sink    *stats.Sink

	sendPool *memsys.Pool
	recvPool *memsys.Pool

	segTable SegTable
	self     NodeID

	initPID int // spec.md §9 open question: no-fork-after-init, enforced here

	moveMu      sync.Mutex
	movePending map[string]*pendingMove
}

type pendingMove struct {
	done  int32
	reply firehose.MoveReply
	err   error
}

// Init implements spec.md §6's init: it brings up the bootstrap collective
// view and returns (numNodes, myNode). It does not yet create QPs or
// pin a segment — that is Attach's job, mirroring the real GASNet API's
// two-phase startup.
func Init(spawner bootstrap.Spawner) (numNodes int, myNode NodeID) {
	return spawner.Size(), spawner.Rank()
}

// Attach completes setup (spec.md §6): builds the connection manager,
// buffer pools, send/receive engine, AM dispatcher (registering the
// caller's handler table plus the reserved firehose-move handler), the
// firehose cache, and the trace/stat sink; connects every peer; exchanges
// the segment table; and posts the initial receive buffers.
func Attach(ctx context.Context, spawner bootstrap.Spawner, provider rdma.Provider, cfg config.Config, mySeg SegmentDesc, handlers map[uint8]am.Handler) (*Endpoint, error) {
	n := spawner.Size()
	self := spawner.Rank()

	ep := &Endpoint{
		cfg:         cfg,
		spawner:     spawner,
		self:        self,
		initPID:     os.Getpid(),
		movePending: make(map[string]*pendingMove),
	}

	ep.conns = conn.NewManager(provider, spawner, 1, 1)
	if err := ep.conns.ConnectAll(ctx, int32(cfg.NetworkDepth), int32(cfg.AMRequestCredits)); err != nil {
		return nil, err
	}

	depth := cfg.NetworkDepth
	ep.sendPool = memsys.NewPool(depth*n+16, cfg.BufSize, true)
	ep.recvPool = memsys.NewPool(depth*n+64, cfg.BufSize, true)

	ep.disp = am.NewDispatcher(nil, self) // engine wired in immediately below
	ep.eng = engine.New(provider, ep.conns, ep.sendPool, ep.recvPool, engine.Config{
		InlineLimit: cfg.InlineSendLimit,
		CopyLimit:   cfg.CopyLimit,
		MaxMsgSize:  cfg.MaxMsgSize,
		SndReap:     cfg.SndReapLimit,
		RcvReap:     cfg.RcvReapLimit,
	}, ep.disp.OnReceive)
	ep.disp.SetEngine(ep.eng)

	for idx, h := range handlers {
		if err := ep.disp.Register(idx, h); err != nil {
			return nil, err
		}
	}
	if err := ep.disp.Register(moveHandlerIdx, ep.moveHandler); err != nil {
		return nil, err
	}
	if err := ep.disp.Register(exitHandlerIdx, ep.exitHandler); err != nil {
		return nil, err
	}

	for p := 0; p < n; p++ {
		if p == self {
			continue
		}
		if err := ep.eng.PostRecvMany(p, cfg.NetworkDepth); err != nil {
			return nil, err
		}
	}

	ep.fh = firehose.NewTable(firehose.Config{
		BucketSize:   cfg.BucketSize,
		SegBase:      mySeg.Base,
		SegLen:       mySeg.Len,
		NumPeers:     n,
		F:            cfg.FirehoseF(n),
		MaxVictimLoc: cfg.FirehoseMaxVictimM,
		MaxVictimRem: cfg.FirehoseMaxVictimR,
	}, provider, ep)

	ep.sink = stats.NewSink(stats.Config{
		TraceFile: cfg.TraceFile,
		TraceMask: stats.ParseMask(cfg.TraceMask),
		StatsFile: cfg.StatsFile,
		StatsMask: stats.ParseMask(cfg.StatsMask),
	})

	gathered, err := spawner.Exchange(ctx, mySeg.marshal())
	if err != nil {
		return nil, gerr.Fatal("gasnet.Attach.Exchange", err)
	}
	segTable := make(SegTable, n)
	for i, b := range gathered {
		segTable[i] = unmarshalSeg(b)
	}
	ep.segTable = segTable

	if err := spawner.Barrier(ctx); err != nil {
		return nil, gerr.Fatal("gasnet.Attach.Barrier", err)
	}
	return ep, nil
}

func (ep *Endpoint) checkNotForked(op string) {
	debug.Assertf(os.Getpid() == ep.initPID, "gasnet.%s: called after fork (no-fork-after-init, spec.md §9)", op)
}

// -- Endpoint accessors -----------------------------------------------------

func (ep *Endpoint) MyNode() NodeID  { return ep.self }
func (ep *Endpoint) NumNodes() int   { return ep.spawner.Size() }
func (ep *Endpoint) Dispatcher() *am.Dispatcher { return ep.disp }
func (ep *Endpoint) Engine() *engine.Engine     { return ep.eng }
func (ep *Endpoint) Firehose() *firehose.Table  { return ep.fh }
func (ep *Endpoint) Stats() *stats.Sink         { return ep.sink }

// GetSegmentInfo returns the replicated segment table (spec.md §6:
// getSegmentInfo).
func (ep *Endpoint) GetSegmentInfo() SegTable { return ep.segTable }

func (ep *Endpoint) GetMaxLocalSegmentSize() uint64 {
	return ep.segTable[ep.self].Len
}

func (ep *Endpoint) GetMaxGlobalSegmentSize() uint64 {
	min := ep.segTable[0].Len
	for _, s := range ep.segTable[1:] {
		if s.Len < min {
			min = s.Len
		}
	}
	return min
}

// NewThreadCtx constructs a per-goroutine Extended API context (spec.md
// §9's "thread info" stand-in); see ext.ThreadCtx's doc comment.
func (ep *Endpoint) NewThreadCtx() *ext.ThreadCtx { return ext.NewThreadCtx(ep.eng) }

// NewHSL constructs a handler-safe lock (spec.md §6: hsl_init).
func NewHSL() *sema.HSL { return &sema.HSL{} }

// AMPoll drives Core API progress (spec.md §6).
func (ep *Endpoint) AMPoll() int {
	ep.checkNotForked("AMPoll")
	return ep.disp.Poll()
}

// AMGetMsgSource reads the source-node field from a token (spec.md §6).
func AMGetMsgSource(tok am.Token) NodeID { return tok.Source() }

// -- Exit / Finalize ---------------------------------------------------------

// exitHandlerIdx is the reserved core handler a unilateral Exit uses to
// tell every peer to shut down in an orderly fashion (spec.md §6: "a
// unilateral exit causes orderly shutdown of peers via a system AM").
const exitHandlerIdx uint8 = 2

// Exit is collective-preferred (every rank calling it at roughly the same
// point) but tolerates a unilateral call: it broadcasts a system AM to
// every peer first, then tears down. code is left for the launcher to
// report; this layer does not itself call os.Exit, leaving that decision
// to cmd/gasnetrun.
func (ep *Endpoint) Exit(ctx context.Context, code int) error {
	for p := 0; p < ep.NumNodes(); p++ {
		if p == ep.self {
			continue
		}
		_ = ep.disp.RequestShort(p, exitHandlerIdx, uint32(code))
	}
	return ep.Finalize(ctx)
}

// exitHandler just acknowledges a peer's unilateral exit notice; the
// dispatcher's automatic empty-reply (handleReceive) already returns the
// credit, so there is nothing further to do here beyond recording intent
// for a future graceful-drain policy.
func (ep *Endpoint) exitHandler(_ am.Token, _ []uint32) {}

// Finalize cleans up the endpoint's resources (spec.md §6).
func (ep *Endpoint) Finalize(ctx context.Context) error {
	ep.checkNotForked("Finalize")
	if err := ep.conns.DisconnectAll(ctx); err != nil {
		return err
	}
	ep.sink.Close()
	return ep.spawner.Finalize(ctx)
}

// -- firehose.Mover, implemented by round-tripping an AM through the
//    reserved moveHandlerIdx -------------------------------------------------

// Move implements firehose.Mover by sending a Medium AM request carrying
// the pin/unpin address lists to the peer and busy-polling for its reply,
// exactly the "suspension is realized by a polling loop, never an OS-level
// block" rule of spec.md §5.
func (ep *Endpoint) Move(req firehose.MoveRequest) (firehose.MoveReply, error) {
	id := cos.GenID()
	pending := &pendingMove{}
	ep.moveMu.Lock()
	ep.movePending[id] = pending
	ep.moveMu.Unlock()

	if err := ep.disp.RequestMedium(req.Peer, moveHandlerIdx, marshalMoveRequest(id, req)); err != nil {
		ep.moveMu.Lock()
		delete(ep.movePending, id)
		ep.moveMu.Unlock()
		return firehose.MoveReply{}, err
	}

	for atomic.LoadInt32(&pending.done) == 0 {
		ep.disp.Poll()
	}

	ep.moveMu.Lock()
	delete(ep.movePending, id)
	ep.moveMu.Unlock()
	return pending.reply, pending.err
}

// moveHandler serves both directions of the firehose move AM (spec.md
// §4.4 steps 3-5): invoked as a request on the node that owns the buckets
// being moved, and as a reply on the node that initiated Move above.
func (ep *Endpoint) moveHandler(tok am.Token, _ []uint32) {
	if tok.IsRequest() {
		id, req := unmarshalMoveRequest(tok.Payload())
		reply, err := ep.fh.HandleMoveRequest(req, nil)
		_ = ep.disp.ReplyMedium(tok, marshalMoveReply(id, reply, err))
		return
	}
	id, reply, err := unmarshalMoveReply(tok.Payload())
	ep.moveMu.Lock()
	pending := ep.movePending[id]
	ep.moveMu.Unlock()
	if pending == nil {
		return
	}
	pending.reply, pending.err = reply, err
	atomic.StoreInt32(&pending.done, 1)
}

// -- move request/reply wire format -----------------------------------------
//
// The firehose move round trip is an application-level message carried as
// an AM Medium payload, not part of the AM header framing itself, so it
// gets its own small encoding here rather than reusing am's arg-packing
// helpers.

func putAddrList(b []byte, addrs []uint64) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(addrs)))
	for _, a := range addrs {
		b = binary.LittleEndian.AppendUint64(b, a)
	}
	return b
}

func takeAddrList(b []byte) ([]uint64, []byte) {
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	addrs := make([]uint64, n)
	for i := range addrs {
		addrs[i] = binary.LittleEndian.Uint64(b[0:8])
		b = b[8:]
	}
	return addrs, b
}

func marshalMoveRequest(id string, req firehose.MoveRequest) []byte {
	b := make([]byte, 0, 64+16*(len(req.PinAddrs)+len(req.UnpinAddrs)))
	b = append(b, byte(len(id)))
	b = append(b, id...)
	b = binary.LittleEndian.AppendUint32(b, uint32(req.Peer))
	useCB := byte(0)
	if req.UseCB {
		useCB = 1
	}
	b = append(b, useCB)
	b = putAddrList(b, req.PinAddrs)
	b = putAddrList(b, req.UnpinAddrs)
	return b
}

func unmarshalMoveRequest(b []byte) (string, firehose.MoveRequest) {
	idLen := int(b[0])
	b = b[1:]
	id := string(b[:idLen])
	b = b[idLen:]
	peer := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	useCB := b[0] != 0
	b = b[1:]
	pin, b := takeAddrList(b)
	unpin, _ := takeAddrList(b)
	return id, firehose.MoveRequest{Peer: peer, PinAddrs: pin, UnpinAddrs: unpin, UseCB: useCB}
}

func marshalMoveReply(id string, reply firehose.MoveReply, moveErr error) []byte {
	b := make([]byte, 0, 32+12*len(reply.Metadata))
	b = append(b, byte(len(id)))
	b = append(b, id...)
	if moveErr != nil {
		msg := moveErr.Error()
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(msg)))
		b = append(b, msg...)
		return b
	}
	b = append(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(reply.Metadata)))
	for _, m := range reply.Metadata {
		b = binary.LittleEndian.AppendUint64(b, m.Addr)
		b = binary.LittleEndian.AppendUint32(b, m.RKey)
	}
	return b
}

func unmarshalMoveReply(b []byte) (string, firehose.MoveReply, error) {
	idLen := int(b[0])
	b = b[1:]
	id := string(b[:idLen])
	b = b[idLen:]
	hasErr := b[0] != 0
	b = b[1:]
	if hasErr {
		n := binary.LittleEndian.Uint32(b[0:4])
		b = b[4:]
		return id, firehose.MoveReply{}, gerr.Fatal("gasnet.moveHandler", moveRemoteError(b[:n]))
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	meta := make([]firehose.BucketMeta, n)
	for i := range meta {
		meta[i] = firehose.BucketMeta{Addr: binary.LittleEndian.Uint64(b[0:8]), RKey: binary.LittleEndian.Uint32(b[8:12])}
		b = b[12:]
	}
	return id, firehose.MoveReply{Metadata: meta}, nil
}

type moveRemoteError string

func (e moveRemoteError) Error() string { return string(e) }

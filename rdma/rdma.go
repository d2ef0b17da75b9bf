// Package rdma defines the transport boundary the connection manager (C4)
// and send/receive engine (C5) program against: queue pairs, work requests,
// and completion queue entries modeled directly on InfiniBand verbs, kept
// abstract behind Provider so the engine's credit control, path selection,
// and chunking logic (the actual "core" the spec asks for) can be exercised
// without a real HCA. Two Providers exist: rdma/loopback (pure Go, used by
// every test) and rdma/ibverbs (a cgo shim behind a build tag).
package rdma

import "context"

// QPState mirrors spec.md §4.2's state machine.
type QPState int

const (
	QPReset QPState = iota
	QPInit
	QPRTR
	QPRTS
)

func (s QPState) String() string {
	switch s {
	case QPInit:
		return "INIT"
	case QPRTR:
		return "RTR"
	case QPRTS:
		return "RTS"
	default:
		return "RESET"
	}
}

// Addr is the fixed-size address record exchanged by the bootstrap
// all-to-all at connect time (spec.md §4.2: "{qpn, lid, port_index, ...}").
type Addr struct {
	QPN       uint32
	LID       uint16
	PortIndex uint16
	PSN       uint32
}

// QPHandle identifies one queue pair, local to a Provider.
type QPHandle uint64

// WRKind distinguishes the verbs opcode a posted work request carries.
type WRKind int

const (
	WRSendInline WRKind = iota
	WRSendBuf        // bounce-buffer or zero-copy send (AM or RDMA put source)
	WRRDMAWrite      // zero-copy put
	WRRDMARead       // get
)

// WorkRequest is what the engine posts to a queue pair.
type WorkRequest struct {
	ID       uint64 // opaque; returned on the matching CQE
	Kind     WRKind
	Local    []byte // local buffer (send payload, or put source / get dest when zero-copy)
	RAddr    uint64 // remote virtual address (put/get)
	RKey     uint32 // remote memory key (put/get)
	Imm      uint32 // 32-bit immediate data: the AM header (spec.md §4.5)
	HasImm   bool
	Inline   bool
}

// CQEStatus mirrors a verbs completion status; anything other than Success
// is fatal per spec.md §4.3/§7.
type CQEStatus int

const (
	Success CQEStatus = iota
	Error
)

// CQE is a reaped completion.
type CQE struct {
	WRID    uint64
	QP      QPHandle
	Status  CQEStatus
	IsRecv  bool
	Imm     uint32
	HasImm  bool
	RecvLen int
	RecvBuf []byte // valid when IsRecv
	Err     error
}

// Provider is the verbs-equivalent transport boundary.
type Provider interface {
	// CreateQP creates one queue pair in RESET state bound to the given
	// peer ordinal (0-based, dense [0,N)); striping callers create more
	// than one QP per peer and pick a port via i mod num_ports (spec.md
	// §4.2).
	CreateQP(peer int) (QPHandle, error)
	// ModifyQP drives one state transition; addr is required (and meaningful)
	// only for the INIT->RTR transition, which binds to the peer's address.
	ModifyQP(qp QPHandle, to QPState, addr *Addr) error
	LocalAddr(qp QPHandle) (Addr, error)

	// RegisterMemory pins and registers a local region, returning an
	// opaque rkey. Failure is recoverable (firehose retries after
	// eviction) unless the caller has exhausted its victim FIFO (spec.md
	// §4.4 "Failure semantics").
	RegisterMemory(addr uintptr, length uint64) (rkey uint32, err error)
	DeregisterMemory(addr uintptr, length uint64) error

	// PostSend/PostRecv enqueue a work request; EAGAIN-equivalent errors
	// must be retried by the caller via Poll, never treated as fatal
	// (spec.md §4.3 "Failure semantics").
	PostSend(qp QPHandle, wr WorkRequest) error
	PostRecv(qp QPHandle, wr WorkRequest) error

	// PollSend/PollRecv drain up to max completions, non-blocking.
	PollSend(max int) []CQE
	PollRecv(max int) []CQE

	MaxInlineData() int
	MaxMessageSize() uint64

	Close(ctx context.Context) error
}

package am

import (
	"fmt"
	"sync"

	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
	"github.com/pgas-rt/gasnet-ibv/conn"
	"github.com/pgas-rt/gasnet-ibv/engine"
	"github.com/pgas-rt/gasnet-ibv/gerr"
)

// Token is the opaque reference handed to a handler (spec.md §3): valid
// only within the handler invocation. It carries the source node id, the
// request/reply flag, and, for Medium AMs, the payload bytes. For Long AMs
// the payload has already been written to the destination address by the
// preceding RDMA put; Payload returns nil and the token does not carry that
// destination buffer.
type Token struct {
	disp      *Dispatcher
	peer      int
	isRequest bool
	handler   uint8
	payload   []byte
	replied   *bool
}

func (t Token) Source() int     { return t.peer }
func (t Token) IsRequest() bool { return t.isRequest }
func (t Token) Payload() []byte { return t.payload }

// Handler is the signature every registered entry point implements. args is
// a fixed-size slice (length == the numargs the sender declared); handlers
// declare their own expected arity and index into args themselves, per the
// "fixed-size array of machine words, handler declares an argument count"
// design note (spec.md §9) — no variadic C-style dispatch.
type Handler func(tok Token, args []uint32)

// Register index ranges, spec.md §4.5's dispatch table.
const (
	CoreLo, CoreHi     = coreLo, coreHi
	ExtLo, ExtHi       = extLo, extHi
	ClientLo, ClientHi = clientLo, clientHi
)

// Dispatcher is the AM framer & dispatcher of spec.md §4.5 (C6): header
// packing, argument marshalling, handler invocation, and credit
// bookkeeping, layered directly on engine.Engine's AMSend/Put primitives
// and wired as that Engine's ReceiveFunc.
type Dispatcher struct {
	eng  *engine.Engine
	self int

	mu       sync.Mutex
	handlers [256]Handler
}

func NewDispatcher(eng *engine.Engine, self int) *Dispatcher {
	return &Dispatcher{eng: eng, self: self}
}

// SetEngine binds the engine this Dispatcher frames on top of. It exists
// for gasnet.Attach's construction order: the engine needs the
// Dispatcher's OnReceive as its callback, so the Dispatcher must be built
// first, with the engine wired in immediately after.
func (d *Dispatcher) SetEngine(eng *engine.Engine) { d.eng = eng }

// OnReceive is the engine.ReceiveFunc this Dispatcher implements; pass it
// to engine.New.
func (d *Dispatcher) OnReceive(peer int, imm uint32, payload []byte) {
	d.handleReceive(peer, imm, payload)
}

// Register installs h at idx. Duplicate registration is a BAD_ARG error
// (spec.md §4.5); index 0 is reserved (never used) so a zero handler slot
// unambiguously means "uninitialized."
func (d *Dispatcher) Register(idx uint8, h Handler) error {
	if idx == 0 {
		return gerr.BadArgf("am.Register", "handler index 0 is reserved")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[idx] != nil {
		return gerr.BadArgf("am.Register", "handler %d already registered", idx)
	}
	d.handlers[idx] = h
	return nil
}

func (d *Dispatcher) handlerAt(idx uint8) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[idx]
}

// Poll drives progress: reaps send/receive completions, which in turn
// invokes handleReceive for any arrived AM (spec.md §4.5).
func (d *Dispatcher) Poll() int { return d.eng.Poll(64, 64) }

func (d *Dispatcher) waitCounter(c *engine.Counter) {
	for c.Value() != 0 {
		d.Poll()
	}
}

// -- request path ---------------------------------------------------------

// RequestShort sends a Short AM: header + up to 16 machine-word arguments,
// no payload (spec.md §4.5).
func (d *Dispatcher) RequestShort(peer int, handler uint8, args ...uint32) error {
	return d.send(peer, handler, false, CategoryShort, args, nil, nil, 0, 0)
}

// RequestMedium sends a Medium AM: header + args + an 8-byte-aligned
// payload of at most the buffer size.
func (d *Dispatcher) RequestMedium(peer int, handler uint8, payload []byte, args ...uint32) error {
	return d.send(peer, handler, false, CategoryMedium, args, payload, nil, 0, 0)
}

// RequestLong first RDMA-puts src to (dstAddr, rkey) on peer, waits for the
// put's local-completion, then sends the AM carrying the destination
// address and nbytes (spec.md §4.5's request path step 2: "for long, first
// issue a separate RDMA put and wait for its local-completion before
// sending the AM").
func (d *Dispatcher) RequestLong(peer int, handler uint8, src []byte, dstAddr uint64, rkey uint32, args ...uint32) error {
	return d.send(peer, handler, false, CategoryLong, args, src, nil, dstAddr, rkey)
}

// -- reply path -------------------------------------------------------------

// ReplyShort/ReplyMedium/ReplyLong must be called at most once per handler
// invocation (spec.md §4.5: "Issuing zero replies leaks a credit; issuing
// two is fatal"). They never acquire a new AM-request credit; the reply
// returns the request's credit via the header's credit bit.
func (d *Dispatcher) ReplyShort(tok Token, args ...uint32) error {
	return d.send(tok.peer, tok.handler, true, CategoryShort, args, nil, tok.replied, 0, 0)
}

func (d *Dispatcher) ReplyMedium(tok Token, payload []byte, args ...uint32) error {
	return d.send(tok.peer, tok.handler, true, CategoryMedium, args, payload, tok.replied, 0, 0)
}

func (d *Dispatcher) ReplyLong(tok Token, src []byte, dstAddr uint64, rkey uint32, args ...uint32) error {
	return d.send(tok.peer, tok.handler, true, CategoryLong, args, src, tok.replied, dstAddr, rkey)
}

func (d *Dispatcher) send(peer int, handler uint8, isReply bool, cat Category, args []uint32, payload []byte, replied *bool, dstAddr uint64, rkey uint32) error {
	if len(args) > maxArgs {
		return gerr.BadArgf("am.send", "argument count %d exceeds %d", len(args), maxArgs)
	}
	if replied != nil {
		if *replied {
			return gerr.Fatal("am.send", fmt.Errorf("handler %d replied twice", handler))
		}
		*replied = true
	}

	if peer == d.self {
		return d.selfLoop(handler, isReply, args, payload)
	}

	if !isReply {
		// Request path acquires one AM-request credit, blocking (by
		// polling the receive CQ) if none is free (spec.md §4.5 step 1).
		// The reply path deliberately does not: "the request occupied one
		// and the reply returns it via the credit bit."
		p := d.peerConn(peer)
		debug.Assertf(p != nil, "am.send: no connection to peer %d", peer)
		p.AMCredit.WaitDown(func() { d.Poll() })
	}

	inlineLong := false
	if cat == CategoryLong {
		if rkey == 0 {
			// Resolved Open Question (spec.md §9): a reply-long whose
			// destination isn't in a pinned region on the peer falls
			// back to packing the payload inline behind the args
			// instead of blocking the reply on a firehose round trip.
			// rkey==0 is never a valid registration key, so it doubles
			// as the "no remote pin available" sentinel a caller passes.
			inlineLong = true
		} else {
			// "First issue a separate RDMA put and wait for its
			// local-completion before sending the AM" (spec.md §4.5).
			// The work request's own completion *is* local-completion
			// here (zero-copy and inline both complete once the NIC has
			// sent the data), so a single counter suffices.
			putDone := engine.NewCounter()
			if err := d.eng.Put(peer, dstAddr, rkey, payload, engine.NewCounter(), putDone); err != nil {
				return err
			}
			d.waitCounter(putDone)
		}
	}

	hdr := Header{Category: cat, IsReply: isReply, NumArgs: uint8(len(args)), Handler: handler, SrcNode: uint16(d.self), Credit: isReply}
	var body []byte
	if inlineLong {
		body = marshalBody(CategoryMedium, args, payload, 0)
		hdr.Category = CategoryMedium // wire-compatible with a Medium frame; dstAddr carried out of band by the caller
	} else {
		body = marshalBody(cat, args, payload, dstAddr)
	}

	reqDone := engine.NewCounter()
	if err := d.eng.AMSend(peer, hdr.Pack(), body, reqDone); err != nil {
		return err
	}
	d.waitCounter(reqDone)
	return nil
}

func marshalBody(cat Category, args []uint32, payload []byte, dstAddr uint64) []byte {
	switch cat {
	case CategoryShort:
		b := make([]byte, len(args)*4)
		putArgs(b, args)
		return b
	case CategoryMedium:
		off := mediumPayloadOffset(len(args))
		b := make([]byte, off+len(payload))
		putUint16(b[0:2], uint16(len(payload)))
		putArgs(b[mediumFixedFields:], args)
		copy(b[off:], payload)
		return b
	case CategoryLong:
		off := longPayloadOffset(len(args))
		b := make([]byte, off)
		putUint64(b[0:8], dstAddr)
		putUint32(b[8:12], uint32(len(payload)))
		putArgs(b[longFixedFields:], args)
		return b
	default:
		return nil
	}
}

func putArgs(b []byte, args []uint32) {
	for i, a := range args {
		putUint32(b[i*4:i*4+4], a)
	}
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func getArgs(b []byte, n int) []uint32 {
	args := make([]uint32, n)
	for i := range args {
		args[i] = getUint32(b[i*4 : i*4+4])
	}
	return args
}

// selfLoop short-circuits a send to this node's own id: pack into a stack
// buffer and invoke the handler synchronously, no QP traffic (spec.md
// §4.5).
func (d *Dispatcher) selfLoop(handler uint8, isReply bool, args []uint32, payload []byte) error {
	h := d.handlerAt(handler)
	debug.Assertf(h != nil, "am: self-loop to unregistered handler %d", handler)
	replied := new(bool)
	tok := Token{disp: d, peer: d.self, isRequest: !isReply, handler: handler, payload: payload, replied: replied}
	h(tok, args)
	return nil
}

// handleReceive implements spec.md §4.5's receive path (buffer reposting
// already handled by engine before this runs): parse the header, invoke
// the handler, synthesize an empty-reply ack if a request went
// unanswered, and return credit to the peer's AM-request semaphore on an
// incoming reply's credit bit.
func (d *Dispatcher) handleReceive(peer int, imm uint32, raw []byte) {
	hdr := Unpack(imm)

	if hdr.Credit {
		if p := d.peerConn(peer); p != nil {
			p.AMCredit.Up()
		}
	}
	if hdr.Handler == 0 {
		return // pure credit-return ack; nothing to dispatch
	}

	var args []uint32
	var payload []byte
	switch hdr.Category {
	case CategoryShort:
		args = getArgs(raw, int(hdr.NumArgs))
	case CategoryMedium:
		nbytes := getUint16(raw[0:2])
		args = getArgs(raw[mediumFixedFields:], int(hdr.NumArgs))
		off := mediumPayloadOffset(int(hdr.NumArgs))
		if off+int(nbytes) <= len(raw) {
			payload = raw[off : off+int(nbytes)]
		}
	case CategoryLong:
		nbytes := getUint32(raw[8:12])
		args = getArgs(raw[longFixedFields:], int(hdr.NumArgs))
		off := longPayloadOffset(int(hdr.NumArgs))
		if off+int(nbytes) <= len(raw) {
			payload = raw[off : off+int(nbytes)]
		}
		_ = getUint64(raw[0:8]) // destination address, informational here
	}

	h := d.handlerAt(hdr.Handler)
	if h == nil {
		return
	}

	replied := new(bool)
	isRequest := !hdr.IsReply
	tok := Token{disp: d, peer: peer, isRequest: isRequest, handler: hdr.Handler, payload: payload, replied: replied}
	h(tok, args)

	if isRequest && !*replied {
		// Leaking a credit is forbidden: synthesize an empty reply so the
		// peer can reclaim it (spec.md §4.5). Handler index 0 marks it as a
		// pure credit-return ack, which the requester consumes without
		// dispatching.
		ack := tok
		ack.handler = 0
		_ = d.ReplyShort(ack)
	}
}

// peerConn exposes the per-peer AM-credit semaphore through engine's
// conn.Manager without am importing conn directly for anything else.
func (d *Dispatcher) peerConn(peer int) *conn.Peer { return d.eng.PeerFor(peer) }

// Package loopback implements rdma.Provider entirely in-process: every
// "peer" is a goroutine-accessible Go value rather than a real HCA, so the
// engine (C5), connection manager (C4), and firehose cache (C3) can be
// exercised deterministically in `go test` without real InfiniBand hardware
// — exactly the role `jacobsa-fuse`'s samples/testing.go and aistore's
// httptest-backed transport tests play for their own transports.
//
// Put/get are true zero-copy: since every "node" lives in the same address
// space, a put/get directly memmoves between the registered byte slices of
// the source and destination nodes, reconstructed from the registered
// (addr, length) via unsafe.Slice exactly as real verbs would resolve a
// registered memory region from a virtual address and rkey.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pgas-rt/gasnet-ibv/rdma"
)

const defaultRecvDepth = 256

// Fabric is the shared substrate that every node's Provider is attached to.
// It exists purely to let Providers address each other by dense node id,
// mirroring spec.md §3's "dense integer [0,N)" node identifier.
type Fabric struct {
	mu    sync.Mutex
	pairs map[pairKey]*pairState
}

func NewFabric() *Fabric {
	return &Fabric{pairs: make(map[pairKey]*pairState)}
}

type pairKey struct {
	lo, hi int
	idx    int
}

type pairState struct {
	eps [2]*qpEndpoint
}

type region struct {
	addr uintptr
	len  uint64
}

type recvSlot struct {
	id   uint64
	buf  []byte
	imm  uint32
}

type qpEndpoint struct {
	owner      *Provider
	mirror     *qpEndpoint
	handle     rdma.QPHandle
	peerNode   int
	state      rdma.QPState
	postedRecv chan *recvSlot
}

// Provider is one node's view of the Fabric.
type Provider struct {
	fabric *Fabric
	self   int

	mu      sync.Mutex
	regions map[uint32]region
	rkeyCtr uint32
	qps     map[rdma.QPHandle]*qpEndpoint
	qpCtr   uint64

	cqMu    sync.Mutex
	sendCQ  []rdma.CQE
	recvCQ  []rdma.CQE
}

func New(fabric *Fabric, self int) *Provider {
	return &Provider{
		fabric:  fabric,
		self:    self,
		regions: make(map[uint32]region),
		qps:     make(map[rdma.QPHandle]*qpEndpoint),
	}
}

func (p *Provider) CreateQP(peer int) (rdma.QPHandle, error) {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()

	lo, hi := p.self, peer
	if lo > hi {
		lo, hi = hi, lo
	}
	// Find the next free striping index for this unordered pair.
	idx := 0
	for {
		key := pairKey{lo: lo, hi: hi, idx: idx}
		if _, ok := p.fabric.pairs[key]; !ok {
			break
		}
		idx++
	}
	key := pairKey{lo: lo, hi: hi, idx: idx}

	p.mu.Lock()
	p.qpCtr++
	handle := rdma.QPHandle(uint64(p.self)<<48 | p.qpCtr)
	ep := &qpEndpoint{owner: p, handle: handle, peerNode: peer, postedRecv: make(chan *recvSlot, defaultRecvDepth)}
	p.qps[handle] = ep
	p.mu.Unlock()

	ps, ok := p.fabric.pairs[key]
	if !ok {
		ps = &pairState{}
		p.fabric.pairs[key] = ps
	}
	if p.self == lo {
		ps.eps[0] = ep
	} else {
		ps.eps[1] = ep
	}
	if ps.eps[0] != nil && ps.eps[1] != nil {
		ps.eps[0].mirror = ps.eps[1]
		ps.eps[1].mirror = ps.eps[0]
	}
	return handle, nil
}

func (p *Provider) ModifyQP(qp rdma.QPHandle, to rdma.QPState, _ *rdma.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.qps[qp]
	if !ok {
		return fmt.Errorf("loopback: unknown QP %d", qp)
	}
	ep.state = to
	return nil
}

func (p *Provider) LocalAddr(qp rdma.QPHandle) (rdma.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.qps[qp]; !ok {
		return rdma.Addr{}, fmt.Errorf("loopback: unknown QP %d", qp)
	}
	return rdma.Addr{QPN: uint32(qp), LID: uint16(p.self), PSN: 1}, nil
}

func (p *Provider) RegisterMemory(addr uintptr, length uint64) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rkeyCtr++
	rkey := p.rkeyCtr
	p.regions[rkey] = region{addr: addr, len: length}
	return rkey, nil
}

func (p *Provider) DeregisterMemory(addr uintptr, length uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, r := range p.regions {
		if r.addr == addr && r.len == length {
			delete(p.regions, k)
			return nil
		}
	}
	return fmt.Errorf("loopback: region (%x,%d) not registered", addr, length)
}

func (p *Provider) resolve(rkey uint32, raddr uint64, n int) ([]byte, error) {
	p.mu.Lock()
	r, ok := p.regions[rkey]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: unknown rkey %d", rkey)
	}
	off := uint64(raddr) - uint64(r.addr)
	if off+uint64(n) > r.len {
		return nil, fmt.Errorf("loopback: out-of-region access rkey=%d off=%d n=%d len=%d", rkey, off, n, r.len)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), r.len)[off : off+uint64(n)], nil
}

func (p *Provider) PostSend(qp rdma.QPHandle, wr rdma.WorkRequest) error {
	p.mu.Lock()
	ep, ok := p.qps[qp]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: unknown QP %d", qp)
	}

	switch wr.Kind {
	case rdma.WRRDMAWrite:
		mirror := ep.mirror
		if mirror == nil {
			return fmt.Errorf("loopback: QP %d not connected", qp)
		}
		dst, err := mirror.owner.resolve(wr.RKey, wr.RAddr, len(wr.Local))
		if err != nil {
			return err
		}
		copy(dst, wr.Local)
		p.completeSend(wr.ID, qp)
		if wr.HasImm {
			mirror.owner.deliverImm(mirror, wr.ID, wr.Imm, nil)
		}
		return nil

	case rdma.WRRDMARead:
		mirror := ep.mirror
		if mirror == nil {
			return fmt.Errorf("loopback: QP %d not connected", qp)
		}
		src, err := mirror.owner.resolve(wr.RKey, wr.RAddr, len(wr.Local))
		if err != nil {
			return err
		}
		copy(wr.Local, src)
		p.completeSend(wr.ID, qp)
		return nil

	default: // WRSendInline / WRSendBuf: AM-style two-sided send
		mirror := ep.mirror
		if mirror == nil {
			return fmt.Errorf("loopback: QP %d not connected", qp)
		}
		select {
		case slot := <-mirror.postedRecv:
			n := copy(slot.buf, wr.Local)
			mirror.owner.appendRecv(rdma.CQE{
				WRID: slot.id, QP: mirror.handle, Status: rdma.Success,
				IsRecv: true, Imm: wr.Imm, HasImm: wr.HasImm, RecvLen: n, RecvBuf: slot.buf[:n],
			})
			p.completeSend(wr.ID, qp)
			return nil
		default:
			return fmt.Errorf("loopback: no receive buffer posted on peer (RNR)")
		}
	}
}

func (p *Provider) deliverImm(ep *qpEndpoint, wrID uint64, imm uint32, buf []byte) {
	select {
	case slot := <-ep.postedRecv:
		n := copy(slot.buf, buf)
		ep.owner.appendRecv(rdma.CQE{WRID: slot.id, QP: ep.handle, Status: rdma.Success, IsRecv: true, Imm: imm, HasImm: true, RecvLen: n, RecvBuf: slot.buf[:n]})
	default:
		// Immediate-only notification (e.g. a preceding RDMA write for a
		// long AM's payload) with nobody consuming it is simply dropped;
		// the caller is expected to follow up with a real AM send that
		// does land on a posted receive buffer.
	}
	_ = wrID
}

func (p *Provider) completeSend(id uint64, qp rdma.QPHandle) {
	p.appendSend(rdma.CQE{WRID: id, QP: qp, Status: rdma.Success})
}

func (p *Provider) appendSend(c rdma.CQE) {
	p.cqMu.Lock()
	p.sendCQ = append(p.sendCQ, c)
	p.cqMu.Unlock()
}

func (p *Provider) appendRecv(c rdma.CQE) {
	p.cqMu.Lock()
	p.recvCQ = append(p.recvCQ, c)
	p.cqMu.Unlock()
}

func (p *Provider) PostRecv(qp rdma.QPHandle, wr rdma.WorkRequest) error {
	p.mu.Lock()
	ep, ok := p.qps[qp]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: unknown QP %d", qp)
	}
	select {
	case ep.postedRecv <- &recvSlot{id: wr.ID, buf: wr.Local}:
		return nil
	default:
		return fmt.Errorf("loopback: receive queue full on QP %d", qp)
	}
}

func (p *Provider) PollSend(max int) []rdma.CQE {
	p.cqMu.Lock()
	defer p.cqMu.Unlock()
	if max > len(p.sendCQ) {
		max = len(p.sendCQ)
	}
	out := p.sendCQ[:max:max]
	p.sendCQ = p.sendCQ[max:]
	return out
}

func (p *Provider) PollRecv(max int) []rdma.CQE {
	p.cqMu.Lock()
	defer p.cqMu.Unlock()
	if max > len(p.recvCQ) {
		max = len(p.recvCQ)
	}
	out := p.recvCQ[:max:max]
	p.recvCQ = p.recvCQ[max:]
	return out
}

func (*Provider) MaxInlineData() int      { return 256 }
func (*Provider) MaxMessageSize() uint64  { return 1 << 20 }

var closedProviders int64

func (p *Provider) Close(_ context.Context) error {
	atomic.AddInt64(&closedProviders, 1)
	return nil
}

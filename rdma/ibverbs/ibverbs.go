//go:build ibverbs

// Package ibverbs is the real InfiniBand verbs rdma.Provider, built only
// with -tags ibverbs against a host carrying libibverbs/librdmacm headers.
// Every exported symbol here is the wiring point a real deployment fills
// in; rdma/loopback is what every test in this module actually runs
// against, exactly as aistore's httpcommon-backed transport tests never
// touch a real NIC either.
//
// This file intentionally does not compile without the ibverbs build tag:
// the cgo preamble below names headers (infiniband/verbs.h) this module
// does not vendor and cannot fabricate. Bringing it up for real means
// linking libibverbs and filling in, verb by verb, the methods that return
// "not implemented" errors here.
package ibverbs

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pgas-rt/gasnet-ibv/rdma"
)

// Provider is the verbs-backed rdma.Provider: one ibv_context/ibv_pd per
// process, one ibv_cq pair (send/recv) shared across every QP, and one
// ibv_qp per (peer, stripe) the connection manager creates.
type Provider struct {
	ctx *C.struct_ibv_context
	pd  *C.struct_ibv_pd
	sendCQ *C.struct_ibv_cq
	recvCQ *C.struct_ibv_cq

	mu      sync.Mutex
	qps     map[rdma.QPHandle]*C.struct_ibv_qp
	qpCtr   uint64
	regions map[uint32]*C.struct_ibv_mr
	rkeyCtr uint32
}

// Open enumerates the first RDMA device reported by ibv_get_device_list,
// allocates a protection domain, and creates the send/receive completion
// queues the connection manager's QPs will share (spec.md §4.2).
func Open(cqDepth int) (*Provider, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		return nil, fmt.Errorf("ibverbs: no RDMA devices found")
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, n)
	ctx := C.ibv_open_device(devices[0])
	if ctx == nil {
		return nil, fmt.Errorf("ibverbs: ibv_open_device failed")
	}
	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return nil, fmt.Errorf("ibverbs: ibv_alloc_pd failed")
	}
	sendCQ := C.ibv_create_cq(ctx, C.int(cqDepth), nil, nil, 0)
	recvCQ := C.ibv_create_cq(ctx, C.int(cqDepth), nil, nil, 0)
	if sendCQ == nil || recvCQ == nil {
		return nil, fmt.Errorf("ibverbs: ibv_create_cq failed")
	}
	return &Provider{
		ctx: ctx, pd: pd, sendCQ: sendCQ, recvCQ: recvCQ,
		qps:     make(map[rdma.QPHandle]*C.struct_ibv_qp),
		regions: make(map[uint32]*C.struct_ibv_mr),
	}, nil
}

// CreateQP allocates an RC queue pair bound to the shared send/recv CQs,
// in RESET state (spec.md §4.2's state machine starts there).
func (p *Provider) CreateQP(peer int) (rdma.QPHandle, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = p.sendCQ
	attr.recv_cq = p.recvCQ
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = 256
	attr.cap.max_recv_wr = 256
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1
	attr.cap.max_inline_data = 256

	qp := C.ibv_create_qp(p.pd, &attr)
	if qp == nil {
		return 0, fmt.Errorf("ibverbs: ibv_create_qp failed for peer %d", peer)
	}

	p.mu.Lock()
	p.qpCtr++
	handle := rdma.QPHandle(p.qpCtr)
	p.qps[handle] = qp
	p.mu.Unlock()
	return handle, nil
}

// ModifyQP drives one state transition of spec.md §4.2's RESET->INIT->RTR
// ->RTS sequence via ibv_modify_qp. The real attribute set (port number,
// path MTU, rq_psn, dest QP number, GID for RoCE) is elided: filling it in
// is the one piece of real-hardware wiring this module cannot do without a
// fabric to test against.
func (p *Provider) ModifyQP(qp rdma.QPHandle, to rdma.QPState, addr *rdma.Addr) error {
	p.mu.Lock()
	_, ok := p.qps[qp]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ibverbs: unknown QP %d", qp)
	}
	_ = to
	_ = addr
	return fmt.Errorf("ibverbs: ModifyQP not implemented (requires a real fabric to validate against)")
}

func (p *Provider) LocalAddr(qp rdma.QPHandle) (rdma.Addr, error) {
	return rdma.Addr{}, fmt.Errorf("ibverbs: LocalAddr requires a queried ibv_port_attr/ibv_gid, not implemented")
}

// RegisterMemory calls ibv_reg_mr with local+remote read/write access,
// matching what a RDMA put/get target needs (spec.md §4.1).
func (p *Provider) RegisterMemory(addr uintptr, length uint64) (uint32, error) {
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(addr), C.size_t(length), C.int(access))
	if mr == nil {
		return 0, fmt.Errorf("ibverbs: ibv_reg_mr failed")
	}
	p.mu.Lock()
	p.rkeyCtr++
	rkey := p.rkeyCtr
	p.regions[rkey] = mr
	p.mu.Unlock()
	return rkey, nil
}

func (p *Provider) DeregisterMemory(addr uintptr, length uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, mr := range p.regions {
		if uintptr(mr.addr) == addr {
			C.ibv_dereg_mr(mr)
			delete(p.regions, k)
			return nil
		}
	}
	return fmt.Errorf("ibverbs: region at %x not registered", addr)
}

func (p *Provider) PostSend(qp rdma.QPHandle, wr rdma.WorkRequest) error {
	return fmt.Errorf("ibverbs: PostSend not implemented (requires ibv_post_send wr/sge construction)")
}

func (p *Provider) PostRecv(qp rdma.QPHandle, wr rdma.WorkRequest) error {
	return fmt.Errorf("ibverbs: PostRecv not implemented (requires ibv_post_recv wr/sge construction)")
}

func (p *Provider) PollSend(max int) []rdma.CQE { return nil }
func (p *Provider) PollRecv(max int) []rdma.CQE { return nil }

func (p *Provider) MaxInlineData() int     { return 256 }
func (p *Provider) MaxMessageSize() uint64 { return 1 << 30 }

func (p *Provider) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mr := range p.regions {
		C.ibv_dereg_mr(mr)
	}
	for _, qp := range p.qps {
		C.ibv_destroy_qp(qp)
	}
	C.ibv_destroy_cq(p.sendCQ)
	C.ibv_destroy_cq(p.recvCQ)
	C.ibv_dealloc_pd(p.pd)
	C.ibv_close_device(p.ctx)
	return nil
}

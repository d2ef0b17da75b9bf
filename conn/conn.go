// Package conn implements the connection manager of spec.md §4.2 (C4): the
// per-peer queue-pair lifecycle (RESET->INIT->RTR->RTS), address exchange
// over one bootstrap all-to-all, and optional striping across multiple QPs
// per peer with round-robin selection.
//
// Grounded on rockstar-0000-aistore's transport/bundle.Streams: a
// destination's outbound work is spread across a small, fixed set of
// streams and picked by a robin-style counter (transport/bundle/robin.go);
// §4.2 of spec.md already mandates the selection rule for striped ports
// ("port i mod num_ports on both ends"), so conn.Robin simply generalizes
// the teacher's selection object to pick *which QP*, not which HTTP
// stream, using the exact same mod-N rule.
package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/pgas-rt/gasnet-ibv/bootstrap"
	"github.com/pgas-rt/gasnet-ibv/cmn/debug"
	"github.com/pgas-rt/gasnet-ibv/gerr"
	"github.com/pgas-rt/gasnet-ibv/rdma"
	"github.com/pgas-rt/gasnet-ibv/sema"
)

// addrRecord is the fixed-size record exchanged by the bootstrap all-to-all
// at connect time (spec.md §4.2: "{qpn, lid, port_index, ...}"), one per
// (peer, stripe) pair this rank creates.
type addrRecord struct {
	QPN       uint32
	LID       uint16
	PortIndex uint16
	PSN       uint32
}

const addrRecordSize = 12

func (a addrRecord) marshal() []byte {
	b := make([]byte, addrRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], a.QPN)
	binary.LittleEndian.PutUint16(b[4:6], a.LID)
	binary.LittleEndian.PutUint16(b[6:8], a.PortIndex)
	binary.LittleEndian.PutUint32(b[8:12], a.PSN)
	return b
}

func unmarshalAddr(b []byte) addrRecord {
	return addrRecord{
		QPN:       binary.LittleEndian.Uint32(b[0:4]),
		LID:       binary.LittleEndian.Uint16(b[4:6]),
		PortIndex: binary.LittleEndian.Uint16(b[6:8]),
		PSN:       binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Robin picks the next of n striped QPs to a peer round-robin, exactly the
// "port i mod num_ports" tie-break spec.md §4.2 requires both ends to
// compute identically and independently.
type Robin struct {
	n   int32
	ctr int32
}

func NewRobin(n int) *Robin { return &Robin{n: int32(n)} }

func (r *Robin) Next() int {
	if r.n <= 1 {
		return 0
	}
	return int(atomic.AddInt32(&r.ctr, 1)-1) % int(r.n)
}

// Peer is the per-peer connection record of spec.md §3: one or more QP
// handles (striped), the send-credit and AM-request-credit semaphores, the
// remote memory key for the peer's segment, and the peer's address
// metadata. Created at attach, destroyed at finalize.
type Peer struct {
	Node int

	QPs   []rdma.QPHandle
	Robin *Robin

	SendCredit *sema.Counting
	AMCredit   *sema.Counting

	RemoteRKey uint32
	Addrs      []rdma.Addr // one per stripe, this node's local addresses
}

// NextQP returns the next QP to use for a new operation to this peer,
// striping round-robin across however many were created.
func (p *Peer) NextQP() rdma.QPHandle {
	return p.QPs[p.Robin.Next()]
}

// Manager owns every peer's connection record and drives the collective
// connect/disconnect sequence of spec.md §4.2.
type Manager struct {
	provider rdma.Provider
	spawner  bootstrap.Spawner

	NumPorts int
	NumQPs   int // stripe width per peer

	self  int
	peers []*Peer // indexed by dense node id; peers[self] is nil
}

func NewManager(provider rdma.Provider, spawner bootstrap.Spawner, numPorts, numQPs int) *Manager {
	if numPorts < 1 {
		numPorts = 1
	}
	if numQPs < 1 {
		numQPs = 1
	}
	return &Manager{
		provider: provider,
		spawner:  spawner,
		NumPorts: numPorts,
		NumQPs:   numQPs,
		self:     spawner.Rank(),
		peers:    make([]*Peer, spawner.Size()),
	}
}

func (m *Manager) Peer(node int) *Peer {
	debug.Assertf(node >= 0 && node < len(m.peers), "conn: peer %d out of range", node)
	return m.peers[node]
}

func (m *Manager) Self() int  { return m.self }
func (m *Manager) Size() int  { return len(m.peers) }

// ConnectAll runs the collective RESET->INIT->RTR->RTS sequence of spec.md
// §4.2 for every peer. It is a single collective: every rank must call it,
// and no rank returns until the final bootstrap barrier confirms every
// peer has reached RTS, so no side posts work before the other end is
// ready to receive it.
func (m *Manager) ConnectAll(ctx context.Context, sendCredit, amCredit int32) error {
	n := len(m.peers)

	// INIT: create NumQPs QPs to every other peer, in RESET then INIT.
	type localQP struct {
		peer int
		qp   rdma.QPHandle
	}
	local := make([]localQP, 0, (n-1)*m.NumQPs)
	for p := 0; p < n; p++ {
		if p == m.self {
			continue
		}
		for i := 0; i < m.NumQPs; i++ {
			qp, err := m.provider.CreateQP(p)
			if err != nil {
				return gerr.Fatal("conn.ConnectAll.CreateQP", err)
			}
			if err := m.provider.ModifyQP(qp, rdma.QPInit, nil); err != nil {
				return gerr.Fatal("conn.ConnectAll.INIT", err)
			}
			local = append(local, localQP{peer: p, qp: qp})
		}
	}

	// Address exchange: one bootstrap all-to-all of fixed-size records,
	// one per (peer, stripe), ordered by peer then stripe index so every
	// rank can decode the other side's payload deterministically.
	payload := make([]byte, 0, len(local)*addrRecordSize)
	for i, lq := range local {
		a, err := m.provider.LocalAddr(lq.qp)
		if err != nil {
			return gerr.Fatal("conn.ConnectAll.LocalAddr", err)
		}
		portIdx := i % m.NumQPs % m.NumPorts
		rec := addrRecord{QPN: a.QPN, LID: a.LID, PortIndex: uint16(portIdx), PSN: a.PSN}
		payload = append(payload, rec.marshal()...)
	}

	gathered, err := m.spawner.Exchange(ctx, payload)
	if err != nil {
		return gerr.Fatal("conn.ConnectAll.Exchange", err)
	}

	// RTR: bind each local QP to its peer's matching stripe record. Each
	// rank advertises records ordered by (peer ascending skipping self,
	// stripe ascending); the peer on the other side of a given local QP
	// advertised its own records the same way, so stripe i's counterpart
	// is simply stripe i in the peer's own per-(self) ordering restricted
	// to this rank.
	peerStripeIdx := make(map[int]int) // how many of this peer's records we've consumed
	for i, lq := range local {
		remoteBuf := gathered[lq.peer]
		// The peer's payload is ordered by *its* peer loop (skipping
		// itself); the record meant for us is at the position our rank
		// would occupy in that ordering times NumQPs, plus our stripe.
		stripe := i % m.NumQPs
		idx := peerStripeIdx[lq.peer]
		_ = idx
		pos := remotePosition(lq.peer, m.self, n)*m.NumQPs + stripe
		if (pos+1)*addrRecordSize > len(remoteBuf) {
			return gerr.Fatal("conn.ConnectAll.RTR", fmt.Errorf("short address record from peer %d", lq.peer))
		}
		rec := unmarshalAddr(remoteBuf[pos*addrRecordSize : (pos+1)*addrRecordSize])
		addr := rdma.Addr{QPN: rec.QPN, LID: rec.LID, PortIndex: rec.PortIndex, PSN: rec.PSN}
		if err := m.provider.ModifyQP(lq.qp, rdma.QPRTR, &addr); err != nil {
			return gerr.Fatal("conn.ConnectAll.RTR", err)
		}
	}

	// RTS: local ack, no further data needed.
	grouped := make(map[int][]rdma.QPHandle, n)
	for _, lq := range local {
		if err := m.provider.ModifyQP(lq.qp, rdma.QPRTS, nil); err != nil {
			return gerr.Fatal("conn.ConnectAll.RTS", err)
		}
		grouped[lq.peer] = append(grouped[lq.peer], lq.qp)
	}

	for p, qps := range grouped {
		m.peers[p] = &Peer{
			Node:       p,
			QPs:        qps,
			Robin:      NewRobin(len(qps)),
			SendCredit: sema.NewCounting(sendCredit),
			AMCredit:   sema.NewCounting(amCredit),
		}
	}

	// Final barrier: spec.md §4.2, "so no side posts before the other is
	// RTR" — in fact we wait until both sides are RTS, which is strictly
	// stronger and still correct.
	if err := m.spawner.Barrier(ctx); err != nil {
		return gerr.Fatal("conn.ConnectAll.Barrier", err)
	}
	return nil
}

// remotePosition returns the index `self` occupies in `other`'s own
// peer-iteration order (0..N-2, skipping `other` itself), which is the
// position `other`'s Exchange payload placed this rank's stripe records
// at.
func remotePosition(other, self, n int) int {
	pos := 0
	for p := 0; p < n; p++ {
		if p == other {
			continue
		}
		if p == self {
			return pos
		}
		pos++
	}
	debug.Assertf(false, "remotePosition: self %d not found relative to %d", self, other)
	return 0
}

// DisconnectAll tears down every peer's connection record. Verbs-level QP
// destruction is left to the Provider's own Close; DisconnectAll's job
// here is strictly the bootstrap-collective half (a barrier to ensure no
// peer starts DisconnectAll before every peer has quiesced).
func (m *Manager) DisconnectAll(ctx context.Context) error {
	if err := m.spawner.Barrier(ctx); err != nil {
		return gerr.Fatal("conn.DisconnectAll.Barrier", err)
	}
	for i := range m.peers {
		m.peers[i] = nil
	}
	return nil
}

// Package inproc implements bootstrap.Spawner entirely in-process, the way
// aistore's and jacobsa-fuse's own test harnesses spin up every "node" as a
// goroutine sharing one in-memory hub rather than real separate processes.
// It is the bootstrap substrate every other package's tests run against.
package inproc

import (
	"context"
	"sync"

	"github.com/pgas-rt/gasnet-ibv/bootstrap"
)

// generation is one instance of a collective: every arriving rank stages
// into it under the round's lock; the last arrival computes the shared
// result and closes done. Every caller — including the last arriver —
// captured its own *generation pointer before waiting, and only reads
// result after observing done closed (or after being the one who closed
// it), so the happens-before edge runs entirely within one generation
// object. A later round allocates a brand new generation rather than
// mutating this one, so a slow reader can never observe a result some
// later call overwrote.
type generation struct {
	done   chan struct{}
	result any
}

// round coordinates repeated instances of one collective across `size`
// ranks.
type round struct {
	mu   sync.Mutex
	n    int
	size int
	gen  *generation
}

func newRound(size int) *round {
	return &round{size: size, gen: &generation{done: make(chan struct{})}}
}

// arrive stages this rank's contribution into the current generation and
// blocks until every rank has done so, returning the generation's shared
// result (computed once, by whichever rank happens to arrive last).
func (r *round) arrive(stage func(), finish func() any) any {
	r.mu.Lock()
	gen := r.gen
	stage()
	r.n++
	last := r.n == r.size
	if last {
		gen.result = finish()
		r.n = 0
		r.gen = &generation{done: make(chan struct{})}
	}
	r.mu.Unlock()

	if last {
		close(gen.done)
	} else {
		<-gen.done
	}
	return gen.result
}

// Hub is the shared rendezvous point for one in-process job: create one Hub
// per test, then call NewSpawner(hub, rank) once per simulated node.
type Hub struct {
	size int

	barrier *round

	exchange    *round
	exchangeBuf [][]byte // indexed by source rank, valid only while a round is in flight

	bcast    *round
	bcastBuf []byte

	a2a    *round
	a2aBuf [][][]byte // a2aBuf[dest][source]
}

func NewHub(size int) *Hub {
	h := &Hub{
		size:     size,
		barrier:  newRound(size),
		exchange: newRound(size),
		bcast:    newRound(size),
		a2a:      newRound(size),
	}
	h.exchangeBuf = make([][]byte, size)
	h.a2aBuf = make([][][]byte, size)
	for i := range h.a2aBuf {
		h.a2aBuf[i] = make([][]byte, size)
	}
	return h
}

// Spawner is one rank's view of a Hub.
type Spawner struct {
	hub  *Hub
	rank int
}

func NewSpawner(hub *Hub, rank int) *Spawner {
	return &Spawner{hub: hub, rank: rank}
}

func (s *Spawner) Rank() int { return s.rank }
func (s *Spawner) Size() int { return s.hub.size }

func (s *Spawner) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.barrier.arrive(func() {}, func() any { return nil })
	return nil
}

func (s *Spawner) Exchange(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.hub
	res := h.exchange.arrive(
		func() { h.exchangeBuf[s.rank] = payload },
		func() any {
			out := make([][]byte, h.size)
			copy(out, h.exchangeBuf)
			return out
		},
	)
	return res.([][]byte), nil
}

func (s *Spawner) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.hub
	res := h.bcast.arrive(
		func() {
			if s.rank == root {
				h.bcastBuf = payload
			}
		},
		func() any { return h.bcastBuf },
	)
	return res.([]byte), nil
}

func (s *Spawner) Alltoall(ctx context.Context, perDest [][]byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.hub
	res := h.a2a.arrive(
		func() {
			for dest, payload := range perDest {
				h.a2aBuf[dest][s.rank] = payload
			}
		},
		func() any {
			out := make([][][]byte, h.size)
			for dest := 0; dest < h.size; dest++ {
				out[dest] = append([][]byte(nil), h.a2aBuf[dest]...)
			}
			return out
		},
	)
	all := res.([][][]byte)
	return all[s.rank], nil
}

func (s *Spawner) Finalize(context.Context) error { return nil }

var _ bootstrap.Spawner = (*Spawner)(nil)

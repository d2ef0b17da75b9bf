package conn_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pgas-rt/gasnet-ibv/bootstrap/inproc"
	"github.com/pgas-rt/gasnet-ibv/conn"
	"github.com/pgas-rt/gasnet-ibv/rdma"
	"github.com/pgas-rt/gasnet-ibv/rdma/loopback"
)

// attachAll runs ConnectAll concurrently across size in-process ranks and
// returns each rank's Manager, mirroring how gasnet.Attach brings up the
// collective for every real job.
func attachAll(t *testing.T, size, numQPs int) []*conn.Manager {
	t.Helper()
	hub := inproc.NewHub(size)
	fabric := loopback.NewFabric()

	mgrs := make([]*conn.Manager, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for rank := 0; rank < size; rank++ {
		rank := rank
		go func() {
			defer wg.Done()
			spawner := inproc.NewSpawner(hub, rank)
			provider := loopback.New(fabric, rank)
			m := conn.NewManager(provider, spawner, 1, numQPs)
			errs[rank] = m.ConnectAll(context.Background(), 8, 8)
			mgrs[rank] = m
		}()
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: ConnectAll: %v", rank, err)
		}
	}
	return mgrs
}

func TestConnectAllEveryPeerReachable(t *testing.T) {
	const size = 3
	mgrs := attachAll(t, size, 1)

	for rank, m := range mgrs {
		if m.Self() != rank {
			t.Fatalf("Self() = %d, want %d", m.Self(), rank)
		}
		if m.Size() != size {
			t.Fatalf("Size() = %d, want %d", m.Size(), size)
		}
		for other := 0; other < size; other++ {
			if other == rank {
				continue
			}
			p := m.Peer(other)
			if p == nil {
				t.Fatalf("rank %d: no peer record for %d", rank, other)
			}
			if len(p.QPs) != 1 {
				t.Fatalf("rank %d: peer %d has %d QPs, want 1", rank, other, len(p.QPs))
			}
		}
	}
}

func TestRobinStripesRoundRobin(t *testing.T) {
	const size, numQPs = 2, 4
	mgrs := attachAll(t, size, numQPs)

	p := mgrs[0].Peer(1)
	if len(p.QPs) != numQPs {
		t.Fatalf("expected %d stripes, got %d", numQPs, len(p.QPs))
	}

	seen := make(map[rdma.QPHandle]int)
	for i := 0; i < numQPs*3; i++ {
		seen[p.NextQP()]++
	}
	if len(seen) != numQPs {
		t.Fatalf("NextQP visited %d distinct QPs, want %d", len(seen), numQPs)
	}
	for qp, n := range seen {
		if n != 3 {
			t.Fatalf("QP %v selected %d times, want 3 (perfectly even round robin)", qp, n)
		}
	}
}

func TestDisconnectAllClearsPeers(t *testing.T) {
	const size = 2
	mgrs := attachAll(t, size, 1)

	var wg sync.WaitGroup
	errs := make([]error, size)
	wg.Add(size)
	for rank, m := range mgrs {
		rank, m := rank, m
		go func() {
			defer wg.Done()
			errs[rank] = m.DisconnectAll(context.Background())
		}()
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: DisconnectAll: %v", rank, err)
		}
	}
	if mgrs[0].Peer(1) != nil {
		t.Fatalf("expected peer record cleared after DisconnectAll")
	}
}

package memsys_test

import (
	"sync"
	"testing"

	"github.com/pgas-rt/gasnet-ibv/memsys"
)

func TestPoolConservation(t *testing.T) {
	const n = 64
	p := memsys.NewPool(n, 256, false)
	if p.Free() != n || p.Total() != n {
		t.Fatalf("expected %d free/total, got free=%d total=%d", n, p.Free(), p.Total())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b, ok := p.Acquire()
				if !ok {
					continue
				}
				p.Release(b)
			}
		}()
	}
	wg.Wait()

	if p.Free() != n {
		t.Fatalf("pool not conserved: free=%d want=%d", p.Free(), n)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := memsys.NewPool(2, 64, false)
	bufs := make([]*memsys.Buf, 0, 2)
	for i := 0; i < 2; i++ {
		b, ok := p.Acquire()
		if !ok {
			t.Fatalf("expected acquire to succeed at i=%d", i)
		}
		bufs = append(bufs, b)
	}
	if _, ok := p.Acquire(); ok {
		t.Fatalf("expected pool exhaustion")
	}
	for _, b := range bufs {
		p.Release(b)
	}
	if p.Free() != 2 {
		t.Fatalf("expected free=2 after release, got %d", p.Free())
	}
}

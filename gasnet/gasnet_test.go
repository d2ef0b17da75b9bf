package gasnet_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/pgas-rt/gasnet-ibv/am"
	"github.com/pgas-rt/gasnet-ibv/bootstrap/inproc"
	"github.com/pgas-rt/gasnet-ibv/config"
	"github.com/pgas-rt/gasnet-ibv/gasnet"
	"github.com/pgas-rt/gasnet-ibv/rdma/loopback"
)

const echoHandlerIdx uint8 = 200

// job bundles everything attachAll builds for one simulated rank: the
// Endpoint plus the raw loopback.Provider used to attach it, since
// Endpoint itself (correctly) doesn't expose the provider to callers —
// tests that need to register an arbitrary scratch region (rather than go
// through the firehose cache) register directly against the provider.
type job struct {
	ep       *gasnet.Endpoint
	provider *loopback.Provider
}

// attachAll brings up `size` in-process ranks sharing one bootstrap hub and
// RDMA fabric, exactly as cmd/gasnetrun's runJob does for its own echo
// smoke test.
func attachAll(t *testing.T, size int, segBytes int, handlerBuilders func(rank int, disp **am.Dispatcher) map[uint8]am.Handler) []*job {
	t.Helper()
	hub := inproc.NewHub(size)
	fabric := loopback.NewFabric()
	cfg := config.FromEnv()

	jobs := make([]*job, size)
	var wg sync.WaitGroup
	var attachErr atomic.Pointer[error]
	wg.Add(size)
	for rank := 0; rank < size; rank++ {
		rank := rank
		go func() {
			defer wg.Done()
			spawner := inproc.NewSpawner(hub, rank)
			provider := loopback.New(fabric, rank)
			seg := make([]byte, segBytes)
			segDesc := gasnet.SegmentDesc{Base: uintptr(unsafe.Pointer(&seg[0])), Len: uint64(segBytes), Kind: gasnet.SegFast}

			var disp *am.Dispatcher
			var handlers map[uint8]am.Handler
			if handlerBuilders != nil {
				handlers = handlerBuilders(rank, &disp)
			}

			ep, err := gasnet.Attach(context.Background(), spawner, provider, cfg, segDesc, handlers)
			if err != nil {
				attachErr.Store(&err)
				return
			}
			disp = ep.Dispatcher()
			jobs[rank] = &job{ep: ep, provider: provider}
		}()
	}
	wg.Wait()
	if p := attachErr.Load(); p != nil {
		t.Fatalf("Attach failed: %v", *p)
	}
	return jobs
}

func pollAll(jobs []*job) {
	for _, j := range jobs {
		j.ep.AMPoll()
	}
}

func finalizeAll(t *testing.T, jobs []*job) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	wg.Add(len(jobs))
	for i, j := range jobs {
		i, j := i, j
		go func() {
			defer wg.Done()
			// Finalize is collective (it barriers inside DisconnectAll),
			// so every rank must call it concurrently.
			errs[i] = j.ep.Finalize(context.Background())
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: Finalize: %v", i, err)
		}
	}
}

func TestAttachEchoAndFinalize(t *testing.T) {
	const size = 3
	var echoed int32

	jobs := attachAll(t, size, 4096, func(rank int, disp **am.Dispatcher) map[uint8]am.Handler {
		return map[uint8]am.Handler{
			echoHandlerIdx: func(tok am.Token, args []uint32) {
				if tok.IsRequest() {
					_ = (*disp).ReplyShort(tok, args[0])
					return
				}
				atomic.AddInt32(&echoed, 1)
			},
		}
	})

	for rank, j := range jobs {
		if j.ep.MyNode() != rank {
			t.Fatalf("MyNode() = %d, want %d", j.ep.MyNode(), rank)
		}
		if j.ep.NumNodes() != size {
			t.Fatalf("NumNodes() = %d, want %d", j.ep.NumNodes(), size)
		}
	}

	dst := size - 1
	if err := jobs[0].ep.Dispatcher().RequestShort(dst, echoHandlerIdx, 123); err != nil {
		t.Fatalf("RequestShort: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&echoed) == 0 {
		pollAll(jobs)
		if time.Now().After(deadline) {
			t.Fatalf("echo never completed")
		}
	}

	finalizeAll(t, jobs)
}

func TestGetSegmentInfoReplicatedAcrossRanks(t *testing.T) {
	const size = 2
	segSizes := []int{4096, 8192}

	hub := inproc.NewHub(size)
	fabric := loopback.NewFabric()
	cfg := config.FromEnv()

	jobs := make([]*job, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for rank := 0; rank < size; rank++ {
		rank := rank
		go func() {
			defer wg.Done()
			spawner := inproc.NewSpawner(hub, rank)
			provider := loopback.New(fabric, rank)
			seg := make([]byte, segSizes[rank])
			segDesc := gasnet.SegmentDesc{Base: uintptr(unsafe.Pointer(&seg[0])), Len: uint64(segSizes[rank]), Kind: gasnet.SegFast}
			ep, err := gasnet.Attach(context.Background(), spawner, provider, cfg, segDesc, nil)
			if err != nil {
				t.Errorf("rank %d: Attach: %v", rank, err)
				return
			}
			jobs[rank] = &job{ep: ep, provider: provider}
		}()
	}
	wg.Wait()

	for rank, j := range jobs {
		table := j.ep.GetSegmentInfo()
		if len(table) != size {
			t.Fatalf("rank %d: segment table has %d entries, want %d", rank, len(table), size)
		}
		for i, want := range segSizes {
			if table[i].Len != uint64(want) {
				t.Fatalf("rank %d: segment table[%d].Len = %d, want %d", rank, i, table[i].Len, want)
			}
		}
		if j.ep.GetMaxGlobalSegmentSize() != uint64(segSizes[0]) {
			t.Fatalf("rank %d: GetMaxGlobalSegmentSize() = %d, want %d (the smaller segment)", rank, j.ep.GetMaxGlobalSegmentSize(), segSizes[0])
		}
	}

	finalizeAll(t, jobs)
}

func TestThreadCtxPutThroughEndpoint(t *testing.T) {
	const size = 2
	jobs := attachAll(t, size, 4096, nil)

	tctx := jobs[0].ep.NewThreadCtx()

	remoteBuf := make([]byte, 32)
	rkey, err := jobs[1].provider.RegisterMemory(uintptr(unsafe.Pointer(&remoteBuf[0])), uint64(len(remoteBuf)))
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}

	src := []byte("thirty-two bytes routed via put!")[:32]
	h, err := tctx.PutNB(1, uint64(uintptr(unsafe.Pointer(&remoteBuf[0]))), rkey, src)
	if err != nil {
		t.Fatalf("PutNB: %v", err)
	}
	tctx.WaitSync(h)
	if string(remoteBuf) != string(src) {
		t.Fatalf("remoteBuf = %q, want %q", remoteBuf, src)
	}

	finalizeAll(t, jobs)
}

func TestExitBroadcastsAndFinalizes(t *testing.T) {
	const size = 3
	jobs := attachAll(t, size, 4096, nil)

	// Drive background polling on every non-initiating rank so the exit
	// notice's auto-reply can land while Exit's own Finalize barriers.
	stop := make(chan struct{})
	var pollWG sync.WaitGroup
	for _, j := range jobs[1:] {
		j := j
		pollWG.Add(1)
		go func() {
			defer pollWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
					j.ep.AMPoll()
				}
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- jobs[0].ep.Exit(context.Background(), 0) }()

	// The other ranks must also Finalize concurrently for the collective
	// barrier inside Exit's Finalize to ever return.
	var restWG sync.WaitGroup
	restErrs := make([]error, size)
	for i := 1; i < size; i++ {
		i := i
		restWG.Add(1)
		go func() {
			defer restWG.Done()
			restErrs[i] = jobs[i].ep.Finalize(context.Background())
		}()
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Exit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Exit never returned")
	}
	restWG.Wait()
	close(stop)
	pollWG.Wait()

	for i, err := range restErrs {
		if i == 0 {
			continue
		}
		if err != nil {
			t.Fatalf("rank %d: Finalize: %v", i, err)
		}
	}
}

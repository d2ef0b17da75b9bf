package firehose_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pgas-rt/gasnet-ibv/firehose"
	"github.com/pgas-rt/gasnet-ibv/rdma/loopback"
)

// loopMover wires node 0's firehose moves directly to node 1's
// HandleMoveRequest, standing in for the am-layer round trip (spec.md
// §4.4 steps 3-5) in a single process.
type loopMover struct {
	owner *firehose.Table
}

func (m *loopMover) Move(req firehose.MoveRequest) (firehose.MoveReply, error) {
	return m.owner.HandleMoveRequest(req, nil)
}

const bucketSize = 4096

func newPeerTables() (requester, owner *firehose.Table) {
	fabric := loopback.NewFabric()
	p0 := loopback.New(fabric, 0)
	p1 := loopback.New(fabric, 1)

	owner = firehose.NewTable(firehose.Config{
		BucketSize:   bucketSize,
		NumPeers:     2,
		F:            4,
		MaxVictimLoc: 16,
		MaxVictimRem: 16,
	}, p1, nil)

	requester = firehose.NewTable(firehose.Config{
		BucketSize:   bucketSize,
		NumPeers:     2,
		F:            4,
		MaxVictimLoc: 16,
		MaxVictimRem: 16,
	}, p0, &loopMover{owner: owner})

	return requester, owner
}

func awaitCallback(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		Fail("firehose move callback never fired")
	}
}

var _ = Describe("Firehose pinning cache", func() {
	It("serves try_local_pin only for already-pinned buckets", func() {
		owner := firehose.NewTable(firehose.Config{
			BucketSize: bucketSize, NumPeers: 1, F: 4, MaxVictimLoc: 16, MaxVictimRem: 16,
		}, loopback.New(loopback.NewFabric(), 0), nil)

		_, ok := owner.TryLocalPin(0, bucketSize)
		Expect(ok).To(BeFalse())

		h, err := owner.LocalPin(0, bucketSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(owner.LocalRefcount(0)).To(Equal(int32(1)))

		h2, ok := owner.TryLocalPin(0, bucketSize)
		Expect(ok).To(BeTrue())
		Expect(owner.LocalRefcount(0)).To(Equal(int32(2)))

		owner.Release(h)
		owner.Release(h2)
		Expect(owner.LocalRefcount(0)).To(Equal(int32(0)))
	})

	It("evicts the LRU firehose once F=4 is exceeded (spec scenario 4)", func() {
		requester, _ := newPeerTables()

		var results []firehose.RequestHandle
		for _, addr := range []uint64{0, bucketSize, 2 * bucketSize, 3 * bucketSize} {
			done := make(chan struct{})
			var h firehose.RequestHandle
			_, sync := requester.RemotePin(1, addr, bucketSize, 0, func(rh firehose.RequestHandle, err error) {
				defer close(done)
				Expect(err).NotTo(HaveOccurred())
				h = rh
			})
			Expect(sync).To(BeFalse())
			awaitCallback(done)
			results = append(results, h)
		}
		Expect(requester.PeerOwned(1)).To(Equal(4))

		// Release the first one so it becomes the LRU victim candidate.
		requester.Release(results[0])

		done := make(chan struct{})
		_, sync := requester.RemotePin(1, 4*bucketSize, bucketSize, 0, func(rh firehose.RequestHandle, err error) {
			defer close(done)
			Expect(err).NotTo(HaveOccurred())
		})
		Expect(sync).To(BeFalse())
		awaitCallback(done)

		Expect(requester.PeerOwned(1)).To(Equal(4), "hash cardinality must stay <= F")
	})

	It("completes remote_pin synchronously when RETURN_IF_PINNED and already owned", func() {
		requester, _ := newPeerTables()

		done := make(chan struct{})
		requester.RemotePin(1, 0, bucketSize, 0, func(firehose.RequestHandle, error) { close(done) })
		awaitCallback(done)

		h, sync := requester.RemotePin(1, 0, bucketSize, firehose.ReturnIfPinned, nil)
		Expect(sync).To(BeTrue())
		Expect(h.NumBuckets()).To(Equal(1))
	})
})

// Package bootstrap defines the thin collective-operations boundary
// spec.md §1 and §4 treat as an external collaborator: job spawn, initial
// address exchange, barrier, broadcast, and all-to-all. The core consumes
// it as "a handful of blocking collectives" (spec.md §1) and never reaches
// past this interface into the job launcher.
package bootstrap

import "context"

// Spawner is the bootstrap adapter of spec.md §4 (C8): a fixed-size,
// dense-node-id job view plus the four collectives the rest of the system
// needs at attach time and at finalize.
type Spawner interface {
	Rank() int
	Size() int

	// Barrier blocks every rank until all have entered.
	Barrier(ctx context.Context) error

	// Exchange is an all-to-all of fixed-size records: rank i's outgoing
	// byte slice is delivered to every other rank, and the full ordered
	// set (including this rank's own) is returned. Used for the segment
	// table (spec.md §3) and the QP address-exchange round (spec.md
	// §4.2).
	Exchange(ctx context.Context, payload []byte) ([][]byte, error)

	// Broadcast delivers root's payload to every rank.
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	// Alltoall delivers one distinct payload per destination rank,
	// returning what every other rank sent to this one. Used by the
	// optional XRC collective (spec.md §4.2) to share per-supernode
	// receive-QP numbers.
	Alltoall(ctx context.Context, perDest [][]byte) ([][]byte, error)

	Finalize(ctx context.Context) error
}

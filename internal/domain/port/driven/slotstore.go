package driven

import "context"

// SlotStore defines the driven port for concurrency-slot accounting. Both
// operations must be atomic at the storage layer: a count-then-write
// sequence would let two requests take the last slot.
type SlotStore interface {
	// AcquireSlot takes one slot on the credential for the rental if fewer
	// than concurrency-cap slots are held. It returns the number of slots
	// still free afterwards. A rental that already holds a slot gets
	// model.ErrConflict and the counter is left alone, so the caller never
	// believes it owns a slot taken by someone else.
	AcquireSlot(ctx context.Context, credentialID, rentalID string) (acquired bool, free int, err error)

	// ReleaseSlot gives back the rental's slot. Releasing a slot the rental
	// does not hold is a no-op and reports released=false.
	ReleaseSlot(ctx context.Context, credentialID, rentalID string) (released bool, err error)
}

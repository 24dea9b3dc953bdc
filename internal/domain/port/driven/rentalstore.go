package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// RentalStore defines the driven port for rental persistence. Each rental
// embeds exactly one quota window and a bounded usage history.
type RentalStore interface {
	// Create stores a new rental.
	Create(ctx context.Context, r model.Rental) error

	// Get returns the rental with the given id or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Rental, error)

	// ListByCredential returns rentals against the credential, optionally
	// filtered to the given statuses.
	ListByCredential(ctx context.Context, credentialID string, statuses ...model.RentalStatus) ([]model.Rental, error)

	// ListLeaseExpired returns approved and active rentals whose lease
	// expired before now.
	ListLeaseExpired(ctx context.Context, now time.Time) ([]model.Rental, error)

	// Transition persists the state fields of r (status, lease, timestamps,
	// credential reference, end reason) only if the stored status still
	// equals from. A concurrent change returns model.ErrConflict. Slot
	// ownership is not written here; it belongs to SlotStore.
	Transition(ctx context.Context, r model.Rental, from model.RentalStatus) error

	// SetPaymentStatus records the payment collaborator's latest status.
	SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus) error

	// RecordUsage atomically loads the quota window, lets apply mutate it,
	// persists the result and appends ev to the usage history, trimming the
	// history to model.UsageHistoryLimit entries. It returns the updated window.
	RecordUsage(ctx context.Context, id string, ev model.UsageEvent, apply func(*model.QuotaWindow)) (model.QuotaWindow, error)

	// ListUsage returns the most recent usage events, newest first.
	ListUsage(ctx context.Context, id string, limit int) ([]model.UsageEvent, error)
}

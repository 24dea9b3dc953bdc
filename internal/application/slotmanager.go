package application

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// SlotManager gates how many rentals may hold a lease on a credential at
// once. The cap check and the increment happen in one conditional update in
// the SlotStore; this service adds logging and the slot.exhausted event.
type SlotManager struct {
	slots  driven.SlotStore
	events driven.EventSink
	now    func() time.Time
}

// NewSlotManager creates a new SlotManager. A nil now uses time.Now.
func NewSlotManager(slots driven.SlotStore, events driven.EventSink, now func() time.Time) *SlotManager {
	return &SlotManager{slots: slots, events: events, now: clock(now)}
}

// TryAcquire takes a slot on cred for the rental. It returns false when the
// credential is at its cap, leaving availability unchanged.
func (m *SlotManager) TryAcquire(ctx context.Context, cred model.Credential, rentalID string) (bool, error) {
	acquired, free, err := m.slots.AcquireSlot(ctx, cred.ID, rentalID)
	if err != nil {
		return false, err
	}
	if !acquired {
		slog.Info("slot declined", "credential_id", cred.ID, "rental_id", rentalID, "cap", cred.ConcurrencyCap)
		return false, nil
	}

	if free == 0 {
		emit(ctx, m.events, model.Event{
			Type:         model.EventSlotExhausted,
			CredentialID: cred.ID,
			RentalID:     rentalID,
			InfluencerID: cred.InfluencerID,
			At:           m.now().UTC(),
			Attributes:   map[string]string{"cap": strconv.Itoa(cred.ConcurrencyCap)},
		})
	}
	return true, nil
}

// Release returns the rental's slot. Releasing a slot the rental does not
// hold is a no-op.
func (m *SlotManager) Release(ctx context.Context, credentialID, rentalID string) error {
	released, err := m.slots.ReleaseSlot(ctx, credentialID, rentalID)
	if err != nil {
		return err
	}
	if !released {
		slog.Debug("slot already released", "credential_id", credentialID, "rental_id", rentalID)
	}
	return nil
}

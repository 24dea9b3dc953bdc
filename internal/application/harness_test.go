package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

var (
	t0         = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	influencer = model.Principal{ID: "inf-1", Role: model.RoleInfluencer}
	advertiser = model.Principal{ID: "adv-1", Role: model.RoleAdvertiser}
	rival      = model.Principal{ID: "adv-2", Role: model.RoleAdvertiser}
	admin      = model.Principal{ID: "ops", Role: model.RoleAdmin}
)

type harness struct {
	store     *memStore
	cipher    *fakeCipher
	sink      *recordingSink
	clock     *fakeClock
	creds     *application.CredentialService
	slots     *application.SlotManager
	quota     *application.QuotaTracker
	scheduler *application.RotationScheduler
	ledger    *application.RentalLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:  newMemStore(),
		cipher: &fakeCipher{},
		sink:   &recordingSink{},
		clock:  newFakeClock(t0),
	}
	now := h.clock.Now
	rentals := rentalStore{h.store}

	h.creds = application.NewCredentialService(h.store, h.cipher, h.sink, now)
	h.slots = application.NewSlotManager(slotStore{h.store}, h.sink, now)
	h.quota = application.NewQuotaTracker(rentals, h.store, h.sink,
		application.QuotaConfig{Location: time.UTC, AlertPercent: 80}, now)
	h.scheduler = application.NewRotationScheduler(h.store, h.creds, h.sink, time.Minute, now)
	h.ledger = application.NewRentalLedger(rentals, h.store, h.creds, h.slots, h.cipher, h.sink,
		application.QuotaLimits{Daily: 1000, Monthly: 30000}, time.Minute, now)
	return h
}

// issue registers a credential for influencer with the given cap.
func (h *harness) issue(t *testing.T, account string, concurrencyCap int) *model.Credential {
	t.Helper()
	cred, err := h.creds.Issue(context.Background(), influencer, application.IssueRequest{
		AccountID: account,
		Secret:    []byte("secret-" + account),
		Options: model.IssueOptions{
			Platform:       "instagram",
			ConcurrencyCap: concurrencyCap,
			Scopes:         []string{"read", "insights"},
			Fees:           model.FeeSchedule{HourlyRate: 100, DailyRate: 2000, WeeklyRate: 10000},
		},
	})
	require.NoError(t, err)
	return cred
}

// request files a three-day rental by the given advertiser.
func (h *harness) request(t *testing.T, p model.Principal, account string) *model.Rental {
	t.Helper()
	rental, err := h.ledger.RequestRental(context.Background(), p, application.RentalRequest{
		InfluencerID: influencer.ID,
		AccountID:    account,
		Window:       model.RentalWindow{Start: t0, End: t0.AddDate(0, 0, 3)},
		Scopes:       []string{"read"},
	})
	require.NoError(t, err)
	return rental
}

// activeRental walks a fresh rental through approval and payment.
func (h *harness) activeRental(t *testing.T, p model.Principal, account string) *model.Rental {
	t.Helper()
	ctx := context.Background()
	rental := h.request(t, p, account)
	_, err := h.ledger.DecideRental(ctx, influencer, rental.ID, model.DecisionApprove)
	require.NoError(t, err)
	active, err := h.ledger.HandlePaymentEvent(ctx, model.PaymentEvent{RentalID: rental.ID, Status: model.PaymentStatusCompleted})
	require.NoError(t, err)
	return active
}

func (h *harness) credential(t *testing.T, id string) *model.Credential {
	t.Helper()
	cred, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return cred
}

func (h *harness) rental(t *testing.T, id string) *model.Rental {
	t.Helper()
	r, err := rentalStore{h.store}.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

package application_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// --- In-memory store implementing the credential, slot and rental ports ---

type memStore struct {
	mu      sync.Mutex
	creds   map[string]model.Credential
	rentals map[string]model.Rental
	usage   map[string][]model.UsageEvent

	recordErrs []error // consumed one per RecordUsage call
}

func newMemStore() *memStore {
	return &memStore{
		creds:   make(map[string]model.Credential),
		rentals: make(map[string]model.Rental),
		usage:   make(map[string][]model.UsageEvent),
	}
}

func (m *memStore) Create(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.creds {
		if existing.InfluencerID == c.InfluencerID && existing.AccountID == c.AccountID {
			return fmt.Errorf("%w: duplicate account", model.ErrConflict)
		}
	}
	m.creds[c.ID] = c
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: credential %q", model.ErrNotFound, id)
	}
	return &c, nil
}

func (m *memStore) GetByAccount(_ context.Context, influencerID, accountID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.InfluencerID == influencerID && c.AccountID == accountID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: account %q", model.ErrNotFound, accountID)
}

func (m *memStore) ListByInfluencer(_ context.Context, influencerID string) ([]model.Credential, error) {
	return m.filterCreds(func(c model.Credential) bool { return c.InfluencerID == influencerID }), nil
}

func (m *memStore) ListRotationDue(_ context.Context, now time.Time) ([]model.Credential, error) {
	return m.filterCreds(func(c model.Credential) bool {
		return rotating(c) && !c.NextRotationAt.After(now)
	}), nil
}

func (m *memStore) ListRotationBetween(_ context.Context, after, until time.Time) ([]model.Credential, error) {
	return m.filterCreds(func(c model.Credential) bool {
		return rotating(c) && c.NextRotationAt.After(after) && !c.NextRotationAt.After(until)
	}), nil
}

func rotating(c model.Credential) bool {
	return c.Status == model.CredentialStatusActive && c.Rotation.Enabled && !c.NextRotationAt.IsZero()
}

func (m *memStore) filterCreds(keep func(model.Credential) bool) []model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Credential
	for _, c := range m.creds {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) UpdateSecret(_ context.Context, id string, expectedVersion int, encrypted string, rotatedAt, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return fmt.Errorf("%w: credential %q", model.ErrNotFound, id)
	}
	if c.Version != expectedVersion {
		return fmt.Errorf("%w: version moved", model.ErrConflict)
	}
	c.Version++
	c.EncryptedSecret = encrypted
	c.LastRotatedAt = rotatedAt
	c.NextRotationAt = next
	c.RotationNotifiedAt = nil
	m.creds[id] = c
	return nil
}

func (m *memStore) UpdateRotationPolicy(_ context.Context, id string, policy model.RotationPolicy, next time.Time) error {
	return m.updateCred(id, func(c *model.Credential) {
		c.Rotation = policy
		c.NextRotationAt = next
		c.RotationNotifiedAt = nil
	})
}

func (m *memStore) MarkRotationNotified(_ context.Context, id string, at time.Time) error {
	return m.updateCred(id, func(c *model.Credential) { c.RotationNotifiedAt = &at })
}

func (m *memStore) SetStatus(_ context.Context, id string, status model.CredentialStatus) error {
	return m.updateCred(id, func(c *model.Credential) {
		c.Status = status
		c.Available = status == model.CredentialStatusActive && c.ActiveLeases < c.ConcurrencyCap
	})
}

func (m *memStore) IncrementUsage(_ context.Context, id string) error {
	return m.updateCred(id, func(c *model.Credential) { c.UsageCount++ })
}

func (m *memStore) updateCred(id string, fn func(*model.Credential)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return fmt.Errorf("%w: credential %q", model.ErrNotFound, id)
	}
	fn(&c)
	m.creds[id] = c
	return nil
}

// slotStore exposes the slot port of memStore; method names would clash
// with the rental port otherwise.
type slotStore struct{ *memStore }

func (s slotStore) AcquireSlot(_ context.Context, credentialID, rentalID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[rentalID]
	if !ok || r.CredentialID != credentialID {
		return false, 0, fmt.Errorf("%w: rental %q", model.ErrNotFound, rentalID)
	}
	c := s.creds[credentialID]
	if r.SlotHeld {
		return false, 0, fmt.Errorf("%w: rental %q already holds a slot", model.ErrConflict, rentalID)
	}
	if c.Status != model.CredentialStatusActive || c.ActiveLeases >= c.ConcurrencyCap {
		return false, 0, nil
	}
	c.ActiveLeases++
	c.Available = c.ActiveLeases < c.ConcurrencyCap
	r.SlotHeld = true
	s.creds[credentialID] = c
	s.rentals[rentalID] = r
	return true, c.ConcurrencyCap - c.ActiveLeases, nil
}

func (s slotStore) ReleaseSlot(_ context.Context, credentialID, rentalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[rentalID]
	if !ok || !r.SlotHeld {
		return false, nil
	}
	c := s.creds[credentialID]
	c.ActiveLeases--
	c.Available = c.Status == model.CredentialStatusActive && c.ActiveLeases < c.ConcurrencyCap
	r.SlotHeld = false
	s.creds[credentialID] = c
	s.rentals[rentalID] = r
	return true, nil
}

// rentalStore exposes the rental port of memStore.
type rentalStore struct{ *memStore }

func (s rentalStore) Create(_ context.Context, r model.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[r.CredentialID]; !ok {
		return fmt.Errorf("%w: credential %q", model.ErrNotFound, r.CredentialID)
	}
	s.rentals[r.ID] = r
	return nil
}

func (s rentalStore) Get(_ context.Context, id string) (*model.Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	if !ok {
		return nil, fmt.Errorf("%w: rental %q", model.ErrNotFound, id)
	}
	return &r, nil
}

func (s rentalStore) ListByCredential(_ context.Context, credentialID string, statuses ...model.RentalStatus) ([]model.Rental, error) {
	return s.filterRentals(func(r model.Rental) bool {
		if r.CredentialID != credentialID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if r.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (s rentalStore) ListLeaseExpired(_ context.Context, now time.Time) ([]model.Rental, error) {
	return s.filterRentals(func(r model.Rental) bool {
		live := r.Status == model.RentalStatusApproved || r.Status == model.RentalStatusActive
		return live && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now)
	}), nil
}

func (s rentalStore) filterRentals(keep func(model.Rental) bool) []model.Rental {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Rental
	for _, r := range s.rentals {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s rentalStore) Transition(_ context.Context, r model.Rental, from model.RentalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rentals[r.ID]
	if !ok {
		return fmt.Errorf("%w: rental %q", model.ErrNotFound, r.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: cannot move rental to %s while it is %s", model.ErrConflict, r.Status, cur.Status)
	}
	r.SlotHeld = cur.SlotHeld
	r.Quota = cur.Quota
	s.rentals[r.ID] = r
	return nil
}

func (s rentalStore) SetPaymentStatus(_ context.Context, id string, status model.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	if !ok {
		return fmt.Errorf("%w: rental %q", model.ErrNotFound, id)
	}
	r.PaymentStatus = status
	s.rentals[id] = r
	return nil
}

func (s rentalStore) RecordUsage(_ context.Context, id string, ev model.UsageEvent, apply func(*model.QuotaWindow)) (model.QuotaWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recordErrs) > 0 {
		err := s.recordErrs[0]
		s.recordErrs = s.recordErrs[1:]
		if err != nil {
			return model.QuotaWindow{}, err
		}
	}
	r, ok := s.rentals[id]
	if !ok {
		return model.QuotaWindow{}, fmt.Errorf("%w: rental %q", model.ErrNotFound, id)
	}
	apply(&r.Quota)
	s.rentals[id] = r
	s.usage[id] = append(s.usage[id], ev)
	if n := len(s.usage[id]); n > model.UsageHistoryLimit {
		s.usage[id] = s.usage[id][n-model.UsageHistoryLimit:]
	}
	return r.Quota, nil
}

func (s rentalStore) ListUsage(_ context.Context, id string, limit int) ([]model.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.usage[id]
	out := make([]model.UsageEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Cipher fake ---

// fakeCipher is reversible and never repeats a ciphertext.
type fakeCipher struct {
	mu         sync.Mutex
	n          int
	encryptErr error
}

func (c *fakeCipher) Encrypt(plaintext []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encryptErr != nil {
		return "", c.encryptErr
	}
	c.n++
	return fmt.Sprintf("%d:%s", c.n, base64.StdEncoding.EncodeToString(plaintext)), nil
}

func (c *fakeCipher) Decrypt(ciphertext string) ([]byte, error) {
	_, encoded, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return nil, errors.New("malformed ciphertext")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// --- Event sink fake ---

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ofType(t model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// --- Clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

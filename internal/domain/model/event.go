package model

import "time"

// EventType names an outbound domain event.
type EventType string

const (
	EventCredentialRotated    EventType = "credential.rotated"
	EventRotationDue          EventType = "rotation.due"
	EventQuotaAlert           EventType = "quota.alert"
	EventSlotExhausted        EventType = "slot.exhausted"
	EventRentalForceCompleted EventType = "rental.force_completed"
)

// Event is emitted by the engine for the notification collaborator.
// Delivery is at-least-once; consumers must tolerate duplicates.
type Event struct {
	Type         EventType         `json:"type"`
	CredentialID string            `json:"credential_id,omitempty"`
	RentalID     string            `json:"rental_id,omitempty"`
	InfluencerID string            `json:"influencer_id,omitempty"`
	AdvertiserID string            `json:"advertiser_id,omitempty"`
	At           time.Time         `json:"at"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Principal is an already-authenticated caller resolved by the auth
// collaborator.
type Principal struct {
	ID   string
	Role Role
}

// IsPrivileged reports whether the principal acts on behalf of the platform
// rather than an influencer or advertiser.
func (p Principal) IsPrivileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

// SystemPrincipal is used by background jobs.
var SystemPrincipal = Principal{ID: "system", Role: RoleSystem}

// PaymentEvent is delivered by the payment collaborator keyed by rental id.
type PaymentEvent struct {
	RentalID string
	Status   PaymentStatus
}

package model

// CredentialStatus represents the lifecycle state of a credential.
type CredentialStatus string

const (
	CredentialStatusActive    CredentialStatus = "active"
	CredentialStatusSuspended CredentialStatus = "suspended"
	CredentialStatusExpired   CredentialStatus = "expired"
	CredentialStatusRevoked   CredentialStatus = "revoked"
)

// RentalStatus represents the state of a rental in the leasing state machine.
type RentalStatus string

const (
	RentalStatusPending   RentalStatus = "pending"
	RentalStatusApproved  RentalStatus = "approved"
	RentalStatusRejected  RentalStatus = "rejected"
	RentalStatusActive    RentalStatus = "active"
	RentalStatusCompleted RentalStatus = "completed"
	RentalStatusCancelled RentalStatus = "cancelled" //nolint:misspell // matches the wire value used by the payment collaborator
)

// IsTerminal reports whether no further transition is possible from s.
func (s RentalStatus) IsTerminal() bool {
	switch s {
	case RentalStatusRejected, RentalStatusCompleted, RentalStatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is owned by the payment collaborator and only read here.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Role identifies what a principal is allowed to do.
type Role string

const (
	RoleInfluencer Role = "influencer"
	RoleAdvertiser Role = "advertiser"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system" // Background jobs and collaborator callbacks.
)

// Decision is the influencer's answer to a pending rental.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

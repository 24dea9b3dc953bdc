package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by cipher construction when
// KEYRENTAL_SECRET_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set KEYRENTAL_SECRET_KEY")

// CredentialStore defines the driven port for credential persistence.
// Records hold ciphertext only; encryption happens in the application layer
// through the Cipher port. Missing records are reported as model.ErrNotFound.
type CredentialStore interface {
	// Create stores a new credential. Returns model.ErrConflict if the
	// influencer already registered a credential for the same account.
	Create(ctx context.Context, cred model.Credential) error

	// Get returns the credential with the given id.
	Get(ctx context.Context, id string) (*model.Credential, error)

	// GetByAccount returns the credential registered for the influencer's account.
	GetByAccount(ctx context.Context, influencerID, accountID string) (*model.Credential, error)

	// ListByInfluencer returns every credential owned by the influencer.
	ListByInfluencer(ctx context.Context, influencerID string) ([]model.Credential, error)

	// ListRotationDue returns active credentials with rotation enabled whose
	// next rotation is at or before now.
	ListRotationDue(ctx context.Context, now time.Time) ([]model.Credential, error)

	// ListRotationBetween returns active credentials with rotation enabled whose
	// next rotation falls in the half-open interval (after, until].
	ListRotationBetween(ctx context.Context, after, until time.Time) ([]model.Credential, error)

	// UpdateSecret replaces the encrypted secret and bumps the version by one,
	// but only if the stored version still equals expectedVersion. A version
	// mismatch returns model.ErrConflict.
	UpdateSecret(ctx context.Context, id string, expectedVersion int, encrypted string, rotatedAt, nextRotation time.Time) error

	// UpdateRotationPolicy persists a new policy and its recomputed due date.
	UpdateRotationPolicy(ctx context.Context, id string, policy model.RotationPolicy, nextRotation time.Time) error

	// MarkRotationNotified records when a rotation-due reminder was emitted.
	MarkRotationNotified(ctx context.Context, id string, at time.Time) error

	// SetStatus changes the lifecycle status. Availability is recomputed:
	// only an active credential with a free slot is available.
	SetStatus(ctx context.Context, id string, status model.CredentialStatus) error

	// IncrementUsage adds one to the lifetime usage counter.
	IncrementUsage(ctx context.Context, id string) error
}

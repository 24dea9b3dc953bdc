package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// rotatedSecretBytes is the entropy of a secret minted by Rotate.
const rotatedSecretBytes = 32

// IssueRequest carries an influencer's account and the secret to protect.
// InfluencerID may be left empty when the caller is the influencer.
type IssueRequest struct {
	InfluencerID string
	AccountID    string
	Secret       []byte
	Options      model.IssueOptions
}

// LeaseCopy is an independent encryption of a credential's secret taken for
// one rental.
type LeaseCopy struct {
	Secret    string
	Version   int
	ExpiresAt time.Time
}

// RotateResult is returned by Rotate. Secret is the new plaintext and is
// handed out exactly once.
type RotateResult struct {
	Credential *model.Credential
	Secret     []byte
}

// CredentialService owns the credential lifecycle: issue, lease copies,
// rotation, revocation and decrypted reads. Secrets only cross the store
// boundary encrypted.
type CredentialService struct {
	creds  driven.CredentialStore
	cipher driven.Cipher
	events driven.EventSink
	now    func() time.Time
	locks  *keyedMutex
}

// NewCredentialService creates a new CredentialService. A nil now uses time.Now.
func NewCredentialService(
	creds driven.CredentialStore,
	cipher driven.Cipher,
	events driven.EventSink,
	now func() time.Time,
) *CredentialService {
	return &CredentialService{
		creds:  creds,
		cipher: cipher,
		events: events,
		now:    clock(now),
		locks:  newKeyedMutex(),
	}
}

// Issue encrypts the secret and stores a new active credential with the
// defaults for anything req.Options leaves unset.
func (s *CredentialService) Issue(ctx context.Context, p model.Principal, req IssueRequest) (*model.Credential, error) {
	influencerID := req.InfluencerID
	switch {
	case p.IsPrivileged():
		if influencerID == "" {
			return nil, fmt.Errorf("%w: influencer id is required", model.ErrValidation)
		}
	case p.Role == model.RoleInfluencer:
		if influencerID == "" {
			influencerID = p.ID
		}
		if influencerID != p.ID {
			return nil, fmt.Errorf("%w: influencers may only register their own accounts", model.ErrAuthorization)
		}
	default:
		return nil, fmt.Errorf("%w: role %q cannot register credentials", model.ErrAuthorization, p.Role)
	}

	if strings.TrimSpace(req.AccountID) == "" {
		return nil, fmt.Errorf("%w: account id is required", model.ErrValidation)
	}
	if len(req.Secret) == 0 {
		return nil, fmt.Errorf("%w: secret must not be empty", model.ErrValidation)
	}

	now := s.now().UTC()
	cred, err := applyIssueOptions(req.Options, now)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(req.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	cred.ID = uuid.NewString()
	cred.InfluencerID = influencerID
	cred.AccountID = req.AccountID
	cred.KeyID = uuid.NewString()
	cred.Version = 1
	cred.EncryptedSecret = encrypted
	cred.Status = model.CredentialStatusActive
	cred.Available = true
	cred.CreatedAt = now
	cred.LastRotatedAt = now
	cred.NextRotationAt = cred.Rotation.NextRotation(now)

	if err := s.creds.Create(ctx, cred); err != nil {
		return nil, err
	}

	slog.Info("credential issued", "credential_id", cred.ID, "influencer_id", cred.InfluencerID, "platform", cred.Platform)
	return &cred, nil
}

func applyIssueOptions(opts model.IssueOptions, now time.Time) (model.Credential, error) {
	cred := model.Credential{
		Platform:       opts.Platform,
		ConcurrencyCap: model.DefaultConcurrencyCap,
		Scopes:         opts.Scopes,
		Fees:           opts.Fees,
		Rotation:       model.DefaultRotationPolicy(),
		ExpiresAt:      now.AddDate(model.DefaultCredentialLifetimeYears, 0, 0),
	}

	if opts.ConcurrencyCap < 0 {
		return cred, fmt.Errorf("%w: concurrency cap must not be negative", model.ErrValidation)
	}
	if opts.ConcurrencyCap > 0 {
		cred.ConcurrencyCap = opts.ConcurrencyCap
	}
	if !opts.ExpiresAt.IsZero() {
		if !opts.ExpiresAt.After(now) {
			return cred, fmt.Errorf("%w: expiry must be in the future", model.ErrValidation)
		}
		cred.ExpiresAt = opts.ExpiresAt.UTC()
	}
	if opts.Fees.HourlyRate < 0 || opts.Fees.DailyRate < 0 || opts.Fees.WeeklyRate < 0 {
		return cred, fmt.Errorf("%w: fee rates must not be negative", model.ErrValidation)
	}
	if opts.Rotation != nil {
		if err := validatePolicy(*opts.Rotation); err != nil {
			return cred, err
		}
		cred.Rotation = *opts.Rotation
	}
	if cred.Scopes == nil {
		cred.Scopes = []string{}
	}
	return cred, nil
}

func validatePolicy(p model.RotationPolicy) error {
	if p.Enabled && p.IntervalDays <= 0 {
		return fmt.Errorf("%w: rotation interval must be positive when rotation is enabled", model.ErrValidation)
	}
	if p.IntervalDays < 0 || p.NotifyLeadDays < 0 {
		return fmt.Errorf("%w: rotation days must not be negative", model.ErrValidation)
	}
	return nil
}

// Get returns the credential for its owner or a privileged caller. The
// status reads as expired once an active credential passes its expiry.
func (s *CredentialService) Get(ctx context.Context, p model.Principal, id string) (*model.Credential, error) {
	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(p, cred, true); err != nil {
		return nil, err
	}
	cred.Status = cred.EffectiveStatus(s.now())
	return cred, nil
}

// IssueLease decrypts the live secret and re-encrypts it as an independent
// ciphertext for one rental. Later rotations do not affect the copy.
func (s *CredentialService) IssueLease(_ context.Context, cred model.Credential, scopes []string, expiresAt time.Time) (LeaseCopy, error) {
	now := s.now()
	if !cred.IsUsable(now) {
		return LeaseCopy{}, unusableError(cred, now)
	}
	if !cred.HasScopes(scopes) {
		return LeaseCopy{}, fmt.Errorf("%w: requested scopes exceed the credential's scopes", model.ErrValidation)
	}
	if !expiresAt.After(now) {
		return LeaseCopy{}, fmt.Errorf("%w: lease would already be expired", model.ErrExpired)
	}

	plaintext, err := s.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return LeaseCopy{}, fmt.Errorf("decrypt credential %q: %w", cred.ID, err)
	}
	copySecret, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return LeaseCopy{}, fmt.Errorf("encrypt lease copy: %w", err)
	}
	return LeaseCopy{Secret: copySecret, Version: cred.Version, ExpiresAt: expiresAt}, nil
}

// RotateNow rotates the credential on behalf of its owner or a privileged caller.
func (s *CredentialService) RotateNow(ctx context.Context, p model.Principal, id string) (*RotateResult, error) {
	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(p, cred, true); err != nil {
		return nil, err
	}
	return s.Rotate(ctx, id)
}

// Rotate replaces the secret with fresh random material, bumps the version
// and reschedules the next rotation from now. Rotations of the same
// credential are serialised in-process and guarded by a version check in
// the store. The rotated event is emitted after the lock is released.
func (s *CredentialService) Rotate(ctx context.Context, id string) (*RotateResult, error) {
	res, err := s.rotate(ctx, id)
	if err != nil {
		return nil, err
	}

	cred := res.Credential
	emit(ctx, s.events, model.Event{
		Type:         model.EventCredentialRotated,
		CredentialID: id,
		InfluencerID: cred.InfluencerID,
		At:           cred.LastRotatedAt,
		Attributes: map[string]string{
			"version":          strconv.Itoa(cred.Version),
			"next_rotation_at": formatEventTime(cred.NextRotationAt),
		},
	})
	return res, nil
}

func (s *CredentialService) rotate(ctx context.Context, id string) (*RotateResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !cred.IsUsable(now) {
		return nil, unusableError(*cred, now)
	}

	raw := make([]byte, rotatedSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := []byte(base64.RawURLEncoding.EncodeToString(raw))

	encrypted, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt rotated secret: %w", err)
	}

	next := cred.Rotation.NextRotation(now)
	if err := s.creds.UpdateSecret(ctx, id, cred.Version, encrypted, now, next); err != nil {
		return nil, err
	}

	cred.Version++
	cred.EncryptedSecret = encrypted
	cred.LastRotatedAt = now
	cred.NextRotationAt = next
	cred.RotationNotifiedAt = nil

	slog.Info("credential rotated", "credential_id", id, "version", cred.Version)
	return &RotateResult{Credential: cred, Secret: secret}, nil
}

// UpdateRotationPolicy stores a new policy. The next rotation is anchored to
// the last rotation, not to now.
func (s *CredentialService) UpdateRotationPolicy(ctx context.Context, p model.Principal, id string, policy model.RotationPolicy) (*model.Credential, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(p, cred, true); err != nil {
		return nil, err
	}

	next := policy.NextRotation(cred.LastRotatedAt)
	if err := s.creds.UpdateRotationPolicy(ctx, id, policy, next); err != nil {
		return nil, err
	}

	cred.Rotation = policy
	cred.NextRotationAt = next
	cred.RotationNotifiedAt = nil
	return cred, nil
}

// Revoke marks the credential revoked and unavailable. Ending the rentals
// against it is the ledger's job; see RentalLedger.RevokeCredential.
func (s *CredentialService) Revoke(ctx context.Context, p model.Principal, id string) (*model.Credential, error) {
	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(p, cred, true); err != nil {
		return nil, err
	}
	if cred.Status == model.CredentialStatusRevoked {
		return cred, nil
	}

	if err := s.creds.SetStatus(ctx, id, model.CredentialStatusRevoked); err != nil {
		return nil, err
	}
	cred.Status = model.CredentialStatusRevoked
	cred.Available = false

	slog.Info("credential revoked", "credential_id", id)
	return cred, nil
}

// FetchDecrypted returns the live plaintext to the owning influencer.
// Advertisers read their lease copy through RentalLedger.FetchLeaseSecret.
func (s *CredentialService) FetchDecrypted(ctx context.Context, p model.Principal, id string) ([]byte, error) {
	cred, err := s.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(p, cred, false); err != nil {
		return nil, err
	}
	now := s.now()
	if !cred.IsUsable(now) {
		return nil, unusableError(*cred, now)
	}

	plaintext, err := s.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %q: %w", id, err)
	}
	return plaintext, nil
}

func authorizeOwner(p model.Principal, cred *model.Credential, allowPrivileged bool) error {
	if allowPrivileged && p.IsPrivileged() {
		return nil
	}
	if p.Role == model.RoleInfluencer && p.ID == cred.InfluencerID {
		return nil
	}
	return fmt.Errorf("%w: %s %q does not own credential %q", model.ErrAuthorization, p.Role, p.ID, cred.ID)
}

// unusableError explains why a credential cannot be used at now.
func unusableError(cred model.Credential, now time.Time) error {
	switch cred.EffectiveStatus(now) {
	case model.CredentialStatusExpired:
		return fmt.Errorf("%w: credential %q expired at %s", model.ErrExpired, cred.ID, cred.ExpiresAt.Format(time.RFC3339))
	case model.CredentialStatusActive:
		return nil
	default:
		return fmt.Errorf("%w: credential %q is %s", model.ErrConflict, cred.ID, cred.Status)
	}
}

func formatEventTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

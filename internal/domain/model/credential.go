package model

import "time"

// Defaults applied when a credential is issued without explicit options.
const (
	DefaultCredentialLifetimeYears = 1
	DefaultRotationIntervalDays    = 90
	DefaultRotationNotifyLeadDays  = 7
	DefaultConcurrencyCap          = 1
)

// FeeSchedule holds the influencer's rates in minor currency units (cents).
type FeeSchedule struct {
	HourlyRate int64
	DailyRate  int64
	WeeklyRate int64
}

// RotationPolicy controls when a credential's secret material is replaced.
type RotationPolicy struct {
	Enabled        bool
	IntervalDays   int
	NotifyLeadDays int
	AutoRotate     bool
}

// DefaultRotationPolicy returns the policy applied to newly issued credentials.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Enabled:        true,
		IntervalDays:   DefaultRotationIntervalDays,
		NotifyLeadDays: DefaultRotationNotifyLeadDays,
		AutoRotate:     false,
	}
}

// NextRotation returns the next due date anchored at the given rotation time.
// A disabled policy or a non-positive interval yields the zero time.
func (p RotationPolicy) NextRotation(anchor time.Time) time.Time {
	if !p.Enabled || p.IntervalDays <= 0 {
		return time.Time{}
	}
	return anchor.AddDate(0, 0, p.IntervalDays)
}

// Credential is one rentable secret bound to one social account of an
// influencer. EncryptedSecret is KeyCipher output; plaintext never lives here.
type Credential struct {
	ID                 string
	InfluencerID       string
	AccountID          string
	Platform           string
	KeyID              string
	Version            int
	EncryptedSecret    string
	Status             CredentialStatus
	Available          bool
	ConcurrencyCap     int
	ActiveLeases       int
	Scopes             []string
	Fees               FeeSchedule
	Rotation           RotationPolicy
	NextRotationAt     time.Time
	RotationNotifiedAt *time.Time
	UsageCount         int64
	CreatedAt          time.Time
	LastRotatedAt      time.Time
	ExpiresAt          time.Time
}

// IsExpired reports whether the credential is past its expiry at now.
func (c Credential) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsUsable reports whether the credential may back new leases at now.
// An active credential past its expiry is treated as expired.
func (c Credential) IsUsable(now time.Time) bool {
	return c.Status == CredentialStatusActive && !c.IsExpired(now)
}

// EffectiveStatus reports the status callers should see at now: an active
// credential past its expiry reads as expired.
func (c Credential) EffectiveStatus(now time.Time) CredentialStatus {
	if c.Status == CredentialStatusActive && c.IsExpired(now) {
		return CredentialStatusExpired
	}
	return c.Status
}

// HasScopes reports whether every requested scope is granted by the credential.
func (c Credential) HasScopes(requested []string) bool {
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range requested {
		if !granted[s] {
			return false
		}
	}
	return true
}

// IssueOptions overrides the defaults applied by CredentialService.Issue.
// Zero values mean "use the default".
type IssueOptions struct {
	Platform       string
	ExpiresAt      time.Time
	ConcurrencyCap int
	Scopes         []string
	Fees           FeeSchedule
	Rotation       *RotationPolicy
}

package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// RotationScheduler periodically finds credentials whose rotation is due and
// either rotates them or reminds their owner.
type RotationScheduler struct {
	creds       driven.CredentialStore
	credentials *CredentialService
	events      driven.EventSink
	interval    time.Duration
	now         func() time.Time
}

// NewRotationScheduler creates a new RotationScheduler. A nil now uses time.Now.
func NewRotationScheduler(
	creds driven.CredentialStore,
	credentials *CredentialService,
	events driven.EventSink,
	interval time.Duration,
	now func() time.Time,
) *RotationScheduler {
	return &RotationScheduler{
		creds:       creds,
		credentials: credentials,
		events:      events,
		interval:    interval,
		now:         clock(now),
	}
}

// Start runs an immediate tick, then ticks on the configured interval. Start
// blocks until the context is canceled.
func (s *RotationScheduler) Start(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		slog.Error("initial rotation tick failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("rotation scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("rotation tick failed", "error", err)
			}
		}
	}
}

// Tick handles every active credential with rotation enabled whose next
// rotation is at or before now. Auto-rotating credentials are rotated; the
// rest get one rotation.due reminder per due period.
func (s *RotationScheduler) Tick(ctx context.Context) error {
	start := s.now()

	due, err := s.creds.ListRotationDue(ctx, start)
	if err != nil {
		return fmt.Errorf("list credentials due for rotation: %w", err)
	}

	var rotated, reminded, failures int
	for _, cred := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cred.Rotation.AutoRotate {
			if _, err := s.credentials.Rotate(ctx, cred.ID); err != nil {
				if errors.Is(err, model.ErrConflict) {
					// Someone else rotated it between the scan and the write.
					slog.Info("rotation skipped", "credential_id", cred.ID, "reason", err)
					continue
				}
				slog.Error("auto rotation failed", "credential_id", cred.ID, "error", err)
				failures++
				continue
			}
			rotated++
			continue
		}

		if cred.RotationNotifiedAt != nil {
			continue
		}
		emit(ctx, s.events, model.Event{
			Type:         model.EventRotationDue,
			CredentialID: cred.ID,
			InfluencerID: cred.InfluencerID,
			At:           start.UTC(),
			Attributes: map[string]string{
				"version": strconv.Itoa(cred.Version),
				"due_at":  formatEventTime(cred.NextRotationAt),
			},
		})
		if err := s.creds.MarkRotationNotified(ctx, cred.ID, start); err != nil {
			slog.Error("mark rotation notified failed", "credential_id", cred.ID, "error", err)
			failures++
			continue
		}
		reminded++
	}

	slog.Info("rotation tick complete",
		"due", len(due),
		"rotated", rotated,
		"reminded", reminded,
		"errors", failures,
		"duration", s.now().Sub(start).Round(time.Millisecond),
	)
	return nil
}

// DueWithin returns credentials whose next rotation falls after now and no
// later than now plus days. Credentials already due are left to Tick.
func (s *RotationScheduler) DueWithin(ctx context.Context, days int) ([]model.Credential, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", model.ErrValidation)
	}
	now := s.now()
	return s.creds.ListRotationBetween(ctx, now, now.AddDate(0, 0, days))
}

// ListDueForRotation is DueWithin scoped to the caller: influencers see their
// own credentials, privileged callers see all of them.
func (s *RotationScheduler) ListDueForRotation(ctx context.Context, p model.Principal, days int) ([]model.Credential, error) {
	if p.Role != model.RoleInfluencer && !p.IsPrivileged() {
		return nil, fmt.Errorf("%w: only influencers may list rotations", model.ErrAuthorization)
	}
	due, err := s.DueWithin(ctx, days)
	if err != nil {
		return nil, err
	}
	if p.IsPrivileged() {
		return due, nil
	}

	own := make([]model.Credential, 0, len(due))
	for _, c := range due {
		if c.InfluencerID == p.ID {
			own = append(own, c)
		}
	}
	return own, nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EventSink = (*RedisSink)(nil)

// publisher is the subset of *redis.Client the sink needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client     publisher
	channel    string
	maxElapsed time.Duration
}

// NewRedisSink parses redisURL and returns a sink publishing on channel,
// together with the client so the caller can close it.
func NewRedisSink(redisURL, channel string) (*RedisSink, *redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return newRedisSink(client, channel), client, nil
}

func newRedisSink(client publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel, maxElapsed: 5 * time.Second}
}

// Publish sends the event, retrying transient failures with exponential
// backoff bounded by the sink's max elapsed time and ctx.
func (s *RedisSink) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = s.maxElapsed

	op := func() error {
		return s.client.Publish(ctx, s.channel, payload).Err()
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("redis publish retry", "type", ev.Type, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, s.channel, err)
	}
	return nil
}

// Handle publishes ev and logs a failure. It has the ChannelSink subscriber
// signature so retries run on the consumer goroutine.
func (s *RedisSink) Handle(ctx context.Context, ev model.Event) {
	if err := s.Publish(ctx, ev); err != nil {
		slog.Error("redis event delivery failed",
			"type", ev.Type,
			"credential_id", ev.CredentialID,
			"rental_id", ev.RentalID,
			"error", err,
		)
	}
}

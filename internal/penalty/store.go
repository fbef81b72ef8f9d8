// Package penalty locks players out of matchmaking after repeated offer
// declines. Lockouts and decline counters live in Redis with TTL expiry:
//
//	Key:   lock:<player>      Value: <reason>   TTL: lockout duration
//	Key:   declines:<player>  Value: <count>    TTL: DeclineWindow
//
// The player key is whatever identity outlives a connection; the gateway
// uses the client IP.
package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LockPrefix is the Redis key prefix for lockout records.
	LockPrefix = "lock:"

	// DeclinesPrefix is the Redis key prefix for decline counters.
	DeclinesPrefix = "declines:"

	// Escalating lockout durations.
	Lock5Min  = 5 * time.Minute  // first lockout
	Lock15Min = 15 * time.Minute // second
	Lock1Hour = 1 * time.Hour    // third and later

	// DeclineWindow is how long the decline counter lives. The window is
	// fixed from the first decline and does not slide.
	DeclineWindow = 1 * time.Hour

	// DeclineThreshold is the number of declines within DeclineWindow that
	// triggers a lockout.
	DeclineThreshold = 3

	// ReasonDeclines is the lockout reason recorded by RecordDecline.
	ReasonDeclines = "repeated_declines"
)

// Lockout describes an active lockout.
type Lockout struct {
	Reason    string
	Remaining time.Duration
}

// Store manages lockouts in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a penalty store on an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the player's active lockout, or nil. Redis errors are
// returned so callers can decide how to handle them; the gateway fails open.
func (s *Store) Check(ctx context.Context, player string) (*Lockout, error) {
	key := LockPrefix + player

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("penalty: check %s: %w", player, err)
	}

	// The lockout exists even if its TTL can't be read.
	lock := &Lockout{Reason: reason}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		lock.Remaining = ttl
	}
	return lock, nil
}

// Lock sets a lockout that expires after d.
func (s *Store) Lock(ctx context.Context, player string, d time.Duration, reason string) error {
	if err := s.client.Set(ctx, LockPrefix+player, reason, d).Err(); err != nil {
		return fmt.Errorf("penalty: lock %s: %w", player, err)
	}
	return nil
}

// Clear lifts a lockout immediately. The decline counter is left alone.
func (s *Store) Clear(ctx context.Context, player string) error {
	return s.client.Del(ctx, LockPrefix+player).Err()
}

// Declines returns the player's decline count in the current window.
func (s *Store) Declines(ctx context.Context, player string) (int, error) {
	n, err := s.client.Get(ctx, DeclinesPrefix+player).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("penalty: declines %s: %w", player, err)
	}
	return n, nil
}

// lockDuration returns the lockout for the nth decline at or past the
// threshold.
func lockDuration(declines int) time.Duration {
	switch {
	case declines <= DeclineThreshold:
		return Lock5Min
	case declines == DeclineThreshold+1:
		return Lock15Min
	default:
		return Lock1Hour
	}
}

// RecordDecline counts one declined offer. Once the count reaches
// DeclineThreshold inside DeclineWindow every further decline locks the
// player out, each lockout longer than the last. It returns the applied
// lockout duration, or zero when no lockout was applied.
func (s *Store) RecordDecline(ctx context.Context, player string) (time.Duration, error) {
	key := DeclinesPrefix + player

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("penalty: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, DeclineWindow).Err(); err != nil {
			return 0, fmt.Errorf("penalty: expire %s: %w", key, err)
		}
	}
	if count < DeclineThreshold {
		return 0, nil
	}

	d := lockDuration(int(count))
	if err := s.Lock(ctx, player, d, ReasonDeclines); err != nil {
		return 0, err
	}
	return d, nil
}

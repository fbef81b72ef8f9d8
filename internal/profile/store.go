// Package profile supplies player level and display name to the matcher.
// Profiles are written to Redis by the profile service; the matcher reads
// them through a local Cache so the coordinator never waits on the network.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProfilePrefix is the Redis key prefix for profile hashes.
const ProfilePrefix = "profile:"

// ErrUnknownPlayer is returned when no profile exists for a session.
var ErrUnknownPlayer = errors.New("profile: unknown player")

// Snapshot is the part of a player's profile the matcher needs.
type Snapshot struct {
	Level       int    `redis:"level"`
	DisplayName string `redis:"display_name"`
}

// Store reads and writes profile hashes in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a profile store. Profiles written through Put expire
// after ttl; zero keeps them forever.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Get loads the profile for a session. Returns ErrUnknownPlayer if missing.
func (s *Store) Get(ctx context.Context, sessionID string) (Snapshot, error) {
	key := ProfilePrefix + sessionID
	res := s.client.HGetAll(ctx, key)
	if err := res.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("profile: get %s: %w", sessionID, err)
	}
	if len(res.Val()) == 0 {
		return Snapshot{}, ErrUnknownPlayer
	}

	var snap Snapshot
	if err := res.Scan(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("profile: decode %s: %w", sessionID, err)
	}
	return snap, nil
}

// Put writes a profile. The profile service owns these keys; Put exists for
// seeding and tests.
func (s *Store) Put(ctx context.Context, sessionID string, snap Snapshot) error {
	key := ProfilePrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "level", snap.Level, "display_name", snap.DisplayName)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: put %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a profile.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, ProfilePrefix+sessionID).Err()
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

// Create stores a new idle session with a fresh TTL.
func (s *Store) Create(ctx context.Context, sessionID, remoteAddr string) error {
	now := s.now().Unix()
	fields := map[string]any{
		"id":          sessionID,
		"status":      StatusIdle,
		"activity_id": "",
		"role":        "",
		"offer_id":    "",
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}
	if err := s.write(ctx, sessionID, fields); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. It returns nil without error when not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetQueued records that the session is waiting in an activity queue.
func (s *Store) SetQueued(ctx context.Context, sessionID, activityID, role string) error {
	return s.update(ctx, sessionID, map[string]any{
		"status":      StatusQueued,
		"activity_id": activityID,
		"role":        role,
		"offer_id":    "",
	})
}

// SetPending records that the session was offered a party.
func (s *Store) SetPending(ctx context.Context, sessionID, activityID, offerID string) error {
	return s.update(ctx, sessionID, map[string]any{
		"status":      StatusPendingAcceptance,
		"activity_id": activityID,
		"offer_id":    offerID,
	})
}

// SetActive records that the session's party was handed off.
func (s *Store) SetActive(ctx context.Context, sessionID, activityID, offerID string) error {
	return s.update(ctx, sessionID, map[string]any{
		"status":      StatusActive,
		"activity_id": activityID,
		"offer_id":    offerID,
	})
}

// SetIdle clears the session's matchmaking fields.
func (s *Store) SetIdle(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, map[string]any{
		"status":      StatusIdle,
		"activity_id": "",
		"role":        "",
		"offer_id":    "",
	})
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, SessionPrefix+sessionID, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

func (s *Store) update(ctx context.Context, sessionID string, fields map[string]any) error {
	fields["last_active"] = s.now().Unix()
	if err := s.write(ctx, sessionID, fields); err != nil {
		return fmt.Errorf("session: update %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, sessionID string, fields map[string]any) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

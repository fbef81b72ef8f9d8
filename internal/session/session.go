// Package session tracks the gateway's view of each connected player: which
// server holds the connection and where the player stands in matchmaking.
// State lives in Redis hashes so any gateway instance can inspect it.
package session

import "time"

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status values mirror the matcher's per-session state machine.
	StatusIdle              = "idle"
	StatusQueued            = "queued"
	StatusPendingAcceptance = "pending_acceptance"
	StatusActive            = "active"
)

// Session represents a player's connection state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // idle | queued | pending_acceptance | active
	ActivityID string `redis:"activity_id"` // empty when idle
	Role       string `redis:"role"`        // role of the current registration
	OfferID    string `redis:"offer_id"`    // pending or started offer
	Server     string `redis:"server"`      // which gateway instance
	RemoteAddr string `redis:"remote_addr"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// InMatchmaking reports whether the matcher may still hold the session in a
// queue or a pending offer.
func (s *Session) InMatchmaking() bool {
	return s.Status == StatusQueued || s.Status == StatusPendingAcceptance
}

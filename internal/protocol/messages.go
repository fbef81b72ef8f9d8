// Package protocol defines the JSON messages exchanged between players and the
// gateway over WebSocket. Every message is an object with a "type"
// discriminator; client messages are decoded through an Envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> Server message types.
const (
	TypeJoinQueue    = "join_queue"
	TypeLeaveQueue   = "leave_queue"
	TypeAcceptOffer  = "accept_offer"
	TypeDeclineOffer = "decline_offer"
	TypePing         = "ping"
)

// Server -> Client message types. The queue and offer types carry the same
// names as the matcher's notifications so the gateway can relay them as is.
const (
	TypeSessionCreated = "session_created"
	TypeQueueJoined    = "queue_joined"
	TypeQueueTimedOut  = "queue_timed_out"
	TypeOfferFound     = "offer_found"
	TypeMatchStarted   = "match_started"
	TypeOfferCancelled = "offer_cancelled"
	TypeRateLimited    = "rate_limited"
	TypeQueueLocked    = "queue_locked"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadMessage  = "bad_message"
	CodeUnavailable = "unavailable"
)

// ErrMissingField is returned when a client message lacks a required field.
var ErrMissingField = errors.New("protocol: missing required field")

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// JoinQueueMsg asks to wait for a party in an activity under a role.
type JoinQueueMsg struct {
	Type       string `json:"type"`
	ActivityID string `json:"activity_id"`
	Role       string `json:"role"`
}

// LeaveQueueMsg withdraws the session from its queue or pending offer.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// AcceptOfferMsg accepts a proposed party.
type AcceptOfferMsg struct {
	Type    string `json:"type"`
	OfferID string `json:"offer_id"`
}

// DeclineOfferMsg declines a proposed party, voiding it for every member.
type DeclineOfferMsg struct {
	Type    string `json:"type"`
	OfferID string `json:"offer_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// SessionCreatedMsg is sent when a connection is bound to a session.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// QueueJoinedMsg confirms a join with the estimated wait in seconds.
type QueueJoinedMsg struct {
	Type          string `json:"type"`
	ActivityID    string `json:"activity_id"`
	Role          string `json:"role"`
	EstimatedWait int    `json:"estimated_wait"`
}

// QueueTimedOutMsg tells the player the queue gave up on them.
type QueueTimedOutMsg struct {
	Type       string `json:"type"`
	ActivityID string `json:"activity_id"`
}

// OfferFoundMsg proposes a party. The player must answer within AcceptTimeout seconds.
type OfferFoundMsg struct {
	Type          string `json:"type"`
	OfferID       string `json:"offer_id"`
	ActivityID    string `json:"activity_id"`
	ActivityName  string `json:"activity_name"`
	Members       int    `json:"members"`
	Role          string `json:"role"`
	AcceptTimeout int    `json:"accept_timeout"`
}

// MatchStartedMsg confirms every member accepted and the party was handed off.
type MatchStartedMsg struct {
	Type         string `json:"type"`
	OfferID      string `json:"offer_id"`
	ActivityID   string `json:"activity_id"`
	ActivityName string `json:"activity_name"`
	Members      int    `json:"members"`
	Role         string `json:"role"`
}

// OfferCancelledMsg reports a voided offer. Requeued is true when the player
// was put back in the queue automatically.
type OfferCancelledMsg struct {
	Type     string `json:"type"`
	OfferID  string `json:"offer_id"`
	Reason   string `json:"reason"`
	Requeued bool   `json:"requeued"`
}

// RateLimitedMsg is sent when a request was dropped by the rate limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// QueueLockedMsg refuses a join while the player serves a decline lockout.
type QueueLockedMsg struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown or server-only types and missing required fields are errors.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && (m.ActivityID == "" || m.Role == "") {
			err = fmt.Errorf("%w: activity_id and role", ErrMissingField)
		}
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptOffer:
		var m AcceptOfferMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.OfferID == "" {
			err = fmt.Errorf("%w: offer_id", ErrMissingField)
		}
		msg = m
	case TypeDeclineOffer:
		var m DeclineOfferMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.OfferID == "" {
			err = fmt.Errorf("%w: offer_id", ErrMissingField)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

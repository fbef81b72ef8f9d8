package matching

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/messaging"
)

// Notification types sent to players.
const (
	NotifyQueueJoined    = "queue_joined"
	NotifyQueueTimedOut  = "queue_timed_out"
	NotifyOfferFound     = "offer_found"
	NotifyMatchStarted   = "match_started"
	NotifyOfferCancelled = "offer_cancelled"
)

// CancelReason says why an offer was voided.
type CancelReason string

const (
	ReasonDeclined CancelReason = "declined"
	ReasonTimedOut CancelReason = "timed_out"
	ReasonLeft     CancelReason = "left"
)

// Notification is one message addressed to one session. It is published as
// JSON on party.notify.<recipient>.
type Notification struct {
	Type          string       `json:"type"`
	Recipient     string       `json:"recipient"`
	ActivityID    string       `json:"activity_id,omitempty"`
	ActivityName  string       `json:"activity_name,omitempty"`
	OfferID       string       `json:"offer_id,omitempty"`
	Members       int          `json:"members,omitempty"`
	Role          Role         `json:"role,omitempty"`
	EstimatedWait int          `json:"estimated_wait,omitempty"` // seconds
	AcceptTimeout int          `json:"accept_timeout,omitempty"` // seconds
	Reason        CancelReason `json:"reason,omitempty"`
	Requeued      bool         `json:"requeued,omitempty"`
}

// Notifier delivers notifications to players.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// HandOff receives fully accepted groups. It is called exactly once per
// group, after the offer has been removed.
type HandOff interface {
	HandOffGroup(activityID string, members []string, roles map[string]Role) error
}

// HandOffFunc adapts a function to the HandOff interface.
type HandOffFunc func(activityID string, members []string, roles map[string]Role) error

// HandOffGroup calls f.
func (f HandOffFunc) HandOffGroup(activityID string, members []string, roles map[string]Role) error {
	return f(activityID, members, roles)
}

// Group is the hand-off payload published to activity.handoff.<activity_id>.
type Group struct {
	ActivityID string          `json:"activity_id"`
	Members    []string        `json:"members"`
	Roles      map[string]Role `json:"roles"`
}

// NATSNotifier publishes notifications on each recipient's notify subject.
type NATSNotifier struct {
	nats   *messaging.NATSClient
	logger zerolog.Logger
}

// NewNATSNotifier creates a notifier backed by the given client.
func NewNATSNotifier(nats *messaging.NATSClient) *NATSNotifier {
	return &NATSNotifier{nats: nats, logger: log.WithComponent("notifier")}
}

// Notify marshals n and publishes it. Failures are logged; a player who
// misses a notification still converges through later ones.
func (p *NATSNotifier) Notify(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error().Err(err).Str("type", n.Type).Msg("marshal notification")
		return
	}
	if err := p.nats.PublishPartyNotify(n.Recipient, data); err != nil {
		p.logger.Warn().Err(err).
			Str("type", n.Type).
			Str("session_id", n.Recipient).
			Msg("publish notification")
	}
}

// NATSHandOff publishes accepted groups to the activity runtime.
type NATSHandOff struct {
	nats *messaging.NATSClient
}

// NewNATSHandOff creates a hand-off backed by the given client.
func NewNATSHandOff(nats *messaging.NATSClient) *NATSHandOff {
	return &NATSHandOff{nats: nats}
}

// HandOffGroup publishes the group on activity.handoff.<activityID>.
func (h *NATSHandOff) HandOffGroup(activityID string, members []string, roles map[string]Role) error {
	data, err := json.Marshal(Group{ActivityID: activityID, Members: members, Roles: roles})
	if err != nil {
		return fmt.Errorf("matching: marshal group: %w", err)
	}
	if err := h.nats.PublishHandOff(activityID, data); err != nil {
		return fmt.Errorf("matching: publish hand-off for %s: %w", activityID, err)
	}
	return nil
}

// Package messaging wraps the NATS connection shared by the matcher and the
// gateway. It owns the subject layout for party requests, per-session
// notifications and activity hand-offs.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
)

// NATS subjects used between gateway and matcher.
const (
	SubjectPartyJoin    = "party.join"
	SubjectPartyLeave   = "party.leave"
	SubjectPartyAccept  = "party.accept"
	SubjectPartyDecline = "party.decline"
	SubjectPartyNotify  = "party.notify"     // + .<session_id>
	SubjectHandOff      = "activity.handoff" // + .<activity_id>

	// Request subscriptions join this queue group so a request is delivered
	// to one matcher process only.
	matcherQueueGroup = "party-matcher"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "party",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection and tracks subscriptions by key so
// they can be dropped individually or drained on Close.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := log.WithComponent("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// subscribe registers handler under key, replacing any previous
// subscription stored under the same key.
func (c *NATSClient) subscribe(key, subject, queue string, handler func(data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// unsubscribe drops the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("messaging: no subscription for %s", key)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

// SubscribePartyRequests subscribes the matcher to the four request subjects.
// handlers is keyed by subject (SubjectPartyJoin, ...).
func (c *NATSClient) SubscribePartyRequests(handlers map[string]func(data []byte)) error {
	for subject, handler := range handlers {
		if err := c.subscribe(subject, subject, matcherQueueGroup, handler); err != nil {
			return err
		}
	}
	return nil
}

// PublishPartyRequest publishes a gateway request to one of the request subjects.
func (c *NATSClient) PublishPartyRequest(subject string, data []byte) error {
	return c.Publish(subject, data)
}

// PublishPartyNotify publishes a notification to a single session.
func (c *NATSClient) PublishPartyNotify(sessionID string, data []byte) error {
	return c.Publish(SubjectPartyNotify+"."+sessionID, data)
}

// SubscribePartyNotify subscribes to a session's notification subject.
func (c *NATSClient) SubscribePartyNotify(sessionID string, handler func(data []byte)) error {
	subject := SubjectPartyNotify + "." + sessionID
	return c.subscribe(subject, subject, "", handler)
}

// UnsubscribePartyNotify drops a session's notification subscription.
func (c *NATSClient) UnsubscribePartyNotify(sessionID string) error {
	return c.unsubscribe(SubjectPartyNotify + "." + sessionID)
}

// PublishHandOff publishes a formed group to the activity runtime.
func (c *NATSClient) PublishHandOff(activityID string, data []byte) error {
	return c.Publish(SubjectHandOff+"."+activityID, data)
}

// Close drains every subscription and then the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subscription", key).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain failed")
	}
}

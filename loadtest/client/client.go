// Package client is a WebSocket load test client for the party gateway. It
// dials with gobwas/ws (the same library the server uses), records the
// session id from session_created, and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/party-app/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration // dial start to session_created
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated player connection. Incoming messages are
// dispatched to handlers registered with On.
type Client struct {
	conn    net.Conn
	started time.Time

	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	writeMu   sync.Mutex
	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		started:  start,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	if err != nil {
		c.metrics.Errors++
	}
	c.mu.Unlock()
	return err
}

// JoinQueue asks to queue for activityID under role.
func (c *Client) JoinQueue(activityID, role string) error {
	return c.Send(protocol.JoinQueueMsg{Type: protocol.TypeJoinQueue, ActivityID: activityID, Role: role})
}

// AcceptOffer accepts offerID.
func (c *Client) AcceptOffer(offerID string) error {
	return c.Send(protocol.AcceptOfferMsg{Type: protocol.TypeAcceptOffer, OfferID: offerID})
}

// DeclineOffer declines offerID.
func (c *Client) DeclineOffer(offerID string) error {
	return c.Send(protocol.DeclineOfferMsg{Type: protocol.TypeDeclineOffer, OfferID: offerID})
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read goroutine and should not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session_created arrives, the connection
// closes or ctx is done.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SessionID returns the id assigned by the gateway, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed locally.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == protocol.TypeSessionCreated && c.sessionID == "" {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.sessionID = msg.SessionID
				c.metrics.SessionLatency = time.Since(c.started)
				close(c.session)
			}
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

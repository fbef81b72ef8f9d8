// Package gateway binds player WebSocket connections to the matcher. It
// forwards join, leave, accept and decline requests over NATS, relays the
// matcher's notifications back to the right connection, and keeps each
// session's matchmaking status in Redis.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/matching"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/metrics"
	"github.com/whisper/party-app/internal/penalty"
	"github.com/whisper/party-app/internal/protocol"
	"github.com/whisper/party-app/internal/ratelimit"
	"github.com/whisper/party-app/internal/session"
	"github.com/whisper/party-app/internal/ws"
)

// storeTimeout bounds every Redis round trip made on behalf of a player.
const storeTimeout = 2 * time.Second

// Bus is the part of the NATS client the gateway needs.
type Bus interface {
	PublishPartyRequest(subject string, data []byte) error
	SubscribePartyNotify(sessionID string, handler func(data []byte)) error
	UnsubscribePartyNotify(sessionID string) error
}

// Sender writes a frame to the connection bound to a session.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// Gateway implements the ws hooks for player connections.
type Gateway struct {
	bus       Bus
	sender    Sender
	sessions  *session.Store
	limiter   *ratelimit.Limiter
	penalties *penalty.Store
	connect   ratelimit.Rule // zero Limit disables the per-IP check
	logger    zerolog.Logger
}

// New creates a gateway. SetSender must be called before connections arrive
// when the sender is the ws.Server built from Hooks.
func New(bus Bus, sessions *session.Store, limiter *ratelimit.Limiter, penalties *penalty.Store) *Gateway {
	return &Gateway{
		bus:       bus,
		sessions:  sessions,
		limiter:   limiter,
		penalties: penalties,
		connect:   ratelimit.RuleConnect,
		logger:    log.WithComponent("gateway"),
	}
}

// SetSender sets where relayed notifications are written.
func (g *Gateway) SetSender(s Sender) {
	g.sender = s
}

// SetConnectLimit overrides the per-IP connections allowed per minute.
// Zero or less disables the check.
func (g *Gateway) SetConnectLimit(n int) {
	g.connect.Limit = max(n, 0)
}

// Hooks returns the ws hooks wired to this gateway and a dispatcher holding
// the player request handlers.
func (g *Gateway) Hooks() ws.Hooks {
	d := ws.NewMessageDispatcher()
	d.Register(protocol.TypeJoinQueue, g.handleJoin)
	d.Register(protocol.TypeLeaveQueue, g.handleLeave)
	d.Register(protocol.TypeAcceptOffer, g.handleAccept)
	d.Register(protocol.TypeDeclineOffer, g.handleDecline)

	return ws.Hooks{
		Admit:     g.Admit,
		OnConnect: g.OnConnect,
		OnMessage: func(c *ws.Connection, data []byte) {
			g.keepAlive(c.ID)
			d.Dispatch(c, data)
		},
		OnDisconnect: g.OnDisconnect,
	}
}

// Admit applies the per-IP connection limit.
func (g *Gateway) Admit(r *http.Request) bool {
	if g.connect.Limit == 0 {
		return true
	}
	ip := clientIP(r.RemoteAddr)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	ok, err := g.limiter.Allow(ctx, ip, g.connect)
	if err != nil {
		g.logger.Warn().Err(err).Str("ip", ip).Msg("connect limit check failed")
	}
	if !ok {
		g.logger.Info().Str("ip", ip).Msg("connection rate limited")
	}
	return ok
}

// OnConnect creates the session, subscribes to its notifications and tells
// the client its session id.
func (g *Gateway) OnConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := g.sessions.Create(ctx, c.ID, c.RemoteAddr); err != nil {
		g.logger.Error().Err(err).Str("session_id", c.ID).Msg("create session")
	}
	if err := g.bus.SubscribePartyNotify(c.ID, func(data []byte) { g.relay(c.ID, data) }); err != nil {
		g.logger.Error().Err(err).Str("session_id", c.ID).Msg("subscribe notifications")
	}
	metrics.ConnectionsTotal.Inc()

	ws.Reply(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
}

// OnDisconnect withdraws a session that was still queued or holding an
// offer, then forgets it.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	logger := log.WithSession("gateway", c.ID)

	sess, err := g.sessions.Get(ctx, c.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("load session on disconnect")
	}
	// Without a readable session the matcher may still hold the player, so
	// leave anyway; a leave for an idle session is a no-op.
	if sess == nil || sess.InMatchmaking() {
		g.publish(c.ID, messaging.SubjectPartyLeave, matching.LeaveRequest{SessionID: c.ID})
		logger.Info().Msg("left matchmaking on disconnect")
	}

	if err := g.bus.UnsubscribePartyNotify(c.ID); err != nil {
		logger.Debug().Err(err).Msg("unsubscribe notifications")
	}
	if err := g.sessions.Delete(ctx, c.ID); err != nil {
		logger.Warn().Err(err).Msg("delete session")
	}
	metrics.ConnectionsTotal.Dec()
}

// keepAlive extends the session TTL on client activity, pings included.
func (g *Gateway) keepAlive(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.sessions.RefreshTTL(ctx, sessionID); err != nil {
		g.logger.Debug().Err(err).Str("session_id", sessionID).Msg("refresh session ttl")
	}
}

func (g *Gateway) handleJoin(c *ws.Connection, msg any) {
	m := msg.(protocol.JoinQueueMsg)
	if _, err := matching.ParseRole(m.Role); err != nil {
		g.reject(c, protocol.TypeJoinQueue, err)
		return
	}
	if !g.allow(c, protocol.TypeJoinQueue, ratelimit.RuleJoin) {
		return
	}
	if g.locked(c) {
		return
	}
	g.forward(c, protocol.TypeJoinQueue, messaging.SubjectPartyJoin, matching.JoinRequest{
		SessionID:  c.ID,
		ActivityID: m.ActivityID,
		Role:       m.Role,
	})
}

func (g *Gateway) handleLeave(c *ws.Connection, _ any) {
	if !g.forward(c, protocol.TypeLeaveQueue, messaging.SubjectPartyLeave, matching.LeaveRequest{SessionID: c.ID}) {
		return
	}
	// A plain queue leave produces no notification, so the status is reset
	// here. An offer the player held is cancelled with a notification that
	// also lands on idle.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.sessions.SetIdle(ctx, c.ID); err != nil {
		g.logger.Warn().Err(err).Str("session_id", c.ID).Msg("reset session on leave")
	}
}

func (g *Gateway) handleAccept(c *ws.Connection, msg any) {
	m := msg.(protocol.AcceptOfferMsg)
	if !g.allow(c, protocol.TypeAcceptOffer, ratelimit.RuleRespond) {
		return
	}
	g.forward(c, protocol.TypeAcceptOffer, messaging.SubjectPartyAccept, matching.OfferResponse{
		SessionID: c.ID,
		OfferID:   m.OfferID,
	})
}

func (g *Gateway) handleDecline(c *ws.Connection, msg any) {
	m := msg.(protocol.DeclineOfferMsg)
	if !g.allow(c, protocol.TypeDeclineOffer, ratelimit.RuleRespond) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	// Only a decline of the offer the session actually holds counts
	// toward a lockout.
	sess, _ := g.sessions.Get(ctx, c.ID)
	counts := sess != nil && sess.Status == session.StatusPendingAcceptance && sess.OfferID == m.OfferID

	if !g.forward(c, protocol.TypeDeclineOffer, messaging.SubjectPartyDecline, matching.OfferResponse{
		SessionID: c.ID,
		OfferID:   m.OfferID,
	}) || !counts {
		return
	}
	ip := clientIP(c.RemoteAddr)
	d, err := g.penalties.RecordDecline(ctx, ip)
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", c.ID).Msg("record decline")
		return
	}
	if d > 0 {
		g.logger.Info().Str("session_id", c.ID).Str("ip", ip).Dur("lockout", d).Msg("matchmaking lockout applied")
	}
}

// locked answers queue_locked when the player serves a decline lockout.
// Lookup failures let the join through.
func (g *Gateway) locked(c *ws.Connection) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	lock, err := g.penalties.Check(ctx, clientIP(c.RemoteAddr))
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", c.ID).Msg("lockout check failed")
		return false
	}
	if lock == nil {
		return false
	}
	metrics.RequestsTotal.WithLabelValues(protocol.TypeJoinQueue, "locked").Inc()
	ws.Reply(c, protocol.TypeQueueLocked, protocol.QueueLockedMsg{
		Reason:     lock.Reason,
		RetryAfter: ceilSeconds(lock.Remaining),
	})
	return true
}

// allow checks rule for the session and answers rate_limited when exceeded.
func (g *Gateway) allow(c *ws.Connection, msgType string, rule ratelimit.Rule) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ok, err := g.limiter.Allow(ctx, c.ID, rule)
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", c.ID).Msg("rate limit check failed")
	}
	if ok {
		return true
	}
	metrics.RequestsTotal.WithLabelValues(msgType, "rate_limited").Inc()
	retry := g.limiter.RetryAfter(ctx, c.ID, rule)
	ws.Reply(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: ceilSeconds(retry),
	})
	return false
}

func (g *Gateway) reject(c *ws.Connection, msgType string, err error) {
	metrics.RequestsTotal.WithLabelValues(msgType, "invalid").Inc()
	ws.Reply(c, protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeBadMessage,
		Message: err.Error(),
	})
}

// forward publishes a request to the matcher and reports whether it was sent.
func (g *Gateway) forward(c *ws.Connection, msgType, subject string, req any) bool {
	if !g.publish(c.ID, subject, req) {
		ws.Reply(c, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeUnavailable,
			Message: "matchmaking unavailable, try again",
		})
		metrics.RequestsTotal.WithLabelValues(msgType, "failed").Inc()
		return false
	}
	metrics.RequestsTotal.WithLabelValues(msgType, "forwarded").Inc()
	return true
}

func (g *Gateway) publish(sessionID, subject string, req any) bool {
	data, err := json.Marshal(req)
	if err == nil {
		err = g.bus.PublishPartyRequest(subject, data)
	}
	if err != nil {
		g.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("subject", subject).
			Msg("publish request")
		return false
	}
	return true
}

// relay records the notification in the session and writes it to the client.
func (g *Gateway) relay(sessionID string, data []byte) {
	logger := log.WithSession("gateway", sessionID)

	var n matching.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		logger.Warn().Err(err).Msg("bad notification")
		return
	}
	g.track(sessionID, n)

	msgType, payload, ok := clientMessage(n)
	if !ok {
		logger.Warn().Str("type", n.Type).Msg("unknown notification type")
		return
	}
	out, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("build client message")
		return
	}
	if err := g.sender.SendMessage(sessionID, out); err != nil && !errors.Is(err, ws.ErrUnknownConnection) {
		logger.Debug().Err(err).Str("type", msgType).Msg("deliver notification")
	}
}

// track mirrors the matcher's view of the session into the session store.
func (g *Gateway) track(sessionID string, n matching.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch n.Type {
	case matching.NotifyQueueJoined:
		err = g.sessions.SetQueued(ctx, sessionID, n.ActivityID, n.Role.String())
	case matching.NotifyOfferFound:
		err = g.sessions.SetPending(ctx, sessionID, n.ActivityID, n.OfferID)
	case matching.NotifyMatchStarted:
		err = g.sessions.SetActive(ctx, sessionID, n.ActivityID, n.OfferID)
	case matching.NotifyQueueTimedOut:
		err = g.sessions.SetIdle(ctx, sessionID)
	case matching.NotifyOfferCancelled:
		if !n.Requeued {
			err = g.sessions.SetIdle(ctx, sessionID)
			break
		}
		role := ""
		if sess, gerr := g.sessions.Get(ctx, sessionID); gerr == nil && sess != nil {
			role = sess.Role
		}
		err = g.sessions.SetQueued(ctx, sessionID, n.ActivityID, role)
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", sessionID).Str("type", n.Type).Msg("track session")
	}
}

// clientMessage converts a matcher notification to its client message.
func clientMessage(n matching.Notification) (string, any, bool) {
	switch n.Type {
	case matching.NotifyQueueJoined:
		return protocol.TypeQueueJoined, protocol.QueueJoinedMsg{
			ActivityID:    n.ActivityID,
			Role:          n.Role.String(),
			EstimatedWait: n.EstimatedWait,
		}, true
	case matching.NotifyQueueTimedOut:
		return protocol.TypeQueueTimedOut, protocol.QueueTimedOutMsg{ActivityID: n.ActivityID}, true
	case matching.NotifyOfferFound:
		return protocol.TypeOfferFound, protocol.OfferFoundMsg{
			OfferID:       n.OfferID,
			ActivityID:    n.ActivityID,
			ActivityName:  n.ActivityName,
			Members:       n.Members,
			Role:          n.Role.String(),
			AcceptTimeout: n.AcceptTimeout,
		}, true
	case matching.NotifyMatchStarted:
		return protocol.TypeMatchStarted, protocol.MatchStartedMsg{
			OfferID:      n.OfferID,
			ActivityID:   n.ActivityID,
			ActivityName: n.ActivityName,
			Members:      n.Members,
			Role:         n.Role.String(),
		}, true
	case matching.NotifyOfferCancelled:
		return protocol.TypeOfferCancelled, protocol.OfferCancelledMsg{
			OfferID:  n.OfferID,
			Reason:   string(n.Reason),
			Requeued: n.Requeued,
		}, true
	}
	return "", nil, false
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/party-app/internal/matching"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/penalty"
	"github.com/whisper/party-app/internal/protocol"
	"github.com/whisper/party-app/internal/ratelimit"
	"github.com/whisper/party-app/internal/session"
	"github.com/whisper/party-app/internal/ws"
)

type published struct {
	subject string
	data    []byte
}

type fakeBus struct {
	mu   sync.Mutex
	pubs []published
	subs map[string]func([]byte)
	err  error
}

func (b *fakeBus) PublishPartyRequest(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.pubs = append(b.pubs, published{subject, data})
	return nil
}

func (b *fakeBus) SubscribePartyNotify(sessionID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sessionID] = handler
	return nil
}

func (b *fakeBus) UnsubscribePartyNotify(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sessionID)
	return nil
}

func (b *fakeBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.pubs...)
}

func (b *fakeBus) notify(t *testing.T, sessionID string, n matching.Notification) {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	b.mu.Lock()
	h := b.subs[sessionID]
	b.mu.Unlock()
	require.NotNil(t, h, "no subscription for %s", sessionID)
	h(data)
}

// client is the player end of a piped connection. Frames written by the
// gateway are decoded onto replies.
type client struct {
	conn    *ws.Connection
	replies chan map[string]any
}

func (c *client) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-c.replies:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from gateway")
		return nil
	}
}

type fixture struct {
	gw        *Gateway
	bus       *fakeBus
	sessions  *session.Store
	penalties *penalty.Store
	mr        *miniredis.Miniredis
	clients   map[string]*client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		bus:       &fakeBus{subs: make(map[string]func([]byte))},
		sessions:  session.NewStore(rdb, "gw-test"),
		penalties: penalty.NewStore(rdb),
		mr:        mr,
		clients:   make(map[string]*client),
	}
	f.gw = New(f.bus, f.sessions, ratelimit.NewLimiter(rdb), f.penalties)
	f.gw.SetSender(senderFunc(func(sessionID string, data []byte) error {
		c, ok := f.clients[sessionID]
		if !ok {
			return ws.ErrUnknownConnection
		}
		return c.conn.WriteMessage(data)
	}))
	return f
}

type senderFunc func(sessionID string, data []byte) error

func (f senderFunc) SendMessage(sessionID string, data []byte) error { return f(sessionID, data) }

// connect opens a piped connection and runs OnConnect, consuming session_created.
func (f *fixture) connect(t *testing.T, id string) *client {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})

	c := &client{
		conn:    &ws.Connection{ID: id, Conn: server, RemoteAddr: "10.0.0.7:5123"},
		replies: make(chan map[string]any, 16),
	}
	go func() {
		for {
			data, err := wsutil.ReadServerText(peer)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				c.replies <- m
			}
		}
	}()
	f.clients[id] = c

	f.gw.OnConnect(c.conn)
	created := c.next(t)
	require.Equal(t, protocol.TypeSessionCreated, created["type"])
	require.Equal(t, id, created["session_id"])
	return c
}

func (f *fixture) dispatch(c *client, raw string) {
	f.gw.Hooks().OnMessage(c.conn, []byte(raw))
}

func (f *fixture) status(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestOnConnect_CreatesSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "s1")

	sess := f.status(t, "s1")
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusIdle, sess.Status)
	assert.Equal(t, "10.0.0.7:5123", sess.RemoteAddr)
	assert.Contains(t, f.bus.subs, "s1")
}

func TestOnMessage_RefreshesSessionTTL(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")
	f.mr.FastForward(50 * time.Minute)

	f.dispatch(c, `{"type":"ping"}`)

	assert.Equal(t, protocol.TypePong, c.next(t)["type"])
	assert.Equal(t, session.SessionTTL, f.mr.TTL(session.SessionPrefix+"s1"))
}

func TestJoin_ForwardsRequest(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	f.dispatch(c, `{"type":"join_queue","activity_id":"trial-a","role":"healer"}`)

	pubs := f.bus.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, messaging.SubjectPartyJoin, pubs[0].subject)
	var req matching.JoinRequest
	require.NoError(t, json.Unmarshal(pubs[0].data, &req))
	assert.Equal(t, matching.JoinRequest{SessionID: "s1", ActivityID: "trial-a", Role: "healer"}, req)
}

func TestJoin_InvalidRole(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	f.dispatch(c, `{"type":"join_queue","activity_id":"trial-a","role":"bard"}`)

	reply := c.next(t)
	assert.Equal(t, protocol.TypeError, reply["type"])
	assert.Equal(t, protocol.CodeBadMessage, reply["code"])
	assert.Empty(t, f.bus.published())
}

func TestJoin_RateLimited(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	for i := 0; i < ratelimit.RuleJoin.Limit; i++ {
		f.dispatch(c, `{"type":"join_queue","activity_id":"trial-a","role":"tank"}`)
	}
	f.dispatch(c, `{"type":"join_queue","activity_id":"trial-a","role":"tank"}`)

	reply := c.next(t)
	assert.Equal(t, protocol.TypeRateLimited, reply["type"])
	assert.Equal(t, float64(60), reply["retry_after"])
	assert.Len(t, f.bus.published(), ratelimit.RuleJoin.Limit)
}

func TestOfferResponses_Forwarded(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	f.dispatch(c, `{"type":"accept_offer","offer_id":"o-1"}`)
	f.dispatch(c, `{"type":"decline_offer","offer_id":"o-1"}`)

	pubs := f.bus.published()
	require.Len(t, pubs, 2)
	assert.Equal(t, messaging.SubjectPartyAccept, pubs[0].subject)
	assert.Equal(t, messaging.SubjectPartyDecline, pubs[1].subject)
	assert.JSONEq(t, `{"session_id":"s1","offer_id":"o-1"}`, string(pubs[1].data))
}

func TestDecline_LocksOutRepeatDecliner(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")
	ctx := context.Background()

	for i := 0; i < penalty.DeclineThreshold; i++ {
		offerID := fmt.Sprintf("o-%d", i)
		require.NoError(t, f.sessions.SetPending(ctx, "s1", "trial-a", offerID))
		f.dispatch(c, `{"type":"decline_offer","offer_id":"`+offerID+`"}`)
	}
	f.dispatch(c, `{"type":"join_queue","activity_id":"trial-a","role":"tank"}`)

	reply := c.next(t)
	assert.Equal(t, protocol.TypeQueueLocked, reply["type"])
	assert.Equal(t, penalty.ReasonDeclines, reply["reason"])
	assert.Equal(t, float64(300), reply["retry_after"])
	assert.Len(t, f.bus.published(), penalty.DeclineThreshold)
}

func TestDecline_StaleOfferNotCounted(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")
	ctx := context.Background()
	require.NoError(t, f.sessions.SetPending(ctx, "s1", "trial-a", "o-live"))

	for i := 0; i < penalty.DeclineThreshold; i++ {
		f.dispatch(c, `{"type":"decline_offer","offer_id":"o-old"}`)
	}

	n, err := f.penalties.Declines(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.bus.published(), penalty.DeclineThreshold)
}

func TestForward_BusFailure(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")
	f.bus.err = errors.New("nats down")

	f.dispatch(c, `{"type":"leave_queue"}`)

	reply := c.next(t)
	assert.Equal(t, protocol.TypeError, reply["type"])
	assert.Equal(t, protocol.CodeUnavailable, reply["code"])
}

func TestRelay_TracksLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	f.bus.notify(t, "s1", matching.Notification{
		Type: matching.NotifyQueueJoined, Recipient: "s1", ActivityID: "trial-a",
		Role: matching.RoleHealer, EstimatedWait: 60,
	})
	reply := c.next(t)
	assert.Equal(t, protocol.TypeQueueJoined, reply["type"])
	assert.Equal(t, "healer", reply["role"])
	assert.Equal(t, float64(60), reply["estimated_wait"])
	assert.Equal(t, session.StatusQueued, f.status(t, "s1").Status)

	f.bus.notify(t, "s1", matching.Notification{
		Type: matching.NotifyOfferFound, Recipient: "s1", ActivityID: "trial-a",
		ActivityName: "Trial-A", OfferID: "o-1", Members: 4, Role: matching.RoleHealer, AcceptTimeout: 30,
	})
	reply = c.next(t)
	assert.Equal(t, protocol.TypeOfferFound, reply["type"])
	assert.Equal(t, "Trial-A", reply["activity_name"])
	sess := f.status(t, "s1")
	assert.Equal(t, session.StatusPendingAcceptance, sess.Status)
	assert.Equal(t, "o-1", sess.OfferID)

	f.bus.notify(t, "s1", matching.Notification{
		Type: matching.NotifyOfferCancelled, Recipient: "s1", ActivityID: "trial-a",
		OfferID: "o-1", Reason: matching.ReasonTimedOut, Requeued: true,
	})
	reply = c.next(t)
	assert.Equal(t, protocol.TypeOfferCancelled, reply["type"])
	assert.Equal(t, true, reply["requeued"])
	sess = f.status(t, "s1")
	assert.Equal(t, session.StatusQueued, sess.Status)
	assert.Equal(t, "healer", sess.Role)

	f.bus.notify(t, "s1", matching.Notification{
		Type: matching.NotifyMatchStarted, Recipient: "s1", ActivityID: "trial-a",
		OfferID: "o-2", Members: 4, Role: matching.RoleHealer,
	})
	reply = c.next(t)
	assert.Equal(t, protocol.TypeMatchStarted, reply["type"])
	assert.Equal(t, session.StatusActive, f.status(t, "s1").Status)
}

func TestOnDisconnect_LeavesWhenQueued(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")
	require.NoError(t, f.sessions.SetQueued(context.Background(), "s1", "trial-a", "tank"))

	f.gw.OnDisconnect(c.conn)

	pubs := f.bus.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, messaging.SubjectPartyLeave, pubs[0].subject)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(pubs[0].data))
	assert.NotContains(t, f.bus.subs, "s1")
	assert.Nil(t, f.status(t, "s1"))
}

func TestOnDisconnect_IdleSendsNothing(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "s1")

	f.gw.OnDisconnect(c.conn)

	assert.Empty(t, f.bus.published())
	assert.Nil(t, f.status(t, "s1"))
}

func TestAdmit_PerIPLimit(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.0.2.10:40000"
	for i := 0; i < ratelimit.RuleConnect.Limit; i++ {
		require.True(t, f.gw.Admit(req), "connection %d", i+1)
	}
	assert.False(t, f.gw.Admit(req))

	other := httptest.NewRequest("GET", "/ws", nil)
	other.RemoteAddr = "192.0.2.11:40000"
	assert.True(t, f.gw.Admit(other))
}

func TestAdmit_Disabled(t *testing.T) {
	f := newFixture(t)
	f.gw.SetConnectLimit(0)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.0.2.10:40000"
	for i := 0; i < 2*ratelimit.RuleConnect.Limit; i++ {
		require.True(t, f.gw.Admit(req))
	}
	assert.Empty(t, f.mr.Keys())
}

func TestClientMessage_Unknown(t *testing.T) {
	_, _, ok := clientMessage(matching.Notification{Type: "mystery"})
	assert.False(t, ok)
}

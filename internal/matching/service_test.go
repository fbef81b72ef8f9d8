package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/profile"
)

type stubWarmer struct {
	cache     *profile.Cache
	known     map[string]profile.Snapshot
	calls     int
	forgotten []string
}

func (w *stubWarmer) Warm(_ context.Context, sessionID string) (profile.Snapshot, error) {
	w.calls++
	snap, ok := w.known[sessionID]
	if !ok {
		return profile.Snapshot{}, errors.New("not found")
	}
	w.cache.Set(sessionID, snap)
	return snap, nil
}

func (w *stubWarmer) Forget(sessionID string) {
	w.forgotten = append(w.forgotten, sessionID)
	w.cache.Forget(sessionID)
}

func newTestService(t *testing.T) (*Service, *harness, *stubWarmer) {
	t.Helper()
	h := newHarness(t)
	w := &stubWarmer{
		cache: h.cache,
		known: map[string]profile.Snapshot{
			"p1": {Level: 10, DisplayName: "Aria"},
			"p2": {Level: 10, DisplayName: "Bram"},
			"p3": {Level: 11, DisplayName: "Cleo"},
			"p4": {Level: 9, DisplayName: "Dax"},
		},
	}
	return NewService(h.coord, nil, w), h, w
}

func TestService_HandlersCoverRequestSubjects(t *testing.T) {
	s, _, _ := newTestService(t)
	handlers := s.handlers()

	for _, subject := range []string{
		messaging.SubjectPartyJoin,
		messaging.SubjectPartyLeave,
		messaging.SubjectPartyAccept,
		messaging.SubjectPartyDecline,
	} {
		assert.Contains(t, handlers, subject)
	}
}

func TestService_JoinWarmsProfile(t *testing.T) {
	s, h, w := newTestService(t)

	s.handleJoin([]byte(`{"session_id":"p1","activity_id":"trial-a","role":"tank"}`))

	assert.Equal(t, 1, w.calls)
	c, ok := h.coord.Queued("p1")
	require.True(t, ok)
	assert.Equal(t, "Aria", c.DisplayName)
	assert.Equal(t, RoleTank, c.Role)
}

func TestService_MalformedRequestsAreNoOps(t *testing.T) {
	s, h, w := newTestService(t)

	s.handleJoin([]byte(`not json`))
	s.handleJoin([]byte(`{"activity_id":"trial-a","role":"tank"}`))
	s.handleJoin([]byte(`{"session_id":"p1","activity_id":"trial-a","role":"bard"}`))
	s.handleJoin([]byte(`{"session_id":"ghost","activity_id":"trial-a","role":"tank"}`))
	s.handleJoin([]byte(`{"session_id":"p1","activity_id":"raid-z","role":"tank"}`))
	s.handleLeave([]byte(`{}`))
	s.handleAccept([]byte(`{"session_id":"p1"}`))
	s.handleDecline([]byte(`[]`))

	assert.Equal(t, 2, w.calls, "only well-formed joins reach the profile store")
	assert.Equal(t, Stats{}, h.coord.Stats())
	assert.Empty(t, h.rec.notes)
}

func TestService_FullFlow(t *testing.T) {
	s, h, _ := newTestService(t)

	joins := []string{
		`{"session_id":"p1","activity_id":"trial-a","role":"tank"}`,
		`{"session_id":"p2","activity_id":"trial-a","role":"dps"}`,
		`{"session_id":"p3","activity_id":"trial-a","role":"dps"}`,
		`{"session_id":"p4","activity_id":"trial-a","role":"healer"}`,
	}
	for i, j := range joins {
		h.clock.Set(i)
		s.handleJoin([]byte(j))
	}
	h.coord.Sweep(at(5))

	offer, ok := h.coord.PendingOffer("p1")
	require.True(t, ok)

	s.handleAccept([]byte(`{"session_id":"p1","offer_id":"` + offer.ID + `"}`))
	s.handleDecline([]byte(`{"session_id":"p2","offer_id":"` + offer.ID + `"}`))
	assert.Equal(t, []string{"p1"}, sessionIDs(h.coord.QueueSnapshot("trial-a")))

	s.handleLeave([]byte(`{"session_id":"p1"}`))
	assert.Equal(t, Stats{}, h.coord.Stats())
}

func TestService_LeaveForgetsProfile(t *testing.T) {
	s, h, w := newTestService(t)

	s.handleJoin([]byte(`{"session_id":"p1","activity_id":"trial-a","role":"tank"}`))
	require.Equal(t, 1, h.cache.Len())

	s.handleLeave([]byte(`{"session_id":"p1"}`))
	assert.Equal(t, []string{"p1"}, w.forgotten)
	assert.Zero(t, h.cache.Len())
	assert.Equal(t, StateIdle, h.coord.State("p1"))
}

// Package matching implements the party matchmaking coordinator: per-activity
// wait queues, the periodic sweep that forms four-player parties, and the
// accept/decline gate that releases parties to the activity runtime.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/metrics"
	"github.com/whisper/party-app/internal/profile"
)

var (
	// ErrUnknownActivity is returned for joins naming an activity outside the catalog.
	ErrUnknownActivity = errors.New("matching: unknown activity")

	// ErrUnknownPlayer is returned for joins from sessions without a cached profile.
	ErrUnknownPlayer = errors.New("matching: no profile snapshot for session")
)

// ProfileSource returns the cached profile snapshot for a session. It must
// not block.
type ProfileSource interface {
	GetPlayerSnapshot(sessionID string) (profile.Snapshot, bool)
}

// Options configures a Coordinator. Zero fields fall back to defaults.
type Options struct {
	Tuning Tuning

	// Activities maps activity id to display name. When empty any activity
	// id is accepted and the id doubles as the name.
	Activities map[string]string

	// Clock overrides time.Now for request handling and the sweep loop.
	Clock func() time.Time
}

// SessionState is the coordinator's view of a session.
type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateQueued            SessionState = "queued"
	StatePendingAcceptance SessionState = "pending_acceptance"
)

// Coordinator owns the queue and offer stores and is their only writer.
// Every request and every sweep runs under one mutex; notifications and
// hand-offs produced meanwhile are delivered after it is released, in the
// order the state changes happened.
type Coordinator struct {
	mu      sync.Mutex
	queues  *QueueStore
	offers  *OfferStore
	waitEMA map[string]time.Duration // activity id -> smoothed anchor wait
	gauged  map[string]struct{}      // activities with a queue size gauge

	// backlog holds outboxes in mutation order. Appends happen under mu;
	// one goroutine at a time drains it without holding either lock.
	outMu    sync.Mutex
	backlog  []outbox
	draining bool

	profiles   ProfileSource
	notifier   Notifier
	handoff    HandOff
	tuning     Tuning
	activities map[string]string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewCoordinator creates a coordinator with empty stores.
func NewCoordinator(profiles ProfileSource, notifier Notifier, handoff HandOff, opts Options) *Coordinator {
	tuning := opts.Tuning
	if tuning == (Tuning{}) {
		tuning = DefaultTuning()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		queues:     NewQueueStore(),
		offers:     NewOfferStore(),
		waitEMA:    make(map[string]time.Duration),
		gauged:     make(map[string]struct{}),
		profiles:   profiles,
		notifier:   notifier,
		handoff:    handoff,
		tuning:     tuning,
		activities: opts.Activities,
		now:        clock,
		logger:     log.WithComponent("matcher"),
	}
}

// outbox collects side effects produced under the lock.
type outbox struct {
	groups []Group
	notes  []Notification
}

func (o *outbox) notify(n Notification) {
	o.notes = append(o.notes, n)
}

func (o *outbox) empty() bool {
	return len(o.groups) == 0 && len(o.notes) == 0
}

// post queues out for delivery. It must be called with mu held so batches
// keep the order of the mutations that produced them.
func (c *Coordinator) post(out outbox) {
	if out.empty() {
		return
	}
	c.outMu.Lock()
	c.backlog = append(c.backlog, out)
	c.outMu.Unlock()
}

// flush delivers queued batches. If another goroutine is already draining,
// it returns at once and that goroutine delivers the batch as well.
func (c *Coordinator) flush() {
	c.outMu.Lock()
	if c.draining {
		c.outMu.Unlock()
		return
	}
	c.draining = true
	for len(c.backlog) > 0 {
		next := c.backlog[0]
		c.backlog[0] = outbox{}
		c.backlog = c.backlog[1:]
		c.outMu.Unlock()
		c.deliver(next)
		c.outMu.Lock()
	}
	c.backlog = nil
	c.draining = false
	c.outMu.Unlock()
}

// deliver hands off groups first, then sends notifications in the order
// they were produced.
func (c *Coordinator) deliver(out outbox) {
	for _, g := range out.groups {
		if err := c.handoff.HandOffGroup(g.ActivityID, g.Members, g.Roles); err != nil {
			c.logger.Error().Err(err).
				Str("activity_id", g.ActivityID).
				Strs("members", g.Members).
				Msg("hand-off failed")
		}
	}
	for _, n := range out.notes {
		c.notifier.Notify(n)
	}
}

// JoinQueue registers the session for an activity, replacing any previous
// registration. A session still holding a pending offer leaves it first.
func (c *Coordinator) JoinQueue(sessionID, activityID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRole, uint8(role))
	}
	if _, ok := c.ActivityName(activityID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActivity, activityID)
	}
	snap, ok := c.profiles.GetPlayerSnapshot(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, sessionID)
	}

	var out outbox
	c.mu.Lock()
	now := c.now()
	if offer, ok := c.offers.OfferFor(sessionID); ok {
		c.offers.Decline(offer.ID, sessionID)
		c.failOffer(offer, ReasonLeft, sessionID, now, &out)
	}
	_, replaced := c.queues.Lookup(sessionID)
	c.queues.Enqueue(Candidate{
		SessionID:   sessionID,
		DisplayName: snap.DisplayName,
		Level:       snap.Level,
		Score:       DerivedScore(snap.Level),
		Role:        role,
		ActivityID:  activityID,
		EnqueuedAt:  now,
	})
	estimate := c.estimateWait(activityID)
	out.notify(Notification{
		Type:          NotifyQueueJoined,
		Recipient:     sessionID,
		ActivityID:    activityID,
		Role:          role,
		EstimatedWait: seconds(estimate),
	})
	c.refreshGauges()
	c.post(out)
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", sessionID).
		Str("activity_id", activityID).
		Stringer("role", role).
		Int("level", snap.Level).
		Bool("replaced", replaced).
		Msg("queued")
	c.flush()
	return nil
}

// LeaveQueue removes the session from any queue. If the session belongs to
// a pending offer, the offer is voided as if the session had declined.
func (c *Coordinator) LeaveQueue(sessionID string) {
	var out outbox
	c.mu.Lock()
	now := c.now()
	removed, wasQueued := c.queues.Remove(sessionID)
	offer, inOffer := c.offers.OfferFor(sessionID)
	if inOffer {
		c.offers.Decline(offer.ID, sessionID)
		c.failOffer(offer, ReasonLeft, sessionID, now, &out)
	}
	c.refreshGauges()
	c.post(out)
	c.mu.Unlock()

	switch {
	case wasQueued:
		c.logger.Info().Str("session_id", sessionID).Str("activity_id", removed.ActivityID).Msg("left queue")
	case inOffer:
		c.logger.Info().Str("session_id", sessionID).Str("offer_id", offer.ID).Msg("left pending offer")
	default:
		c.logger.Debug().Str("session_id", sessionID).Msg("leave ignored, not queued")
	}
	c.flush()
}

// AcceptOffer records the session's acceptance. When the last member
// accepts, the group is handed off and every member is told the match started.
func (c *Coordinator) AcceptOffer(sessionID, offerID string) {
	var out outbox
	c.mu.Lock()
	offer, full, ok := c.offers.Accept(offerID, sessionID)
	if ok && full {
		c.offers.Resolve(offer.ID)
		c.startMatch(offer, &out)
		c.refreshGauges()
	}
	c.post(out)
	c.mu.Unlock()

	switch {
	case !ok:
		c.logger.Debug().Str("session_id", sessionID).Str("offer_id", offerID).Msg("accept ignored, stale offer")
	case full:
		c.logger.Info().Str("offer_id", offerID).Str("activity_id", offer.ActivityID).Msg("offer accepted by all")
	default:
		c.logger.Info().Str("session_id", sessionID).Str("offer_id", offerID).Msg("offer accepted")
	}
	c.flush()
}

// DeclineOffer voids the whole offer. Members who had already accepted are
// re-queued; the rest return to idle.
func (c *Coordinator) DeclineOffer(sessionID, offerID string) {
	var out outbox
	c.mu.Lock()
	offer, ok := c.offers.Decline(offerID, sessionID)
	if ok {
		c.failOffer(offer, ReasonDeclined, sessionID, c.now(), &out)
		c.refreshGauges()
	}
	c.post(out)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("session_id", sessionID).Str("offer_id", offerID).Msg("decline ignored, stale offer")
		return
	}
	c.logger.Info().Str("session_id", sessionID).Str("offer_id", offerID).Msg("offer declined")
	c.flush()
}

// Sweep runs one expiry-and-matching pass as of now.
func (c *Coordinator) Sweep(now time.Time) {
	started := time.Now()

	var out outbox
	c.mu.Lock()
	c.expireQueues(now, &out)
	for _, activityID := range c.queues.Activities() {
		if c.queues.Len(activityID) >= PartySize {
			c.tryFormMatch(activityID, now, &out)
		}
	}
	c.expireOffers(now, &out)
	c.refreshGauges()
	c.post(out)
	c.mu.Unlock()

	c.flush()
	metrics.SweepDuration.Observe(time.Since(started).Seconds())
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tuning.SweepInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.tuning.SweepInterval).Msg("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// startMatch hands the fully accepted offer to the runtime and tells every member.
func (c *Coordinator) startMatch(offer *Offer, out *outbox) {
	members := append([]string(nil), offer.Members...)
	roles := make(map[string]Role, len(offer.Roles))
	for sid, r := range offer.Roles {
		roles[sid] = r
	}
	out.groups = append(out.groups, Group{ActivityID: offer.ActivityID, Members: members, Roles: roles})

	name, _ := c.ActivityName(offer.ActivityID)
	for _, sid := range offer.Members {
		out.notify(Notification{
			Type:         NotifyMatchStarted,
			Recipient:    sid,
			ActivityID:   offer.ActivityID,
			ActivityName: name,
			OfferID:      offer.ID,
			Members:      len(offer.Members),
			Role:         offer.Roles[sid],
		})
	}
	metrics.OffersResolved.WithLabelValues("started").Inc()
}

// failOffer re-queues the accepted members of a voided offer, except the
// session that caused it, and tells every member why the offer ended.
func (c *Coordinator) failOffer(offer *Offer, reason CancelReason, culprit string, now time.Time, out *outbox) {
	for _, sid := range offer.Members {
		requeue := offer.Accepted[sid] && sid != culprit
		if requeue {
			cand, _ := offer.Candidate(sid)
			cand.Role = offer.Roles[sid]
			cand.EnqueuedAt = now
			c.queues.Enqueue(cand)
			metrics.Requeued.Inc()
		}
		out.notify(Notification{
			Type:       NotifyOfferCancelled,
			Recipient:  sid,
			ActivityID: offer.ActivityID,
			OfferID:    offer.ID,
			Reason:     reason,
			Requeued:   requeue,
		})
	}
	metrics.OffersResolved.WithLabelValues(string(reason)).Inc()
}

// ActivityName returns the display name for an activity and whether the
// activity is accepted.
func (c *Coordinator) ActivityName(activityID string) (string, bool) {
	if activityID == "" {
		return "", false
	}
	if len(c.activities) == 0 {
		return activityID, true
	}
	name, ok := c.activities[activityID]
	return name, ok
}

// State reports where the session currently is.
func (c *Coordinator) State(sessionID string) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.offers.OfferFor(sessionID); ok {
		return StatePendingAcceptance
	}
	if _, ok := c.queues.Lookup(sessionID); ok {
		return StateQueued
	}
	return StateIdle
}

// Queued returns the session's queue record.
func (c *Coordinator) Queued(sessionID string) (Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues.Lookup(sessionID)
}

// QueueSnapshot returns the activity queue ordered oldest first.
func (c *Coordinator) QueueSnapshot(activityID string) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues.Snapshot(activityID)
}

// PendingOffer returns a copy of the offer the session belongs to.
func (c *Coordinator) PendingOffer(sessionID string) (Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	offer, ok := c.offers.OfferFor(sessionID)
	if !ok {
		return Offer{}, false
	}
	return offer.clone(), true
}

// Stats summarizes the stores for health reporting.
type Stats struct {
	Queued        int `json:"queued"`
	PendingOffers int `json:"pending_offers"`
}

// Stats returns current store sizes.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Queued: c.queues.Total(), PendingOffers: c.offers.Len()}
}

func (c *Coordinator) refreshGauges() {
	for _, activityID := range c.queues.Activities() {
		c.gauged[activityID] = struct{}{}
	}
	for activityID := range c.gauged {
		metrics.QueueSize.WithLabelValues(activityID).Set(float64(c.queues.Len(activityID)))
	}
	metrics.PendingOffers.Set(float64(c.offers.Len()))
}

func (o *Offer) clone() Offer {
	cp := *o
	cp.Members = append([]string(nil), o.Members...)
	cp.Roles = make(map[string]Role, len(o.Roles))
	for k, v := range o.Roles {
		cp.Roles[k] = v
	}
	cp.Accepted = make(map[string]bool, len(o.Accepted))
	for k, v := range o.Accepted {
		cp.Accepted[k] = v
	}
	cp.roster = nil
	return cp
}

func seconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}

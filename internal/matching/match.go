package matching

import (
	"time"

	"github.com/whisper/party-app/internal/metrics"
)

// waitSmoothing is the weight of the newest sample in the wait estimate.
const waitSmoothing = 0.2

// tryFormMatch forms at most one party for the activity. The four members
// leave the queue together and are offered the match; if no anchor yields a
// party the queue is left untouched until the next sweep.
func (c *Coordinator) tryFormMatch(activityID string, now time.Time, out *outbox) bool {
	party, ok := FindParty(c.queues.Snapshot(activityID), now, c.tuning)
	if !ok {
		return false
	}

	for _, m := range party.Members {
		c.queues.Dequeue(activityID, m.SessionID)
	}
	offer, err := c.offers.Create(activityID, party.Members, now)
	if err != nil {
		for _, m := range party.Members {
			c.queues.Enqueue(m)
		}
		c.logger.Error().Err(err).Str("activity_id", activityID).Msg("create offer")
		return false
	}

	c.observeWait(activityID, party.AnchorWait)

	name, _ := c.ActivityName(activityID)
	for _, sid := range offer.Members {
		out.notify(Notification{
			Type:          NotifyOfferFound,
			Recipient:     sid,
			ActivityID:    activityID,
			ActivityName:  name,
			OfferID:       offer.ID,
			Members:       len(offer.Members),
			Role:          offer.Roles[sid],
			AcceptTimeout: seconds(c.tuning.AcceptTimeout),
		})
	}

	mode := "strict"
	if party.Flexible {
		mode = "flexible"
	}
	metrics.PartiesFormed.WithLabelValues(activityID, mode).Inc()
	metrics.AnchorWait.Observe(party.AnchorWait.Seconds())

	c.logger.Info().
		Str("activity_id", activityID).
		Str("offer_id", offer.ID).
		Strs("members", offer.Members).
		Str("anchor", party.Anchor.SessionID).
		Dur("anchor_wait", party.AnchorWait).
		Int("level_range", party.LevelRange).
		Str("mode", mode).
		Msg("party formed")
	return true
}

// observeWait folds a formation wait into the activity's moving average.
func (c *Coordinator) observeWait(activityID string, wait time.Duration) {
	prev, ok := c.waitEMA[activityID]
	if !ok {
		c.waitEMA[activityID] = wait
		return
	}
	c.waitEMA[activityID] = time.Duration(float64(prev)*(1-waitSmoothing) + float64(wait)*waitSmoothing)
}

// estimateWait is the wait quoted to a player who just joined.
func (c *Coordinator) estimateWait(activityID string) time.Duration {
	if c.queues.Len(activityID) >= PartySize {
		return c.tuning.SweepInterval
	}
	if ema, ok := c.waitEMA[activityID]; ok {
		return ema
	}
	return c.tuning.FlexibleRoleTime
}

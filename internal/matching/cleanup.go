package matching

import (
	"time"

	"github.com/whisper/party-app/internal/metrics"
)

// expireQueues drops candidates that waited longer than MaxQueueWait and
// tells each of them the queue timed out.
func (c *Coordinator) expireQueues(now time.Time, out *outbox) {
	for _, activityID := range c.queues.Activities() {
		expired := c.queues.ExpireOlderThan(activityID, c.tuning.MaxQueueWait, now)
		if len(expired) == 0 {
			continue
		}
		for _, cand := range expired {
			out.notify(Notification{
				Type:       NotifyQueueTimedOut,
				Recipient:  cand.SessionID,
				ActivityID: activityID,
			})
		}
		metrics.QueueTimeouts.WithLabelValues(activityID).Add(float64(len(expired)))
		c.logger.Info().
			Str("activity_id", activityID).
			Int("count", len(expired)).
			Msg("queue entries timed out")
	}
}

// expireOffers voids offers that were not unanimously accepted within
// AcceptTimeout. Members who had accepted go back to the queue.
func (c *Coordinator) expireOffers(now time.Time, out *outbox) {
	for _, offer := range c.offers.ExpireOlderThan(c.tuning.AcceptTimeout, now) {
		c.failOffer(offer, ReasonTimedOut, "", now, out)
		c.logger.Info().
			Str("offer_id", offer.ID).
			Str("activity_id", offer.ActivityID).
			Int("accepted", len(offer.Accepted)).
			Msg("offer accept deadline expired")
	}
}

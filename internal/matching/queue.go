package matching

import (
	"sort"
	"time"
)

// Candidate is one player's registration for one activity queue. Level and
// DisplayName are snapshotted from the profile cache at enqueue time.
type Candidate struct {
	SessionID   string    `json:"session_id"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	Score       int       `json:"score"` // display only, see DerivedScore
	Role        Role      `json:"role"`
	ActivityID  string    `json:"activity_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// DerivedScore is the display score shown next to a candidate. It grows
// strictly with level and takes no part in matching.
func DerivedScore(level int) int {
	return 100 + 15*level
}

// Wait returns how long the candidate has been queued as of now.
func (c Candidate) Wait(now time.Time) time.Duration {
	return now.Sub(c.EnqueuedAt)
}

// QueueStore holds the per-activity wait queues. A session is present in at
// most one queue. QueueStore is not safe for concurrent use; the Coordinator
// serializes every call.
type QueueStore struct {
	queues map[string][]Candidate // activity id -> candidates in insertion order
	index  map[string]string      // session id -> activity id
}

// NewQueueStore creates an empty queue store.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		queues: make(map[string][]Candidate),
		index:  make(map[string]string),
	}
}

// Enqueue inserts c into its activity queue, first removing any record the
// session holds in any queue.
func (q *QueueStore) Enqueue(c Candidate) {
	q.Remove(c.SessionID)
	q.queues[c.ActivityID] = append(q.queues[c.ActivityID], c)
	q.index[c.SessionID] = c.ActivityID
}

// Dequeue removes the session's record from the given activity queue.
// Returns false if it was not there.
func (q *QueueStore) Dequeue(activityID, sessionID string) bool {
	if q.index[sessionID] != activityID {
		return false
	}
	_, ok := q.removeFrom(activityID, sessionID)
	return ok
}

// Remove removes the session's record from whichever queue holds it.
func (q *QueueStore) Remove(sessionID string) (Candidate, bool) {
	activityID, ok := q.index[sessionID]
	if !ok {
		return Candidate{}, false
	}
	return q.removeFrom(activityID, sessionID)
}

// Lookup returns the session's current record, if any.
func (q *QueueStore) Lookup(sessionID string) (Candidate, bool) {
	activityID, ok := q.index[sessionID]
	if !ok {
		return Candidate{}, false
	}
	for _, c := range q.queues[activityID] {
		if c.SessionID == sessionID {
			return c, true
		}
	}
	return Candidate{}, false
}

// ExpireOlderThan removes and returns every record in the activity queue
// that has waited strictly longer than maxAge.
func (q *QueueStore) ExpireOlderThan(activityID string, maxAge time.Duration, now time.Time) []Candidate {
	queue := q.queues[activityID]
	if len(queue) == 0 {
		return nil
	}

	var expired []Candidate
	kept := queue[:0]
	for _, c := range queue {
		if c.Wait(now) > maxAge {
			expired = append(expired, c)
			delete(q.index, c.SessionID)
			continue
		}
		kept = append(kept, c)
	}
	q.setQueue(activityID, kept)
	return expired
}

// Snapshot returns a copy of the activity queue ordered by EnqueuedAt, oldest
// first. Records with equal timestamps keep their insertion order.
func (q *QueueStore) Snapshot(activityID string) []Candidate {
	queue := q.queues[activityID]
	out := make([]Candidate, len(queue))
	copy(out, queue)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Len returns the number of candidates waiting for the activity.
func (q *QueueStore) Len(activityID string) int {
	return len(q.queues[activityID])
}

// Total returns the number of queued sessions across all activities.
func (q *QueueStore) Total() int {
	return len(q.index)
}

// Activities returns the ids of all non-empty queues in sorted order.
func (q *QueueStore) Activities() []string {
	ids := make([]string, 0, len(q.queues))
	for id := range q.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (q *QueueStore) removeFrom(activityID, sessionID string) (Candidate, bool) {
	queue := q.queues[activityID]
	for i, c := range queue {
		if c.SessionID != sessionID {
			continue
		}
		q.setQueue(activityID, append(queue[:i], queue[i+1:]...))
		delete(q.index, sessionID)
		return c, true
	}
	return Candidate{}, false
}

func (q *QueueStore) setQueue(activityID string, queue []Candidate) {
	if len(queue) == 0 {
		delete(q.queues, activityID)
		return
	}
	q.queues[activityID] = queue
}

package matching

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func cand(sid string, role Role, level, sec int) Candidate {
	return Candidate{
		SessionID:  sid,
		Level:      level,
		Score:      DerivedScore(level),
		Role:       role,
		ActivityID: "trial-a",
		EnqueuedAt: at(sec),
	}
}

func sessionIDs(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.SessionID
	}
	return out
}

func TestDerivedScore_Monotonic(t *testing.T) {
	prev := DerivedScore(0)
	for level := 1; level <= 60; level++ {
		s := DerivedScore(level)
		if s <= prev {
			t.Fatalf("DerivedScore(%d) = %d, not above %d", level, s, prev)
		}
		prev = s
	}
}

func TestQueueStore_EnqueueReplacesAcrossActivities(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("p1", RoleTank, 10, 0))

	moved := cand("p1", RoleHealer, 10, 5)
	moved.ActivityID = "trial-b"
	q.Enqueue(moved)

	if q.Len("trial-a") != 0 {
		t.Errorf("trial-a should be empty after switching, got %d", q.Len("trial-a"))
	}
	if q.Len("trial-b") != 1 {
		t.Errorf("trial-b should hold p1, got %d", q.Len("trial-b"))
	}
	if q.Total() != 1 {
		t.Errorf("session must appear once, total=%d", q.Total())
	}

	got, ok := q.Lookup("p1")
	if !ok {
		t.Fatal("p1 should be queued")
	}
	if got.Role != RoleHealer || !got.EnqueuedAt.Equal(at(5)) {
		t.Errorf("record not replaced: %+v", got)
	}
}

func TestQueueStore_EnqueueSameActivityDoesNotStack(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("p1", RoleTank, 10, 0))
	q.Enqueue(cand("p1", RoleDPS, 10, 3))

	if q.Len("trial-a") != 1 {
		t.Fatalf("expected one record, got %d", q.Len("trial-a"))
	}
}

func TestQueueStore_Dequeue(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("p1", RoleTank, 10, 0))

	if q.Dequeue("trial-b", "p1") {
		t.Error("dequeue from the wrong activity should fail")
	}
	if !q.Dequeue("trial-a", "p1") {
		t.Error("dequeue should succeed")
	}
	if q.Dequeue("trial-a", "p1") {
		t.Error("second dequeue should report absent")
	}
	if len(q.Activities()) != 0 {
		t.Errorf("empty queues should not be listed: %v", q.Activities())
	}
}

func TestQueueStore_Remove(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("p1", RoleTank, 10, 0))

	c, ok := q.Remove("p1")
	if !ok || c.SessionID != "p1" {
		t.Fatalf("Remove = %+v, %v", c, ok)
	}
	if _, ok := q.Remove("p1"); ok {
		t.Error("second Remove should report absent")
	}
}

func TestQueueStore_ExpireOlderThan(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("old", RoleTank, 10, 0))
	q.Enqueue(cand("edge", RoleDPS, 10, 10))
	q.Enqueue(cand("new", RoleHealer, 10, 50))

	// At t=310 "old" waited 310s and "edge" exactly 300s.
	expired := q.ExpireOlderThan("trial-a", 300*time.Second, at(310))

	if len(expired) != 1 || expired[0].SessionID != "old" {
		t.Fatalf("expected only old to expire, got %v", sessionIDs(expired))
	}
	if _, ok := q.Lookup("old"); ok {
		t.Error("expired record still indexed")
	}
	if q.Len("trial-a") != 2 {
		t.Errorf("expected 2 remaining, got %d", q.Len("trial-a"))
	}
}

func TestQueueStore_SnapshotOrdersByEnqueuedAt(t *testing.T) {
	q := NewQueueStore()
	q.Enqueue(cand("late", RoleTank, 10, 9))
	q.Enqueue(cand("early", RoleTank, 10, 1))
	q.Enqueue(cand("tie-a", RoleTank, 10, 4))
	q.Enqueue(cand("tie-b", RoleTank, 10, 4))

	got := sessionIDs(q.Snapshot("trial-a"))
	want := []string{"early", "tie-a", "tie-b", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", got, want)
		}
	}

	// The snapshot is a copy.
	snap := q.Snapshot("trial-a")
	snap[0].Level = 99
	if c, _ := q.Lookup("early"); c.Level != 10 {
		t.Error("mutating the snapshot changed the store")
	}
}

package matching

import "time"

// PartySize is the fixed number of members in every party.
const PartySize = 4

// Default tuning values for the sweep and the relaxation schedule.
const (
	DefaultSweepInterval     = 5 * time.Second
	DefaultMaxQueueWait      = 300 * time.Second
	DefaultAcceptTimeout     = 30 * time.Second
	DefaultFlexibleRoleTime  = 60 * time.Second  // anchor wait before roles are ignored
	DefaultExpandedLevelTime = 120 * time.Second // anchor wait before the wider level range
	DefaultLevelRange        = 3
	DefaultExpandedRange     = 5
)

// strictComposition is the role mix required while roles are enforced, in
// the order members are listed on the offer.
var strictComposition = []struct {
	role  Role
	count int
}{
	{RoleTank, 1},
	{RoleDPS, 2},
	{RoleHealer, 1},
}

// Tuning holds the timing and range knobs of the matcher.
type Tuning struct {
	SweepInterval     time.Duration
	MaxQueueWait      time.Duration
	AcceptTimeout     time.Duration
	FlexibleRoleTime  time.Duration
	ExpandedLevelTime time.Duration
	LevelRange        int
	ExpandedRange     int
}

// DefaultTuning returns the production tuning.
func DefaultTuning() Tuning {
	return Tuning{
		SweepInterval:     DefaultSweepInterval,
		MaxQueueWait:      DefaultMaxQueueWait,
		AcceptTimeout:     DefaultAcceptTimeout,
		FlexibleRoleTime:  DefaultFlexibleRoleTime,
		ExpandedLevelTime: DefaultExpandedLevelTime,
		LevelRange:        DefaultLevelRange,
		ExpandedRange:     DefaultExpandedRange,
	}
}

// Party is a fully built group selected from a queue snapshot.
type Party struct {
	Members    []Candidate
	Anchor     Candidate
	AnchorWait time.Duration
	Flexible   bool
	LevelRange int
}

// BuildParty picks PartySize members from candidates, which must already be
// ordered oldest first. In flexible mode the first PartySize candidates are
// taken regardless of role. Otherwise the party is the first tank, the first
// two DPS and the first healer; ok is false if any role is short.
func BuildParty(candidates []Candidate, flexible bool) ([]Candidate, bool) {
	if len(candidates) < PartySize {
		return nil, false
	}
	if flexible {
		party := make([]Candidate, PartySize)
		copy(party, candidates[:PartySize])
		return party, true
	}

	buckets := make(map[Role][]Candidate, len(strictComposition))
	for _, c := range candidates {
		buckets[c.Role] = append(buckets[c.Role], c)
	}

	party := make([]Candidate, 0, PartySize)
	for _, slot := range strictComposition {
		bucket := buckets[slot.role]
		if len(bucket) < slot.count {
			return nil, false
		}
		party = append(party, bucket[:slot.count]...)
	}
	return party, true
}

// FindParty runs the anchor search over a queue snapshot ordered oldest
// first. Each anchor in turn filters the queue to candidates within its
// level range, widening the range and dropping role enforcement as the
// anchor's wait grows. The first anchor that yields a full party wins.
func FindParty(queue []Candidate, now time.Time, t Tuning) (Party, bool) {
	if len(queue) < PartySize {
		return Party{}, false
	}

	for _, anchor := range queue {
		wait := anchor.Wait(now)

		levelRange := t.LevelRange
		if wait >= t.ExpandedLevelTime {
			levelRange = t.ExpandedRange
		}
		flexible := wait >= t.FlexibleRoleTime

		candidates := make([]Candidate, 0, len(queue))
		for _, c := range queue {
			if abs(c.Level-anchor.Level) <= levelRange {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) < PartySize {
			continue
		}

		members, ok := BuildParty(candidates, flexible)
		if !ok {
			continue
		}
		return Party{
			Members:    members,
			Anchor:     anchor,
			AnchorWait: wait,
			Flexible:   flexible,
			LevelRange: levelRange,
		}, true
	}
	return Party{}, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

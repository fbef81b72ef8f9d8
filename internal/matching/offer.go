package matching

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPartySize is returned when an offer is created with anything other
	// than PartySize distinct members.
	ErrPartySize = errors.New("matching: offer needs exactly PartySize distinct members")

	// ErrAlreadyOffered is returned when a member already belongs to another
	// pending offer.
	ErrAlreadyOffered = errors.New("matching: session already in a pending offer")
)

// Offer is a proposed party waiting for every member to accept.
type Offer struct {
	ID         string          `json:"offer_id"`
	ActivityID string          `json:"activity_id"`
	Members    []string        `json:"members"`
	Roles      map[string]Role `json:"roles"`
	Accepted   map[string]bool `json:"accepted"`
	CreatedAt  time.Time       `json:"created_at"`

	// roster keeps the queue records so accepted members can be re-queued
	// with the same role and profile snapshot.
	roster map[string]Candidate
}

// IsMember reports whether the session is part of the offer.
func (o *Offer) IsMember(sessionID string) bool {
	_, ok := o.Roles[sessionID]
	return ok
}

// FullyAccepted reports whether every member has accepted.
func (o *Offer) FullyAccepted() bool {
	return len(o.Accepted) == len(o.Members)
}

// AcceptedMembers returns the members that have accepted, in member order.
func (o *Offer) AcceptedMembers() []string {
	out := make([]string, 0, len(o.Accepted))
	for _, sid := range o.Members {
		if o.Accepted[sid] {
			out = append(out, sid)
		}
	}
	return out
}

// Candidate returns the queue record the member was matched from.
func (o *Offer) Candidate(sessionID string) (Candidate, bool) {
	c, ok := o.roster[sessionID]
	return c, ok
}

// OfferStore holds in-flight offers. Like QueueStore it relies on the
// Coordinator for serialization.
type OfferStore struct {
	offers    map[string]*Offer
	bySession map[string]string // member session id -> offer id
	newID     func() string
}

// NewOfferStore creates an empty offer store that mints UUID offer ids.
func NewOfferStore() *OfferStore {
	return &OfferStore{
		offers:    make(map[string]*Offer),
		bySession: make(map[string]string),
		newID:     uuid.NewString,
	}
}

// Create allocates a new offer for the given members with nobody accepted.
func (s *OfferStore) Create(activityID string, members []Candidate, now time.Time) (*Offer, error) {
	if len(members) != PartySize {
		return nil, fmt.Errorf("%w: got %d", ErrPartySize, len(members))
	}

	offer := &Offer{
		ID:         s.newID(),
		ActivityID: activityID,
		Members:    make([]string, 0, len(members)),
		Roles:      make(map[string]Role, len(members)),
		Accepted:   make(map[string]bool, len(members)),
		CreatedAt:  now,
		roster:     make(map[string]Candidate, len(members)),
	}
	for _, c := range members {
		if offer.IsMember(c.SessionID) {
			return nil, fmt.Errorf("%w: duplicate %s", ErrPartySize, c.SessionID)
		}
		if existing, ok := s.bySession[c.SessionID]; ok {
			return nil, fmt.Errorf("%w: %s is in %s", ErrAlreadyOffered, c.SessionID, existing)
		}
		offer.Members = append(offer.Members, c.SessionID)
		offer.Roles[c.SessionID] = c.Role
		offer.roster[c.SessionID] = c
	}

	s.offers[offer.ID] = offer
	for _, sid := range offer.Members {
		s.bySession[sid] = offer.ID
	}
	return offer, nil
}

// Get returns the pending offer with the given id.
func (s *OfferStore) Get(offerID string) (*Offer, bool) {
	o, ok := s.offers[offerID]
	return o, ok
}

// OfferFor returns the pending offer the session belongs to.
func (s *OfferStore) OfferFor(sessionID string) (*Offer, bool) {
	offerID, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return s.Get(offerID)
}

// Accept records the member's acceptance. ok is false when the offer does
// not exist or the session is not a member; full reports unanimity.
func (s *OfferStore) Accept(offerID, sessionID string) (offer *Offer, full bool, ok bool) {
	offer, exists := s.offers[offerID]
	if !exists || !offer.IsMember(sessionID) {
		return nil, false, false
	}
	offer.Accepted[sessionID] = true
	return offer, offer.FullyAccepted(), true
}

// Decline voids the whole offer on behalf of one member and returns it so
// the caller can re-queue whoever had accepted.
func (s *OfferStore) Decline(offerID, sessionID string) (*Offer, bool) {
	offer, exists := s.offers[offerID]
	if !exists || !offer.IsMember(sessionID) {
		return nil, false
	}
	s.remove(offer)
	return offer, true
}

// Resolve removes an offer, typically once it is fully accepted.
func (s *OfferStore) Resolve(offerID string) (*Offer, bool) {
	offer, exists := s.offers[offerID]
	if !exists {
		return nil, false
	}
	s.remove(offer)
	return offer, true
}

// ExpireOlderThan removes and returns every offer created strictly more
// than maxAge before now, oldest first. Each carries its accepted set.
func (s *OfferStore) ExpireOlderThan(maxAge time.Duration, now time.Time) []*Offer {
	var expired []*Offer
	for _, offer := range s.offers {
		if now.Sub(offer.CreatedAt) > maxAge {
			expired = append(expired, offer)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].CreatedAt.Equal(expired[j].CreatedAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	for _, offer := range expired {
		s.remove(offer)
	}
	return expired
}

// Len returns the number of pending offers.
func (s *OfferStore) Len() int {
	return len(s.offers)
}

func (s *OfferStore) remove(offer *Offer) {
	delete(s.offers, offer.ID)
	for _, sid := range offer.Members {
		if s.bySession[sid] == offer.ID {
			delete(s.bySession, sid)
		}
	}
}

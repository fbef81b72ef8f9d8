package matching

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/profile"
)

// profileWarmTimeout bounds the Redis read that fills the profile cache
// before a join reaches the coordinator.
const profileWarmTimeout = 500 * time.Millisecond

// JoinRequest is the NATS payload the gateway publishes on party.join.
type JoinRequest struct {
	SessionID  string `json:"session_id"`
	ActivityID string `json:"activity_id"`
	Role       string `json:"role"`
}

// LeaveRequest is the NATS payload published on party.leave.
type LeaveRequest struct {
	SessionID string `json:"session_id"`
}

// OfferResponse is the NATS payload published on party.accept and party.decline.
type OfferResponse struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id"`
}

// ProfileWarmer fills the coordinator's profile cache for a session and
// drops the entry when the session leaves.
type ProfileWarmer interface {
	Warm(ctx context.Context, sessionID string) (profile.Snapshot, error)
	Forget(sessionID string)
}

// Service feeds player requests arriving over NATS into the coordinator.
type Service struct {
	coord    *Coordinator
	nats     *messaging.NATSClient
	profiles ProfileWarmer
	logger   zerolog.Logger
}

// NewService creates the request service for coord.
func NewService(coord *Coordinator, nats *messaging.NATSClient, profiles ProfileWarmer) *Service {
	return &Service{
		coord:    coord,
		nats:     nats,
		profiles: profiles,
		logger:   log.WithComponent("matcher"),
	}
}

// Start subscribes to the request subjects.
func (s *Service) Start() error {
	if err := s.nats.SubscribePartyRequests(s.handlers()); err != nil {
		return err
	}
	s.logger.Info().Msg("request subscriptions active")
	return nil
}

func (s *Service) handlers() map[string]func(data []byte) {
	return map[string]func(data []byte){
		messaging.SubjectPartyJoin:    s.handleJoin,
		messaging.SubjectPartyLeave:   s.handleLeave,
		messaging.SubjectPartyAccept:  s.handleAccept,
		messaging.SubjectPartyDecline: s.handleDecline,
	}
}

func (s *Service) handleJoin(data []byte) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		s.logger.Warn().Err(err).Msg("invalid join request")
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("join request with bad role")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), profileWarmTimeout)
	_, err = s.profiles.Warm(ctx, req.SessionID)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("no profile for join request")
		return
	}

	if err := s.coord.JoinQueue(req.SessionID, req.ActivityID, role); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", req.SessionID).
			Str("activity_id", req.ActivityID).
			Msg("join rejected")
	}
}

func (s *Service) handleLeave(data []byte) {
	var req LeaveRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		s.logger.Warn().Err(err).Msg("invalid leave request")
		return
	}
	s.coord.LeaveQueue(req.SessionID)
	s.profiles.Forget(req.SessionID)
}

func (s *Service) handleAccept(data []byte) {
	req, ok := s.decodeOfferResponse(data, "accept")
	if !ok {
		return
	}
	s.coord.AcceptOffer(req.SessionID, req.OfferID)
}

func (s *Service) handleDecline(data []byte) {
	req, ok := s.decodeOfferResponse(data, "decline")
	if !ok {
		return
	}
	s.coord.DeclineOffer(req.SessionID, req.OfferID)
}

func (s *Service) decodeOfferResponse(data []byte, kind string) (OfferResponse, bool) {
	var req OfferResponse
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" || req.OfferID == "" {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("invalid offer response")
		return OfferResponse{}, false
	}
	return req, true
}

package ws

import "time"

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after Interval before a silent client is dropped
}

// DefaultHeartbeatConfig returns production defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat pings every connection on each tick until the server shuts down.
func (s *Server) heartbeat() {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now)
		}
	}
}

// checkConnections drops connections silent for longer than Interval+Timeout
// and pings the rest. Browsers answer pings automatically, and any frame
// read refreshes LastSeen. Dropped connections go through RemoveConnection,
// so a queued player who vanishes is taken out of matchmaking.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info().
				Str("session_id", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("session_id", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}

package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after Interval before a silent connection is dropped
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those that
// have been silent longer than Interval + Timeout. Evictions go through
// RemoveConnection, so presence sees them as ordinary disconnects.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActivity())
		if idle > deadline {
			s.logger.Info().Str("conn", c.ID).Int64("user_id", c.UserID).
				Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically.
		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}

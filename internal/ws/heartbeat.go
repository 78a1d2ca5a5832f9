package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts the ones
// that have been silent for longer than Interval + Timeout.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("[ws] heartbeat timeout user=%s conn=%s idle=%s",
				c.UserID, c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("[ws] heartbeat ping failed user=%s conn=%s: %v", c.UserID, c.ID, err)
			s.RemoveConnection(c)
		}
	}
}

package ws

import (
	"log"
	"time"
)

// HeartbeatConfig controls how idle connections are probed and evicted.
type HeartbeatConfig struct {
	Interval time.Duration // time between ping rounds
	Timeout  time.Duration // extra grace after Interval before a silent connection is dropped
}

// DefaultHeartbeatConfig pings every 25s and drops a connection that has
// been silent for 25s+60s.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// StartHeartbeat runs checkConnections every Interval until the server shuts
// down. A zero Interval disables the heartbeat.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		log.Printf("ws: heartbeat disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections evicts connections that have shown no activity within
// Interval+Timeout and pings the rest. Eviction goes through RemoveConnection,
// so the user the connection registered as leaves the presence registry.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s user=%q idle=%s",
				c.ID, c.UserID(), idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s user=%q: %v", c.ID, c.UserID(), err)
			server.RemoveConnection(c)
		}
	}
}

package ws

import (
	"log"
	"time"
)

// StartHeartbeat runs a background goroutine that pings every connection on
// each PingInterval tick and evicts connections with no client activity
// within PingInterval + PingTimeout. Browsers answer protocol-level pings
// automatically, so a healthy-but-silent client refreshes its activity clock
// every round. The goroutine exits when the server's done channel closes.
func StartHeartbeat(server *Server) {
	interval := server.config.PingInterval
	deadline := interval + server.config.PingTimeout

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				sweepConnections(server, now, deadline)
			}
		}
	}()
}

// sweepConnections evicts connections whose last activity is older than the
// deadline and pings the rest.
func sweepConnections(server *Server, now time.Time, deadline time.Duration) {
	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

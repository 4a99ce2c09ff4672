// Package session tracks each WebSocket connection's chat lifecycle and
// routes inbound events through a per-connection state machine. Session
// records are owned by the instance that accepted the connection; the
// cross-instance view of who is online lives in the presence directory.
package session

import (
	"fmt"
	"time"
)

// State is a connection's position in the chat lifecycle.
type State int

const (
	// StateConnected means the transport is up but no room has been joined.
	// Only join_room (and keepalive pings) are meaningful here.
	StateConnected State = iota
	// StateJoined means the connection is bound to a username and exactly
	// one room; all chat operations are allowed.
	StateJoined
	// StateClosed is terminal. Everything arriving after it is ignored.
	StateClosed
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the per-connection record. Username and Room are set exactly
// once, on the Connected -> Joined transition.
type Session struct {
	ConnID   string
	Username string
	Room     string
	State    State
	JoinedAt time.Time
}

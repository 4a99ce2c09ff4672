// Package chat holds the chat message model and the Redis-backed ordered
// message logs for rooms and private conversations.
package chat

import "time"

// Message is a room-scoped chat message. Its JSON form is both the payload
// of receive_message events and the stored entry in the room's log, so a
// message is written once and replayed verbatim by history reads.
type Message struct {
	Sender    string `json:"sender"`
	Room      string `json:"room"`
	Body      string `json:"message"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch, server-assigned
}

// NewMessage builds a Message stamped with the current server time.
func NewMessage(sender, room, body string) Message {
	return Message{
		Sender:    sender,
		Room:      room,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
}

// PrivateMessage is a direct message between two named users. It is stored
// in the directional conversation log of its (from, to) pair; the reverse
// direction is a separate log.
type PrivateMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewPrivateMessage builds a PrivateMessage stamped with the current server
// time.
func NewPrivateMessage(from, to, body string) PrivateMessage {
	return PrivateMessage{
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
}

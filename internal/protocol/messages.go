// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the server. Every event is a single JSON object
// with a "type" discriminator; the remaining keys are the event payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ArditZubaku/my-realtime-chat/internal/chat"
)

// ErrUnknownType is returned by ParseClientMessage when the envelope names a
// type that is not a client event. Callers match it with errors.Is to tell
// protocol misuse apart from malformed JSON.
var ErrUnknownType = errors.New("unknown client message type")

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinRoom           = "join_room"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypeSendPrivateMessage = "send_private_message"
	TypeFetchOlderMessages = "fetch_older_messages"
	TypeReportUser         = "report_user"
	TypePing               = "ping"
)

// Server -> Client event types. TypeReceiveMessage carries a chat.Message as
// its payload; the others use the Server*Msg structs below.
const (
	TypeLastMessages          = "last_messages"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeReceiveMessage        = "receive_message"
	TypeUserTyping            = "user_typing"
	TypeReceivePrivateMessage = "receive_private_message"
	TypePrivateMessageSent    = "private_message_sent"
	TypeOlderMessages         = "older_messages"
	TypeRateLimited           = "rate_limited"
	TypeBanned                = "banned"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope splits an inbound frame into its type discriminator and the raw
// bytes; the bytes are decoded into the matching concrete struct once the
// type is known.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and pulls out just the type
// field. A frame without a type is rejected here, so every later stage can
// assume one is present.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to claim a display name and enter a room.
// A connection participates in at most one room at a time.
type JoinRoomMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// SendMessageMsg is a room-scoped chat message sent by the client.
type SendMessageMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Message  string `json:"message"`
}

// TypingMsg signals whether the client is currently composing a message.
type TypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

// SendPrivateMessageMsg is a direct message from one named user to another.
type SendPrivateMessageMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// FetchOlderMessagesMsg requests one fixed-size page of room history counted
// backward from the newest entry; pageIndex 0 is the most recent page.
type FetchOlderMessagesMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	PageSize  int    `json:"pageSize"`
	PageIndex int    `json:"pageIndex"`
}

// ReportUserMsg is sent by the client to report another user in the room for
// abusive behavior.
type ReportUserMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Reason   string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// LastMessagesMsg delivers the most recent room messages to a client that
// just joined, oldest first.
type LastMessagesMsg struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

// UserJoinedMsg announces to the room that a new user has joined. The joining
// user does not receive it.
type UserJoinedMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// UserLeftMsg announces to the room that a user has disconnected. The leaving
// user does not receive it.
type UserLeftMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// UserTypingMsg relays a typing indicator to the room, excluding the typist.
type UserTypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ReceivePrivateMessageMsg delivers a private message to its recipient.
type ReceivePrivateMessageMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PrivateMessageSentMsg confirms to the sender that a private message was
// stored. It is sent whether or not the recipient was online.
type PrivateMessageSentMsg struct {
	Type      string `json:"type"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// OlderMessagesMsg is the reply to fetch_older_messages: one page of room
// history, oldest first within the page.
type OlderMessagesMsg struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

// RateLimitedMsg tells the client an operation was dropped by a rate limit.
// RetryAfter is whole seconds until the window resets.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// BannedMsg is sent by the server when a join is refused because the claimed
// username is temporarily banned. ExpiresIn is the remaining ban in seconds.
type BannedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	ExpiresIn int    `json:"expiresIn"`
}

// ErrorMsg is sent by the server to communicate an error condition. Message
// is always safe user-facing text; internal detail goes to the server log.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes one frame into the concrete struct for its
// event type and returns the type alongside it. Unknown and server-only
// types fail with ErrUnknownType; the type string is still returned so the
// caller can log it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendPrivateMessage:
		var m SendPrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchOlderMessages:
		var m FetchOlderMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: %w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server event, forcing the "type" key to
// msgType. The payload is one of the Server*Msg structs or a chat.Message;
// going through a map lets the same function serve payloads that carry
// their own Type field and ones (like chat.Message) that do not.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

package session

import (
	"errors"
	"log"

	"github.com/ArditZubaku/my-realtime-chat/internal/protocol"
)

// HandleFrame decodes one client frame and routes it to the matching
// operation. Malformed frames and unknown types produce an error event
// instead of tearing the connection down.
func (m *Manager) HandleFrame(connID string, data []byte) {
	msgType, payload, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			m.sendError(connID, "unsupported message type")
			return
		}
		log.Printf("[session] bad frame from conn=%s: %v", connID, err)
		m.sendError(connID, "invalid message format")
		return
	}

	switch msg := payload.(type) {
	case protocol.JoinRoomMsg:
		m.Join(connID, msg)
	case protocol.SendMessageMsg:
		m.SendMessage(connID, msg)
	case protocol.TypingMsg:
		m.Typing(connID, msg)
	case protocol.SendPrivateMessageMsg:
		m.SendPrivate(connID, msg)
	case protocol.FetchOlderMessagesMsg:
		m.FetchOlder(connID, msg)
	case protocol.ReportUserMsg:
		m.Report(connID, msg)
	case protocol.PingMsg:
		m.sendEvent(connID, protocol.TypePong, protocol.PongMsg{})
	default:
		log.Printf("[session] unhandled %s from conn=%s", msgType, connID)
		m.sendError(connID, "unsupported message type")
	}
}

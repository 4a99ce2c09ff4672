package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/internal/chat"
	"github.com/ArditZubaku/my-realtime-chat/internal/metrics"
	"github.com/ArditZubaku/my-realtime-chat/internal/presence"
	"github.com/ArditZubaku/my-realtime-chat/internal/protocol"
	"github.com/ArditZubaku/my-realtime-chat/internal/ratelimit"
	"github.com/ArditZubaku/my-realtime-chat/internal/report"
)

// lastMessagesCount is how much room history a joining client receives.
const lastMessagesCount = 10

// Context window sizes for abuse report snapshots.
const (
	reportRoomContext    = 10
	reportPrivateContext = 5
)

// genericFailure is the user-facing text for backend errors. The detailed
// cause goes to the server log, never to the client.
const genericFailure = "something went wrong, please try again"

const defaultOpTimeout = 3 * time.Second

// HistoryReader is the slice of the message store the manager reads.
type HistoryReader interface {
	RoomTail(ctx context.Context, room string, n int) ([]chat.Message, error)
	RoomPage(ctx context.Context, room string, pageSize, pageIndex int) ([]chat.Message, error)
	ConversationTail(ctx context.Context, from, to string, n int) ([]chat.PrivateMessage, error)
}

// PresenceBinder maintains username -> location bindings.
type PresenceBinder interface {
	Bind(ctx context.Context, username string, loc presence.Location) error
	Unbind(ctx context.Context, username string, loc presence.Location) (bool, error)
}

// Bus is the subscription side of the fan-out bus: per-connection room
// subscriptions plus the instance-wide direct delivery channel.
type Bus interface {
	SubscribeRoom(room, connID string, deliver func(payload []byte)) error
	UnsubscribeRoom(connID string) error
	SubscribeDirect(server string, deliver func(connID string, payload []byte)) error
}

// Broadcaster is the write path for room and private traffic.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, msg chat.Message) error
	BroadcastTyping(room, username string, isTyping bool, origin string) error
	DeliverPrivate(ctx context.Context, pm chat.PrivateMessage) (bool, error)
	AnnounceJoin(room, username, origin string) error
	AnnounceLeave(room, username, origin string) error
}

// Sender writes an encoded event to one local connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// RateLimiter throttles actions under a caller-chosen identifier.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// BanChecker answers whether a username is currently banned and, if so, for
// how many more seconds and why.
type BanChecker interface {
	IsBanned(ctx context.Context, username string) (bool, int, string, error)
}

// ReportPublisher carries abuse reports to the moderator feed.
type ReportPublisher interface {
	PublishReport(data []byte) error
}

// Config wires a Manager's collaborators. Limiter, Bans and Reports are
// optional; leaving one nil disables the corresponding check.
type Config struct {
	ServerName string
	History    HistoryReader
	Presence   PresenceBinder
	Bus        Bus
	Router     Broadcaster
	Sender     Sender
	Limiter    RateLimiter
	Bans       BanChecker
	Reports    ReportPublisher
	OpTimeout  time.Duration
}

// Manager owns every session on this instance and applies the lifecycle
// rules: join only from Connected, chat operations only while Joined,
// idempotent teardown on disconnect.
type Manager struct {
	cfg      Config
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given wiring.
func NewManager(cfg Config) *Manager {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Start opens the instance-wide direct delivery subscription that carries
// private messages addressed to connections on this server. Call it once
// before accepting traffic.
func (m *Manager) Start() error {
	return m.cfg.Bus.SubscribeDirect(m.cfg.ServerName, func(connID string, payload []byte) {
		metrics.DeliveriesTotal.Inc()
		if err := m.cfg.Sender.SendMessage(connID, payload); err != nil {
			log.Printf("[session] direct delivery to conn=%s: %v", connID, err)
		}
	})
}

// Connect registers a newly accepted connection in the Connected state.
func (m *Manager) Connect(connID string) {
	m.mu.Lock()
	m.sessions[connID] = &Session{ConnID: connID, State: StateConnected}
	m.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	log.Printf("[session] connected conn=%s", connID)
}

// Join moves a Connected session into a room: presence bind, room
// subscription, synchronous history delivery to the requester, then an
// asynchronous join announcement to everyone else. Any failing step rolls
// the join back and leaves the session Connected.
func (m *Manager) Join(connID string, msg protocol.JoinRoomMsg) {
	m.mu.RLock()
	sess, ok := m.sessions[connID]
	state := StateClosed
	if ok {
		state = sess.State
	}
	m.mu.RUnlock()

	switch state {
	case StateClosed:
		return
	case StateJoined:
		m.sendError(connID, "already in a room")
		return
	}

	if err := chat.ValidateName(msg.Username); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid username: %v", err))
		return
	}
	if err := chat.ValidateName(msg.Room); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid room: %v", err))
		return
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	// No username is bound yet, so join attempts are throttled per
	// connection. Keying on the claimed name would let anyone drain a
	// name's budget without owning it.
	if !m.allow(ctx, connID, connID, ratelimit.RuleJoin) {
		return
	}

	// Moderation gate, not auth: a username under an active ban cannot
	// enter rooms. Check errors fail open.
	if m.cfg.Bans != nil {
		banned, remaining, reason, err := m.cfg.Bans.IsBanned(ctx, msg.Username)
		if err != nil {
			log.Printf("[session] ban check for %q: %v", msg.Username, err)
		} else if banned {
			m.sendEvent(connID, protocol.TypeBanned, protocol.BannedMsg{
				Reason:    reason,
				ExpiresIn: remaining,
			})
			return
		}
	}

	loc := presence.Location{Server: m.cfg.ServerName, ConnID: connID}
	if err := m.cfg.Presence.Bind(ctx, msg.Username, loc); err != nil {
		log.Printf("[session] join conn=%s: bind %q: %v", connID, msg.Username, err)
		m.sendError(connID, genericFailure)
		return
	}

	deliver := func(payload []byte) {
		metrics.DeliveriesTotal.Inc()
		if err := m.cfg.Sender.SendMessage(connID, payload); err != nil {
			log.Printf("[session] deliver to conn=%s: %v", connID, err)
		}
	}
	if err := m.cfg.Bus.SubscribeRoom(msg.Room, connID, deliver); err != nil {
		log.Printf("[session] join conn=%s: subscribe %q: %v", connID, msg.Room, err)
		m.rollbackJoin(ctx, connID, msg.Username, loc, false)
		m.sendError(connID, genericFailure)
		return
	}

	tail, err := m.cfg.History.RoomTail(ctx, msg.Room, lastMessagesCount)
	if err != nil {
		log.Printf("[session] join conn=%s: history of %q: %v", connID, msg.Room, err)
		m.rollbackJoin(ctx, connID, msg.Username, loc, true)
		m.sendError(connID, genericFailure)
		return
	}

	// Commit, unless the connection went away while we were binding.
	m.mu.Lock()
	sess, ok = m.sessions[connID]
	if !ok || sess.State != StateConnected {
		m.mu.Unlock()
		m.rollbackJoin(ctx, connID, msg.Username, loc, true)
		return
	}
	sess.Username = msg.Username
	sess.Room = msg.Room
	sess.State = StateJoined
	sess.JoinedAt = time.Now()
	m.mu.Unlock()

	metrics.SessionsJoined.Inc()
	log.Printf("[session] conn=%s joined room %q as %q", connID, msg.Room, msg.Username)

	m.sendEvent(connID, protocol.TypeLastMessages, protocol.LastMessagesMsg{Messages: tail})

	go func() {
		if err := m.cfg.Router.AnnounceJoin(msg.Room, msg.Username, connID); err != nil {
			log.Printf("[session] announce join of %q to %q: %v", msg.Username, msg.Room, err)
		}
	}()
}

// SendMessage validates a room message, stores it, and fans it out to the
// room, sender included. A failed store append means no fan-out and an
// explicit error back to the sender.
func (m *Manager) SendMessage(connID string, msg protocol.SendMessageMsg) {
	sess, ok := m.joined(connID)
	if !ok {
		m.sendError(connID, "join a room first")
		return
	}
	if err := chat.ValidateName(msg.Username); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid username: %v", err))
		return
	}
	if err := chat.ValidateName(msg.Room); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid room: %v", err))
		return
	}
	if err := chat.ValidateMessage(msg.Message); err != nil {
		m.sendError(connID, err.Error())
		return
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	// Keyed by the bound username: one message budget per user, shared
	// across instances and reconnects.
	if !m.allow(ctx, connID, sess.Username, ratelimit.RuleMessage) {
		return
	}

	out := chat.NewMessage(msg.Username, msg.Room, msg.Message)
	if err := m.cfg.Router.BroadcastMessage(ctx, out); err != nil {
		log.Printf("[session] broadcast from conn=%s to %q: %v", connID, msg.Room, err)
		m.sendError(connID, genericFailure)
		return
	}
	metrics.MessagesTotal.WithLabelValues("room").Inc()
}

// Typing fans a typing indicator out to the room, excluding the typist.
// The signal is best-effort: fan-out failures are logged and swallowed.
func (m *Manager) Typing(connID string, msg protocol.TypingMsg) {
	if _, ok := m.joined(connID); !ok {
		m.sendError(connID, "join a room first")
		return
	}
	if err := chat.ValidateName(msg.Username); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid username: %v", err))
		return
	}
	if err := chat.ValidateName(msg.Room); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid room: %v", err))
		return
	}

	if err := m.cfg.Router.BroadcastTyping(msg.Room, msg.Username, msg.IsTyping, connID); err != nil {
		log.Printf("[session] typing broadcast from conn=%s: %v", connID, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("typing").Inc()
}

// SendPrivate stores a private message in its directional conversation log,
// attempts direct delivery if the recipient is online, and confirms the send
// to the sender either way. An offline recipient is reported to the sender
// but does not fail the operation.
func (m *Manager) SendPrivate(connID string, msg protocol.SendPrivateMessageMsg) {
	sess, ok := m.joined(connID)
	if !ok {
		m.sendError(connID, "join a room first")
		return
	}
	if err := chat.ValidateName(msg.From); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid sender: %v", err))
		return
	}
	if err := chat.ValidateName(msg.To); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid recipient: %v", err))
		return
	}
	if err := chat.ValidateMessage(msg.Message); err != nil {
		m.sendError(connID, err.Error())
		return
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	if !m.allow(ctx, connID, sess.Username, ratelimit.RulePrivate) {
		return
	}

	pm := chat.NewPrivateMessage(msg.From, msg.To, msg.Message)
	delivered, err := m.cfg.Router.DeliverPrivate(ctx, pm)
	if err != nil {
		log.Printf("[session] private message conn=%s -> %q: %v", connID, msg.To, err)
		m.sendError(connID, genericFailure)
		return
	}
	if !delivered {
		m.sendError(connID, fmt.Sprintf("%s is not online; message saved", msg.To))
	}
	m.sendEvent(connID, protocol.TypePrivateMessageSent, protocol.PrivateMessageSentMsg{
		To:        msg.To,
		Message:   pm.Body,
		Timestamp: pm.Timestamp,
	})
	metrics.MessagesTotal.WithLabelValues("private").Inc()
}

// FetchOlder replies with one page of room history, counted backward from
// the newest message.
func (m *Manager) FetchOlder(connID string, msg protocol.FetchOlderMessagesMsg) {
	if _, ok := m.joined(connID); !ok {
		m.sendError(connID, "join a room first")
		return
	}
	if msg.Room == "" {
		m.sendError(connID, "room is required")
		return
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	page, err := m.cfg.History.RoomPage(ctx, msg.Room, msg.PageSize, msg.PageIndex)
	switch {
	case errors.Is(err, chat.ErrPageSize) || errors.Is(err, chat.ErrPageIndex):
		m.sendError(connID, err.Error())
		return
	case err != nil:
		log.Printf("[session] history page of %q conn=%s: %v", msg.Room, connID, err)
		m.sendError(connID, genericFailure)
		return
	}

	m.sendEvent(connID, protocol.TypeOlderMessages, protocol.OlderMessagesMsg{Messages: page})
}

// Report files an abuse report against another user, snapshotting recent
// room and private context for the moderator service.
func (m *Manager) Report(connID string, msg protocol.ReportUserMsg) {
	sess, ok := m.joined(connID)
	if !ok {
		m.sendError(connID, "join a room first")
		return
	}
	if m.cfg.Reports == nil {
		m.sendError(connID, "reporting is not available")
		return
	}
	if err := chat.ValidateName(msg.Username); err != nil {
		m.sendError(connID, fmt.Sprintf("invalid username: %v", err))
		return
	}
	if !report.ValidReason(msg.Reason) {
		m.sendError(connID, "invalid report reason")
		return
	}

	room := msg.Room
	if room == "" {
		room = sess.Room
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	rep := report.Report{
		Reporter: sess.Username,
		Reported: msg.Username,
		Room:     room,
		Reason:   msg.Reason,
		FiledAt:  time.Now().UnixMilli(),
		Context:  m.reportContext(ctx, sess, msg.Username),
	}
	data, err := json.Marshal(rep)
	if err != nil {
		log.Printf("[session] marshal report from conn=%s: %v", connID, err)
		m.sendError(connID, genericFailure)
		return
	}
	if err := m.cfg.Reports.PublishReport(data); err != nil {
		log.Printf("[session] file report from conn=%s: %v", connID, err)
		m.sendError(connID, genericFailure)
		return
	}

	metrics.ReportsFiled.Inc()
	log.Printf("[session] conn=%s reported %q in %q (%s)", connID, msg.Username, room, msg.Reason)
}

// reportContext snapshots recent room traffic plus both directions of the
// reporter/reported private conversation. Snapshot reads are best-effort: a
// failed read is logged and the report is filed without that slice.
func (m *Manager) reportContext(ctx context.Context, sess *Session, reported string) []report.ContextEntry {
	var entries []report.ContextEntry

	tail, err := m.cfg.History.RoomTail(ctx, sess.Room, reportRoomContext)
	if err != nil {
		log.Printf("[session] report context: room tail of %q: %v", sess.Room, err)
	}
	for _, msg := range tail {
		entries = append(entries, report.ContextEntry{
			Scope:     report.ScopeRoom,
			From:      msg.Sender,
			Message:   msg.Body,
			Timestamp: msg.Timestamp,
		})
	}

	for _, pair := range [][2]string{{sess.Username, reported}, {reported, sess.Username}} {
		pms, err := m.cfg.History.ConversationTail(ctx, pair[0], pair[1], reportPrivateContext)
		if err != nil {
			log.Printf("[session] report context: conversation %s->%s: %v", pair[0], pair[1], err)
			continue
		}
		for _, pm := range pms {
			entries = append(entries, report.ContextEntry{
				Scope:     report.ScopePrivate,
				From:      pm.From,
				Message:   pm.Body,
				Timestamp: pm.Timestamp,
			})
		}
	}
	return entries
}

// Disconnect tears a session down: room unsubscribe, conditional presence
// unbind, and a leave announcement if the session was in a room. It is
// idempotent; only the first call for a connection has any effect.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	sess, ok := m.sessions[connID]
	if !ok || sess.State == StateClosed {
		m.mu.Unlock()
		return
	}
	wasJoined := sess.State == StateJoined
	username, room := sess.Username, sess.Room
	sess.State = StateClosed
	delete(m.sessions, connID)
	m.mu.Unlock()

	metrics.ConnectionsActive.Dec()

	if !wasJoined {
		log.Printf("[session] disconnected conn=%s", connID)
		return
	}
	metrics.SessionsJoined.Dec()

	if err := m.cfg.Bus.UnsubscribeRoom(connID); err != nil {
		log.Printf("[session] unsubscribe conn=%s: %v", connID, err)
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	// The unbind is conditional on the stored location still being ours, so
	// a newer login under the same username is left untouched.
	loc := presence.Location{Server: m.cfg.ServerName, ConnID: connID}
	if _, err := m.cfg.Presence.Unbind(ctx, username, loc); err != nil {
		log.Printf("[session] unbind %q conn=%s: %v", username, connID, err)
	}

	go func() {
		if err := m.cfg.Router.AnnounceLeave(room, username, connID); err != nil {
			log.Printf("[session] announce leave of %q from %q: %v", username, room, err)
		}
	}()

	log.Printf("[session] conn=%s left room %q as %q", connID, room, username)
}

// rollbackJoin undoes the partial effects of a failed join so the session
// stays cleanly in Connected.
func (m *Manager) rollbackJoin(ctx context.Context, connID, username string, loc presence.Location, subscribed bool) {
	if subscribed {
		if err := m.cfg.Bus.UnsubscribeRoom(connID); err != nil {
			log.Printf("[session] rollback unsubscribe conn=%s: %v", connID, err)
		}
	}
	if _, err := m.cfg.Presence.Unbind(ctx, username, loc); err != nil {
		log.Printf("[session] rollback unbind %q: %v", username, err)
	}
}

// joined returns the session if the connection is currently in a room.
func (m *Manager) joined(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[connID]
	if !ok || sess.State != StateJoined {
		return nil, false
	}
	return sess, true
}

// allow applies a rate limit rule keyed by identifier, telling the client on
// connID when to retry on rejection. A nil limiter allows everything; limiter
// errors already fail open inside Allow.
func (m *Manager) allow(ctx context.Context, connID, identifier string, rule ratelimit.Rule) bool {
	if m.cfg.Limiter == nil {
		return true
	}
	ok, err := m.cfg.Limiter.Allow(ctx, identifier, rule)
	if err != nil {
		log.Printf("[session] rate limit check conn=%s: %v", connID, err)
	}
	if !ok {
		retry := m.cfg.Limiter.RetryAfter(ctx, identifier, rule)
		m.sendEvent(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	}
	return ok
}

func (m *Manager) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.OpTimeout)
}

// sendEvent encodes and writes one event to a single local connection.
func (m *Manager) sendEvent(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[session] encode %s: %v", msgType, err)
		return
	}
	if err := m.cfg.Sender.SendMessage(connID, data); err != nil {
		log.Printf("[session] send %s to conn=%s: %v", msgType, connID, err)
	}
}

// sendError sends an error event with safe user-facing text.
func (m *Manager) sendError(connID, message string) {
	m.sendEvent(connID, protocol.TypeError, protocol.ErrorMsg{Message: message})
}

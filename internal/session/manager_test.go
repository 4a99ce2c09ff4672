package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/internal/chat"
	"github.com/ArditZubaku/my-realtime-chat/internal/presence"
	"github.com/ArditZubaku/my-realtime-chat/internal/protocol"
	"github.com/ArditZubaku/my-realtime-chat/internal/ratelimit"
	"github.com/ArditZubaku/my-realtime-chat/internal/report"
	"github.com/ArditZubaku/my-realtime-chat/internal/router"
)

// ---------------------------------------------------------------------------
// In-memory fakes. The store mirrors the Redis list semantics (append-order
// logs, backward paging), the bus delivers synchronously in-process, and the
// presence fake keeps the conditional-unbind behavior.
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	rooms     map[string][]chat.Message
	convs     map[string][]chat.PrivateMessage
	appendErr error
	tailErr   error
}

func newMemStore() *memStore {
	return &memStore{
		rooms: make(map[string][]chat.Message),
		convs: make(map[string][]chat.PrivateMessage),
	}
}

func (s *memStore) seedRoom(room string, bodies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, body := range bodies {
		s.rooms[room] = append(s.rooms[room], chat.Message{
			Sender:    "seeder",
			Room:      room,
			Body:      body,
			Timestamp: int64(1700000000000 + i),
		})
	}
}

func (s *memStore) roomLen(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

func (s *memStore) convLen(from, to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[from+":"+to])
}

func (s *memStore) AppendRoom(ctx context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.rooms[msg.Room] = append(s.rooms[msg.Room], msg)
	return nil
}

func (s *memStore) AppendPrivate(ctx context.Context, pm chat.PrivateMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	key := pm.From + ":" + pm.To
	s.convs[key] = append(s.convs[key], pm)
	return nil
}

func (s *memStore) RoomTail(ctx context.Context, room string, n int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tailErr != nil {
		return nil, s.tailErr
	}
	if n <= 0 {
		return []chat.Message{}, nil
	}
	log := s.rooms[room]
	if n > len(log) {
		n = len(log)
	}
	out := make([]chat.Message, n)
	copy(out, log[len(log)-n:])
	return out, nil
}

func (s *memStore) RoomPage(ctx context.Context, room string, pageSize, pageIndex int) ([]chat.Message, error) {
	if pageSize <= 0 {
		return nil, chat.ErrPageSize
	}
	if pageIndex < 0 {
		return nil, chat.ErrPageIndex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.rooms[room]
	end := len(log) - 1 - pageIndex*pageSize
	if end < 0 {
		return []chat.Message{}, nil
	}
	start := end - pageSize + 1
	if start < 0 {
		start = 0
	}
	out := make([]chat.Message, end-start+1)
	copy(out, log[start:end+1])
	return out, nil
}

func (s *memStore) ConversationTail(ctx context.Context, from, to string, n int) ([]chat.PrivateMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.convs[from+":"+to]
	if n <= 0 {
		return []chat.PrivateMessage{}, nil
	}
	if n > len(log) {
		n = len(log)
	}
	out := make([]chat.PrivateMessage, n)
	copy(out, log[len(log)-n:])
	return out, nil
}

// loopBus is a synchronous in-process bus. Sharing one loopBus between two
// managers emulates two server instances on the same broker.
type loopBus struct {
	mu       sync.Mutex
	rooms    map[string]map[string]func([]byte)
	byConn   map[string]string
	direct   map[string]func(connID string, payload []byte)
	subErr   error
	unsubErr error
}

func newLoopBus() *loopBus {
	return &loopBus{
		rooms:  make(map[string]map[string]func([]byte)),
		byConn: make(map[string]string),
		direct: make(map[string]func(string, []byte)),
	}
}

func (b *loopBus) SubscribeRoom(room, connID string, deliver func(payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return b.subErr
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]func([]byte))
	}
	b.rooms[room][connID] = deliver
	b.byConn[connID] = room
	return nil
}

func (b *loopBus) UnsubscribeRoom(connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubErr != nil {
		return b.unsubErr
	}
	room, ok := b.byConn[connID]
	if !ok {
		return fmt.Errorf("no room subscription for %s", connID)
	}
	delete(b.rooms[room], connID)
	delete(b.byConn, connID)
	return nil
}

func (b *loopBus) SubscribeDirect(server string, deliver func(connID string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[server] = deliver
	return nil
}

func (b *loopBus) subscribed(connID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byConn[connID]
	return ok
}

func (b *loopBus) roomDelivers(room, except string) []func([]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []func([]byte)
	for connID, deliver := range b.rooms[room] {
		if connID == except {
			continue
		}
		out = append(out, deliver)
	}
	return out
}

func (b *loopBus) PublishRoomAll(room string, payload []byte) error {
	for _, deliver := range b.roomDelivers(room, "") {
		deliver(payload)
	}
	return nil
}

func (b *loopBus) PublishRoomExcept(room, origin string, payload []byte) error {
	for _, deliver := range b.roomDelivers(room, origin) {
		deliver(payload)
	}
	return nil
}

func (b *loopBus) PublishDirect(server, connID string, payload []byte) error {
	b.mu.Lock()
	deliver := b.direct[server]
	b.mu.Unlock()
	if deliver != nil {
		deliver(connID, payload)
	}
	return nil
}

type fakePresence struct {
	mu       sync.Mutex
	bindings map[string]presence.Location
	bindErr  error
}

func newFakePresence() *fakePresence {
	return &fakePresence{bindings: make(map[string]presence.Location)}
}

func (p *fakePresence) Bind(ctx context.Context, username string, loc presence.Location) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bindErr != nil {
		return p.bindErr
	}
	p.bindings[username] = loc
	return nil
}

func (p *fakePresence) Lookup(ctx context.Context, username string) (presence.Location, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc, ok := p.bindings[username]
	return loc, ok, nil
}

func (p *fakePresence) Unbind(ctx context.Context, username string, loc presence.Location) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.bindings[username]; ok && current == loc {
		delete(p.bindings, username)
		return true, nil
	}
	return false, nil
}

type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte)}
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	s.frames[connID] = append(s.frames[connID], frame)
	return nil
}

// eventsOf decodes every frame of the given type sent to a connection.
func (s *fakeSender) eventsOf(connID, msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, frame := range s.frames[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) countOf(connID, msgType string) int {
	return len(s.eventsOf(connID, msgType))
}

func (s *fakeSender) lastOf(connID, msgType string) (map[string]interface{}, bool) {
	events := s.eventsOf(connID, msgType)
	if len(events) == 0 {
		return nil, false
	}
	return events[len(events)-1], true
}

type banEntry struct {
	remaining int
	reason    string
}

type fakeBans struct {
	banned   map[string]banEntry
	checkErr error
}

func newFakeBans() *fakeBans {
	return &fakeBans{banned: make(map[string]banEntry)}
}

func (b *fakeBans) IsBanned(ctx context.Context, username string) (bool, int, string, error) {
	if b.checkErr != nil {
		return false, 0, "", b.checkErr
	}
	if entry, ok := b.banned[username]; ok {
		return true, entry.remaining, entry.reason, nil
	}
	return false, 0, "", nil
}

type fakeReports struct {
	mu        sync.Mutex
	published [][]byte
}

func (r *fakeReports) PublishReport(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	r.published = append(r.published, frame)
	return nil
}

func (r *fakeReports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

type fakeLimiter struct {
	allow bool
	retry int

	mu   sync.Mutex
	seen map[string]string // rule key -> last identifier checked
}

func (l *fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	if l.seen == nil {
		l.seen = make(map[string]string)
	}
	l.seen[rule.Key] = identifier
	l.mu.Unlock()
	return l.allow, nil
}

func (l *fakeLimiter) RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int {
	return l.retry
}

func (l *fakeLimiter) identifierFor(rule ratelimit.Rule) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[rule.Key]
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testEnv struct {
	store   *memStore
	bus     *loopBus
	pres    *fakePresence
	sender  *fakeSender
	bans    *fakeBans
	reports *fakeReports
	mgr     *Manager
}

// newTestEnv builds a manager over fresh in-memory backends.
func newTestEnv(t *testing.T) *testEnv {
	return newEnvOn(t, "chat-test-1", newMemStore(), newLoopBus(), newFakePresence())
}

// newEnvOn builds a manager instance named server over shared backends, so
// tests can stand up several instances against one store/bus/directory.
func newEnvOn(t *testing.T, server string, store *memStore, bus *loopBus, pres *fakePresence) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   store,
		bus:     bus,
		pres:    pres,
		sender:  newFakeSender(),
		bans:    newFakeBans(),
		reports: &fakeReports{},
	}
	env.mgr = NewManager(Config{
		ServerName: server,
		History:    store,
		Presence:   pres,
		Bus:        bus,
		Router:     router.New(store, bus, pres),
		Sender:     env.sender,
		Bans:       env.bans,
		Reports:    env.reports,
	})
	if err := env.mgr.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	return env
}

func (e *testEnv) join(t *testing.T, connID, username, room string) {
	t.Helper()
	e.mgr.Connect(connID)
	e.mgr.Join(connID, protocol.JoinRoomMsg{Username: username, Room: room})
	if _, ok := e.mgr.joined(connID); !ok {
		t.Fatalf("conn %s did not reach the joined state", connID)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives fire-and-forget announce goroutines time to land before
// asserting that something did NOT happen.
func settle() { time.Sleep(100 * time.Millisecond) }

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

func TestJoin_DeliversRecentHistory(t *testing.T) {
	env := newTestEnv(t)
	bodies := make([]string, 12)
	for i := range bodies {
		bodies[i] = fmt.Sprintf("m%d", i+1)
	}
	env.store.seedRoom("general", bodies...)

	env.join(t, "A", "alice", "general")

	last, ok := env.sender.lastOf("A", protocol.TypeLastMessages)
	if !ok {
		t.Fatal("expected a last_messages event")
	}
	messages, ok := last["messages"].([]interface{})
	if !ok {
		t.Fatalf("expected messages array, got %T", last["messages"])
	}
	if len(messages) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(messages))
	}
	first := messages[0].(map[string]interface{})
	lastMsg := messages[9].(map[string]interface{})
	if first["message"] != "m3" || lastMsg["message"] != "m12" {
		t.Errorf("expected window m3..m12 oldest first, got %v..%v", first["message"], lastMsg["message"])
	}
}

func TestJoin_AnnouncesToOthersButNotSelf(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	// Let alice's async announce land before bob subscribes; otherwise bob
	// legitimately receives it and the not-self check below cannot be read.
	settle()
	env.join(t, "B", "bob", "general")

	waitFor(t, "alice to see bob join", func() bool {
		return env.sender.countOf("A", protocol.TypeUserJoined) == 1
	})
	event, _ := env.sender.lastOf("A", protocol.TypeUserJoined)
	if event["username"] != "bob" || event["room"] != "general" {
		t.Errorf("unexpected user_joined payload: %v", event)
	}

	settle()
	if n := env.sender.countOf("B", protocol.TypeUserJoined); n != 0 {
		t.Errorf("joining user should not see their own announcement, got %d", n)
	}
}

func TestJoin_SecondJoinRejected(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "other"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok {
		t.Fatal("expected an error event for the second join")
	}
	if event["message"] != "already in a room" {
		t.Errorf("unexpected error text: %v", event["message"])
	}

	sess, ok := env.mgr.joined("A")
	if !ok || sess.Room != "general" {
		t.Error("session should still be joined to the first room")
	}
}

func TestJoin_InvalidUsernameRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice:evil", Room: "general"})

	if _, ok := env.sender.lastOf("A", protocol.TypeError); !ok {
		t.Fatal("expected an error event for a username with a colon")
	}

	// The session stayed Connected, so a clean join still works.
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})
	if _, ok := env.mgr.joined("A"); !ok {
		t.Error("expected join to succeed after fixing the username")
	}
}

func TestJoin_BindFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.pres.bindErr = fmt.Errorf("redis down")

	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != genericFailure {
		t.Fatalf("expected generic failure, got %v", event)
	}
	if env.bus.subscribed("A") {
		t.Error("no room subscription should remain after a failed join")
	}

	env.pres.bindErr = nil
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})
	if _, ok := env.mgr.joined("A"); !ok {
		t.Error("expected retry to succeed once the directory recovered")
	}
}

func TestJoin_SubscribeFailureUnbinds(t *testing.T) {
	env := newTestEnv(t)
	env.bus.subErr = fmt.Errorf("nats down")

	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})

	if _, ok := env.mgr.joined("A"); ok {
		t.Fatal("join should have failed")
	}
	if _, found, _ := env.pres.Lookup(context.Background(), "alice"); found {
		t.Error("presence binding should have been rolled back")
	}
}

func TestJoin_HistoryFailureRollsBackBindAndSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.store.tailErr = fmt.Errorf("redis down")

	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})

	if _, ok := env.mgr.joined("A"); ok {
		t.Fatal("join should have failed")
	}
	if env.bus.subscribed("A") {
		t.Error("room subscription should have been rolled back")
	}
	if _, found, _ := env.pres.Lookup(context.Background(), "alice"); found {
		t.Error("presence binding should have been rolled back")
	}
}

func TestJoin_BannedUsernameRefused(t *testing.T) {
	env := newTestEnv(t)
	env.bans.banned["mallory"] = banEntry{remaining: 900, reason: "multiple_reports"}

	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "mallory", Room: "general"})

	event, ok := env.sender.lastOf("A", protocol.TypeBanned)
	if !ok {
		t.Fatal("expected a banned event")
	}
	if event["reason"] != "multiple_reports" {
		t.Errorf("expected reason multiple_reports, got %v", event["reason"])
	}
	if int(event["expiresIn"].(float64)) != 900 {
		t.Errorf("expected expiresIn 900, got %v", event["expiresIn"])
	}
	if _, found, _ := env.pres.Lookup(context.Background(), "mallory"); found {
		t.Error("banned user must not be bound in the directory")
	}
}

func TestJoin_BanCheckErrorFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	env.bans.checkErr = fmt.Errorf("redis down")

	env.join(t, "A", "alice", "general")
}

func TestJoin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	limiter := &fakeLimiter{allow: false, retry: 42}
	env.mgr.cfg.Limiter = limiter

	env.mgr.Connect("A")
	env.mgr.Join("A", protocol.JoinRoomMsg{Username: "alice", Room: "general"})

	event, ok := env.sender.lastOf("A", protocol.TypeRateLimited)
	if !ok {
		t.Fatal("expected a rate_limited event")
	}
	if int(event["retryAfter"].(float64)) != 42 {
		t.Errorf("expected retryAfter 42, got %v", event["retryAfter"])
	}
	if _, found, _ := env.pres.Lookup(context.Background(), "alice"); found {
		t.Error("rate limited join must not bind presence")
	}
	// Join attempts are throttled per connection, not per claimed name.
	if id := limiter.identifierFor(ratelimit.RuleJoin); id != "A" {
		t.Errorf("join limit keyed by %q, expected connection id", id)
	}
}

// ---------------------------------------------------------------------------
// Room messages and typing
// ---------------------------------------------------------------------------

func TestSendMessage_FansOutToRoomIncludingSender(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")

	env.mgr.SendMessage("A", protocol.SendMessageMsg{Username: "alice", Room: "general", Message: "hi all"})

	for _, connID := range []string{"A", "B"} {
		event, ok := env.sender.lastOf(connID, protocol.TypeReceiveMessage)
		if !ok {
			t.Fatalf("conn %s did not receive the message", connID)
		}
		if event["sender"] != "alice" || event["message"] != "hi all" {
			t.Errorf("conn %s got unexpected payload: %v", connID, event)
		}
		if ts, _ := event["timestamp"].(float64); ts <= 0 {
			t.Errorf("conn %s got missing timestamp: %v", connID, event["timestamp"])
		}
	}
	if n := env.store.roomLen("general"); n != 1 {
		t.Errorf("expected 1 stored message, got %d", n)
	}
}

func TestSendMessage_RequiresJoin(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")

	env.mgr.SendMessage("A", protocol.SendMessageMsg{Username: "alice", Room: "general", Message: "hi"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != "join a room first" {
		t.Fatalf("expected join-first error, got %v", event)
	}
	if n := env.store.roomLen("general"); n != 0 {
		t.Errorf("nothing should be stored, got %d messages", n)
	}
}

func TestSendMessage_AppendFailureSuppressesFanout(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")
	env.store.appendErr = fmt.Errorf("redis down")

	env.mgr.SendMessage("A", protocol.SendMessageMsg{Username: "alice", Room: "general", Message: "hi"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != genericFailure {
		t.Fatalf("expected generic failure for the sender, got %v", event)
	}
	if n := env.sender.countOf("B", protocol.TypeReceiveMessage); n != 0 {
		t.Errorf("failed append must not fan out, conn B got %d messages", n)
	}
}

func TestSendMessage_OversizeRejected(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	big := make([]byte, chat.MaxMessageBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	env.mgr.SendMessage("A", protocol.SendMessageMsg{Username: "alice", Room: "general", Message: string(big)})

	if _, ok := env.sender.lastOf("A", protocol.TypeError); !ok {
		t.Fatal("expected an error event for an oversize message")
	}
	if n := env.store.roomLen("general"); n != 0 {
		t.Errorf("oversize message must not be stored, got %d", n)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")

	limiter := &fakeLimiter{allow: false, retry: 7}
	env.mgr.cfg.Limiter = limiter

	env.mgr.SendMessage("A", protocol.SendMessageMsg{Username: "alice", Room: "general", Message: "spam"})

	event, ok := env.sender.lastOf("A", protocol.TypeRateLimited)
	if !ok {
		t.Fatal("expected a rate_limited event")
	}
	if int(event["retryAfter"].(float64)) != 7 {
		t.Errorf("expected retryAfter 7, got %v", event["retryAfter"])
	}
	if n := env.store.roomLen("general"); n != 0 {
		t.Errorf("rate limited message must not be stored, got %d", n)
	}
	if n := env.sender.countOf("B", protocol.TypeReceiveMessage); n != 0 {
		t.Errorf("rate limited message must not fan out, conn B got %d", n)
	}
	// Message budgets follow the bound username across connections.
	if id := limiter.identifierFor(ratelimit.RuleMessage); id != "alice" {
		t.Errorf("message limit keyed by %q, expected the bound username", id)
	}
}

func TestTyping_ExcludesTypist(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")

	env.mgr.Typing("A", protocol.TypingMsg{Username: "alice", Room: "general", IsTyping: true})

	event, ok := env.sender.lastOf("B", protocol.TypeUserTyping)
	if !ok {
		t.Fatal("expected bob to receive the typing indicator")
	}
	if event["username"] != "alice" || event["isTyping"] != true {
		t.Errorf("unexpected typing payload: %v", event)
	}
	if n := env.sender.countOf("A", protocol.TypeUserTyping); n != 0 {
		t.Errorf("typist should not receive their own indicator, got %d", n)
	}
	if n := env.store.roomLen("general"); n != 0 {
		t.Errorf("typing must not be persisted, got %d entries", n)
	}
}

// ---------------------------------------------------------------------------
// Private messages
// ---------------------------------------------------------------------------

func TestSendPrivate_DeliversWhenOnline(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "quiet")

	env.mgr.SendPrivate("A", protocol.SendPrivateMessageMsg{From: "alice", To: "bob", Message: "lunch?"})

	event, ok := env.sender.lastOf("B", protocol.TypeReceivePrivateMessage)
	if !ok {
		t.Fatal("expected bob to receive the private message")
	}
	if event["from"] != "alice" || event["message"] != "lunch?" {
		t.Errorf("unexpected payload: %v", event)
	}

	confirm, ok := env.sender.lastOf("A", protocol.TypePrivateMessageSent)
	if !ok {
		t.Fatal("expected a private_message_sent confirmation")
	}
	if confirm["to"] != "bob" {
		t.Errorf("expected confirmation to name bob, got %v", confirm["to"])
	}
	if n := env.store.convLen("alice", "bob"); n != 1 {
		t.Errorf("expected 1 stored private message, got %d", n)
	}
}

func TestSendPrivate_OfflineRecipientStillStored(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	env.mgr.SendPrivate("A", protocol.SendPrivateMessageMsg{From: "alice", To: "carol", Message: "you there?"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok {
		t.Fatal("expected an offline notice")
	}
	if event["message"] != "carol is not online; message saved" {
		t.Errorf("unexpected notice: %v", event["message"])
	}
	if _, ok := env.sender.lastOf("A", protocol.TypePrivateMessageSent); !ok {
		t.Error("offline send should still be confirmed")
	}
	if n := env.store.convLen("alice", "carol"); n != 1 {
		t.Errorf("expected 1 stored private message, got %d", n)
	}
}

func TestSendPrivate_CrossInstance(t *testing.T) {
	store := newMemStore()
	bus := newLoopBus()
	pres := newFakePresence()

	env1 := newEnvOn(t, "chat-1", store, bus, pres)
	env2 := newEnvOn(t, "chat-2", store, bus, pres)

	env1.join(t, "A", "alice", "general")
	env2.join(t, "B", "bob", "general")

	env1.mgr.SendPrivate("A", protocol.SendPrivateMessageMsg{From: "alice", To: "bob", Message: "across the wire"})

	event, ok := env2.sender.lastOf("B", protocol.TypeReceivePrivateMessage)
	if !ok {
		t.Fatal("expected delivery on the recipient's instance")
	}
	if event["from"] != "alice" || event["message"] != "across the wire" {
		t.Errorf("unexpected payload: %v", event)
	}
}

// ---------------------------------------------------------------------------
// History paging
// ---------------------------------------------------------------------------

func TestFetchOlder_PagesBackward(t *testing.T) {
	env := newTestEnv(t)
	bodies := make([]string, 10)
	for i := range bodies {
		bodies[i] = fmt.Sprintf("m%d", i+1)
	}
	env.store.seedRoom("general", bodies...)
	env.join(t, "A", "alice", "general")

	env.mgr.FetchOlder("A", protocol.FetchOlderMessagesMsg{Room: "general", PageSize: 3, PageIndex: 1})

	event, ok := env.sender.lastOf("A", protocol.TypeOlderMessages)
	if !ok {
		t.Fatal("expected an older_messages event")
	}
	messages := event["messages"].([]interface{})
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	got := []string{}
	for _, raw := range messages {
		got = append(got, raw.(map[string]interface{})["message"].(string))
	}
	if got[0] != "m5" || got[1] != "m6" || got[2] != "m7" {
		t.Errorf("expected page m5,m6,m7, got %v", got)
	}
}

func TestFetchOlder_PastHistoryIsEmptyNotError(t *testing.T) {
	env := newTestEnv(t)
	env.store.seedRoom("general", "m1", "m2")
	env.join(t, "A", "alice", "general")

	env.mgr.FetchOlder("A", protocol.FetchOlderMessagesMsg{Room: "general", PageSize: 5, PageIndex: 9})

	event, ok := env.sender.lastOf("A", protocol.TypeOlderMessages)
	if !ok {
		t.Fatal("expected an older_messages event")
	}
	if messages, _ := event["messages"].([]interface{}); len(messages) != 0 {
		t.Errorf("expected an empty page, got %v", messages)
	}
	if n := env.sender.countOf("A", protocol.TypeError); n != 0 {
		t.Error("an out-of-range page is not an error")
	}
}

func TestFetchOlder_InvalidParamsNamed(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	env.mgr.FetchOlder("A", protocol.FetchOlderMessagesMsg{Room: "general", PageSize: 0, PageIndex: 0})
	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != chat.ErrPageSize.Error() {
		t.Errorf("expected page size error, got %v", event)
	}

	env.mgr.FetchOlder("A", protocol.FetchOlderMessagesMsg{Room: "general", PageSize: 5, PageIndex: -1})
	event, ok = env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != chat.ErrPageIndex.Error() {
		t.Errorf("expected page index error, got %v", event)
	}
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func TestReport_PublishesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.store.seedRoom("general", "hello", "buy now!!")
	env.join(t, "A", "alice", "general")

	env.mgr.SendPrivate("A", protocol.SendPrivateMessageMsg{From: "alice", To: "mallory", Message: "stop it"})
	env.mgr.Report("A", protocol.ReportUserMsg{Username: "mallory", Reason: "spam"})

	if env.reports.count() != 1 {
		t.Fatalf("expected 1 published report, got %d", env.reports.count())
	}
	var rep report.Report
	if err := json.Unmarshal(env.reports.published[0], &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Reporter != "alice" || rep.Reported != "mallory" {
		t.Errorf("unexpected parties: %s -> %s", rep.Reporter, rep.Reported)
	}
	if rep.Room != "general" {
		t.Errorf("expected room general, got %q", rep.Room)
	}
	if rep.FiledAt <= 0 {
		t.Error("expected a filed_at timestamp")
	}

	var roomEntries, privateEntries int
	for _, entry := range rep.Context {
		switch entry.Scope {
		case report.ScopeRoom:
			roomEntries++
		case report.ScopePrivate:
			privateEntries++
		}
	}
	if roomEntries != 2 {
		t.Errorf("expected 2 room context entries, got %d", roomEntries)
	}
	if privateEntries != 1 {
		t.Errorf("expected 1 private context entry, got %d", privateEntries)
	}
}

func TestReport_InvalidReasonRejected(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	env.mgr.Report("A", protocol.ReportUserMsg{Username: "mallory", Reason: "because"})

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != "invalid report reason" {
		t.Fatalf("expected invalid reason error, got %v", event)
	}
	if env.reports.count() != 0 {
		t.Error("invalid report must not be published")
	}
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestDisconnect_AnnouncesLeaveExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")

	env.mgr.Disconnect("A")
	env.mgr.Disconnect("A")

	waitFor(t, "bob to see alice leave", func() bool {
		return env.sender.countOf("B", protocol.TypeUserLeft) >= 1
	})
	settle()
	if n := env.sender.countOf("B", protocol.TypeUserLeft); n != 1 {
		t.Errorf("expected exactly one user_left, got %d", n)
	}
	event, _ := env.sender.lastOf("B", protocol.TypeUserLeft)
	if event["username"] != "alice" {
		t.Errorf("expected alice to be announced, got %v", event["username"])
	}
	if _, found, _ := env.pres.Lookup(context.Background(), "alice"); found {
		t.Error("presence binding should be gone after disconnect")
	}
	if env.bus.subscribed("A") {
		t.Error("room subscription should be gone after disconnect")
	}
}

func TestDisconnect_BeforeJoinIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "B", "bob", "general")
	env.mgr.Connect("A")

	env.mgr.Disconnect("A")

	settle()
	if n := env.sender.countOf("B", protocol.TypeUserLeft); n != 0 {
		t.Errorf("a never-joined connection must not be announced, got %d", n)
	}
}

func TestDisconnect_UnsubscribeFailureStillCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")
	env.join(t, "B", "bob", "general")
	env.bus.unsubErr = fmt.Errorf("nats down")

	env.mgr.Disconnect("A")

	if _, found, _ := env.pres.Lookup(context.Background(), "alice"); found {
		t.Error("presence should be unbound even when unsubscribe fails")
	}
	waitFor(t, "bob to see alice leave", func() bool {
		return env.sender.countOf("B", protocol.TypeUserLeft) == 1
	})
}

func TestDisconnect_StaleUnbindKeepsNewerBinding(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "A", "alice", "general")

	// The same username logs in again from a second connection; the
	// directory now points at the newer socket.
	env.join(t, "C", "alice", "general")

	env.mgr.Disconnect("A")

	loc, found, _ := env.pres.Lookup(context.Background(), "alice")
	if !found {
		t.Fatal("newer binding should survive the old socket's teardown")
	}
	if loc.ConnID != "C" {
		t.Errorf("expected binding to point at conn C, got %q", loc.ConnID)
	}
}

// ---------------------------------------------------------------------------
// Frame dispatch
// ---------------------------------------------------------------------------

func TestHandleFrame_RoutesJoin(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")

	env.mgr.HandleFrame("A", []byte(`{"type":"join_room","username":"alice","room":"general"}`))

	if _, ok := env.mgr.joined("A"); !ok {
		t.Error("expected the frame to drive a join")
	}
}

func TestHandleFrame_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")

	env.mgr.HandleFrame("A", []byte(`{not json`))

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != "invalid message format" {
		t.Fatalf("expected invalid format error, got %v", event)
	}
}

func TestHandleFrame_UnknownType(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")

	env.mgr.HandleFrame("A", []byte(`{"type":"self_destruct"}`))

	event, ok := env.sender.lastOf("A", protocol.TypeError)
	if !ok || event["message"] != "unsupported message type" {
		t.Fatalf("expected unsupported type error, got %v", event)
	}
}

func TestHandleFrame_PingPong(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Connect("A")

	env.mgr.HandleFrame("A", []byte(`{"type":"ping"}`))

	if n := env.sender.countOf("A", protocol.TypePong); n != 1 {
		t.Errorf("expected one pong, got %d", n)
	}
}

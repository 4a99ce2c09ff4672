// Package main implements a standalone end-to-end integration test for the
// chat backend. It validates the full user journey against a running Docker
// Compose stack: health checks, joining a room, room message fan-out, private
// messages, history paging, leave announcements, and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Chat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))

	// Scenarios 2-6 share two joined clients; run them as a group.
	results = append(results, chatJourney(ctx, *wsURL)...)

	// Optional scenario (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health
	if err := httpGetExpectOK(ctx, apiBase+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	// 1b. /metrics: expect Prometheus text with rtchat_connections_active.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "rtchat_connections_active") {
		return scenarioResult{name, resultFail, "/metrics: missing rtchat_connections_active"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenarios 2-6: Connect and Join, Room Messages, Private Messages,
// History Paging, Leave Announcement
// ---------------------------------------------------------------------------

// msgEvent is a decoded receive_message payload.
type msgEvent struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// chatJourney runs the shared two-user journey and returns one result per
// scenario. A failure marks the failing scenario and leaves the rest as
// skipped.
func chatJourney(ctx context.Context, wsURL string) []scenarioResult {
	names := []string{
		"Scenario 2: Connect and Join",
		"Scenario 3: Room Messages",
		"Scenario 4: Private Messages",
		"Scenario 5: History Paging",
		"Scenario 6: Leave Announcement",
	}
	results := make([]scenarioResult, len(names))
	for i, n := range names {
		results[i] = scenarioResult{n, resultFail, "skipped: earlier scenario failed"}
	}
	fail := func(idx int, reason string) []scenarioResult {
		results[idx] = scenarioResult{names[idx], resultFail, reason}
		return results
	}

	// Unique room and usernames per run so history and rate limit counters
	// from earlier runs cannot interfere.
	runTag := time.Now().Format("150405")
	room := fmt.Sprintf("e2e-%s", runTag)
	aliceName := fmt.Sprintf("alice-%s", runTag)
	bobName := fmt.Sprintf("bob-%s", runTag)

	// --- Connect two clients ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	alice, err := client.New(connCtx, wsURL)
	if err != nil {
		return fail(0, fmt.Sprintf("alice connect: %v", err))
	}
	defer alice.Close()

	bob, err := client.New(connCtx, wsURL)
	if err != nil {
		return fail(0, fmt.Sprintf("bob connect: %v", err))
	}
	defer bob.Close()

	// Register every handler the journey needs before joining, while the
	// server is still silent.
	aliceJoined := make(chan string, 4)
	aliceRecv := make(chan msgEvent, 16)
	alicePMSent := make(chan string, 4) // carries the confirmed text
	aliceOlder := make(chan []msgEvent, 4)
	bobRecv := make(chan msgEvent, 16)
	bobPM := make(chan msgEvent, 4) // Sender carries "from"
	bobLeft := make(chan string, 4)

	alice.On(client.TypeUserJoined, func(raw json.RawMessage) {
		var msg struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Username != "" {
			select {
			case aliceJoined <- msg.Username:
			default:
			}
		}
	})

	alice.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var msg msgEvent
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case aliceRecv <- msg:
			default:
			}
		}
	})

	alice.On(client.TypePrivateMessageSent, func(raw json.RawMessage) {
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case alicePMSent <- msg.Message:
			default:
			}
		}
	})

	alice.On(client.TypeOlderMessages, func(raw json.RawMessage) {
		var msg struct {
			Messages []msgEvent `json:"messages"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case aliceOlder <- msg.Messages:
			default:
			}
		}
	})

	bob.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var msg msgEvent
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case bobRecv <- msg:
			default:
			}
		}
	})

	bob.On(client.TypeReceivePrivateMessage, func(raw json.RawMessage) {
		var msg struct {
			From    string `json:"from"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case bobPM <- msgEvent{Sender: msg.From, Message: msg.Message}:
			default:
			}
		}
	})

	bob.On(client.TypeUserLeft, func(raw json.RawMessage) {
		var msg struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Username != "" {
			select {
			case bobLeft <- msg.Username:
			default:
			}
		}
	})

	// --- Scenario 2: Connect and Join ---
	if err := alice.Join(connCtx, aliceName, room); err != nil {
		return fail(0, fmt.Sprintf("alice join: %v", err))
	}
	if err := bob.Join(connCtx, bobName, room); err != nil {
		return fail(0, fmt.Sprintf("bob join: %v", err))
	}

	// Alice should be told that bob arrived.
	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	defer joinCancel()

	select {
	case who := <-aliceJoined:
		if who != bobName {
			return fail(0, fmt.Sprintf("user_joined for %q, expected %q", who, bobName))
		}
	case <-joinCtx.Done():
		return fail(0, "timeout waiting for user_joined on alice")
	}

	results[0] = scenarioResult{names[0], resultPass, fmt.Sprintf("room=%s", room)}

	// --- Scenario 3: Room Messages ---
	chatCtx, chatCancel := context.WithTimeout(ctx, 10*time.Second)
	defer chatCancel()

	textA := "Hello from alice"
	if err := alice.Send(map[string]string{
		"type":     client.TypeSendMessage,
		"username": aliceName,
		"room":     room,
		"message":  textA,
	}); err != nil {
		return fail(1, fmt.Sprintf("alice send: %v", err))
	}

	// Fan-out includes the sender: both alice and bob must receive it.
	if err := expectMessage(chatCtx, aliceRecv, aliceName, textA); err != nil {
		return fail(1, fmt.Sprintf("alice echo: %v", err))
	}
	if err := expectMessage(chatCtx, bobRecv, aliceName, textA); err != nil {
		return fail(1, fmt.Sprintf("bob recv: %v", err))
	}

	textB := "Hello from bob"
	if err := bob.Send(map[string]string{
		"type":     client.TypeSendMessage,
		"username": bobName,
		"room":     room,
		"message":  textB,
	}); err != nil {
		return fail(1, fmt.Sprintf("bob send: %v", err))
	}

	if err := expectMessage(chatCtx, aliceRecv, bobName, textB); err != nil {
		return fail(1, fmt.Sprintf("alice recv: %v", err))
	}
	if err := expectMessage(chatCtx, bobRecv, bobName, textB); err != nil {
		return fail(1, fmt.Sprintf("bob echo: %v", err))
	}

	results[1] = scenarioResult{names[1], resultPass, "2 messages, 4 deliveries"}

	// --- Scenario 4: Private Messages ---
	pmCtx, pmCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pmCancel()

	pmText := "psst, this is private"
	if err := alice.Send(map[string]string{
		"type":    client.TypeSendPrivateMessage,
		"from":    aliceName,
		"to":      bobName,
		"message": pmText,
	}); err != nil {
		return fail(2, fmt.Sprintf("alice send pm: %v", err))
	}

	select {
	case pm := <-bobPM:
		if pm.Sender != aliceName || pm.Message != pmText {
			return fail(2, fmt.Sprintf("pm mismatch: from=%q text=%q", pm.Sender, pm.Message))
		}
	case <-pmCtx.Done():
		return fail(2, "timeout: bob did not receive private message")
	}

	// Alice gets a stored confirmation whether or not bob was online.
	select {
	case confirmed := <-alicePMSent:
		if confirmed != pmText {
			return fail(2, fmt.Sprintf("confirmation mismatch: %q", confirmed))
		}
	case <-pmCtx.Done():
		return fail(2, "timeout: alice did not receive private_message_sent")
	}

	results[2] = scenarioResult{names[2], resultPass, "delivered and confirmed"}

	// --- Scenario 5: History Paging ---
	histCtx, histCancel := context.WithTimeout(ctx, 10*time.Second)
	defer histCancel()

	if err := alice.Send(map[string]interface{}{
		"type":      client.TypeFetchOlderMessages,
		"room":      room,
		"pageSize":  10,
		"pageIndex": 0,
	}); err != nil {
		return fail(3, fmt.Sprintf("alice fetch: %v", err))
	}

	select {
	case page := <-aliceOlder:
		var gotA, gotB bool
		for _, m := range page {
			if m.Message == textA {
				gotA = true
			}
			if m.Message == textB {
				gotB = true
			}
		}
		if !gotA || !gotB {
			return fail(3, fmt.Sprintf("page missing messages: got %d entries", len(page)))
		}
		results[3] = scenarioResult{names[3], resultPass, fmt.Sprintf("%d entries", len(page))}
	case <-histCtx.Done():
		return fail(3, "timeout waiting for older_messages")
	}

	// --- Scenario 6: Leave Announcement ---
	leaveCtx, leaveCancel := context.WithTimeout(ctx, 10*time.Second)
	defer leaveCancel()

	alice.Close()

	select {
	case who := <-bobLeft:
		if who != aliceName {
			return fail(4, fmt.Sprintf("user_left for %q, expected %q", who, aliceName))
		}
	case <-leaveCtx.Done():
		return fail(4, "timeout: bob did not receive user_left")
	}

	bob.Close()
	results[4] = scenarioResult{names[4], resultPass, "clean disconnect"}
	return results
}

// expectMessage waits for a receive_message with the given sender and text,
// skipping unrelated room traffic.
func expectMessage(ctx context.Context, ch <-chan msgEvent, sender, text string) error {
	for {
		select {
		case m := <-ch:
			if m.Sender == sender && m.Message == text {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %q from %s", text, sender)
		}
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	connCtx, connCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	rateLimited := make(chan struct{}, 1)
	c.On(client.TypeRateLimited, func(_ json.RawMessage) {
		select {
		case rateLimited <- struct{}{}:
		default:
		}
	})

	runTag := time.Now().Format("150405")
	username := fmt.Sprintf("rl-%s", runTag)
	room := fmt.Sprintf("e2e-rl-%s", runTag)
	if err := c.Join(connCtx, username, room); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}

	// Send 30 messages rapidly (limit is 20 per 10s window).
	sentCount := 0
	for i := 0; i < 30; i++ {
		err := c.Send(map[string]string{
			"type":     client.TypeSendMessage,
			"username": username,
			"room":     room,
			"message":  fmt.Sprintf("rapid message %d", i+1),
		})
		if err != nil {
			break
		}
		sentCount++
	}

	// Wait briefly for rate_limited response.
	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited arrived after %d rapid messages", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("%d rapid messages drew no rate_limited event; check the limiter rules", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// httpGetExpectOK performs an HTTP GET and checks for a 200 status code.
func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

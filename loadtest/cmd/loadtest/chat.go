package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/loadtest/client"
	"github.com/ArditZubaku/my-realtime-chat/loadtest/stats"
)

// chatUser tracks one simulated user joined to a room.
type chatUser struct {
	c        *client.Client
	username string
	roomIdx  int
}

// runChat implements the room chat load test. Simulated users connect, join
// rooms, and exchange messages for a fixed duration. The server fans every
// room message out to all members including the sender, so each sender's own
// echo carries an exact delivery round trip: message bodies embed the send
// time, and the receive handler computes the RTT when its own message comes
// back.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket endpoint to dial")
	clientCount := fs.Int("clients", 200, "Number of simulated users")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread the users across")
	rampUp := fs.Duration("ramp", 10*time.Second, "Time over which connections are opened")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long the chat phase runs")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "How often each user sends a message")
	msgSize := fs.Int("msg-size", 128, "Message body size in bytes")
	concurrency := fs.Int("concurrency", 50, "Cap on in-flight dial attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Server metrics endpoint to scrape")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "How often to scrape server metrics")
	fs.Parse(args)

	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("Chat test: %d clients across %d rooms to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*clientCount, *rooms, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Ctrl-C cancels the run at any phase.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	runTag := time.Now().Format("150405")

	// Global counters shared by all receive handlers and senders.
	var totalSent atomic.Int64
	var totalRecv atomic.Int64
	var rateLimited atomic.Int64
	var errorCount atomic.Int64
	sentPerRoom := make([]atomic.Int64, *rooms)

	// Slice to track all joined users for the chat phase and cleanup.
	var mu sync.Mutex
	users := make([]*chatUser, 0, *clientCount)

	// Track whether ramp-up was interrupted so we can skip the chat phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1: Connect and join
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect and join ---")

	interval := *rampUp / time.Duration(*clientCount)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Bound how many dials are in flight at once.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Join-phase progress line every 2 seconds.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [join] joined: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, *clientCount, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *clientCount {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted while joining.")
			interrupted = true
			launched = *clientCount // Break the loop.
		case <-rampTicker.C:
			launched++
			seq := launched
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				username := fmt.Sprintf("chat-%s-%04d", runTag, seq)
				roomIdx := seq % *rooms

				// Handlers must be in place before the join so no early
				// fan-out is missed.
				c.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
					totalRecv.Add(1)
					var msg struct {
						Sender  string `json:"sender"`
						Message string `json:"message"`
					}
					if err := json.Unmarshal(raw, &msg); err != nil {
						return
					}
					if msg.Sender != username {
						return
					}
					// Own echo: the payload carries the send time.
					if sentAt, ok := decodeSentTime(msg.Message); ok {
						collector.AddMsgLatency(time.Since(time.Unix(0, sentAt)))
					}
				})
				c.On(client.TypeRateLimited, func(json.RawMessage) {
					rateLimited.Add(1)
				})
				c.On(client.TypeError, func(json.RawMessage) {
					errorCount.Add(1)
				})

				if err := c.Join(connCtx, username, roomName(roomIdx)); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)
				collector.AddJoin(m.JoinLatency)

				mu.Lock()
				users = append(users, &chatUser{c: c, username: username, roomIdx: roomIdx})
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	joinedCount := len(users)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d users joined in %s (%d errors)\n",
		joinedCount, *clientCount,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || joinedCount == 0 {
		if joinedCount == 0 {
			fmt.Println("No users joined; skipping chat phase.")
		} else {
			fmt.Println("Interrupted; skipping chat phase.")
		}
		cleanup(users, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// Room membership after the join phase, for computing expected fan-out.
	members := make([]int64, *rooms)
	mu.Lock()
	for _, u := range users {
		members[u.roomIdx]++
	}
	chatUsers := make([]*chatUser, len(users))
	copy(chatUsers, users)
	mu.Unlock()

	// -----------------------------------------------------------------------
	// Phase 2: Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Chatting for %s ---\n", *chatDuration)

	// Generate message padding once (reused by all senders).
	padding := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	padding = padding[:*msgSize]

	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
	defer chatCancel()

	// Chat-phase progress line every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  rate-limited: %d  errors: %d\n",
					totalSent.Load(), totalRecv.Load(), rateLimited.Load(), errorCount.Load())
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	var senderWg sync.WaitGroup
	for i, u := range chatUsers {
		i, u := i, u
		senderWg.Add(1)
		go func() {
			defer senderWg.Done()

			// Stagger senders across one interval so ticks do not align.
			stagger := time.Duration(i) * *msgInterval / time.Duration(len(chatUsers))
			select {
			case <-time.After(stagger):
			case <-chatCtx.Done():
				return
			}

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					body := encodePayload(time.Now().UnixNano(), padding)
					if err := u.c.Send(map[string]string{
						"type":     client.TypeSendMessage,
						"username": u.username,
						"room":     roomName(u.roomIdx),
						"message":  body,
					}); err != nil {
						errorCount.Add(1)
						collector.AddError()
						return
					}
					totalSent.Add(1)
					sentPerRoom[u.roomIdx].Add(1)
				}
			}
		}()
	}

	senderWg.Wait()

	// Drain window: fan-out for the last sends is still in flight.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Delivery accounting
	// -----------------------------------------------------------------------
	sent := totalSent.Load()
	recv := totalRecv.Load()

	// Every message should reach every member of its room, sender included.
	var expected int64
	for r := 0; r < *rooms; r++ {
		expected += sentPerRoom[r].Load() * members[r]
	}

	fmt.Printf("\n--- Chat Phase Results ---\n")
	fmt.Printf("Users joined:      %d / %d\n", joinedCount, *clientCount)
	fmt.Printf("Rooms:             %d\n", *rooms)
	fmt.Printf("Messages sent:     %d\n", sent)
	fmt.Printf("Deliveries seen:   %d\n", recv)
	fmt.Printf("Expected:          %d (messages x room members)\n", expected)
	if expected > 0 {
		fmt.Printf("Delivery ratio:    %.2f%%\n", float64(recv)/float64(expected)*100)
	}
	if n := rateLimited.Load(); n > 0 {
		fmt.Printf("Rate limited:      %d\n", n)
	}
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && sent > 0 {
		fmt.Printf("Send throughput:   %.1f msg/s\n", float64(sent)/chatElapsed.Seconds())
		fmt.Printf("Delivery rate:     %.1f msg/s\n", float64(recv)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(users, &mu)
	scraper.Stop()
	collector.Report()
}

// roomName returns the room joined by users assigned to the given index.
func roomName(idx int) string {
	return fmt.Sprintf("load-%02d", idx)
}

// encodePayload builds a message body that carries its own send time so the
// sender's fan-out echo yields an exact delivery round trip.
func encodePayload(sentAt int64, padding string) string {
	return fmt.Sprintf("rt%d %s", sentAt, padding)
}

// decodeSentTime extracts the send time from a payload built by
// encodePayload. It returns false for foreign message bodies.
func decodeSentTime(body string) (int64, bool) {
	if !strings.HasPrefix(body, "rt") {
		return 0, false
	}
	end := strings.IndexByte(body, ' ')
	if end == -1 {
		end = len(body)
	}
	n, err := strconv.ParseInt(body[2:end], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// cleanup closes all tracked client connections.
func cleanup(users []*chatUser, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	for _, u := range users {
		u.c.Close()
	}
}

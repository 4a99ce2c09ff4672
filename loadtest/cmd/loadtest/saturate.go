package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/loadtest/client"
	"github.com/ArditZubaku/my-realtime-chat/loadtest/stats"
)

// saturateRun bundles the shared state of one saturation run: the collector,
// the set of open clients, and failure counts split by phase so the report
// can tell refused upgrades apart from failed joins.
type saturateRun struct {
	collector *stats.Collector

	mu      sync.Mutex
	clients []*client.Client

	dialFailures atomic.Int64
	joinFailures atomic.Int64
}

// openAndJoin dials one connection and joins it to a room so the server
// carries real session and presence state for it. Successful clients are
// tracked for the hold phase; failures are classified and counted.
func (r *saturateRun) openAndJoin(ctx context.Context, url, username, room string) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		r.dialFailures.Add(1)
		r.collector.AddError()
		return
	}

	if err := c.Join(connCtx, username, room); err != nil {
		r.joinFailures.Add(1)
		r.collector.AddError()
		c.Close()
		return
	}

	m := c.GetMetrics()
	r.collector.AddConnect(m.ConnectLatency)
	r.collector.AddJoin(m.JoinLatency)

	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
}

// alive counts clients whose read loop has not recorded an error, against the
// total that made it through the ramp.
func (r *saturateRun) alive() (alive, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.GetMetrics().Errors == 0 {
			alive++
		}
	}
	return alive, len(r.clients)
}

// closeAll closes every tracked client and returns how many there were.
func (r *saturateRun) closeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
	return len(r.clients)
}

// runSaturate implements the connection saturation test: open N connections,
// join each to a room, ramp up over a configurable duration, then hold the
// connections open and watch for drops. It finds the connection capacity
// ceiling where the server starts rejecting or shedding clients.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket endpoint to dial")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread the connections across")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Cap on in-flight dial attempts")
	fs.Parse(args)

	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("Saturate test: %d connections to %s across %d rooms (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rooms, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := &saturateRun{
		collector: stats.NewCollector(),
		clients:   make([]*client.Client, 0, *connections),
	}

	// Usernames carry a per-run tag so concurrent runs do not contend for
	// the same names.
	runTag := time.Now().Format("150405")

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		run.reportRampProgress(progressStop, *connections)
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	interrupted := false
	launched := 0
	for launched < *connections {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			launched = *connections
		case <-rampTicker.C:
			launched++
			seq := launched
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				username := fmt.Sprintf("sat-%s-%04d", runTag, seq)
				room := fmt.Sprintf("load-%02d", seq%*rooms)
				run.openAndJoin(ctx, *url, username, room)
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d dial failures, %d join failures)\n",
		run.collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond),
		run.dialFailures.Load(), run.joinFailures.Load())

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	var maxDropped int
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")

		_, initial := run.alive()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive, total := run.alive()
				if d := total - alive; d > maxDropped {
					maxDropped = d
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	closed := run.closeAll()
	fmt.Printf("Closed %d connections.\n", closed)

	if maxDropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", maxDropped)
	}
	run.collector.Report()
}

// reportRampProgress prints join progress and rate once per second until
// stopped.
func (r *saturateRun) reportRampProgress(stop <-chan struct{}, target int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastCount := 0
	lastTime := time.Now()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			joined := r.collector.ConnectionCount()
			rate := float64(joined-lastCount) / now.Sub(lastTime).Seconds()
			fmt.Printf("  [ramp] joined: %d/%d  errors: %d  rate: %.1f conn/s\n",
				joined, target, r.collector.ErrorCount(), rate)
			lastCount = joined
			lastTime = now
		case <-stop:
			return
		}
	}
}

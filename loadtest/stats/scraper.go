// Scraper support: a lightweight Prometheus client that periodically fetches
// server-side metrics during a load test and records snapshots for post-test
// reporting.

package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// trackedGauges lists the server series shown in the report table, in order.
// Labeled families (message counts by kind) are summed into one value.
var trackedGauges = []struct {
	metric string
	label  string
}{
	{"rtchat_connections_active", "Connections"},
	{"rtchat_sessions_joined", "Joined Sessions"},
	{"rtchat_messages_total", "Messages Total"},
	{"rtchat_deliveries_total", "Deliveries"},
}

// History append histogram, reported as an average over the run.
const (
	appendSumMetric   = "rtchat_history_append_seconds_sum"
	appendCountMetric = "rtchat_history_append_seconds_count"
)

// snapshot holds the tracked metric values at one point in time.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint on a timer and keeps every
// snapshot, so the report can show how the server-side counters moved while
// the load ran.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	tracked    map[string]bool

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper builds a Scraper for metricsURL polling at the given interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	tracked := map[string]bool{
		appendSumMetric:   true,
		appendCountMetric: true,
	}
	for _, g := range trackedGauges {
		tracked[g.metric] = true
	}
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		tracked:    tracked,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes one snapshot right away, then keeps scraping on the interval
// until the context is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// One final snapshot so the report covers the whole run.
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop cancels the scrape loop and blocks until it has exited.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// scrapeOnce fetches the metrics endpoint and records a snapshot. Failed
// scrapes are skipped silently; the server may not be ready yet.
func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// fetch performs an HTTP GET against the metrics endpoint and folds every
// tracked series into a snapshot.
func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()

	snap := snapshot{at: time.Now(), values: make(map[string]float64)}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok || !s.tracked[name] {
			continue
		}
		// += folds labeled series (e.g. message kinds) into their family.
		snap.values[name] += value
	}

	return snap, scanner.Err()
}

// parseMetricLine parses one Prometheus text exposition line into the metric
// name (labels stripped) and its value:
//
//	metric_name 1.23
//	metric_name{label="value"} 1.23
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", 0, false
		}
		name = line[:i]
		rest = line[i+j+1:]
	} else {
		var ok bool
		name, rest, ok = strings.Cut(line, " ")
		if !ok {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	// fields[0] is the sample value; a timestamp may follow it.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints the server-side metrics collected during the load test: for
// each tracked series the initial value, final value, delta, and peak, plus
// the history append average from the histogram deltas.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics: no snapshots collected ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("  Snapshots:     %d over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range trackedGauges {
		initial := first.values[g.metric]
		final := last.values[g.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, initial, final, final-initial, peakValue(snaps, g.metric))
	}

	fmt.Println()
	deltaSum := last.values[appendSumMetric] - first.values[appendSumMetric]
	deltaCount := last.values[appendCountMetric] - first.values[appendCountMetric]
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n",
			"Append Latency", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Append Latency")
	}
}

// peakValue returns the maximum value of one metric across all snapshots.
func peakValue(snaps []snapshot, metric string) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[metric]; v > peak {
			peak = v
		}
	}
	return peak
}

// Package stats collects latency samples and counters from concurrent load
// test clients and digests them into a percentile report at the end of a run.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series indexes into the collector's latency series.
const (
	SeriesConnect = iota // TCP connect + WebSocket upgrade
	SeriesJoin           // join_room sent -> recent-history snapshot received
	SeriesDelivery       // message sent -> own fan-out copy received
	seriesCount
)

var seriesLabels = [seriesCount]string{
	SeriesConnect:  "Connect Latency",
	SeriesJoin:     "Join Latency",
	SeriesDelivery: "Delivery RTT",
}

// Collector aggregates latency samples and counters from many load test
// client goroutines. All methods are goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	series      [seriesCount][]time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector returns a Collector whose run clock starts immediately.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When
// set, Report also prints the server-side metrics the scraper observed.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// Add records one sample in the given series.
func (c *Collector) Add(series int, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.connections++
	c.mu.Unlock()
}

// AddJoin records the time from sending join_room to receiving the
// recent-history snapshot that confirms the join.
func (c *Collector) AddJoin(d time.Duration) { c.Add(SeriesJoin, d) }

// AddMsgLatency records a message delivery round-trip measurement.
func (c *Collector) AddMsgLatency(d time.Duration) { c.Add(SeriesDelivery, d) }

// AddError counts one client-side failure.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount reports how many connections have been recorded so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount reports how many errors have been recorded so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary to stdout: run duration, connection and
// error counts, and a percentile line per non-empty latency series.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Run Summary ===")
	fmt.Printf("Duration:    %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connected:   %d\n", c.connections)
	fmt.Printf("Errors:      %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:  %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for i, samples := range c.series {
		if len(samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", seriesLabels[i])
		fmt.Printf("  %s\n", summarize(samples))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// summary holds the percentile digest of one latency series.
type summary struct {
	avg, p50, p95, p99, max time.Duration
	n                       int
}

func (s summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.avg.Round(time.Microsecond),
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
		s.max.Round(time.Microsecond),
		s.n,
	)
}

// summarize sorts the samples in place and digests them.
func summarize(samples []time.Duration) summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return summary{
		avg: sum / time.Duration(n),
		p50: samples[n/2],
		p95: samples[int(math.Ceil(float64(n)*0.95))-1],
		p99: samples[int(math.Ceil(float64(n)*0.99))-1],
		max: samples[n-1],
		n:   n,
	}
}

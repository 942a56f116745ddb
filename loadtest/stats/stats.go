// Package stats aggregates client-side measurements from a load test run and
// prints them next to the server's own Prometheus metrics.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector is shared by every simulated client of a run.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	connects  []time.Duration
	latencies []time.Duration // sender write to recipient read
	conns     int
	errors    int
	sent      int
	received  int
	scraper   *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

// SetScraper attaches server-side metrics to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that completed its handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.conns++
	c.mu.Unlock()
}

// AddMsgLatency records how long a message took from send to receipt.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
}

// AddSent counts a sendMessage frame written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddReceived counts a receiveMessage frame read by a client.
func (c *Collector) AddReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

// AddError counts a failed dial, handshake, send or an error frame.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the connections recorded so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns
}

// ErrorCount returns the errors recorded so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.conns)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.conns > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.conns)*100)
	}
	if c.sent > 0 {
		fmt.Printf("Sent:         %d\n", c.sent)
		fmt.Printf("Received:     %d (%.2f%%)\n", c.received, float64(c.received)/float64(c.sent)*100)
	}

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println(summarize(c.connects))
	}
	if len(c.latencies) > 0 {
		fmt.Println("\n--- Send-to-Receive Latency ---")
		fmt.Println(summarize(c.latencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// summarize formats avg, p50, p95, p99 and max of ds. It sorts ds in place.
func summarize(ds []time.Duration) string {
	slices.Sort(ds)
	n := len(ds)

	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	pct := func(p float64) time.Duration {
		return ds[int(math.Ceil(float64(n)*p))-1].Round(time.Microsecond)
	}

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		(sum / time.Duration(n)).Round(time.Microsecond),
		pct(0.50), pct(0.95), pct(0.99),
		ds[n-1].Round(time.Microsecond), n)
}

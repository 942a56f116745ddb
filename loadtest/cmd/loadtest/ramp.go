package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/dmserver/loadtest/client"
	"github.com/whisper/dmserver/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	total       int
	duration    time.Duration
	concurrency int
	label       string // progress line prefix
}

// pool holds the clients a scenario opened.
type pool struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (p *pool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

func (p *pool) snapshot() []*client.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*client.Client, len(p.clients))
	copy(out, p.clients)
	return out
}

// trimOdd closes the last client when the pool has an odd size so the rest
// can be paired.
func (p *pool) trimOdd() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients)%2 != 0 {
		p.clients[len(p.clients)-1].Close()
		p.clients = p.clients[:len(p.clients)-1]
	}
}

func (p *pool) closeAll() {
	fmt.Println("\n--- Cleanup ---")
	p.mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(p.clients))
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = nil
	p.mu.Unlock()
	fmt.Println("All connections closed.")
}

// rampUp opens cfg.total connections spread evenly over cfg.duration with at
// most cfg.concurrency dials in flight. Each connection waits for its
// sessionCreated frame, then setup runs with the connection's 1-based index.
// It reports false if ctx was cancelled before every dial was launched.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector, p *pool,
	setup func(n int, c *client.Client) error) bool {

	interval := cfg.duration / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cfg.label, n, cfg.total, collector.ErrorCount(), rate)
				last, lastAt = n, now
			case <-progressStop:
				return
			}
		}
	}()

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	completed := true
	for n := 1; n <= cfg.total && completed; {
		select {
		case <-ctx.Done():
			completed = false
		case <-ticker.C:
			wg.Add(1)
			sem <- struct{}{}
			go func(n int) {
				defer wg.Done()
				defer func() { <-sem }()
				if c := dial(ctx, cfg.url, n, collector, setup); c != nil {
					p.add(c)
				}
			}(n)
			n++
		}
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return completed
}

func dial(ctx context.Context, url string, n int, collector *stats.Collector,
	setup func(n int, c *client.Client) error) *client.Client {

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(dialCtx, url)
	if err != nil {
		collector.AddError()
		return nil
	}
	if err := c.WaitForSession(dialCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil
	}
	if setup != nil {
		if err := setup(n, c); err != nil {
			collector.AddError()
			c.Close()
			return nil
		}
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/dmserver/loadtest/client"
	"github.com/whisper/dmserver/loadtest/stats"
)

// runSaturate opens and registers a large number of idle connections, then
// holds them while counting how many the server drops. It finds the point
// where upgrades start failing and shows the presence registry growing with
// the connection count on the server's metrics.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	prefix := fs.String("user-prefix", "load", "Prefix for generated user IDs")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var p pool
	defer func() {
		p.closeAll()
		scraper.Stop()
		collector.Report()
	}()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	completed := rampUp(ctx, rampConfig{
		url:         *url,
		total:       *connections,
		duration:    *ramp,
		concurrency: *concurrency,
		label:       "ramp",
	}, collector, &p, func(n int, c *client.Client) error {
		return c.Register(fmt.Sprintf("%s-%d", *prefix, n))
	})
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if !completed {
		fmt.Println("Interrupted during ramp-up; skipping hold phase.")
		return
	}

	clients := p.snapshot()
	fmt.Printf("\n--- Hold phase ---\nHolding %d connections for %s...\n", len(clients), *hold)

	holdTimer := time.NewTimer(*hold)
	defer holdTimer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			reportDropped(dropped)
			return
		case <-holdTimer.C:
			fmt.Println("\nHold period complete.")
			reportDropped(dropped)
			return
		case <-status.C:
			alive := 0
			for _, c := range clients {
				if c.Alive() {
					alive++
				}
			}
			dropped = len(clients) - alive
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
		}
	}
}

func reportDropped(n int) {
	if n > 0 {
		fmt.Printf("Connections dropped during hold: %d\n", n)
	}
}

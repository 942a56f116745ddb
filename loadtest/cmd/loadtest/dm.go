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

	"github.com/whisper/dmserver/loadtest/client"
	"github.com/whisper/dmserver/loadtest/stats"
)

// runDM implements the direct-message load test. Clients are connected in
// pairs, each registers a distinct user ID, and both sides of a pair send
// messages to each other at a fixed interval. Every message carries its send
// timestamp so the recipient can record send-to-receive latency.
func runDM(args []string) {
	fs := flag.NewFlagSet("dm", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs exchanging messages")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	prefix := fs.String("user-prefix", "load", "Prefix for generated user IDs")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("DM test: %d pairs (%d clients) to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var p pool

	fmt.Println("\n--- Phase 1: Connect ---")
	start := time.Now()
	completed := rampUp(ctx, rampConfig{
		url:         *url,
		total:       totalClients,
		duration:    *ramp,
		concurrency: *concurrency,
		label:       "connect",
	}, collector, &p, nil)

	p.trimOdd()
	paired := p.snapshot()
	actualPairs := len(paired) / 2

	fmt.Printf("Phase 1 complete: %d/%d connections in %s (%d errors)\n",
		len(paired), totalClients, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if !completed || actualPairs == 0 {
		fmt.Println("No pairs to run.")
		p.closeAll()
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: register and exchange messages
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: %d pairs exchanging messages ---\n", actualPairs)

	payload := strings.Repeat("abcdefgh", (*msgSize/8)+1)[:*msgSize]

	var sent, recv, rejected atomic.Int64

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [dm] sent: %d  recv: %d  errors: %d\n",
					sent.Load(), recv.Load(), rejected.Load())
			case <-progressStop:
				return
			}
		}
	}()

	runCtx, runCancel := context.WithTimeout(ctx, *duration)
	defer runCancel()

	start = time.Now()
	var pairWg sync.WaitGroup
	for i := 0; i < actualPairs; i++ {
		a := paired[i*2]
		b := paired[i*2+1]
		userA := fmt.Sprintf("%s-%d-a", *prefix, i)
		userB := fmt.Sprintf("%s-%d-b", *prefix, i)

		for _, c := range []*client.Client{a, b} {
			c.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
				recv.Add(1)
				collector.AddReceived()
				if d, ok := sentAt(raw); ok {
					collector.AddMsgLatency(d)
				}
			})
			c.On(client.TypeError, func(raw json.RawMessage) {
				rejected.Add(1)
				collector.AddError()
			})
		}

		if err := a.Register(userA); err != nil {
			collector.AddError()
			continue
		}
		if err := b.Register(userB); err != nil {
			collector.AddError()
			continue
		}

		pairWg.Add(2)
		go func() {
			defer pairWg.Done()
			exchange(runCtx, a, userA, userB, payload, *msgInterval, collector, &sent)
		}()
		go func() {
			defer pairWg.Done()
			exchange(runCtx, b, userB, userA, payload, *msgInterval, collector, &sent)
		}()
	}

	pairWg.Wait()
	elapsed := time.Since(start)

	// Give in-flight deliveries a moment to land before reporting.
	time.Sleep(500 * time.Millisecond)

	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\n--- DM Results ---\n")
	fmt.Printf("Pairs:             %d\n", actualPairs)
	fmt.Printf("Total msg sent:    %d\n", sent.Load())
	fmt.Printf("Total msg recv:    %d\n", recv.Load())
	fmt.Printf("Error frames:      %d\n", rejected.Load())
	if elapsed.Seconds() > 0 && sent.Load() > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
	}

	p.closeAll()
	scraper.Stop()
	collector.Report()
}

// exchange sends a timestamped message from sender to recipient every
// interval until ctx is done.
func exchange(
	ctx context.Context,
	c *client.Client,
	senderID, recipientID, payload string,
	interval time.Duration,
	collector *stats.Collector,
	sent *atomic.Int64,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := strconv.FormatInt(time.Now().UnixNano(), 10) + "|" + payload
			if err := c.SendMessage(senderID, recipientID, "text", msg); err != nil {
				collector.AddError()
				return
			}
			sent.Add(1)
			collector.AddSent()
		}
	}
}

// sentAt extracts the send timestamp prefixed to a message by exchange and
// returns how long ago it was.
func sentAt(raw json.RawMessage) (time.Duration, bool) {
	var entry client.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, false
	}
	stamp, _, ok := strings.Cut(entry.Message, "|")
	if !ok {
		return 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, nanos)), true
}

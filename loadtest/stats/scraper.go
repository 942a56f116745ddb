package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series names one value the scraper tracks: a metric family plus an
// optional label match. Histogram _sum/_count series add up across labels.
type series struct {
	title  string
	metric string
	label  string // "name=value" or empty
}

var trackedSeries = []series{
	{title: "Connections", metric: "dm_connections_total"},
	{title: "Registered", metric: "dm_registered_users"},
	{title: "Persisted", metric: "dm_messages_total", label: "outcome=persisted"},
	{title: "Delivered", metric: "dm_messages_total", label: "outcome=delivered"},
	{title: "Undelivered", metric: "dm_messages_total", label: "outcome=undelivered"},
	{title: "Failed", metric: "dm_messages_total", label: "outcome=failed"},
	{title: "Rejected", metric: "dm_messages_total", label: "outcome=rejected"},
	{title: "Push Failures", metric: "dm_push_failures_total"},
}

const (
	latencySum   = "dm_send_latency_seconds_sum"
	latencyCount = "dm_send_latency_seconds_count"
)

// snapshot is one scrape: tracked series values by title plus the latency
// histogram totals.
type snapshot struct {
	at           time.Time
	values       map[string]float64
	latencySum   float64
	latencyCount float64
}

// Scraper polls the server's /metrics endpoint during a run so the report
// can show what the server saw next to what the clients measured.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval and a final one
// when ctx ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// parseSnapshot reads Prometheus text exposition format and keeps the
// tracked series.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{values: make(map[string]float64)}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseLine(line)
		if !ok {
			continue
		}

		switch name {
		case latencySum:
			snap.latencySum += value
			continue
		case latencyCount:
			snap.latencyCount += value
			continue
		}
		for _, ts := range trackedSeries {
			if ts.metric == name && (ts.label == "" || labels[ts.labelKey()] == ts.labelValue()) {
				snap.values[ts.title] = value
			}
		}
	}
	return snap, sc.Err()
}

func (ts series) labelKey() string {
	k, _, _ := strings.Cut(ts.label, "=")
	return k
}

func (ts series) labelValue() string {
	_, v, _ := strings.Cut(ts.label, "=")
	return v
}

// parseLine splits `name{k="v",...} value` into its parts. Label values
// containing commas or escaped quotes are not produced by this server.
func parseLine(line string) (string, map[string]string, float64, bool) {
	name, rest := line, ""
	labels := map[string]string{}

	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", nil, 0, false
		}
		name = line[:i]
		for _, pair := range strings.Split(line[i+1:i+j], ",") {
			k, v, ok := strings.Cut(pair, "=")
			if ok {
				labels[k] = strings.Trim(v, `"`)
			}
		}
		rest = line[i+j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

// Report prints initial, final, delta and peak for every tracked series and
// the mean send latency observed during the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, ts := range trackedSeries {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, sn.values[ts.title])
		}
		initial, final := first.values[ts.title], last.values[ts.title]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			ts.title, initial, final, final-initial, peak)
	}

	fmt.Println()
	if n := last.latencyCount - first.latencyCount; n > 0 {
		avg := (last.latencySum - first.latencySum) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Send Latency", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Send Latency")
	}
}

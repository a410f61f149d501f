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

// snapshot holds the tracked server metrics at one scrape.
type snapshot struct {
	at          time.Time
	connections float64
	registered  float64
	events      float64 // summed across type labels
	deliveries  float64 // summed across result labels
	fanoutSum   float64
	fanoutCount float64
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx ends or Stop
// is called. A final scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Failed scrapes are skipped; the server may not be up yet.
func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now()}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "chat_connections_total":
			snap.connections = value
		case "chat_registered_users":
			snap.registered = value
		case "chat_events_total":
			snap.events += value
		case "chat_deliveries_total":
			snap.deliveries += value
		case "chat_fanout_latency_seconds_sum":
			snap.fanoutSum = value
		case "chat_fanout_latency_seconds_count":
			snap.fanoutCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition sample into its bare metric name
// and value. Labels and an optional trailing timestamp are dropped.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if i := strings.IndexByte(raw, '{'); i != -1 {
		end := strings.IndexByte(raw[i:], '}')
		if end == -1 {
			return "", 0, false
		}
		name = raw[:i]
		raw = raw[i+end+1:]
	}

	fields := strings.Fields(raw)
	if name == "" {
		if len(fields) < 2 {
			return "", 0, false
		}
		name, fields = fields[0], fields[1:]
	}
	if len(fields) == 0 {
		return "", 0, false
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak for each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics ---")
	fmt.Fprintf(w, "  Scrapes: %d over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Registered", func(s snapshot) float64 { return s.registered }},
		{"Events", func(s snapshot) float64 { return s.events }},
		{"Deliveries", func(s snapshot) float64 { return s.deliveries }},
	}

	fmt.Fprintf(w, "\n  %-14s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		i, f := r.get(first), r.get(last)
		fmt.Fprintf(w, "  %-14s %10.0f %10.0f %10.0f %10.0f\n", r.label, i, f, f-i, peak(snaps, r.get))
	}

	fmt.Fprintln(w)
	if n := last.fanoutCount - first.fanoutCount; n > 0 {
		fmt.Fprintf(w, "  %-14s avg: %.4fs  (%.0f fan-outs)\n", "Fan-out", (last.fanoutSum-first.fanoutSum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-14s avg: N/A\n", "Fan-out")
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := get(s); v > p {
			p = v
		}
	}
	return p
}

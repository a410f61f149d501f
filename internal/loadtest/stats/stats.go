// Package stats aggregates load test measurements across clients and prints
// percentile reports.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	registerLatencies []time.Duration
	fanoutLatencies   []time.Duration
	connections       int
	errors            int
	sent              int
	delivered         int
	startTime         time.Time
	scraper           *Scraper
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that reached the registered state.
func (c *Collector) AddConnect(connect, register time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	c.registerLatencies = append(c.registerLatencies, register)
	c.connections++
	c.mu.Unlock()
}

func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records one new_message received, d after it was sent.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *Collector) DeliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Report writes the summary to w. expected is the number of deliveries the
// scenario should have produced; zero omits the delivery ratio.
func (c *Collector) Report(w io.Writer, expected int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Sent:         %d\n", c.sent)
		fmt.Fprintf(w, "Delivered:    %d\n", c.delivered)
	}
	if expected > 0 {
		fmt.Fprintf(w, "Delivery:     %.2f%% of %d\n", float64(c.delivered)/float64(expected)*100, expected)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.connectLatencies).String())
		fmt.Fprintln(w, "\n--- Register Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.registerLatencies).String())
	}
	if len(c.fanoutLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Fan-out Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.fanoutLatencies).String())
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a percentile digest of a latency sample.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place. An empty sample yields a zero Summary.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[rank(n, 0.95)],
		P99: durations[rank(n, 0.99)],
		Max: durations[n-1],
	}
}

// rank is the nearest-rank index for quantile q.
func rank(n int, q float64) int {
	i := int(math.Ceil(float64(n)*q)) - 1
	if i < 0 {
		return 0
	}
	return i
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

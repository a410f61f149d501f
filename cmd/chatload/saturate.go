package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/loadtest/client"
)

var saturateCmd = &cobra.Command{
	Use:   "saturate",
	Short: "Open and hold many registered connections",
	Long: `saturate ramps up --connections registered users over --ramp, holds
them for --hold while counting drops, then closes them all.`,
	RunE: runSaturate,
}

func init() {
	f := saturateCmd.Flags()
	f.Int("connections", 1000, "connections to open")
	f.Duration("ramp", 10*time.Second, "ramp-up duration")
	f.Duration("hold", 30*time.Second, "hold duration once ramp-up ends")
	f.Int("concurrency", 50, "maximum simultaneous connection attempts")
}

func runSaturate(cmd *cobra.Command, _ []string) error {
	r, err := newRunner(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	connections, _ := f.GetInt("connections")
	ramp, _ := f.GetDuration("ramp")
	hold, _ := f.GetDuration("hold")
	concurrency, _ := f.GetInt("concurrency")
	if connections <= 0 || concurrency <= 0 {
		return fmt.Errorf("--connections and --concurrency must be positive")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "saturate: %d connections to %s (ramp=%s hold=%s concurrency=%d)\n",
		connections, r.url, ramp, hold, concurrency)

	ctx, stop := signalContext()
	defer stop()
	if r.scraper != nil {
		r.scraper.Start(ctx)
		defer r.scraper.Stop()
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, connections)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	interval := ramp / time.Duration(connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	start := time.Now()

rampLoop:
	for i := 0; i < connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "interrupted during ramp-up")
			break rampLoop
		case <-ticker.C:
		}

		userID := r.firstUser + int64(i)
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c, err := r.connect(ctx, userID, nil)
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()

	fmt.Fprintf(out, "ramp-up: %d/%d registered in %s (%d errors)\n",
		r.collector.ConnectionCount(), connections,
		time.Since(start).Round(time.Millisecond), r.collector.ErrorCount())

	if ctx.Err() == nil {
		initial := len(clients)
		holdTimer := time.NewTimer(hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-status.C:
				fmt.Fprintf(out, "  [hold] alive: %d/%d\n", countAlive(clients), initial)
			}
		}
		holdTimer.Stop()
		status.Stop()
		if dropped := initial - countAlive(clients); dropped > 0 {
			fmt.Fprintf(out, "dropped during hold: %d\n", dropped)
		}
	}

	for _, c := range clients {
		c.Close()
	}
	r.collector.Report(out, 0)
	return nil
}

func countAlive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c.Alive() {
			n++
		}
	}
	return n
}

// Command chatload drives load against a running chatd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/auth"
	"github.com/agora/social-chat/internal/loadtest/client"
	"github.com/agora/social-chat/internal/loadtest/stats"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatload",
	Short: "Load generator for chatd",
	Long: `chatload opens many authenticated WebSocket connections against
chatd. Tokens are signed locally, so --secret must match the server's
JWT_SECRET. Users are numbered from --first-user and must already exist.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	pf.String("metrics-url", "", "server /metrics URL to scrape during the run")
	pf.String("secret", os.Getenv("JWT_SECRET"), "token signing secret (defaults to $JWT_SECRET)")
	pf.Int64("first-user", 1, "id of the first simulated user")
	pf.Duration("connect-timeout", 10*time.Second, "per-connection dial and register timeout")

	rootCmd.AddCommand(saturateCmd)
	rootCmd.AddCommand(fanoutCmd)
}

// runner carries the shared flags of one run.
type runner struct {
	url            string
	secret         string
	firstUser      int64
	connectTimeout time.Duration
	tokens         *auth.Manager
	collector      *stats.Collector
	scraper        *stats.Scraper
}

func newRunner(cmd *cobra.Command) (*runner, error) {
	f := cmd.Flags()
	r := &runner{collector: stats.NewCollector()}
	r.url, _ = f.GetString("url")
	r.secret, _ = f.GetString("secret")
	r.firstUser, _ = f.GetInt64("first-user")
	r.connectTimeout, _ = f.GetDuration("connect-timeout")

	if r.secret == "" {
		return nil, errors.New("--secret or JWT_SECRET is required")
	}
	if r.firstUser <= 0 {
		return nil, errors.New("--first-user must be positive")
	}
	r.tokens = auth.NewManager(auth.Config{Secret: r.secret})

	if metricsURL, _ := f.GetString("metrics-url"); metricsURL != "" {
		r.scraper = stats.NewScraper(metricsURL, 2*time.Second)
		r.collector.SetScraper(r.scraper)
	}
	return r, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// connect dials as userID and waits for registration. Failures are counted
// in the collector.
func (r *runner) connect(ctx context.Context, userID int64, handlers map[string]func(json.RawMessage)) (*client.Client, error) {
	token, err := r.tokens.Issue(userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	c, err := client.New(ctx, r.url, userID, token, handlers)
	if err != nil {
		r.collector.AddError()
		return nil, err
	}
	if err := c.WaitRegistered(ctx); err != nil {
		r.collector.AddError()
		c.Close()
		return nil, err
	}
	m := c.GetMetrics()
	r.collector.AddConnect(m.ConnectLatency, m.RegisterLatency)
	return c, nil
}

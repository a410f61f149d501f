package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/loadtest/client"
	"github.com/agora/social-chat/internal/protocol"
)

// stampPrefix marks message content carrying the send time in unix nanos.
const stampPrefix = "chatload:"

var fanoutCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Measure new_message delivery latency in one chat",
	Long: `fanout registers --users users that are all participants of --chat.
Each sends --messages messages spaced by --interval. Every participant,
the sender included, should receive each message once, so the run expects
users*users*messages deliveries and reports the latency of each one.`,
	RunE: runFanout,
}

func init() {
	f := fanoutCmd.Flags()
	f.Int64("chat", 0, "chat id every simulated user participates in")
	f.Int("users", 10, "participants to simulate")
	f.Int("messages", 20, "messages each user sends")
	f.Duration("interval", 200*time.Millisecond, "delay between one user's sends")
	f.Duration("drain", 5*time.Second, "time to wait for late deliveries")
}

func runFanout(cmd *cobra.Command, _ []string) error {
	r, err := newRunner(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	chatID, _ := f.GetInt64("chat")
	users, _ := f.GetInt("users")
	messages, _ := f.GetInt("messages")
	interval, _ := f.GetDuration("interval")
	drain, _ := f.GetDuration("drain")
	if chatID <= 0 {
		return fmt.Errorf("--chat is required")
	}
	if users <= 0 || messages <= 0 {
		return fmt.Errorf("--users and --messages must be positive")
	}

	out := cmd.OutOrStdout()
	ctx, stop := signalContext()
	defer stop()
	if r.scraper != nil {
		r.scraper.Start(ctx)
		defer r.scraper.Stop()
	}

	handlers := map[string]func(json.RawMessage){
		protocol.TypeNewMessage: func(data json.RawMessage) {
			if d, ok := deliveryLatency(data, time.Now()); ok {
				r.collector.AddDelivery(d)
			}
		},
		protocol.TypeMessageError: func(json.RawMessage) { r.collector.AddError() },
	}

	clients := make([]*client.Client, 0, users)
	for i := 0; i < users; i++ {
		c, err := r.connect(ctx, r.firstUser+int64(i), handlers)
		if err != nil {
			fmt.Fprintf(out, "user %d: %v\n", r.firstUser+int64(i), err)
			continue
		}
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	if len(clients) == 0 {
		return fmt.Errorf("no user registered")
	}
	fmt.Fprintf(out, "fanout: %d users registered in chat %d\n", len(clients), chatID)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 0; n < messages; n++ {
				if err := c.SendMessage(chatID, stamp(time.Now())); err != nil {
					r.collector.AddError()
					return
				}
				r.collector.AddSent()
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}
	wg.Wait()

	expected := len(clients) * len(clients) * messages
	deadline := time.After(drain)
wait:
	for r.collector.DeliveredCount() < expected {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case <-time.After(100 * time.Millisecond):
		}
	}

	r.collector.Report(out, expected)
	return nil
}

func stamp(t time.Time) string {
	return stampPrefix + strconv.FormatInt(t.UnixNano(), 10)
}

// deliveryLatency reads the send stamp out of a new_message frame.
func deliveryLatency(frame []byte, now time.Time) (time.Duration, bool) {
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return 0, false
	}
	raw, ok := strings.CutPrefix(msg.Content, stampPrefix)
	if !ok {
		return 0, false
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, nanos)), true
}

package messaging

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/social-chat/internal/registry"
)

// loopBus delivers synchronously to every matching subscriber, the way a
// single NATS server fans out to all connected nodes.
type loopBus struct {
	mu   sync.Mutex
	subs []loopSub
}

type loopSub struct {
	pattern string
	handler func(*nats.Msg)
}

func (b *loopBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	subs := append([]loopSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if subjectMatches(s.pattern, subject) {
			s.handler(&nats.Msg{Subject: subject, Data: data})
		}
	}
	return nil
}

func (b *loopBus) Subscribe(subject string, handler func(*nats.Msg)) error {
	b.mu.Lock()
	b.subs = append(b.subs, loopSub{subject, handler})
	b.mu.Unlock()
	return nil
}

func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != s[i] {
			return false
		}
	}
	return true
}

type frameConn struct {
	key    string
	mu     sync.Mutex
	frames []string
}

func (c *frameConn) Key() string { return c.key }

func (c *frameConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, string(data))
	c.mu.Unlock()
	return nil
}

func (c *frameConn) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

type node struct {
	reg   *registry.Local
	relay *Relay
}

func newNode(t *testing.T, bus Bus, name string) node {
	t.Helper()
	reg := registry.NewLocal(zerolog.Nop())
	relay := NewRelay(reg, bus, name, zerolog.Nop())
	require.NoError(t, relay.Start())
	return node{reg: reg, relay: relay}
}

func TestRelay_SendToLocalUser(t *testing.T) {
	bus := &loopBus{}
	a := newNode(t, bus, "a")
	newNode(t, bus, "b")
	c1 := &frameConn{key: "c1"}
	a.reg.Register(1, c1)

	assert.True(t, a.relay.SendTo(1, []byte(`{"type":"pong"}`)))
	assert.Equal(t, []string{`{"type":"pong"}`}, c1.got(), "delivered once, not relayed back")
}

func TestRelay_SendToRemoteUser(t *testing.T) {
	bus := &loopBus{}
	a := newNode(t, bus, "a")
	b := newNode(t, bus, "b")
	c2 := &frameConn{key: "c2"}
	b.reg.Register(2, c2)

	delivered := a.relay.SendTo(2, []byte(`{"type":"new_message","id":5}`))
	assert.False(t, delivered, "remote deliveries are not counted as local")
	assert.Equal(t, []string{`{"type":"new_message","id":5}`}, c2.got())
}

func TestRelay_BroadcastReachesAllNodesOnce(t *testing.T) {
	bus := &loopBus{}
	a := newNode(t, bus, "a")
	b := newNode(t, bus, "b")
	c1 := &frameConn{key: "c1"}
	c2 := &frameConn{key: "c2"}
	c3 := &frameConn{key: "c3"}
	a.reg.Register(1, c1)
	a.reg.Register(3, c3)
	b.reg.Register(2, c2)

	a.relay.Broadcast([]byte(`{"type":"user_online","user_id":1}`), 1)

	assert.Empty(t, c1.got(), "sender excluded")
	assert.Len(t, c2.got(), 1)
	assert.Len(t, c3.got(), 1, "no duplicate from own publish")
}

func TestRelay_IgnoresMalformedDeliveries(t *testing.T) {
	bus := &loopBus{}
	a := newNode(t, bus, "a")
	c1 := &frameConn{key: "c1"}
	a.reg.Register(1, c1)

	require.NoError(t, bus.Publish(SubjectDeliverUser+".1", []byte("not json")))
	require.NoError(t, bus.Publish(SubjectDeliverUser+".x", mustJSON(t, Delivery{Origin: "z", Frame: []byte(`{}`)})))
	assert.Empty(t, c1.got())
}

func TestSubjectUserID(t *testing.T) {
	id, err := subjectUserID("deliver.user.42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = subjectUserID("deliver")
	assert.Error(t, err)
}

// TestRelay_NATS runs two relays against a real server.
func TestRelay_NATS(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	clientA, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer clientA.Close()
	clientB, err := NewNATSClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer clientB.Close()

	a := newNode(t, clientA, "test-a")
	b := newNode(t, clientB, "test-b")
	c2 := &frameConn{key: "c2"}
	b.reg.Register(9_100_001, c2)
	require.NoError(t, clientB.Flush())

	a.relay.SendTo(9_100_001, []byte(`{"type":"pong"}`))
	require.NoError(t, clientA.Flush())

	assert.Eventually(t, func() bool { return len(c2.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

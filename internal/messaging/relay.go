package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/registry"
)

// Bus is the slice of NATSClient the relay needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Delivery is the relay envelope carried on deliver.* subjects.
type Delivery struct {
	Origin string          `json:"origin"`
	UserID int64           `json:"user_id,omitempty"`
	Except int64           `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay is a registry.Notifier that delivers locally first and forwards
// over the bus for users connected to other nodes. Each node runs one Relay
// in front of its local registry.
type Relay struct {
	local  registry.Notifier
	bus    Bus
	node   string
	logger zerolog.Logger
}

var _ registry.Notifier = (*Relay)(nil)

// NewRelay wraps local. node must be unique per process; deliveries a node
// published itself are ignored when they come back.
func NewRelay(local registry.Notifier, bus Bus, node string, logger zerolog.Logger) *Relay {
	return &Relay{local: local, bus: bus, node: node, logger: logger}
}

// Start subscribes to the delivery subjects.
func (r *Relay) Start() error {
	if err := r.bus.Subscribe(SubjectDeliverUser+".*", r.handleUser); err != nil {
		return err
	}
	return r.bus.Subscribe(SubjectDeliverAll, r.handleAll)
}

// SendTo reports true only for local deliveries. Misses are published for
// the node holding the user, if any.
func (r *Relay) SendTo(userID int64, data []byte) bool {
	if r.local.SendTo(userID, data) {
		return true
	}
	r.publish(SubjectDeliverUser+"."+strconv.FormatInt(userID, 10), Delivery{
		Origin: r.node,
		UserID: userID,
		Frame:  data,
	})
	return false
}

func (r *Relay) Broadcast(data []byte, except int64) {
	r.local.Broadcast(data, except)
	r.publish(SubjectDeliverAll, Delivery{
		Origin: r.node,
		Except: except,
		Frame:  data,
	})
}

func (r *Relay) publish(subject string, d Delivery) {
	raw, err := json.Marshal(d)
	if err != nil {
		r.logger.Error().Err(err).Str("subject", subject).Msg("encode delivery failed")
		return
	}
	if err := r.bus.Publish(subject, raw); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("relay publish failed")
	}
}

func (r *Relay) decode(msg *nats.Msg) (Delivery, bool) {
	var d Delivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("bad delivery")
		return d, false
	}
	return d, d.Origin != r.node
}

func (r *Relay) handleUser(msg *nats.Msg) {
	d, ok := r.decode(msg)
	if !ok {
		return
	}
	userID, err := subjectUserID(msg.Subject)
	if err != nil {
		r.logger.Warn().Err(err).Msg("bad delivery subject")
		return
	}
	r.local.SendTo(userID, d.Frame)
}

func (r *Relay) handleAll(msg *nats.Msg) {
	d, ok := r.decode(msg)
	if !ok {
		return
	}
	r.local.Broadcast(d.Frame, d.Except)
}

func subjectUserID(subject string) (int64, error) {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return 0, fmt.Errorf("subject %q has no user id", subject)
	}
	return strconv.ParseInt(subject[i+1:], 10, 64)
}

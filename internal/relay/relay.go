// Package relay fans message events out across server processes over Redis
// pub/sub. Each process publishes the events it committed and rebroadcasts
// events from other processes to its local subscribers and search index.
//
// Message ids are commit order only while one process owns the write lane.
// Processes behind the relay otherwise order relayed events by arrival.
package relay

import (
	"context"
	"fmt"

	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/serializer"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the wire format of one relayed event.
type Envelope struct {
	NodeID string       `cbor:"node"`
	Event  models.Event `cbor:"event"`
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Decode parses an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	return env, nil
}

// Sink receives events relayed from other nodes.
type Sink interface {
	Broadcast(room string, event models.Event) error
}

// Indexer receives relayed message changes for the local search index.
type Indexer interface {
	Enqueue(c serializer.Commit)
}

// Relay publishes to and listens on one Redis channel.
type Relay struct {
	rdb     *redis.Client
	channel string
	nodeID  string
	index   Indexer
	log     zerolog.Logger
}

// New returns a relay. index may be nil.
func New(rdb *redis.Client, channel, nodeID string, index Indexer, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		nodeID:  nodeID,
		index:   index,
		log:     log.With().Str("component", "relay").Str("node_id", nodeID).Logger(),
	}
}

// Publish sends event to the other nodes.
func (r *Relay) Publish(ctx context.Context, event models.Event) error {
	payload, err := Encode(Envelope{NodeID: r.nodeID, Event: event})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	metrics.RelayEvents.WithLabelValues("out").Inc()
	return nil
}

// Run forwards events published by other nodes to sink until ctx is done.
func (r *Relay) Run(ctx context.Context, sink Sink) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("relay listening")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload), sink)
		}
	}
}

func (r *Relay) handle(payload []byte, sink Sink) {
	env, err := Decode(payload)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping relay message")
		return
	}
	if env.NodeID == r.nodeID || env.Event.RoomID == "" {
		return
	}
	metrics.RelayEvents.WithLabelValues("in").Inc()
	if c, ok := commitOf(env.Event); ok && r.index != nil {
		r.index.Enqueue(c)
	}
	if err := sink.Broadcast(env.Event.RoomID, env.Event); err != nil {
		r.log.Warn().Err(err).Str("room_id", env.Event.RoomID).Msg("relay broadcast failed")
	}
}

// commitOf rebuilds the commit behind a relayed message event.
func commitOf(ev models.Event) (serializer.Commit, bool) {
	if ev.Message == nil {
		return serializer.Commit{}, false
	}
	var kind serializer.Kind
	switch ev.Type {
	case models.EventMessageCreated:
		kind = serializer.KindCreated
	case models.EventMessageEdited:
		kind = serializer.KindEdited
	case models.EventMessageDeleted:
		kind = serializer.KindDeleted
	default:
		return serializer.Commit{}, false
	}
	return serializer.Commit{Kind: kind, Message: ev.Message.Clone()}, true
}

package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/geppetto/pkg/helpers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// closeMetadataKey marks the sentinel message that ends a topic; queues
// observing it drain and close their channel.
const closeMetadataKey = "reasonance_close"

const DefaultKeepaliveInterval = 30 * time.Second

// Hub fans events out to per-topic subscriber queues over a watermill
// transport. The default transport is in-process; a Redis Streams publisher
// and subscriber can be swapped in for multi-instance deployments.
type Hub struct {
	pub message.Publisher
	sub message.Subscriber

	// closed together with pub when the hub owns the transport
	ownedTransport *gochannel.GoChannel

	keepaliveInterval time.Duration

	mu         sync.Mutex
	lastGlobal time.Time
	stop       context.CancelFunc
}

type Option func(*Hub)

// WithTransport replaces the in-process transport, e.g. with Redis Streams.
// The caller owns the publisher and subscriber lifecycles.
func WithTransport(pub message.Publisher, sub message.Subscriber) Option {
	return func(h *Hub) {
		h.pub = pub
		h.sub = sub
		h.ownedTransport = nil
	}
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.keepaliveInterval = d
	}
}

func NewHub(opts ...Option) *Hub {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, helpers.NewWatermill(log.Logger))

	h := &Hub{
		pub:               pubsub,
		sub:               pubsub,
		ownedTransport:    pubsub,
		keepaliveInterval: DefaultKeepaliveInterval,
		lastGlobal:        time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the global keepalive loop. It runs until ctx is cancelled
// or the hub is closed.
func (h *Hub) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		cancel()
		return
	}
	h.stop = cancel
	h.mu.Unlock()

	go h.runKeepalive(runCtx)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
	owned := h.ownedTransport
	h.mu.Unlock()

	if owned != nil {
		return errors.Wrap(owned.Close(), "close hub transport")
	}
	return nil
}

// Publish serializes the event and fans it out to every current subscriber
// of the topic. A top-level "timestamp" field is stripped before
// serialization; publishing to a topic with no subscribers drops silently.
func (h *Hub) Publish(topic string, event any) error {
	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := h.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	if topic == GlobalTopic {
		h.mu.Lock()
		h.lastGlobal = time.Now()
		h.mu.Unlock()
	}
	return nil
}

// Subscribe attaches a new queue to the topic. The caller must Close the
// queue when done reading.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Queue, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := h.sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}
	q := newQueue(topic, cancel)
	go q.consume(ch)
	return q, nil
}

// CloseTopic publishes the close sentinel; every queue on the topic drains
// and closes. Publishers may keep publishing afterwards, reaching only
// queues attached later.
func (h *Hub) CloseTopic(topic string) error {
	msg := message.NewMessage(uuid.NewString(), []byte("{}"))
	msg.Metadata.Set(closeMetadataKey, "1")
	return errors.Wrapf(h.pub.Publish(topic, msg), "close topic %s", topic)
}

func (h *Hub) runKeepalive(ctx context.Context) {
	ticker := time.NewTicker(h.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			idle := time.Since(h.lastGlobal) >= h.keepaliveInterval
			h.mu.Unlock()
			if !idle {
				continue
			}
			if err := h.Publish(GlobalTopic, map[string]any{"type": EventKeepalive}); err != nil {
				log.Warn().Err(err).Msg("keepalive publish failed")
			}
		}
	}
}

// marshalEvent serializes the event with any top-level timestamp removed.
// Event timestamps live inside nested data payloads only.
func marshalEvent(event any) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		// non-object events pass through untouched
		return raw, nil
	}
	if _, ok := top["timestamp"]; !ok {
		return raw, nil
	}
	delete(top, "timestamp")
	stripped, err := json.Marshal(top)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return stripped, nil
}

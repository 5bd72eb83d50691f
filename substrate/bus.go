// Package substrate provides the durable message bus the orchestrator and
// agents communicate over. The Bus port exposes publish/subscribe with
// consumer groups and explicit acknowledgement; messages are acknowledged
// only after the subscribed handler returns without error, so a crashed
// consumer never loses in-flight work.
//
// Two adapters implement the port: NATSBus (JetStream streams and durable
// consumers) for production and MemBus for tests. Both perform envelope
// framing centrally: handlers always receive the already-unwrapped
// application payload.
package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTransport wraps substrate connection and publish failures. Callers
// treat it as fatal for the current operation; in-flight unacked messages
// remain pending for redelivery.
var ErrTransport = errors.New("substrate transport error")

// PublishOptions controls a single publish.
type PublishOptions struct {
	// Key is the ordering key; messages sharing a key are delivered FIFO.
	Key string
	// MirrorToStream appends the message to the channel's durable stream.
	MirrorToStream bool
}

// SubscribeOptions controls a subscription.
type SubscribeOptions struct {
	// ConsumerGroup names the group; exactly one consumer in a group
	// receives each message until it is acknowledged. Group creation is
	// idempotent and positioned at the stream tail.
	ConsumerGroup string
	// ConsumerName identifies this consumer instance within the group.
	ConsumerName string
	// FromBeginning replays the stream from the head instead of the tail.
	// New groups default to tail: pre-existing messages are not delivered.
	FromBeginning bool
}

// Message is the unwrapped application message a handler receives.
type Message struct {
	ID          string
	Channel     string
	Key         string
	Data        []byte
	PublishedAt time.Time
	Deliveries  int
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	// Stop stops delivery to this consumer. The group and its pending
	// messages survive.
	Stop()
}

// Bus is the substrate port.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, channel string, handler Handler, opts SubscribeOptions) (Subscription, error)
	Close() error
}

// frame is the wire wrapper around every published payload. Only the
// substrate adapters marshal and unmarshal frames; no other component
// performs unwrapping.
type frame struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	Key         string          `json:"key,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

func wrap(channel, key string, data []byte) ([]byte, string, error) {
	f := frame{
		ID:          uuid.New().String(),
		Channel:     channel,
		Key:         key,
		PublishedAt: time.Now().UTC(),
		Payload:     data,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, "", fmt.Errorf("marshal frame: %w", err)
	}
	return raw, f.ID, nil
}

// unwrap decodes a frame into a Message. Raw payloads published by foreign
// producers (no frame wrapper) are passed through untouched.
func unwrap(channel string, raw []byte) Message {
	var f frame
	if err := json.Unmarshal(raw, &f); err == nil && f.ID != "" && len(f.Payload) > 0 {
		return Message{
			ID:          f.ID,
			Channel:     channel,
			Key:         f.Key,
			Data:        f.Payload,
			PublishedAt: f.PublishedAt,
		}
	}
	return Message{Channel: channel, Data: raw}
}

package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus adapts the Bus port onto NATS JetStream. Channels map to subjects
// (":" becomes "."), stream mirrors map to JetStream streams, and consumer
// groups map to durable consumers with explicit ack. Durable consumers are
// created with DeliverNewPolicy so a new group starts at the stream tail.
type NATSBus struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	namespace string
	logger    *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// NATSBusConfig configures the adapter.
type NATSBusConfig struct {
	URL       string
	Namespace string
}

// NewNATSBus connects to the NATS server and returns the adapter. A connect
// failure is a Transport error.
func NewNATSBus(cfg NATSBusConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrTransport, cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", ErrTransport, err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "forgeline"
	}
	return &NATSBus{
		nc:        nc,
		js:        js,
		namespace: ns,
		logger:    logger,
		streams:   make(map[string]jetstream.Stream),
	}, nil
}

// subject maps a channel name onto a NATS subject under the namespace.
func (b *NATSBus) subject(channel string) string {
	return b.namespace + "." + strings.ReplaceAll(channel, ":", ".")
}

// streamName maps a channel onto its durable stream name.
func (b *NATSBus) streamName(channel string) string {
	upper := strings.ToUpper(strings.NewReplacer(":", "_", "-", "_", ".", "_").Replace(channel))
	return strings.ToUpper(b.namespace) + "_" + upper
}

func sanitizeDurable(name string) string {
	return strings.NewReplacer(":", "_", ".", "_", "*", "_", ">", "_").Replace(name)
}

// ensureStream creates or updates the durable stream backing a channel.
func (b *NATSBus) ensureStream(ctx context.Context, channel string) (jetstream.Stream, error) {
	name := b.streamName(channel)

	b.mu.Lock()
	if s, ok := b.streams[name]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{b.subject(channel)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ensure stream %s: %v", ErrTransport, name, err)
	}

	b.mu.Lock()
	b.streams[name] = stream
	b.mu.Unlock()
	return stream, nil
}

// Publish sends one framed message. With MirrorToStream the publish goes
// through JetStream and waits for the append acknowledgement; without it the
// message is fire-and-forget core NATS.
func (b *NATSBus) Publish(ctx context.Context, channel string, data []byte, opts PublishOptions) error {
	raw, id, err := wrap(channel, opts.Key, data)
	if err != nil {
		return err
	}
	subject := b.subject(channel)

	if !opts.MirrorToStream {
		if err := b.nc.Publish(subject, raw); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ErrTransport, channel, err)
		}
		recordPublished(channel)
		return nil
	}

	if _, err := b.ensureStream(ctx, channel); err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: raw, Header: nats.Header{}}
	// Frame id doubles as the broker-side dedupe key.
	msg.Header.Set(jetstream.MsgIDHeader, id)
	if opts.Key != "" {
		msg.Header.Set("Forgeline-Key", opts.Key)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, channel, err)
	}
	recordPublished(channel)
	return nil
}

// Subscribe attaches a consumer to the channel's durable stream under the
// named group and starts a fetch loop. The message is acked only after the
// handler returns nil; an error naks it for redelivery.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	stream, err := b.ensureStream(ctx, channel)
	if err != nil {
		return nil, err
	}

	deliver := jetstream.DeliverNewPolicy
	if opts.FromBeginning {
		deliver = jetstream.DeliverAllPolicy
	}
	group := opts.ConsumerGroup
	if group == "" {
		group = "default"
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sanitizeDurable(group),
		FilterSubject: b.subject(channel),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
		AckWait:       2 * time.Minute,
		MaxAckPending: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer %s on %s: %v", ErrTransport, group, channel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	go b.fetchLoop(loopCtx, channel, consumer, handler)

	b.logger.Info("substrate subscription started",
		"channel", channel,
		"group", group,
		"consumer", opts.ConsumerName,
		"from_beginning", opts.FromBeginning)

	return &natsSubscription{cancel: cancel}, nil
}

// fetchLoop pulls messages one at a time and applies the ack discipline.
func (b *NATSBus) fetchLoop(ctx context.Context, channel string, consumer jetstream.Consumer, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "channel", channel, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMsg(ctx, channel, msg, handler)
		}
	}
}

func (b *NATSBus) handleMsg(ctx context.Context, channel string, msg jetstream.Msg, handler Handler) {
	m := unwrap(channel, msg.Data())
	if meta, err := msg.Metadata(); err == nil {
		m.Deliveries = int(meta.NumDelivered)
	}

	if err := handler(ctx, m); err != nil {
		b.logger.Warn("handler failed, leaving message pending",
			"channel", channel,
			"message_id", m.ID,
			"error", err)
		if err := msg.Nak(); err != nil {
			b.logger.Warn("failed to NAK message", "channel", channel, "error", err)
		}
		recordRedelivered(channel)
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ACK message", "channel", channel, "error", err)
	}
	recordAcked(channel)
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

type natsSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *natsSubscription) Stop() {
	s.once.Do(s.cancel)
}

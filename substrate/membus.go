package substrate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemBus is an in-process Bus used by tests and the embedded demo mode. It
// preserves the port's delivery invariants: consumer groups start at the
// stream tail, exactly one consumer per group receives a message, and a
// message is dropped from the pending set only after its handler returns
// without error.
type MemBus struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	logger   *slog.Logger
	closed   bool

	// RedeliveryDelay spaces redeliveries of a failed message. Tests keep
	// it short.
	RedeliveryDelay time.Duration
}

type memChannel struct {
	stream []Message // durable mirror, append-only
	groups map[string]*memGroup
}

type memGroup struct {
	pending   []Message
	notify    chan struct{}
	consumers int
	running   bool
	cancel    context.CancelFunc
}

// NewMemBus creates an empty in-memory bus.
func NewMemBus(logger *slog.Logger) *MemBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		channels:        make(map[string]*memChannel),
		logger:          logger,
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

func (b *MemBus) channel(name string) *memChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{groups: make(map[string]*memGroup)}
		b.channels[name] = ch
	}
	return ch
}

// Publish appends the message to every existing consumer group's pending
// queue. Groups created later do not see it: tail semantics.
func (b *MemBus) Publish(_ context.Context, channel string, data []byte, opts PublishOptions) error {
	raw, id, err := wrap(channel, opts.Key, data)
	if err != nil {
		return err
	}
	msg := unwrap(channel, raw)
	msg.ID = id

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrTransport
	}

	ch := b.channel(channel)
	if opts.MirrorToStream {
		ch.stream = append(ch.stream, msg)
	}
	for _, g := range ch.groups {
		g.pending = append(g.pending, msg)
		select {
		case g.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer in the named group and starts a delivery
// loop if the group does not have one yet. FromBeginning seeds the group
// with the channel's mirrored history.
func (b *MemBus) Subscribe(ctx context.Context, channel string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "default"
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrTransport
	}
	ch := b.channel(channel)
	g, ok := ch.groups[opts.ConsumerGroup]
	if !ok {
		g = &memGroup{notify: make(chan struct{}, 1)}
		if opts.FromBeginning {
			g.pending = append(g.pending, ch.stream...)
		}
		ch.groups[opts.ConsumerGroup] = g
	}
	g.consumers++
	if !g.running {
		loopCtx, cancel := context.WithCancel(context.Background())
		g.running = true
		g.cancel = cancel
		go b.deliverLoop(loopCtx, channel, g, handler)
	}
	b.mu.Unlock()

	sub := &memSubscription{bus: b, channel: channel, group: opts.ConsumerGroup}
	go func() {
		<-ctx.Done()
		sub.Stop()
	}()
	return sub, nil
}

// deliverLoop drains the group's pending queue one message at a time. A
// handler error re-queues the message at the head after RedeliveryDelay.
func (b *MemBus) deliverLoop(ctx context.Context, channel string, g *memGroup, handler Handler) {
	for {
		b.mu.Lock()
		var msg Message
		have := len(g.pending) > 0
		if have {
			msg = g.pending[0]
			g.pending = g.pending[1:]
		}
		notify := g.notify
		b.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		msg.Deliveries++
		if err := handler(ctx, msg); err != nil {
			b.logger.Debug("handler failed, message stays pending",
				"channel", channel,
				"message_id", msg.ID,
				"deliveries", msg.Deliveries,
				"error", err)
			select {
			case <-ctx.Done():
				// Re-queue so a later consumer picks it up.
			case <-time.After(b.RedeliveryDelay):
			}
			b.mu.Lock()
			g.pending = append([]Message{msg}, g.pending...)
			b.mu.Unlock()
			select {
			case g.notify <- struct{}{}:
			default:
			}
			if ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// StreamLen reports the number of mirrored messages on a channel. Test
// helper.
func (b *MemBus) StreamLen(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channel]; ok {
		return len(ch.stream)
	}
	return 0
}

// PendingLen reports the pending count of a consumer group. Test helper.
func (b *MemBus) PendingLen(channel, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channel]; ok {
		if g, ok := ch.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Close stops every delivery loop.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.channels {
		for _, g := range ch.groups {
			if g.cancel != nil {
				g.cancel()
				g.running = false
			}
		}
	}
	return nil
}

type memSubscription struct {
	bus     *MemBus
	channel string
	group   string
	once    sync.Once
}

func (s *memSubscription) Stop() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		ch, ok := s.bus.channels[s.channel]
		if !ok {
			return
		}
		g, ok := ch.groups[s.group]
		if !ok {
			return
		}
		g.consumers--
		if g.consumers <= 0 && g.cancel != nil {
			g.cancel()
			g.running = false
		}
	})
}

package world

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/wire"
)

// Envelope is one bus message.
type Envelope struct {
	From    ecs.SceneHandle // zero for messages from the transport
	Sender  string
	Channel string
	Payload []byte
}

// Transport carries bus messages off the host.
type Transport interface {
	Publish(ctx context.Context, env Envelope) error
}

// MessageBus routes comms between scenes and to the transport. Messages
// sent during tick N are delivered with tick N+1's inbound batch.
type MessageBus struct {
	mu          sync.Mutex
	subscribers map[ecs.SceneHandle]string
	outgoing    map[ecs.SceneHandle][]Envelope
	injected    []Envelope
	transport   Transport
}

func NewMessageBus(t Transport) *MessageBus {
	return &MessageBus{
		subscribers: make(map[ecs.SceneHandle]string),
		outgoing:    make(map[ecs.SceneHandle][]Envelope),
		transport:   t,
	}
}

// Subscribe registers scene h to receive messages.
func (b *MessageBus) Subscribe(h ecs.SceneHandle, sceneID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[h] = sceneID
}

// Unsubscribe removes h and drops anything it had not yet had routed.
func (b *MessageBus) Unsubscribe(h ecs.SceneHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, h)
	delete(b.outgoing, h)
}

// Send queues a message from a scene. It serves the send_message call.
func (b *MessageBus) Send(_ context.Context, from rpc.SceneContext, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("bus: empty channel")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[from.Handle]; !ok {
		return nil
	}
	b.outgoing[from.Handle] = append(b.outgoing[from.Handle], Envelope{
		From: from.Handle, Sender: from.SceneID, Channel: channel, Payload: append([]byte(nil), payload...),
	})
	return nil
}

// Inject queues a message received from the transport.
func (b *MessageBus) Inject(sender, channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected = append(b.injected, Envelope{Sender: sender, Channel: channel, Payload: append([]byte(nil), payload...)})
}

// Route drains every queued message and returns the comms commands for
// each subscribed scene. Transport messages come first, then scene
// messages in handle order; a scene never receives its own messages.
// Scene messages are also handed to the transport.
func (b *MessageBus) Route(ctx context.Context) map[ecs.SceneHandle][]wire.Command {
	b.mu.Lock()
	subs := make([]ecs.SceneHandle, 0, len(b.subscribers))
	for h := range b.subscribers {
		subs = append(subs, h)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Less(subs[j]) })

	msgs := b.injected
	b.injected = nil
	for _, h := range subs {
		msgs = append(msgs, b.outgoing[h]...)
	}
	b.outgoing = make(map[ecs.SceneHandle][]Envelope)
	transport := b.transport
	b.mu.Unlock()

	out := make(map[ecs.SceneHandle][]wire.Command, len(subs))
	for _, m := range msgs {
		cmd := wire.Command{Kind: wire.CommandComms, Sender: m.Sender, Channel: m.Channel, Data: m.Payload}
		for _, h := range subs {
			if h == m.From {
				continue
			}
			out[h] = append(out[h], cmd)
		}
		if transport != nil && !m.From.IsZero() {
			if err := transport.Publish(ctx, m); err != nil {
				slog.Warn("bus transport publish failed", "sender", m.Sender, "channel", m.Channel, "error", err)
			}
		}
	}
	return out
}

// Pending returns the number of queued messages.
func (b *MessageBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.injected)
	for _, q := range b.outgoing {
		n += len(q)
	}
	return n
}

// Package channel implements the ordered per-scene message queues that
// carry records between the host and a scene once per tick.
//
// Each scene owns a Pair: Inbound (host to scene) and Outbound (scene to
// host). A producer sends any number of messages and then seals them with
// EndBatch; a consumer's TakeBatch drains exactly the sealed prefix.
// Messages sent after the seal stay queued for the following batch, which
// bounds one tick's input to a consistent snapshot.
//
// Messages are opaque to the queue. The Kind tag only tells the consumer
// how to interpret Data.
package channel

import (
	"errors"
	"sync"
)

// DefaultCapacity bounds the number of queued messages per direction.
const DefaultCapacity = 4096

var (
	// ErrOverflow is returned by Send when the queue is at capacity. The
	// message is not queued; the caller keeps it and retries.
	ErrOverflow = errors.New("channel overflow")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel closed")
)

// Kind tells the consumer how to interpret a message.
type Kind uint8

const (
	KindCRDT     Kind = iota + 1 // wire.Record
	KindCommand                  // wire.Command
	KindResponse                 // wire.Response
)

func (k Kind) String() string {
	switch k {
	case KindCRDT:
		return "crdt"
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one queued payload.
type Message struct {
	Kind Kind
	Data []byte
}

// Queue is a bounded, thread-safe FIFO with batch sealing.
//
// Thread-safety: any number of producers may Send; one consumer calls
// TakeBatch. Wait is safe from any goroutine.
type Queue struct {
	mu       sync.Mutex
	msgs     []Message
	sealed   int // msgs[:sealed] are visible to TakeBatch
	capacity int
	closed   bool
	signal   chan struct{} // buffered, size 1; closed on Close
}

// NewQueue returns an empty queue. capacity <= 0 means DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		msgs:     make([]Message, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Send appends a message to the open (unsealed) tail.
func (q *Queue) Send(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.msgs) >= q.capacity {
		return ErrOverflow
	}
	q.msgs = append(q.msgs, m)
	return nil
}

// EndBatch seals every message sent so far and wakes the consumer. An
// empty seal still wakes the consumer so that a tick runs with no input.
func (q *Queue) EndBatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.sealed = len(q.msgs)
	q.notify()
}

// SendBatch sends msgs and seals them. If the queue overflows part way,
// the messages already sent are sealed and the unsent remainder is
// returned together with ErrOverflow.
func (q *Queue) SendBatch(msgs []Message) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return msgs, ErrClosed
	}
	for i, m := range msgs {
		if len(q.msgs) >= q.capacity {
			q.sealed = len(q.msgs)
			q.notify()
			return msgs[i:], ErrOverflow
		}
		q.msgs = append(q.msgs, m)
	}
	q.sealed = len(q.msgs)
	q.notify()
	return nil, nil
}

// TakeBatch removes and returns the sealed prefix. Returns nil if nothing
// is sealed.
func (q *Queue) TakeBatch() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sealed == 0 {
		return nil
	}
	batch := make([]Message, q.sealed)
	copy(batch, q.msgs[:q.sealed])

	// Clear moved slots so the backing array does not pin payloads.
	rest := copy(q.msgs, q.msgs[q.sealed:])
	for i := rest; i < len(q.msgs); i++ {
		q.msgs[i] = Message{}
	}
	q.msgs = q.msgs[:rest]
	q.sealed = 0
	return batch
}

// Wait returns a channel that receives when a batch may be available. The
// channel is closed by Close.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages, sealed or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Sealed returns the number of messages TakeBatch would return.
func (q *Queue) Sealed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}

// Close rejects further sends and wakes waiters. Queued messages are
// discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.msgs = nil
	q.sealed = 0
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pair is the two directions of one scene's channel.
type Pair struct {
	Inbound  *Queue
	Outbound *Queue
}

// NewPair returns a pair with the given per-direction capacity.
func NewPair(capacity int) *Pair {
	return &Pair{
		Inbound:  NewQueue(capacity),
		Outbound: NewQueue(capacity),
	}
}

// Close closes both directions.
func (p *Pair) Close() {
	p.Inbound.Close()
	p.Outbound.Close()
}

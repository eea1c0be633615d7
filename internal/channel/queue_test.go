package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(s string) Message {
	return Message{Kind: KindCRDT, Data: []byte(s)}
}

func payloads(batch []Message) []string {
	out := make([]string, len(batch))
	for i, m := range batch {
		out[i] = string(m.Data)
	}
	return out
}

func TestQueue_FIFOWithinBatch(t *testing.T) {
	q := NewQueue(0)

	require.NoError(t, q.Send(msg("a")))
	require.NoError(t, q.Send(msg("b")))
	require.NoError(t, q.Send(msg("c")))
	q.EndBatch()

	assert.Equal(t, []string{"a", "b", "c"}, payloads(q.TakeBatch()))
	assert.Nil(t, q.TakeBatch())
}

func TestQueue_UnsealedNotVisible(t *testing.T) {
	q := NewQueue(0)

	q.Send(msg("a"))
	assert.Nil(t, q.TakeBatch(), "nothing sealed yet")

	q.EndBatch()
	q.Send(msg("late"))

	assert.Equal(t, []string{"a"}, payloads(q.TakeBatch()))
	assert.Equal(t, 1, q.Len())

	q.EndBatch()
	assert.Equal(t, []string{"late"}, payloads(q.TakeBatch()))
}

func TestQueue_SentAfterTakeGoesToNextBatch(t *testing.T) {
	q := NewQueue(0)

	q.Send(msg("tick1"))
	q.EndBatch()
	batch := q.TakeBatch()

	// Sent while tick 1 is running.
	q.Send(msg("mid"))

	assert.Equal(t, []string{"tick1"}, payloads(batch))
	assert.Nil(t, q.TakeBatch(), "mid-tick message waits for the next seal")

	q.EndBatch()
	assert.Equal(t, []string{"mid"}, payloads(q.TakeBatch()))
}

func TestQueue_Overflow(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Send(msg("a")))
	require.NoError(t, q.Send(msg("b")))
	assert.ErrorIs(t, q.Send(msg("c")), ErrOverflow)
	assert.Equal(t, 2, q.Len(), "queued messages are never dropped")
}

func TestQueue_SendBatchReturnsRemainder(t *testing.T) {
	q := NewQueue(2)

	rest, err := q.SendBatch([]Message{msg("a"), msg("b"), msg("c"), msg("d")})
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, []string{"c", "d"}, payloads(rest))
	assert.Equal(t, []string{"a", "b"}, payloads(q.TakeBatch()))

	rest, err = q.SendBatch(rest)
	require.NoError(t, err)
	assert.Nil(t, rest)
	assert.Equal(t, []string{"c", "d"}, payloads(q.TakeBatch()))
}

func TestQueue_EmptySealWakes(t *testing.T) {
	q := NewQueue(0)
	q.EndBatch()

	select {
	case <-q.Wait():
	default:
		t.Fatal("EndBatch should signal even without messages")
	}
	assert.Nil(t, q.TakeBatch())
}

func TestQueue_CloseWakesAndRejects(t *testing.T) {
	q := NewQueue(0)
	q.Send(msg("a"))

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		<-q.Wait() // closed channel keeps firing
		close(done)
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	assert.ErrorIs(t, q.Send(msg("b")), ErrClosed)
	assert.True(t, q.Closed())
	assert.Equal(t, 0, q.Len())
	q.Close()
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue(10000)
	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Send(Message{Kind: KindCommand, Data: []byte{byte(p), byte(i)}})
			}
		}(p)
	}
	wg.Wait()
	q.EndBatch()

	batch := q.TakeBatch()
	require.Len(t, batch, producers*perProducer)

	last := make(map[byte]int)
	for _, m := range batch {
		p, i := m.Data[0], int(m.Data[1])
		prev, seen := last[p]
		if seen {
			assert.Greater(t, i, prev)
		}
		last[p] = i
	}
}

func TestPair_Close(t *testing.T) {
	p := NewPair(8)
	p.Close()
	assert.True(t, p.Inbound.Closed())
	assert.True(t, p.Outbound.Closed())
}

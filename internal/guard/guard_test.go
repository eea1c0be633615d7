package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_SerializesEngineCalls(t *testing.T) {
	g := New(true)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = g.Do(func() error {
					n := inside.Add(1)
					if n > maxInside.Load() {
						maxInside.Store(n)
					}
					inside.Add(-1)
					return nil
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, int64(400), g.Stats().Entries)
}

func TestGuard_ReleasedLetsOthersIn(t *testing.T) {
	g := New(true)

	waiting := make(chan struct{})
	otherRan := make(chan struct{})
	resume := make(chan struct{})

	go func() {
		g.Enter()
		g.Released(func() {
			close(waiting)
			<-resume
		})
		g.Exit()
	}()

	<-waiting
	go func() {
		g.Enter()
		close(otherRan)
		g.Exit()
	}()

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("guard was not released during the wait")
	}
	close(resume)
}

func TestGuard_NoopWhenNotSerializing(t *testing.T) {
	g := New(false)
	require.False(t, g.Serializing())

	// Nested entry would deadlock a serializing guard.
	g.Enter()
	g.Enter()
	g.Exit()
	g.Exit()
	assert.NotPanics(t, func() { g.Exit() })
	assert.Equal(t, int64(2), g.Stats().Entries)
}

func TestGuard_ExitWithoutEnterPanics(t *testing.T) {
	g := New(true)
	assert.Panics(t, func() { g.Exit() })
}

func TestGuard_DoPropagatesError(t *testing.T) {
	g := New(true)
	err := g.Do(func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	// Released after an error: another Do must not block.
	assert.NoError(t, g.Do(func() error { return nil }))
}

func TestDefault_IsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

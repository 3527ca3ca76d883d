package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := New(1, 100)
	defer p.Close(context.Background())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, p.TrySubmit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	p.Wait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTrySubmitFullQueue(t *testing.T) {
	p := New(1, 1)
	defer p.Close(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.TrySubmit(func() {
		close(started)
		<-release
	}))
	<-started

	require.True(t, p.TrySubmit(func() {}), "one slot in the queue")
	assert.False(t, p.TrySubmit(func() {}), "queue is full")

	close(release)
	p.Wait()
	assert.Zero(t, p.Pending())
}

func TestGoIsTracked(t *testing.T) {
	p := New(1, 1)
	defer p.Close(context.Background())

	var ran atomic.Bool
	require.True(t, p.Go(func() {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	}))
	p.Wait()
	assert.True(t, ran.Load())
}

func TestConcurrentWorkers(t *testing.T) {
	p := New(4, 100)
	defer p.Close(context.Background())

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		require.True(t, p.TrySubmit(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		}))
	}
	p.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestPanicIsRecovered(t *testing.T) {
	var recovered atomic.Value
	p := New(1, 10, WithPanicHandler(func(r any) { recovered.Store(r) }))
	defer p.Close(context.Background())

	require.True(t, p.TrySubmit(func() { panic("boom") }))
	var after atomic.Bool
	require.True(t, p.TrySubmit(func() { after.Store(true) }))
	p.Wait()

	assert.Equal(t, "boom", recovered.Load())
	assert.True(t, after.Load(), "worker survives a panicking job")
}

func TestClose(t *testing.T) {
	p := New(2, 10)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, p.TrySubmit(func() {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
		}))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(5), done.Load(), "accepted jobs finish before Close returns")

	assert.False(t, p.TrySubmit(func() {}))
	assert.False(t, p.Go(func() {}))
	assert.ErrorIs(t, p.Close(context.Background()), ErrClosed)
}

func TestCloseDeadline(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	defer close(release)
	require.True(t, p.TrySubmit(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

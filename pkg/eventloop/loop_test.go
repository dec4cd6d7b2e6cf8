package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(time.Millisecond, nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(time.Second) })
	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { seen = append(seen, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestLoop_StartTwice(t *testing.T) {
	l := startLoop(t)
	err := l.Start(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestLoop_GoPostsContinuation(t *testing.T) {
	l := startLoop(t)

	done := make(chan string, 1)
	l.Go(func(ctx context.Context) func() {
		v := "fetched"
		return func() { done <- v }
	})
	select {
	case v := <-done:
		assert.Equal(t, "fetched", v)
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestLoop_AfterFuncStop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 2)
	stopped := l.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	kept := l.AfterFunc(time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.False(t, kept.Stop(), "fired timers cannot be stopped")

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoop_RequestFrameCoalesces(t *testing.T) {
	l := New(20*time.Millisecond, nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(time.Second)

	var mu sync.Mutex
	var ticks []int
	done := make(chan struct{})
	require.NoError(t, l.Do(context.Background(), func() {
		for i := 0; i < 3; i++ {
			i := i
			l.RequestFrame(func() {
				mu.Lock()
				ticks = append(ticks, i)
				mu.Unlock()
				if i == 2 {
					close(done)
				}
			})
		}
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, ticks)
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_StopCancelsWork(t *testing.T) {
	l := New(time.Millisecond, nil)
	require.NoError(t, l.Start(context.Background()))

	cancelled := make(chan struct{})
	l.Go(func(ctx context.Context) func() {
		<-ctx.Done()
		close(cancelled)
		return func() { t.Error("continuation ran after stop") }
	})
	require.NoError(t, l.Stop(time.Second))
	<-cancelled

	err := l.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.NoError(t, l.Stop(time.Second), "second stop is a no-op")
}

func TestManual(t *testing.T) {
	m := NewManual()

	var seen []string
	m.Post(func() {
		seen = append(seen, "a")
		m.Post(func() { seen = append(seen, "b") })
	})
	assert.Equal(t, 2, m.RunPending())
	assert.Equal(t, []string{"a", "b"}, seen)

	m.Go(func(context.Context) func() { return func() { seen = append(seen, "work") } })
	assert.Equal(t, 1, m.PendingWork())
	m.Settle()
	assert.Equal(t, "work", seen[len(seen)-1])

	m.AfterFunc(10*time.Millisecond, func() { seen = append(seen, "late") })
	m.AfterFunc(5*time.Millisecond, func() { seen = append(seen, "early") })
	stopped := m.AfterFunc(5*time.Millisecond, func() { seen = append(seen, "stopped") })
	assert.True(t, stopped.Stop())

	m.Advance(4 * time.Millisecond)
	assert.NotContains(t, seen, "early")
	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, seen[len(seen)-2:])
	assert.NotContains(t, seen, "stopped")

	m.RequestFrame(func() { seen = append(seen, "frame") })
	assert.Equal(t, 1, m.PendingFrames())
	assert.Equal(t, 1, m.Frame())
	assert.Equal(t, "frame", seen[len(seen)-1])
}

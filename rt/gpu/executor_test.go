package gpu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withToken runs fn on a fresh executor's frame, the way the owning thread would.
func withToken(t *testing.T, fn func(tok *Token)) {
	t.Helper()
	e := NewExecutor(nil)
	require.NoError(t, e.Tick(func(tok *Token) error {
		fn(tok)
		return nil
	}))
}

func TestExecutor_FutureResolvesOnDrain(t *testing.T) {
	e := NewExecutor(nil)

	f := Submit(e, func(tok *Token) (int, error) {
		require.NotNil(t, tok)
		return 42, nil
	})
	assert.False(t, f.IsDone(), "future must not be done before a drain")
	assert.Equal(t, 1, e.Pending())

	_, err := f.Result()
	assert.Error(t, err, "reading an unresolved future is an error")

	assert.Equal(t, 1, e.Drain())
	require.True(t, f.IsDone())

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	assert.Equal(t, 0, e.Drain(), "a drained task never runs twice")
}

func TestExecutor_FailureIsCapturedPerTask(t *testing.T) {
	e := NewExecutor(nil)
	boom := errors.New("boom")

	failing := Submit(e, func(tok *Token) (string, error) {
		return "", boom
	})
	panicking := Submit(e, func(tok *Token) (string, error) {
		panic("driver lost")
	})
	after := Submit(e, func(tok *Token) (string, error) {
		return "still ran", nil
	})

	require.NotPanics(t, func() { e.Drain() })

	_, err := failing.Result()
	assert.ErrorIs(t, err, ErrTaskExecution)
	assert.ErrorIs(t, err, boom)

	_, err = panicking.Result()
	assert.ErrorIs(t, err, ErrTaskExecution)
	assert.Contains(t, err.Error(), "driver lost")

	v, err := after.Result()
	require.NoError(t, err)
	assert.Equal(t, "still ran", v)

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Executed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestExecutor_FIFOAcrossProducers(t *testing.T) {
	e := NewExecutor(nil)

	const producers, perProducer = 8, 200
	var order []int // written only on the draining goroutine
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := p*perProducer + i
				Submit(e, func(tok *Token) (struct{}, error) {
					order = append(order, id)
					return struct{}{}, nil
				})
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, e.Drain())
	require.Len(t, order, producers*perProducer)

	// Each producer's tasks keep their submission order.
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for _, id := range order {
		p, i := id/perProducer, id%perProducer
		assert.Greater(t, i, last[p])
		last[p] = i
	}
}

func TestExecutor_TasksQueuedDuringDrainWaitForNextDrain(t *testing.T) {
	e := NewExecutor(nil)
	var inner *Future[int]

	Submit(e, func(tok *Token) (int, error) {
		inner = Submit(tok.Executor(), func(tok *Token) (int, error) { return 2, nil })
		return 1, nil
	})

	assert.Equal(t, 1, e.Drain())
	require.NotNil(t, inner)
	assert.False(t, inner.IsDone())

	assert.Equal(t, 1, e.Drain())
	v, err := inner.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestExecutor_SubmitAndWait(t *testing.T) {
	e := NewExecutor(nil)
	stop := make(chan struct{})
	loopDone := make(chan struct{})

	// Owning thread: drain until told to stop.
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-stop:
				return
			default:
				e.Drain()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	v, err := SubmitAndWait(context.Background(), e, time.Second, func(tok *Token) (string, error) {
		return "uploaded", nil
	})
	close(stop)
	<-loopDone

	require.NoError(t, err)
	assert.Equal(t, "uploaded", v)
}

func TestExecutor_SubmitAndWaitTimeout(t *testing.T) {
	e := NewExecutor(nil)
	ran := false

	_, err := SubmitAndWait(context.Background(), e, 10*time.Millisecond, func(tok *Token) (int, error) {
		ran = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)

	// The task is not cancelled: the next drain still runs it.
	assert.Equal(t, 1, e.Drain())
	assert.True(t, ran)
}

func TestExecutor_Close(t *testing.T) {
	e := NewExecutor(nil)
	queued := Submit(e, func(tok *Token) (int, error) { return 1, nil })
	e.Close()

	rejected := Submit(e, func(tok *Token) (int, error) { return 2, nil })
	require.True(t, rejected.IsDone())
	_, err := rejected.Result()
	assert.ErrorIs(t, err, ErrExecutorClosed)

	e.Drain()
	v, err := queued.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestExecutor_TokenExpiresAfterFrame(t *testing.T) {
	e := NewExecutor(nil)
	backend := NewHeadlessBackend()

	var escaped *Token
	var buf *MappedBuffer
	require.NoError(t, e.Tick(func(tok *Token) error {
		escaped = tok
		var err error
		buf, err = NewMappedBuffer(tok, backend, "t", TargetStorage, 16)
		return err
	}))

	assert.Panics(t, func() {
		_, _ = buf.Put(escaped, 0, Bytes{1, 2, 3, 4})
	})
	assert.Panics(t, func() {
		_, _ = buf.Put(nil, 0, Bytes{1})
	})
}

func TestExecutor_TickPropagatesFrameError(t *testing.T) {
	e := NewExecutor(nil)
	f := Submit(e, func(tok *Token) (int, error) { return 7, nil })

	frameErr := errors.New("frame failed")
	err := e.Tick(func(tok *Token) error { return frameErr })
	assert.ErrorIs(t, err, frameErr)

	// The queue was drained before the frame ran.
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitResult[T any](t *testing.T, c *Coordinator[T]) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := c.Poll(); ok {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	var zero T
	return zero
}

func TestCoordinator_TryAcquire_singleFlight(t *testing.T) {
	c := New[int](nil)

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := c.TryAcquire(); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, StatusPending, c.Status())
}

func TestCoordinator_TryAcquire_twoCallers(t *testing.T) {
	c := New[int](nil)

	tok1, ok1 := c.TryAcquire()
	tok2, ok2 := c.TryAcquire()

	assert.True(t, ok1)
	assert.NotNil(t, tok1)
	assert.False(t, ok2)
	assert.Nil(t, tok2)
}

func TestToken_Release(t *testing.T) {
	c := New[int](nil)

	abort := func() error {
		tok, ok := c.TryAcquire()
		require.True(t, ok)
		defer tok.Release()
		return assert.AnError // early validation failure
	}
	require.Error(t, abort())

	assert.Equal(t, StatusFree, c.Status())
	tok, ok := c.TryAcquire()
	assert.True(t, ok, "slot must be free after an unsubmitted token is released")

	tok.Release()
	tok.Release()
	assert.Equal(t, StatusFree, c.Status())
	assert.ErrorIs(t, tok.Submit(context.Background(), func(context.Context, *Tracker) int { return 1 }), ErrTokenConsumed)
}

func TestToken_Release_afterSubmitIsNoop(t *testing.T) {
	c := New[int](nil)
	release := make(chan struct{})

	tok, ok := c.TryAcquire()
	require.True(t, ok)
	require.NoError(t, tok.Submit(context.Background(), func(context.Context, *Tracker) int {
		<-release
		return 7
	}))
	tok.Release()

	assert.Equal(t, StatusRunning, c.Status())
	_, ok = c.TryAcquire()
	assert.False(t, ok)

	close(release)
	assert.Equal(t, 7, waitResult(t, c))
}

func TestToken_Submit_twice(t *testing.T) {
	c := New[int](nil)
	tok, _ := c.TryAcquire()
	job := func(context.Context, *Tracker) int { return 1 }

	require.NoError(t, tok.Submit(context.Background(), job))
	assert.ErrorIs(t, tok.Submit(context.Background(), job), ErrTokenConsumed)
	waitResult(t, c)
}

func TestCoordinator_Poll(t *testing.T) {
	c := New[string](nil)

	_, ok := c.Poll()
	assert.False(t, ok, "nothing admitted")

	tok, ok := c.TryAcquire()
	require.True(t, ok)
	_, ok = c.Poll()
	assert.False(t, ok, "admitted but not submitted")

	release := make(chan struct{})
	require.NoError(t, tok.Submit(context.Background(), func(context.Context, *Tracker) string {
		<-release
		return "done"
	}))

	_, ok = c.Poll()
	assert.False(t, ok, "still running")
	assert.Equal(t, StatusRunning, c.Status())

	close(release)
	assert.Equal(t, "done", waitResult(t, c))

	_, ok = c.Poll()
	assert.False(t, ok, "result is taken exactly once")
	assert.Equal(t, StatusFree, c.Status())

	_, ok = c.TryAcquire()
	assert.True(t, ok)
}

func TestCoordinator_jobOutlivesRequest(t *testing.T) {
	c := New[error](nil)
	ctx, cancel := context.WithCancel(context.Background())

	tok, _ := c.TryAcquire()
	started := make(chan struct{})
	require.NoError(t, tok.Submit(ctx, func(ctx context.Context, _ *Tracker) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return ctx.Err()
	}))
	<-started
	cancel()

	assert.NoError(t, waitResult(t, c))
}

func TestCoordinator_Progress(t *testing.T) {
	c := New[int](nil)

	_, ok := c.Progress()
	assert.False(t, ok)

	tok, _ := c.TryAcquire()
	step := make(chan struct{})
	ack := make(chan struct{})
	require.NoError(t, tok.Submit(context.Background(), func(_ context.Context, tr *Tracker) int {
		tr.Set(0, 3)
		for i := 0; i < 3; i++ {
			<-step
			tr.Inc()
			ack <- struct{}{}
		}
		return 3
	}))

	for i := 1; i <= 3; i++ {
		step <- struct{}{}
		<-ack
		p, ok := c.Progress()
		require.True(t, ok)
		assert.Equal(t, Progress{Done: i, Total: 3}, p)
	}

	waitResult(t, c)
	_, ok = c.Progress()
	assert.False(t, ok, "progress is reset once the result is taken")
}

func TestCoordinator_panicRecovered(t *testing.T) {
	c := New[error](func(r any) error { return &PanicError{Value: r} })

	tok, _ := c.TryAcquire()
	require.NoError(t, tok.Submit(context.Background(), func(context.Context, *Tracker) error {
		panic("boom")
	}))

	err := waitResult(t, c)
	require.Error(t, err)
	assert.Equal(t, "job panicked: boom", err.Error())
	assert.Equal(t, StatusFree, c.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "none", StatusFree.String())
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "running", StatusRunning.String())
}

// Package sessiontest holds the behaviour every session.Store backend must show.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/denim/core/session"
)

// Clock is a manually advanced store clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type (
	// Harness is one freshly built backend.
	Harness struct {
		Store session.Store
		// Advance moves the backend's own clock, if it keeps one (e.g. Redis TTLs).
		Advance func(d time.Duration)
		// NativeExpiry is set when the backend evicts expired records by itself,
		// so DeleteExpired has nothing left to count.
		NativeExpiry bool
		// Corrupt overwrites the stored blob of id with undecodable bytes.
		Corrupt func(t *testing.T, id string)
	}

	// Factory builds a Harness whose store applies opts.
	Factory func(t *testing.T, opts ...session.Option) Harness
)

// epoch carries sub-microsecond nanoseconds so that a backend which rounds expiries fails the round trip.
var epoch = time.Date(2026, time.March, 2, 8, 0, 0, 123456789, time.UTC)

const sessionLifetime = 5 * 24 * time.Hour

type suite struct {
	factory Factory
}

func (s suite) build(t *testing.T, opts ...session.Option) (Harness, *Clock) {
	clock := NewClock(epoch)
	opts = append([]session.Option{session.WithClock(clock.Now)}, opts...)
	return s.factory(t, opts...), clock
}

func advance(h Harness, clock *Clock, d time.Duration) {
	clock.Advance(d)
	if h.Advance != nil {
		h.Advance(d)
	}
}

// RunStoreSuite runs the contract tests against the backend built by factory.
func RunStoreSuite(t *testing.T, factory Factory) {
	s := suite{factory: factory}

	t.Run("concurrent creates get distinct ids", s.testConcurrentCreate)
	t.Run("save then load round trips", s.testRoundTrip)
	t.Run("wall clock expiry round trips", s.testWallClockExpiry)
	t.Run("save overwrites", s.testSaveOverwrites)
	t.Run("load missing", s.testLoadMissing)
	t.Run("delete is idempotent", s.testDelete)
	t.Run("delete expired removes only past expiries", s.testDeleteExpired)
	t.Run("create retries on id conflict", s.testCreateRetry)
	t.Run("create gives up after bounded attempts", s.testCreateExhausted)
	t.Run("create of an expired record", s.testCreateExpired)
	t.Run("five day session expires", s.testFiveDayScenario)
	t.Run("corrupt blob is a decode error", s.testCorrupt)
}

func (s suite) testConcurrentCreate(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := session.Record{
				Data:   session.Data{"n": fmt.Sprint(i)},
				Expiry: clock.Now().Add(sessionLifetime),
			}
			errs[i] = h.Store.Create(ctx, &rec)
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotEmpty(t, ids[i])
		assert.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true

		rec, err := h.Store.Load(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), rec.Data.Get("n"))
	}
}

func (s suite) testRoundTrip(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	want := session.Record{
		ID:     "round-trip",
		Data:   session.Data{"user_id": "4a3c2b1e", "flash": "héllo, wörld", "empty": ""},
		Expiry: clock.Now().Add(sessionLifetime),
	}
	require.NoError(t, h.Store.Save(ctx, want))

	got, err := h.Store.Load(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Data, got.Data)
	assert.True(t, want.Expiry.Equal(got.Expiry), "expiry = %v; want %v", got.Expiry, want.Expiry)
}

// testWallClockExpiry saves an expiry taken from time.Now, as the session
// middleware does, which carries nanoseconds on every platform Go supports.
func (s suite) testWallClockExpiry(t *testing.T) {
	h, _ := s.build(t)
	ctx := context.Background()

	want := session.Record{
		ID:     "wall-clock",
		Data:   session.Data{"user_id": "42"},
		Expiry: time.Now().Add(sessionLifetime).UTC(),
	}
	require.NoError(t, h.Store.Save(ctx, want))

	got, err := h.Store.Load(ctx, want.ID)
	require.NoError(t, err)
	assert.True(t, want.Expiry.Equal(got.Expiry), "expiry = %v; want %v", got.Expiry, want.Expiry)
	assert.Equal(t, want.Expiry.Nanosecond(), got.Expiry.Nanosecond())
}

func (s suite) testSaveOverwrites(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	rec := session.Record{Data: session.Data{"step": "1"}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &rec))

	rec.Data = session.Data{"step": "2"}
	rec.Expiry = clock.Now().Add(2 * time.Hour)
	require.NoError(t, h.Store.Save(ctx, rec))
	require.NoError(t, h.Store.Save(ctx, rec))

	got, err := h.Store.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Data.Get("step"))
	assert.True(t, rec.Expiry.Equal(got.Expiry))
}

func (s suite) testLoadMissing(t *testing.T) {
	h, _ := s.build(t)

	_, err := h.Store.Load(context.Background(), "nope")
	assert.True(t, session.IsNotFound(err), "got %v", err)
	assert.False(t, session.IsBackend(err))
	assert.False(t, session.IsDecode(err))
}

func (s suite) testDelete(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	rec := session.Record{Data: session.Data{}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &rec))

	require.NoError(t, h.Store.Delete(ctx, rec.ID))
	require.NoError(t, h.Store.Delete(ctx, rec.ID))
	require.NoError(t, h.Store.Delete(ctx, "never-existed"))

	_, err := h.Store.Load(ctx, rec.ID)
	assert.True(t, session.IsNotFound(err))
}

func (s suite) testDeleteExpired(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()
	now := clock.Now()

	past := []time.Duration{-48 * time.Hour, -time.Minute, -time.Second}
	future := []time.Duration{time.Second, time.Hour, sessionLifetime}

	var pastIDs, futureIDs []string
	for i, d := range past {
		id := fmt.Sprintf("past-%d", i)
		require.NoError(t, h.Store.Save(ctx, session.Record{ID: id, Data: session.Data{}, Expiry: now.Add(d)}))
		pastIDs = append(pastIDs, id)
	}
	for i, d := range future {
		id := fmt.Sprintf("future-%d", i)
		require.NoError(t, h.Store.Save(ctx, session.Record{ID: id, Data: session.Data{}, Expiry: now.Add(d)}))
		futureIDs = append(futureIDs, id)
	}

	n, err := h.Store.DeleteExpired(ctx)
	require.NoError(t, err)
	if !h.NativeExpiry {
		assert.EqualValues(t, len(past), n)

		// a second pass finds nothing
		n, err = h.Store.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	for _, id := range pastIDs {
		_, err := h.Store.Load(ctx, id)
		assert.True(t, session.IsNotFound(err), "%s should be gone, got %v", id, err)
	}
	for _, id := range futureIDs {
		_, err := h.Store.Load(ctx, id)
		assert.NoError(t, err, "%s should survive", id)
	}
}

func idSequence(ids ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}
}

func (s suite) testCreateRetry(t *testing.T) {
	h, clock := s.build(t, session.WithIDFunc(idSequence("taken", "taken", "taken", "fresh")))
	ctx := context.Background()

	first := session.Record{Data: session.Data{"who": "first"}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &first))
	require.Equal(t, "taken", first.ID)

	second := session.Record{Data: session.Data{"who": "second"}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &second))
	assert.Equal(t, "fresh", second.ID)

	got, err := h.Store.Load(ctx, "taken")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Data.Get("who"), "a colliding create must not overwrite")
}

func (s suite) testCreateExhausted(t *testing.T) {
	h, clock := s.build(t, session.WithIDFunc(idSequence("same")))
	ctx := context.Background()

	first := session.Record{Data: session.Data{}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &first))

	second := session.Record{Data: session.Data{}, Expiry: clock.Now().Add(time.Hour)}
	err := h.Store.Create(ctx, &second)
	require.Error(t, err)
	assert.True(t, session.IsBackend(err))
	assert.Empty(t, second.ID)
}

func (s suite) testCreateExpired(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	rec := session.Record{Data: session.Data{"a": "b"}, Expiry: clock.Now().Add(-time.Minute)}
	require.NoError(t, h.Store.Create(ctx, &rec))
	require.NotEmpty(t, rec.ID)

	_, err := h.Store.Load(ctx, rec.ID)
	assert.True(t, session.IsNotFound(err), "got %v", err)
}

func (s suite) testFiveDayScenario(t *testing.T) {
	h, clock := s.build(t)
	ctx := context.Background()

	rec := session.Record{Data: session.Data{"user_id": "42"}, Expiry: clock.Now().Add(sessionLifetime)}
	require.NoError(t, h.Store.Create(ctx, &rec))

	got, err := h.Store.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Data, got.Data)
	assert.True(t, rec.Expiry.Equal(got.Expiry))

	advance(h, clock, sessionLifetime+time.Second)

	_, err = h.Store.DeleteExpired(ctx)
	require.NoError(t, err)

	_, err = h.Store.Load(ctx, rec.ID)
	assert.True(t, session.IsNotFound(err), "got %v", err)
}

func (s suite) testCorrupt(t *testing.T) {
	h, clock := s.build(t)
	if h.Corrupt == nil {
		t.Skip("backend cannot be corrupted from tests")
	}
	ctx := context.Background()

	rec := session.Record{Data: session.Data{"a": "b"}, Expiry: clock.Now().Add(time.Hour)}
	require.NoError(t, h.Store.Create(ctx, &rec))
	h.Corrupt(t, rec.ID)

	_, err := h.Store.Load(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, session.IsDecode(err), "got %v", err)
	assert.False(t, session.IsNotFound(err))
	assert.False(t, session.IsBackend(err))
}

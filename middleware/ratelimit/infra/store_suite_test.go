package infra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{now: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// runPointStoreSuite exercita o contrato de domain.PointStore através do Service.
func runPointStoreSuite(t *testing.T, newStore func(t *testing.T) domain.PointStore) {
	ctx := context.Background()

	t.Run("scenario ip window", func(t *testing.T) {
		clock := newTestClock(t0)
		svc := application.Service{Store: newStore(t), Now: clock.Now}
		key := domain.Key("ip:1.2.3.4")

		for i := 0; i < 5; i++ {
			dec, err := svc.Consume(ctx, key, 1, time.Minute, 5)
			require.NoError(t, err)
			require.True(t, dec.Allowed, "call %d", i+1)
			assert.Equal(t, 4-i, dec.Remaining)
		}

		clock.Set(t0.Add(100 * time.Millisecond))
		dec, err := svc.Consume(ctx, key, 1, time.Minute, 5)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
		assert.Equal(t, 0, dec.Remaining)
		assert.Equal(t, 59900*time.Millisecond, dec.RetryAfter)

		clock.Set(t0.Add(60001 * time.Millisecond))
		dec, err = svc.Consume(ctx, key, 1, time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, 4, dec.Remaining)
	})

	t.Run("budget sequence then reject", func(t *testing.T) {
		svc := application.Service{Store: newStore(t), Now: newTestClock(t0).Now}
		const n = 7
		for i := 0; i < n; i++ {
			dec, err := svc.Consume(ctx, "seq", 1, time.Second, n)
			require.NoError(t, err)
			require.True(t, dec.Allowed)
			assert.Equal(t, n-1-i, dec.Remaining)
		}
		dec, err := svc.Consume(ctx, "seq", 1, time.Second, n)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
	})

	t.Run("rejection keeps points", func(t *testing.T) {
		store := newStore(t)
		svc := application.Service{Store: store, Now: newTestClock(t0).Now}

		_, err := svc.Consume(ctx, "cost", 3, time.Minute, 4)
		require.NoError(t, err)
		dec, err := svc.Consume(ctx, "cost", 2, time.Minute, 4)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)

		rec, err := store.Peek(ctx, "cost")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 3, rec.Points)

		dec, err = svc.Consume(ctx, "cost", 1, time.Minute, 4)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, 0, dec.Remaining)
	})

	t.Run("fresh window after expiry", func(t *testing.T) {
		clock := newTestClock(t0)
		svc := application.Service{Store: newStore(t), Now: clock.Now}

		for i := 0; i < 3; i++ {
			_, err := svc.Consume(ctx, "w", 1, time.Second, 3)
			require.NoError(t, err)
		}
		clock.Set(t0.Add(time.Second))
		dec, err := svc.Consume(ctx, "w", 2, time.Second, 3)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, 1, dec.Remaining)
		assert.Equal(t, domain.ToMillis(t0.Add(2*time.Second)), dec.ResetAt)
	})

	t.Run("peek does not mutate", func(t *testing.T) {
		store := newStore(t)
		svc := application.Service{Store: store, Now: newTestClock(t0).Now}

		missing, err := store.Peek(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = svc.Consume(ctx, "p", 2, time.Minute, 5)
		require.NoError(t, err)

		first, err := store.Peek(ctx, "p")
		require.NoError(t, err)
		second, err := store.Peek(ctx, "p")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, first.Points, second.Points)
		assert.Equal(t, *first.Expire, *second.Expire)
		assert.Equal(t, 2, first.Points)
		assert.Equal(t, domain.ToMillis(t0)+60_000, *first.Expire)
	})

	t.Run("clean expired is exact and idempotent", func(t *testing.T) {
		clock := newTestClock(t0)
		store := newStore(t)
		svc := application.Service{Store: store, Now: clock.Now}

		_, err := svc.Consume(ctx, "short", 1, time.Second, 5)
		require.NoError(t, err)
		_, err = svc.Consume(ctx, "edge", 1, 3*time.Second, 5)
		require.NoError(t, err)
		_, err = svc.Consume(ctx, "long", 1, time.Hour, 5)
		require.NoError(t, err)

		now := t0.Add(3 * time.Second)
		n, err := store.CleanExpired(ctx, domain.ToMillis(now))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.CleanExpired(ctx, domain.ToMillis(now))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		gone, err := store.Peek(ctx, "short")
		require.NoError(t, err)
		assert.Nil(t, gone)
		for _, k := range []domain.Key{"edge", "long"} {
			rec, err := store.Peek(ctx, k)
			require.NoError(t, err)
			assert.NotNil(t, rec, "expire >= now must survive: %s", k)
		}
	})

	t.Run("clean on empty store", func(t *testing.T) {
		n, err := newStore(t).CleanExpired(ctx, domain.ToMillis(t0))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("keys are independent", func(t *testing.T) {
		svc := application.Service{Store: newStore(t), Now: newTestClock(t0).Now}
		dec, err := svc.Consume(ctx, "a", 1, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		dec, err = svc.Consume(ctx, "b", 1, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		dec, err = svc.Consume(ctx, "a", 1, time.Minute, 1)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
	})

	t.Run("concurrent consumers on fresh key", func(t *testing.T) {
		svc := application.Service{Store: newStore(t), Now: newTestClock(t0).Now}
		const k = 24

		var admitted, rejected atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				dec, err := svc.Consume(ctx, "race", 1, time.Minute, k-1)
				if err != nil {
					t.Errorf("consume: %v", err)
					return
				}
				if dec.Allowed {
					admitted.Add(1)
				} else {
					rejected.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(k-1), admitted.Load())
		assert.Equal(t, int64(1), rejected.Load())
	})
}

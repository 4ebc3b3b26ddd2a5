package nonce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterFetcher() (Fetcher, *int64) {
	var n int64
	return func(_ context.Context, ns string) (string, error) {
		v := atomic.AddInt64(&n, 1)
		return fmt.Sprintf("%s-nonce-%d", ns, v), nil
	}, &n
}

func TestPoolGetFetchesThenTopsUp(t *testing.T) {
	fetch, calls := counterFetcher()
	p := NewPool(fetch, Config{LowWater: 1, HighWater: 2, MaxSize: 8})

	nonce, err := p.Get(context.Background(), "ns-a")
	require.NoError(t, err)
	assert.Equal(t, "ns-a-nonce-1", nonce)

	// After serving the waiter, the refill keeps fetching in the background
	// up to HighWater; give it a moment to land before asserting the pool is
	// topped back up.
	require.Eventually(t, func() bool {
		pooled, _ := p.Stats("ns-a")
		return pooled >= 1
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt64(calls), int64(2))
}

func TestPoolConcurrentGetsCoalesceIntoOneRefill(t *testing.T) {
	var inFlight int64
	var maxInFlight int64
	fetch := func(_ context.Context, ns string) (string, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			max := atomic.LoadInt64(&maxInFlight)
			if cur <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return fmt.Sprintf("%s-nonce", ns), nil
	}

	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8})

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			n, err := p.Get(context.Background(), "shared")
			assert.NoError(t, err)
			results[idx] = n
		}(i)
	}
	wg.Wait()

	// At most one fetch in flight at any instant means the waiter queue,
	// not a fetch-per-caller race, satisfied every Get.
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(1))
	for _, r := range results {
		assert.NotEmpty(t, r)
	}
}

func TestPoolObserveSatisfiesWaiter(t *testing.T) {
	blocked := make(chan struct{})
	fetch := func(ctx context.Context, ns string) (string, error) {
		<-blocked
		return "", ctx.Err()
	}
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8})

	resultCh := make(chan string, 1)
	go func() {
		n, err := p.Get(context.Background(), "ns-b")
		assert.NoError(t, err)
		resultCh <- n
	}()

	require.Eventually(t, func() bool {
		_, waiting := p.Stats("ns-b")
		return waiting == 1
	}, time.Second, 5*time.Millisecond)

	p.Observe("ns-b", "server-supplied-nonce")

	select {
	case n := <-resultCh:
		assert.Equal(t, "server-supplied-nonce", n)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Observe")
	}
	close(blocked)
}

func TestPoolGetRespectsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	fetch := func(ctx context.Context, ns string) (string, error) {
		<-blocked
		return "", ctx.Err()
	}
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Get(ctx, "ns-c")
	require.Error(t, err)
	close(blocked)
}

func TestPoolMaxSizeCapsStoredEntries(t *testing.T) {
	fetch, _ := counterFetcher()
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 2})

	for i := 0; i < 5; i++ {
		p.Observe("ns-d", fmt.Sprintf("n%d", i))
	}
	pooled, _ := p.Stats("ns-d")
	assert.Equal(t, 2, pooled)
}

func TestPoolObserveDedupesExistingNonce(t *testing.T) {
	fetch, _ := counterFetcher()
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8})

	p.Observe("ns-f", "dup-nonce")
	p.Observe("ns-f", "dup-nonce")
	pooled, _ := p.Stats("ns-f")
	assert.Equal(t, 1, pooled)
}

func TestPoolGetDiscardsExpiredEntries(t *testing.T) {
	fetch, calls := counterFetcher()
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8, MaxAge: 10 * time.Millisecond})

	p.Observe("ns-g", "stale-nonce")
	time.Sleep(20 * time.Millisecond)

	n, err := p.Get(context.Background(), "ns-g")
	require.NoError(t, err)
	assert.NotEqual(t, "stale-nonce", n)
	assert.GreaterOrEqual(t, atomic.LoadInt64(calls), int64(1))
}

func TestPoolClearNamespace(t *testing.T) {
	fetch, _ := counterFetcher()
	p := NewPool(fetch, DefaultConfig())
	p.Observe("ns-e", "n0")
	pooled, _ := p.Stats("ns-e")
	require.Equal(t, 1, pooled)

	p.ClearNamespace("ns-e")
	pooled, _ = p.Stats("ns-e")
	assert.Equal(t, 0, pooled)
}

func TestPoolClearNamespaceRejectsPendingWaiter(t *testing.T) {
	blocked := make(chan struct{})
	fetch := func(ctx context.Context, ns string) (string, error) {
		<-blocked
		return "", ctx.Err()
	}
	p := NewPool(fetch, Config{LowWater: 0, HighWater: 0, MaxSize: 8})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background(), "ns-h")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, waiting := p.Stats("ns-h")
		return waiting == 1
	}, time.Second, 5*time.Millisecond)

	p.ClearNamespace("ns-h")

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after ClearNamespace")
	}
	close(blocked)
}

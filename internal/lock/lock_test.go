package lock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, unlock(ctx))

	_, ok, err = l.TryLock(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key can be taken again")
}

func TestLocal(t *testing.T) {
	testLocker(t, NewLocal())
}

func TestLocal_Expiry(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	stale, ok, _ := l.TryLock(ctx, "k", time.Millisecond)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok, "expired lease must not block")

	// The stale holder must not release the new lease.
	require.NoError(t, stale(ctx))
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), fmt.Sprintf("redis://%s", mr.Addr()), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	testLocker(t, r)
}

func TestRedis_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), fmt.Sprintf("redis://%s", mr.Addr()), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	stale, ok, err := r.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Second)

	_, ok, err = r.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("test:k"), "stale token must not delete the new lease")
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "://nope", "")
	assert.Error(t, err)
}

func TestKeyed_SerializesPerKey(t *testing.T) {
	k := NewKeyed()
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	unlock := k.Lock("item")
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release := k.Lock("item")
			defer release()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}

	// Other keys are not blocked while "item" is held.
	done := make(chan struct{})
	go func() {
		release := k.Lock("other")
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated key blocked")
	}

	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	unlock()
	wg.Wait()
	assert.Len(t, order, 5)

	k.mu.Lock()
	assert.Empty(t, k.locks, "unused entries are dropped")
	k.mu.Unlock()
}

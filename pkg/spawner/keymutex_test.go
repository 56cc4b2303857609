package spawner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, km.Lock(ctx, "alice"))
			defer km.Unlock("alice")

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "critical sections for one key must not overlap")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	require.NoError(t, km.Lock(ctx, "alice"))
	defer km.Unlock("alice")

	done := make(chan struct{})
	go func() {
		require.NoError(t, km.Lock(ctx, "bob"))
		km.Unlock("bob")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutexRespectsContext(t *testing.T) {
	km := newKeyedMutex()

	require.NoError(t, km.Lock(context.Background(), "alice"))
	defer km.Unlock("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := km.Lock(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", "hello"))
	assert.Equal(t, "hello", <-s1.C())
	assert.Equal(t, "hello", <-s2.C())
}

func TestPublishIsTopicScoped(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", "hello"))
	select {
	case ev := <-other.C():
		t.Fatalf("unexpected delivery: %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, "t", i))
	}

	// The buffer is full; only the first subscriberBuffer events survive.
	count := 0
	for {
		select {
		case <-sub.C():
			count++
		default:
			assert.Equal(t, subscriberBuffer, count)
			return
		}
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")

	require.NoError(t, b.Publish(ctx, "t", "late"))
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	b.Close()
	b.Close() // idempotent

	_, open := <-sub.C()
	assert.False(t, open, "close drains subscriber channels")

	assert.ErrorIs(t, b.Publish(ctx, "t", "x"), ErrClosed)
	_, err = b.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, sub.Close(), "subscription close after bus close is a no-op")
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(ctx, "t", j)
			}
		}()
	}
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	go func() {
		for range sub.C() {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	b.Close()
	wg.Wait()
}

package lanes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Uncontended(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	assert.True(t, l.Held("s1"))

	other, err := l.Acquire(context.Background(), "s2", 0)
	require.NoError(t, err, "different keys do not contend")

	release()
	other()
	assert.False(t, l.Held("s1"))
	assert.False(t, l.Held("s2"))
}

func TestLocker_ImmediateConflict(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "s", 0)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 0, l.Waiting("s"))
}

func TestLocker_WaitTimesOut(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(context.Background(), "s", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrConflict)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, l.Waiting("s"), "timed out waiter leaves the queue")

	release()
	again, err := l.Acquire(context.Background(), "s", 0)
	require.NoError(t, err, "lane is free after holder releases")
	again()
}

func TestLocker_ContextCancelled(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = l.Acquire(ctx, "s", time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestLocker_WaiterGetsLaneOnRelease(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "s", time.Second)
		if err == nil {
			close(acquired)
			r()
		}
	}()

	require.Eventually(t, func() bool { return l.Waiting("s") == 1 }, time.Second, time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lane")
	default:
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lane")
	}
}

func TestLocker_FIFOOrder(t *testing.T) {
	l := New(zerolog.Nop())

	release, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)

	const waiters = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), "s", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return l.Waiting("s") == want }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, l.Held("s"))
}

func TestLocker_MutualExclusion(t *testing.T) {
	l := New(zerolog.Nop())

	var (
		active  int
		maxSeen int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), "s", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			r()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestLocker_DoubleReleaseIsNoop(t *testing.T) {
	l := New(zerolog.Nop())

	first, err := l.Acquire(context.Background(), "s", time.Second)
	require.NoError(t, err)

	acquired := make(chan Release, 1)
	go func() {
		r, err := l.Acquire(context.Background(), "s", time.Second)
		if err == nil {
			acquired <- r
		}
	}()
	require.Eventually(t, func() bool { return l.Waiting("s") == 1 }, time.Second, time.Millisecond)

	first()
	second := <-acquired
	first()

	assert.True(t, l.Held("s"), "second release of the first holder must not free the lane")
	_, err = l.Acquire(context.Background(), "s", 0)
	assert.ErrorIs(t, err, ErrConflict)

	second()
	assert.False(t, l.Held("s"))
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ragent/pkg/lanes"
)

func TestIdlePolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := IdlePolicy{TTL: time.Hour}

	assert.True(t, p.Expired(SessionInfo{LastActiveAt: now.Add(-2 * time.Hour)}, now))
	assert.False(t, p.Expired(SessionInfo{LastActiveAt: now.Add(-30 * time.Minute)}, now))
}

func TestMaxAgePolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := MaxAgePolicy{MaxAge: 24 * time.Hour}

	info := SessionInfo{CreatedAt: now.Add(-48 * time.Hour), LastActiveAt: now}
	assert.True(t, p.Expired(info, now))

	info.CreatedAt = now.Add(-time.Hour)
	assert.False(t, p.Expired(info, now))
}

func TestJanitor_RunOnceIdle(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore()
	store.now = clk.Now

	_, err := store.Create(ctx)
	require.NoError(t, err)
	clk.Advance(3 * time.Hour)
	keep, err := store.Create(ctx)
	require.NoError(t, err)

	j := NewJanitor(store, JanitorConfig{Policy: IdlePolicy{TTL: time.Hour}, Logger: zerolog.Nop()})
	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, keep.ID, infos[0].ID)
}

func TestJanitor_RunOnceCustomPolicy(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore()
	store.now = clk.Now

	old, err := store.Create(ctx)
	require.NoError(t, err)
	clk.Advance(48 * time.Hour)
	require.NoError(t, store.Append(ctx, old.ID, userTurn("still here"), assistantTurn("yes")))

	j := NewJanitor(store, JanitorConfig{Policy: MaxAgePolicy{MaxAge: 24 * time.Hour}, Logger: zerolog.Nop()})
	j.now = clk.Now

	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), JanitorConfig{Logger: zerolog.Nop()})

	require.NoError(t, j.Start())
	assert.Error(t, j.Start())
	j.Stop()
	j.Stop()
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), JanitorConfig{Schedule: "not a schedule", Logger: zerolog.Nop()})
	assert.Error(t, j.Start())
}

func TestNewJanitorDefaults(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), JanitorConfig{})
	assert.Equal(t, DefaultExpirySchedule, j.schedule)
	assert.Equal(t, IdlePolicy{TTL: DefaultIdleTTL}, j.policy)
}

func TestJanitor_SkipsBusySessions(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore()
	store.now = clk.Now

	busy, err := store.Create(ctx)
	require.NoError(t, err)
	idle, err := store.Create(ctx)
	require.NoError(t, err)
	clk.Advance(3 * time.Hour)

	locker := lanes.New(zerolog.Nop())
	release, err := locker.Acquire(ctx, busy.ID, 0)
	require.NoError(t, err)

	j := NewJanitor(store, JanitorConfig{
		Policy: IdlePolicy{TTL: time.Hour},
		Logger: zerolog.Nop(),
		Lock: func(ctx context.Context, id string) (func(), error) {
			r, err := locker.Acquire(ctx, id, 0)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
	})
	j.now = clk.Now

	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, busy.ID)
	require.NoError(t, err, "a session with a turn in flight is not expired")
	assert.False(t, locker.Held(idle.ID), "expiry releases the lanes it takes")

	release()
	n, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(ctx, busy.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

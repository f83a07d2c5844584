package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ragent/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultExpirySchedule = "@every 1h"
	DefaultIdleTTL        = 7 * 24 * time.Hour
)

// ExpiryPolicy decides whether a session should be removed.
type ExpiryPolicy interface {
	Expired(info SessionInfo, now time.Time) bool
}

// IdlePolicy expires sessions with no activity for TTL.
type IdlePolicy struct {
	TTL time.Duration
}

func (p IdlePolicy) Expired(info SessionInfo, now time.Time) bool {
	return info.LastActiveAt.Before(now.Add(-p.TTL))
}

// MaxAgePolicy expires sessions created more than MaxAge ago, regardless of activity.
type MaxAgePolicy struct {
	MaxAge time.Duration
}

func (p MaxAgePolicy) Expired(info SessionInfo, now time.Time) bool {
	return info.CreatedAt.Before(now.Add(-p.MaxAge))
}

// LockFunc claims a session without waiting, failing when it is busy. The
// returned func releases it.
type LockFunc func(ctx context.Context, id string) (func(), error)

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	Schedule string // robfig/cron spec, e.g. "@every 1h"
	Policy   ExpiryPolicy
	Logger   zerolog.Logger

	// Lock, when set, is taken around each deletion; sessions it cannot claim
	// are skipped until the next run.
	Lock LockFunc
}

// Janitor applies an ExpiryPolicy to a Store on a schedule.
type Janitor struct {
	store    Store
	policy   ExpiryPolicy
	schedule string
	logger   zerolog.Logger
	lock     LockFunc
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor creates a janitor. A nil policy defaults to IdlePolicy{DefaultIdleTTL}.
func NewJanitor(store Store, cfg JanitorConfig) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultExpirySchedule
	}
	if cfg.Policy == nil {
		cfg.Policy = IdlePolicy{TTL: DefaultIdleTTL}
	}
	return &Janitor{
		store:    store,
		policy:   cfg.Policy,
		schedule: cfg.Schedule,
		logger:   cfg.Logger,
		lock:     cfg.Lock,
		now:      time.Now,
	}
}

// Start schedules periodic expiry runs.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error().Err(err).Msg("Session expiry run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid expiry schedule %q: %w", j.schedule, err)
	}
	c.Start()

	j.cron = c
	j.running = true
	j.logger.Info().Str("schedule", j.schedule).Msg("Session janitor started")
	return nil
}

// Stop cancels the schedule and waits for a running expiry pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info().Msg("Session janitor stopped")
}

// RunOnce applies the policy once and returns the number of sessions removed.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	var (
		removed int
		err     error
	)

	if idle, ok := j.policy.(IdlePolicy); ok && j.lock == nil {
		removed, err = j.store.Expire(ctx, idle.TTL)
	} else {
		removed, err = j.sweep(ctx)
	}
	if err != nil {
		return removed, fmt.Errorf("failed to expire sessions: %w", err)
	}

	if removed > 0 {
		observability.RecordSessionsExpired(removed)
		observability.RecordSessionAudit(ctx, "expire", "janitor", map[string]interface{}{"removed": removed})
		j.logger.Info().Int("removed", removed).Msg("Expired sessions")
	}

	if infos, err := j.store.List(ctx); err == nil {
		observability.SetActiveSessions(len(infos))
	}
	return removed, nil
}

func (j *Janitor) sweep(ctx context.Context) (int, error) {
	infos, err := j.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := j.now()
	removed := 0
	for _, info := range infos {
		if !j.policy.Expired(info, now) {
			continue
		}
		deleted, err := j.remove(ctx, info.ID)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func (j *Janitor) remove(ctx context.Context, id string) (bool, error) {
	if j.lock != nil {
		release, err := j.lock(ctx, id)
		if err != nil {
			j.logger.Debug().Str("session_id", id).Err(err).Msg("Session busy, expiry deferred")
			return false, nil
		}
		defer release()
	}
	if err := j.store.Delete(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

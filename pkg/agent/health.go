package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

const healthTimeout = 5 * time.Second

// ComponentHealth is the probe result of one dependency.
type ComponentHealth struct {
	Healthy   bool   `json:"healthy"`
	Required  bool   `json:"required"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthReport aggregates component health. Healthy is false only when a
// required component is down.
type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health probes the model, store and retriever concurrently.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	type probe struct {
		name     string
		required bool
		ping     func(context.Context) error
	}
	probes := []probe{
		{name: "model", required: true, ping: o.cfg.Model.Ping},
		{name: "session_store", required: true, ping: o.cfg.Store.Ping},
	}
	if o.cfg.Retriever != nil {
		probes = append(probes, probe{name: "retriever", ping: func(ctx context.Context) error {
			if p, ok := o.cfg.Retriever.(pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		}})
	}

	report := HealthReport{Healthy: true, Components: make(map[string]ComponentHealth, len(probes)+1)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			start := time.Now()
			err := p.ping(ctx)
			h := ComponentHealth{
				Healthy:   err == nil,
				Required:  p.required,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				h.Error = err.Error()
			}

			mu.Lock()
			report.Components[p.name] = h
			if err != nil && p.required {
				report.Healthy = false
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if o.cfg.Tools != nil {
		report.Components["tools"] = ComponentHealth{Healthy: o.cfg.Tools.Len() > 0}
	}

	if !report.Healthy {
		o.logger.Warn().Interface("components", report.Components).Msg("Health check failed")
	}
	return report
}

// Session returns the stored history of a session.
func (o *Orchestrator) Session(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.cfg.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		return nil, newError(ErrPersistenceFailure, "load session", err)
	}
	return sess, nil
}

// Sessions summarizes all stored sessions.
func (o *Orchestrator) Sessions(ctx context.Context) ([]session.SessionInfo, error) {
	infos, err := o.cfg.Store.List(ctx)
	if err != nil {
		return nil, newError(ErrPersistenceFailure, "list sessions", err)
	}
	return infos, nil
}

// ClearSession deletes a session once no message for it is in flight.
func (o *Orchestrator) ClearSession(ctx context.Context, id string) error {
	if id == "" {
		return newError(ErrInvalidInput, "clear session", fmt.Errorf("session id is empty"))
	}
	release, err := o.cfg.Lanes.Acquire(ctx, id, o.cfg.LockWait)
	if err != nil {
		return newError(ErrSessionConflict, "clear session", err)
	}
	defer release()

	if err := o.cfg.Store.Delete(ctx, id); err != nil {
		return newError(ErrPersistenceFailure, "delete session", err)
	}
	observability.RecordSessionAudit(ctx, "delete", "agent", map[string]interface{}{"session_id": id})
	o.logger.Info().Str("session_id", id).Msg("Session cleared")
	return nil
}

// Tools lists the tools offered to the model.
func (o *Orchestrator) Tools() []tools.Descriptor {
	if o.cfg.Tools == nil {
		return []tools.Descriptor{}
	}
	return o.cfg.Tools.List()
}

// Model returns the name of the configured model client.
func (o *Orchestrator) Model() string {
	return o.cfg.Model.Name()
}

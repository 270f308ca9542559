// Package breaker holds the billing sync circuit state in process memory or
// in Redis when several replicas must share one circuit.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
)

const BackendMemory = "memory"

type Memory struct {
	settings domain.Settings

	mu         sync.Mutex
	failures   int64
	successes  int64
	openUntil  time.Time
	probeUntil time.Time
}

func NewMemory(settings domain.Settings) *Memory {
	return &Memory{settings: settings.Normalize()}
}

func (m *Memory) Acquire(_ context.Context, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch domain.StateAt(m.openUntil, now) {
	case domain.StateClosed:
		return false, nil
	case domain.StateOpen:
		return false, domain.ErrCircuitOpen
	}
	if now.Before(m.probeUntil) {
		return false, domain.ErrCircuitOpen
	}
	m.probeUntil = now.Add(m.settings.ProbeLease)
	return true, nil
}

func (m *Memory) RecordSuccess(_ context.Context, now time.Time) (domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := domain.StateAt(m.openUntil, now)
	m.failures = 0
	m.successes++
	m.openUntil = time.Time{}
	m.probeUntil = time.Time{}
	return domain.Transition{From: from, To: domain.StateClosed}, nil
}

func (m *Memory) RecordFailure(_ context.Context, now time.Time) (domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := domain.StateAt(m.openUntil, now)
	m.failures++
	m.probeUntil = time.Time{}
	if from == domain.StateHalfOpen || (from == domain.StateClosed && m.failures >= m.settings.MaxFailures) {
		m.openUntil = now.Add(m.settings.Cooldown)
	}
	return domain.Transition{From: from, To: domain.StateAt(m.openUntil, now)}, nil
}

func (m *Memory) Status(_ context.Context, now time.Time) (domain.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := domain.Status{
		Backend:             BackendMemory,
		State:               domain.StateAt(m.openUntil, now),
		ConsecutiveFailures: m.failures,
		Successes:           m.successes,
		MaxFailures:         m.settings.MaxFailures,
		Cooldown:            m.settings.Cooldown.String(),
		ProbeInFlight:       now.Before(m.probeUntil),
	}
	if !m.openUntil.IsZero() {
		until := m.openUntil
		status.OpenUntil = &until
	}
	return status, nil
}

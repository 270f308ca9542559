// Package domain defines the circuit breaker guarding outbound usage reports.
package domain

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// AllStates lists states in gauge order.
var AllStates = []State{StateClosed, StateOpen, StateHalfOpen}

var ErrCircuitOpen = errors.New("circuit_open")

// StateAt derives the state from openUntil. A zero openUntil means closed; a
// lapsed one means half-open, where a single probe call may go through.
func StateAt(openUntil time.Time, now time.Time) State {
	switch {
	case openUntil.IsZero():
		return StateClosed
	case now.Before(openUntil):
		return StateOpen
	default:
		return StateHalfOpen
	}
}

type Status struct {
	Backend             string     `json:"backend"`
	State               State      `json:"state"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	Successes           int64      `json:"successes"`
	MaxFailures         int64      `json:"max_failures"`
	Cooldown            string     `json:"cooldown"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
	ProbeInFlight       bool       `json:"probe_in_flight"`
}

// Transition reports the state before and after a recorded outcome.
type Transition struct {
	From State
	To   State
}

func (t Transition) Changed() bool { return t.From != t.To }

// Breaker holds circuit state. now is always supplied by the caller so
// every backend shares one notion of time.
type Breaker interface {
	// Acquire admits a call or returns ErrCircuitOpen. probe is true when the
	// call is the single half-open trial.
	Acquire(ctx context.Context, now time.Time) (probe bool, err error)
	RecordSuccess(ctx context.Context, now time.Time) (Transition, error)
	RecordFailure(ctx context.Context, now time.Time) (Transition, error)
	Status(ctx context.Context, now time.Time) (Status, error)
}

type Settings struct {
	MaxFailures int64
	Cooldown    time.Duration
	// ProbeLease bounds how long a half-open probe may hold the slot before
	// another caller may probe.
	ProbeLease time.Duration
}

const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 15 * time.Minute
	DefaultProbeLease  = time.Minute
)

func (s Settings) Normalize() Settings {
	if s.MaxFailures <= 0 {
		s.MaxFailures = DefaultMaxFailures
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultCooldown
	}
	if s.ProbeLease <= 0 {
		s.ProbeLease = DefaultProbeLease
	}
	return s
}

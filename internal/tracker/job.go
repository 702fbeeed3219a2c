// Package tracker drives one compile-then-download flow per artifact code:
// it submits a compile request, polls the compile service until the job is
// done and keeps the terminal result for presentation.
package tracker

import (
	"context"
	"time"
)

// RejectedError is returned by a Compiler when the compile service answered
// but refused the request. It ends the job as failed instead of unreachable.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

type State int

const (
	StateIdle State = iota
	StateSubmitted
	StatePolling
	StateSucceeded
	StateFailed
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// Terminal reports whether no further transition happens without a new submit.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateUnreachable
}

// Result is the outcome of a finished job.
type Result struct {
	Error       bool
	Unreachable bool
	Message     string
	Log         string
}

// Job is the in-flight record for a code.
type Job struct {
	Code      string
	Handle    string
	State     State
	StartedAt time.Time
	Polls     int
	Failures  int
	Result    *Result
}

// Status is a poll response of the compile service.
type Status struct {
	Done    bool
	Error   bool
	Message string
	Log     string
}

// Compiler is the compile service the tracker talks to.
type Compiler interface {
	Start(ctx context.Context, code string) (string, error)
	Status(ctx context.Context, code, handle string) (Status, error)
}

// Listener is notified about jobs. Calls never happen while the tracker holds
// its lock, so a listener may call back into the tracker.
type Listener interface {
	// Started is called once a submission has been accepted.
	Started(code string)
	// Succeeded is called exactly once per successful job; the listener is
	// expected to fetch the artifact for code.
	Succeeded(code string)
	// Failed is called when a job ends in an error and whenever a cached
	// error is surfaced again by Activate.
	Failed(code string, r Result)
}

// NopListener ignores all notifications.
type NopListener struct{}

func (NopListener) Started(string)        {}
func (NopListener) Succeeded(string)      {}
func (NopListener) Failed(string, Result) {}

// Outcome tells the caller what a Submit/Activate/RetryAfterError call did.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeAlreadyInFlight
	OutcomeCachedError
	OutcomeSurfacedError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAlreadyInFlight:
		return "already in flight"
	case OutcomeCachedError:
		return "cached error"
	case OutcomeSurfacedError:
		return "surfaced error"
	}
	return "unknown"
}

package tracker

import (
	"errors"
	"fmt"
	"time"
)

type EventKind int

const (
	EventSubmit EventKind = iota
	EventAck
	EventAckFailed
	EventPollPending
	EventPollDone
	EventPollFailed
)

// Event is a single input to the per-code state machine.
type Event struct {
	Kind   EventKind
	Handle string
	Status Status
	Err    error
	At     time.Time
}

type EffectKind int

const (
	// EffectStart sends the start request.
	EffectStart EffectKind = iota
	// EffectSchedulePoll arms the poll timer; Retry selects the backoff delay.
	EffectSchedulePoll
	// EffectFinish removes the in-flight job and caches its result.
	EffectFinish
)

type Effect struct {
	Kind  EffectKind
	Retry bool
}

// Policy bounds a job.
type Policy struct {
	PollInterval    time.Duration
	Timeout         time.Duration
	MaxPollFailures int
}

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultTimeout         = 5 * time.Minute
	DefaultMaxPollFailures = 5
)

func DefaultPolicy() Policy {
	return Policy{
		PollInterval:    DefaultPollInterval,
		Timeout:         DefaultTimeout,
		MaxPollFailures: DefaultMaxPollFailures,
	}
}

// Reduce applies ev to job. It is pure: the returned effects are carried out
// by the Tracker. Events that do not apply to the job's current state, or that
// carry a handle other than the job's, leave the job unchanged.
func Reduce(job Job, ev Event, p Policy) (Job, []Effect) {
	switch ev.Kind {
	case EventSubmit:
		if job.State == StateSubmitted || job.State == StatePolling {
			return job, nil
		}
		return Job{
			Code:      job.Code,
			State:     StateSubmitted,
			StartedAt: ev.At,
		}, []Effect{{Kind: EffectStart}}

	case EventAck:
		if job.State != StateSubmitted {
			return job, nil
		}
		job.Handle = ev.Handle
		job.State = StatePolling
		return job, []Effect{{Kind: EffectSchedulePoll}}

	case EventAckFailed:
		if job.State != StateSubmitted {
			return job, nil
		}
		if reason, ok := rejected(ev.Err); ok {
			return failed(job, reason)
		}
		return unreachable(job, fmt.Sprintf("could not reach the compile service: %v", ev.Err))

	case EventPollPending:
		if !polling(job, ev) {
			return job, nil
		}
		job.Polls++
		job.Failures = 0
		if expired(job, ev.At, p) {
			return unreachable(job, fmt.Sprintf("compilation did not finish within %s", p.Timeout))
		}
		return job, []Effect{{Kind: EffectSchedulePoll}}

	case EventPollDone:
		if !polling(job, ev) {
			return job, nil
		}
		job.Polls++
		job.Failures = 0
		job.Result = &Result{
			Error:   ev.Status.Error,
			Message: ev.Status.Message,
			Log:     ev.Status.Log,
		}
		if ev.Status.Error {
			job.State = StateFailed
		} else {
			job.State = StateSucceeded
		}
		return job, []Effect{{Kind: EffectFinish}}

	case EventPollFailed:
		if !polling(job, ev) {
			return job, nil
		}
		if reason, ok := rejected(ev.Err); ok {
			return failed(job, reason)
		}
		job.Failures++
		if job.Failures > p.MaxPollFailures {
			return unreachable(job, fmt.Sprintf("compile service unreachable after %d attempts: %v", job.Failures, ev.Err))
		}
		if expired(job, ev.At, p) {
			return unreachable(job, fmt.Sprintf("compilation did not finish within %s", p.Timeout))
		}
		return job, []Effect{{Kind: EffectSchedulePoll, Retry: true}}
	}
	return job, nil
}

func polling(job Job, ev Event) bool {
	return job.State == StatePolling && job.Handle == ev.Handle
}

func expired(job Job, now time.Time, p Policy) bool {
	return p.Timeout > 0 && !job.StartedAt.IsZero() && now.Sub(job.StartedAt) >= p.Timeout
}

func rejected(err error) (string, bool) {
	var re *RejectedError
	if !errors.As(err, &re) {
		return "", false
	}
	return re.Reason, true
}

func failed(job Job, msg string) (Job, []Effect) {
	job.State = StateFailed
	job.Result = &Result{
		Error:   true,
		Message: msg,
	}
	return job, []Effect{{Kind: EffectFinish}}
}

func unreachable(job Job, msg string) (Job, []Effect) {
	job.State = StateUnreachable
	job.Result = &Result{
		Error:       true,
		Unreachable: true,
		Message:     msg,
	}
	return job, []Effect{{Kind: EffectFinish}}
}

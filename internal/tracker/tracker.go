package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ssuji15/taskcompile/internal/service/logger"
)

var (
	ErrClosed      = errors.New("tracker is closed")
	ErrUnknownCode = errors.New("no job known for code")
)

const defaultRequestTimeout = 10 * time.Second

// Tracker runs at most one compile job per code. The registry is only touched
// under mu; requests to the compile service are made without holding it.
type Tracker struct {
	mu       sync.Mutex
	reg      *Registry
	backoffs map[string]*backoff.ExponentialBackOff

	compiler       Compiler
	listener       Listener
	sched          Scheduler
	policy         Policy
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

type Option func(*Tracker)

func WithListener(l Listener) Option {
	return func(t *Tracker) { t.listener = l }
}

func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.sched = s }
}

func WithPolicy(p Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.requestTimeout = d }
}

func New(c Compiler, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		reg:            NewRegistry(),
		backoffs:       make(map[string]*backoff.ExponentialBackOff),
		compiler:       c,
		listener:       NopListener{},
		sched:          RealScheduler(),
		policy:         DefaultPolicy(),
		requestTimeout: defaultRequestTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range opts {
		o(t)
	}
	if t.policy.PollInterval <= 0 {
		t.policy.PollInterval = DefaultPollInterval
	}
	return t
}

// Submit starts a compile job for code. It is rejected without side effects
// when a job for code is in flight or when code has a cached error result;
// callers route the latter through Activate or RetryAfterError.
// The returned error is non-nil only when the start request failed. The job
// has then ended in StateFailed if the service refused it and in
// StateUnreachable otherwise.
func (t *Tracker) Submit(ctx context.Context, code string) (Outcome, error) {
	return t.submit(ctx, code, false)
}

// RetryAfterError drops the cached result for code and submits it again.
func (t *Tracker) RetryAfterError(ctx context.Context, code string) (Outcome, error) {
	return t.submit(ctx, code, true)
}

// Activate is what a click on an artifact does: a cached error is surfaced to
// the listener, an in-flight job is left alone, anything else is submitted.
func (t *Tracker) Activate(ctx context.Context, code string) (Outcome, error) {
	t.mu.Lock()
	res, ok := t.reg.Result(code)
	t.mu.Unlock()

	if ok && res.Error {
		t.listener.Failed(code, res)
		return OutcomeSurfacedError, nil
	}
	return t.Submit(ctx, code)
}

func (t *Tracker) submit(ctx context.Context, code string, clear bool) (Outcome, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return OutcomeAccepted, ErrClosed
	}
	if t.reg.InFlight(code) {
		t.mu.Unlock()
		logger.Log.Debug().Str("code", code).Msg("duplicate submission ignored")
		return OutcomeAlreadyInFlight, nil
	}
	if clear {
		t.reg.clearResult(code)
	}
	if res, ok := t.reg.Result(code); ok && res.Error {
		t.mu.Unlock()
		return OutcomeCachedError, nil
	}

	job, _ := t.reg.Job(code)
	job, effects := Reduce(job, Event{Kind: EventSubmit, At: t.sched.Now()}, t.policy)
	t.reg.begin(job)
	t.mu.Unlock()

	t.listener.Started(code)
	for _, e := range effects {
		if e.Kind == EffectStart {
			if err := t.start(ctx, code); err != nil {
				return OutcomeAccepted, err
			}
		}
	}
	return OutcomeAccepted, nil
}

func (t *Tracker) start(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	handle, err := t.compiler.Start(ctx, code)
	if err != nil {
		logger.Log.Error().Err(err).Str("code", code).Msg("start compile failed")
		t.apply(code, Event{Kind: EventAckFailed, Err: err, At: t.sched.Now()})
		return fmt.Errorf("start compile of %s: %w", code, err)
	}
	logger.Log.Debug().Str("code", code).Str("handle", handle).Msg("compile acknowledged")
	t.apply(code, Event{Kind: EventAck, Handle: handle, At: t.sched.Now()})
	return nil
}

// Poll asks the compile service about the job for code. It is what the poll
// timer runs; calls for a code that is not polling with handle are ignored.
func (t *Tracker) Poll(code, handle string) {
	t.mu.Lock()
	job, ok := t.reg.Job(code)
	if t.closed || !ok || job.State != StatePolling || job.Handle != handle {
		t.mu.Unlock()
		return
	}
	t.reg.stopTimer(code)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, t.requestTimeout)
	st, err := t.compiler.Status(ctx, code, handle)
	cancel()

	ev := Event{Kind: EventPollPending, Handle: handle, At: t.sched.Now()}
	switch {
	case err != nil:
		logger.Log.Warn().Err(err).Str("code", code).Msg("poll failed")
		ev.Kind = EventPollFailed
		ev.Err = err
	case st.Done:
		ev.Kind = EventPollDone
		ev.Status = st
	}
	t.apply(code, ev)
}

// apply feeds ev to the reducer and carries out the timer and registry
// effects. Notifications are delivered after the lock is released.
func (t *Tracker) apply(code string, ev Event) {
	t.mu.Lock()
	job, ok := t.reg.Job(code)
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}

	next, effects := Reduce(job, ev, t.policy)
	t.reg.update(next)

	var (
		finished bool
		waiters  []chan Result
	)
	for _, e := range effects {
		switch e.Kind {
		case EffectSchedulePoll:
			t.schedulePoll(next, e.Retry)
		case EffectFinish:
			finished = true
			waiters = t.reg.finish(code, *next.Result)
			delete(t.backoffs, code)
		}
	}
	t.mu.Unlock()

	if !finished {
		return
	}
	res := *next.Result
	for _, w := range waiters {
		w <- res
	}
	logger.Log.Info().Str("code", code).Str("state", next.State.String()).Int("polls", next.Polls).Msg("compile job finished")
	if res.Error {
		t.listener.Failed(code, res)
	} else {
		t.listener.Succeeded(code)
	}
}

func (t *Tracker) schedulePoll(job Job, retry bool) {
	b, ok := t.backoffs[job.Code]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = t.policy.PollInterval
		b.MaxInterval = 20 * t.policy.PollInterval
		b.Reset()
		t.backoffs[job.Code] = b
	}

	delay := t.policy.PollInterval
	if retry {
		delay = b.NextBackOff()
	} else {
		b.Reset()
	}

	code, handle := job.Code, job.Handle
	t.reg.setTimer(code, t.sched.AfterFunc(delay, func() { t.Poll(code, handle) }))
}

// Restore caches a result known from an earlier session, for example the
// last recorded build of code. It reports false and does nothing while a job
// for code is in flight.
func (t *Tracker) Restore(code string, res Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	return t.reg.restore(code, res)
}

// Wait blocks until the job for code is terminal and returns its result. A
// code that is not in flight returns its cached result immediately.
func (t *Tracker) Wait(ctx context.Context, code string) (Result, error) {
	t.mu.Lock()
	if !t.reg.InFlight(code) {
		res, ok := t.reg.Result(code)
		t.mu.Unlock()
		if !ok {
			return Result{}, ErrUnknownCode
		}
		return res, nil
	}
	ch := make(chan Result, 1)
	t.reg.waiters[code] = append(t.reg.waiters[code], ch)
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-t.ctx.Done():
		return Result{}, ErrClosed
	}
}

func (t *Tracker) HasInFlight(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.InFlight(code)
}

func (t *Tracker) CachedResult(code string) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.Result(code)
}

func (t *Tracker) HasCachedError(code string) bool {
	res, ok := t.CachedResult(code)
	return ok && res.Error
}

// State reports where code is in its lifecycle.
func (t *Tracker) State(code string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.reg.Job(code); ok {
		return j.State
	}
	res, ok := t.reg.Result(code)
	switch {
	case !ok:
		return StateIdle
	case res.Unreachable:
		return StateUnreachable
	case res.Error:
		return StateFailed
	}
	return StateSucceeded
}

// ActiveTimers returns the number of armed poll timers.
func (t *Tracker) ActiveTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.ActiveTimers()
}

// Close stops every poll timer. Jobs still in flight are abandoned.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for code := range t.reg.timers {
		t.reg.stopTimer(code)
	}
	t.cancel()
}

package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeTimer struct {
	s       *fakeScheduler
	f       func()
	stopped bool
	fired   bool
}

func (ft *fakeTimer) Stop() bool {
	ft.s.mu.Lock()
	defer ft.s.mu.Unlock()
	if ft.stopped || ft.fired {
		return false
	}
	ft.stopped = true
	return true
}

// fakeScheduler only runs timers when the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// FireNext runs the oldest armed timer and reports whether there was one.
func (s *fakeScheduler) FireNext() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	next.f()
	return true
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type reply struct {
	status Status
	err    error
}

type pollCall struct {
	code   string
	handle string
}

type fakeCompiler struct {
	mu       sync.Mutex
	starts   []string
	startErr error
	replies  map[string][]reply
	polls    []pollCall
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{replies: make(map[string][]reply)}
}

func (c *fakeCompiler) queue(code string, r ...reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[code] = append(c.replies[code], r...)
}

func (c *fakeCompiler) Start(_ context.Context, code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, code)
	if c.startErr != nil {
		return "", c.startErr
	}
	return fmt.Sprintf("h%d", len(c.starts)), nil
}

func (c *fakeCompiler) Status(_ context.Context, code, handle string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls = append(c.polls, pollCall{code: code, handle: handle})
	q := c.replies[code]
	if len(q) == 0 {
		return Status{}, nil
	}
	r := q[0]
	c.replies[code] = q[1:]
	return r.status, r.err
}

func (c *fakeCompiler) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.starts)
}

func (c *fakeCompiler) pollCalls() []pollCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pollCall(nil), c.polls...)
}

type recordingListener struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    []Result
}

func (l *recordingListener) Started(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, code)
}

func (l *recordingListener) Succeeded(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded = append(l.succeeded, code)
}

func (l *recordingListener) Failed(_ string, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, r)
}

func (l *recordingListener) downloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.succeeded...)
}

func (l *recordingListener) failures() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Result(nil), l.failed...)
}

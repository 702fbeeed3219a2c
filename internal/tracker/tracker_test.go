package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, p Policy) (*Tracker, *fakeCompiler, *fakeScheduler, *recordingListener) {
	t.Helper()

	c := newFakeCompiler()
	s := newFakeScheduler()
	l := &recordingListener{}
	tr := New(c, WithScheduler(s), WithListener(l), WithPolicy(p))
	t.Cleanup(tr.Close)
	return tr, c, s, l
}

func notDone() reply { return reply{status: Status{}} }

func done(errored bool, msg, log string) reply {
	return reply{status: Status{Done: true, Error: errored, Message: msg, Log: log}}
}

func TestTracker_SuccessfulPollSequence(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("A", notDone(), notDone(), done(false, "Okay", ""))

	out, err := tr.Submit(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)
	require.Equal(t, StatePolling, tr.State("A"))
	require.True(t, tr.HasInFlight("A"))
	require.Equal(t, 1, tr.ActiveTimers())

	require.True(t, s.FireNext())
	require.True(t, s.FireNext())
	require.Equal(t, StatePolling, tr.State("A"))
	require.Empty(t, l.downloads())

	require.True(t, s.FireNext())
	require.False(t, s.FireNext(), "no poll may be armed after completion")

	require.Equal(t, StateSucceeded, tr.State("A"))
	require.False(t, tr.HasInFlight("A"))
	require.Equal(t, 0, tr.ActiveTimers())
	require.Equal(t, 0, s.Pending())

	res, ok := tr.CachedResult("A")
	require.True(t, ok)
	require.False(t, res.Error)
	require.Equal(t, []string{"A"}, l.downloads())

	for _, p := range c.pollCalls() {
		require.Equal(t, pollCall{code: "A", handle: "h1"}, p)
	}
	require.Len(t, c.pollCalls(), 3)
}

func TestTracker_SubmitWhileInFlightIsIgnored(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	_, err := tr.Submit(ctx, "A")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out, err := tr.Submit(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyInFlight, out)

		out, err = tr.Activate(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyInFlight, out)
	}

	require.Equal(t, 1, c.startCount())
	require.Equal(t, 1, s.Pending())
	require.Equal(t, []string{"A"}, l.started)
}

func TestTracker_ErrorResultIsCached(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("B", done(true, "syntax error", "line 3: unexpected }"))

	_, err := tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.True(t, s.FireNext())

	require.Equal(t, StateFailed, tr.State("B"))
	require.True(t, tr.HasCachedError("B"))
	require.False(t, tr.HasInFlight("B"))
	require.False(t, s.FireNext(), "polling must stop on a terminal response")
	require.Len(t, c.pollCalls(), 1)

	res, ok := tr.CachedResult("B")
	require.True(t, ok)
	require.Equal(t, Result{Error: true, Message: "syntax error", Log: "line 3: unexpected }"}, res)
	require.Equal(t, []Result{res}, l.failures())
	require.Empty(t, l.downloads())
}

func TestTracker_ActivateSurfacesCachedError(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("B", done(true, "syntax error", "log"))
	_, err := tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.True(t, s.FireNext())

	out, err := tr.Activate(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, OutcomeSurfacedError, out)

	out, err = tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, OutcomeCachedError, out)

	require.Equal(t, 1, c.startCount(), "no new submit may be issued")
	require.Equal(t, 0, s.Pending())
	failures := l.failures()
	require.Len(t, failures, 2)
	require.Equal(t, "syntax error", failures[1].Message)
	require.Equal(t, "log", failures[1].Log)
}

func TestTracker_RetryAfterError(t *testing.T) {
	tr, c, s, _ := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("B", done(true, "syntax error", "log"))
	_, err := tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.True(t, s.FireNext())
	require.True(t, tr.HasCachedError("B"))

	out, err := tr.RetryAfterError(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)

	_, ok := tr.CachedResult("B")
	require.False(t, ok, "retry must clear the cached result")
	require.Equal(t, StatePolling, tr.State("B"))
	require.Equal(t, 2, c.startCount())
	require.Equal(t, 1, s.Pending())

	c.queue("B", done(false, "Okay", ""))
	require.True(t, s.FireNext())
	require.Equal(t, StateSucceeded, tr.State("B"))
	require.Equal(t, "h2", c.pollCalls()[1].handle)
}

func TestTracker_RetryWhileInFlightIsIgnored(t *testing.T) {
	tr, c, _, _ := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	_, err := tr.Submit(ctx, "A")
	require.NoError(t, err)

	out, err := tr.RetryAfterError(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyInFlight, out)
	require.Equal(t, 1, c.startCount())
}

func TestTracker_StalePollIsIgnored(t *testing.T) {
	tr, c, s, _ := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("B", done(true, "boom", ""))
	_, err := tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.True(t, s.FireNext())

	_, err = tr.RetryAfterError(ctx, "B")
	require.NoError(t, err)

	tr.Poll("B", "h1")
	require.Len(t, c.pollCalls(), 1, "a poll for a superseded handle must not reach the service")
	require.Equal(t, StatePolling, tr.State("B"))
}

func TestTracker_NewSubmitReplacesSuccessResult(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("A", done(false, "Okay", ""))
	_, err := tr.Submit(ctx, "A")
	require.NoError(t, err)
	require.True(t, s.FireNext())
	_, ok := tr.CachedResult("A")
	require.True(t, ok)

	out, err := tr.Submit(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)

	_, ok = tr.CachedResult("A")
	require.False(t, ok, "a code is either in flight or cached, never both")
	require.True(t, tr.HasInFlight("A"))
	require.Equal(t, []string{"A"}, l.downloads())
}

func TestTracker_StartFailureIsUnreachable(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	c.startErr = errors.New("connection refused")

	out, err := tr.Submit(context.Background(), "C")
	require.Error(t, err)
	require.ErrorIs(t, err, c.startErr)
	require.Equal(t, OutcomeAccepted, out)

	require.Equal(t, StateUnreachable, tr.State("C"))
	require.False(t, tr.HasInFlight("C"))
	require.True(t, tr.HasCachedError("C"))
	require.Equal(t, 0, s.Pending())

	res, _ := tr.CachedResult("C")
	require.True(t, res.Unreachable)
	require.Contains(t, res.Message, "connection refused")
	require.Len(t, l.failures(), 1)
}

func TestTracker_RejectedStartFails(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	c.startErr = fmt.Errorf("unexpected response status: 404 /compile: %w", &RejectedError{Reason: "No such task"})

	out, err := tr.Submit(context.Background(), "C")
	require.Error(t, err)
	require.Equal(t, OutcomeAccepted, out)

	require.Equal(t, StateFailed, tr.State("C"))
	require.Equal(t, 0, s.Pending())
	res, _ := tr.CachedResult("C")
	require.Equal(t, Result{Error: true, Message: "No such task"}, res)
	require.Equal(t, []Result{res}, l.failures())
}

func TestTracker_RejectedPollFinishes(t *testing.T) {
	p := DefaultPolicy()
	p.MaxPollFailures = 5
	tr, c, s, _ := newTestTracker(t, p)

	c.queue("A", notDone(), reply{err: &RejectedError{Reason: "invalid handle"}}, done(false, "Okay", ""))
	_, err := tr.Submit(context.Background(), "A")
	require.NoError(t, err)

	for s.FireNext() {
	}

	require.Equal(t, StateFailed, tr.State("A"))
	require.Len(t, c.pollCalls(), 2)
	res, _ := tr.CachedResult("A")
	require.False(t, res.Unreachable)
	require.Equal(t, "invalid handle", res.Message)
	require.Equal(t, 0, tr.ActiveTimers())
}

func TestTracker_PollFailures(t *testing.T) {
	transport := errors.New("i/o timeout")

	tests := []struct {
		name      string
		replies   []reply
		wantState State
		wantPolls int
	}{
		{
			name:      "recovers after transient failures",
			replies:   []reply{{err: transport}, {err: transport}, done(false, "Okay", "")},
			wantState: StateSucceeded,
			wantPolls: 3,
		},
		{
			name:      "gives up after too many consecutive failures",
			replies:   []reply{{err: transport}, {err: transport}, {err: transport}},
			wantState: StateUnreachable,
			wantPolls: 3,
		},
		{
			name:      "a successful poll resets the failure count",
			replies:   []reply{{err: transport}, {err: transport}, notDone(), {err: transport}, {err: transport}, done(false, "Okay", "")},
			wantState: StateSucceeded,
			wantPolls: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			p.MaxPollFailures = 2
			tr, c, s, _ := newTestTracker(t, p)

			c.queue("A", tt.replies...)
			_, err := tr.Submit(context.Background(), "A")
			require.NoError(t, err)

			for s.FireNext() {
			}

			require.Equal(t, tt.wantState, tr.State("A"))
			require.Len(t, c.pollCalls(), tt.wantPolls)
			require.Equal(t, 0, tr.ActiveTimers())
		})
	}
}

func TestTracker_Timeout(t *testing.T) {
	p := DefaultPolicy()
	p.Timeout = time.Second
	tr, c, s, l := newTestTracker(t, p)

	c.queue("A", notDone(), notDone())
	_, err := tr.Submit(context.Background(), "A")
	require.NoError(t, err)

	require.True(t, s.FireNext())
	require.Equal(t, StatePolling, tr.State("A"))

	s.Advance(2 * time.Second)
	require.True(t, s.FireNext())
	require.False(t, s.FireNext())

	require.Equal(t, StateUnreachable, tr.State("A"))
	res, ok := tr.CachedResult("A")
	require.True(t, ok)
	require.True(t, res.Unreachable)
	require.Contains(t, res.Message, "did not finish")
	require.Len(t, l.failures(), 1)
}

func TestTracker_Wait(t *testing.T) {
	tr, c, s, _ := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	_, err := tr.Wait(ctx, "A")
	require.ErrorIs(t, err, ErrUnknownCode)

	c.queue("A", notDone(), done(false, "Okay", ""))
	_, err = tr.Submit(ctx, "A")
	require.NoError(t, err)

	got := make(chan Result, 1)
	go func() {
		res, err := tr.Wait(ctx, "A")
		if err == nil {
			got <- res
		}
	}()

	for s.FireNext() {
	}

	select {
	case res := <-got:
		require.False(t, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	res, err := tr.Wait(ctx, "A")
	require.NoError(t, err)
	require.False(t, res.Error)
}

func TestTracker_WaitHonoursContext(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, DefaultPolicy())

	_, err := tr.Submit(context.Background(), "A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.Wait(ctx, "A")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracker_Close(t *testing.T) {
	tr, _, s, _ := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	_, err := tr.Submit(ctx, "A")
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, 2, s.Pending())

	tr.Close()
	require.Equal(t, 0, s.Pending())
	require.Equal(t, 0, tr.ActiveTimers())

	_, err = tr.Submit(ctx, "C")
	require.ErrorIs(t, err, ErrClosed)
}

func TestTracker_IndependentCodes(t *testing.T) {
	tr, c, s, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()

	c.queue("A", notDone(), done(false, "Okay", ""))
	c.queue("B", done(true, "bad", "log"))

	_, err := tr.Submit(ctx, "A")
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "B")
	require.NoError(t, err)

	for s.FireNext() {
	}

	require.Equal(t, StateSucceeded, tr.State("A"))
	require.Equal(t, StateFailed, tr.State("B"))
	require.Equal(t, []string{"A"}, l.downloads())
	require.Len(t, l.failures(), 1)
}

func TestTracker_Restore(t *testing.T) {
	tr, c, _, l := newTestTracker(t, DefaultPolicy())
	ctx := context.Background()
	prev := Result{Error: true, Message: "No statement found"}

	require.True(t, tr.Restore("A", prev))
	require.Equal(t, StateFailed, tr.State("A"))

	out, err := tr.Activate(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, OutcomeSurfacedError, out)
	require.Equal(t, 0, c.startCount())
	require.Equal(t, []Result{prev}, l.failures())

	out, err = tr.RetryAfterError(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)
	require.Equal(t, 1, c.startCount())

	require.False(t, tr.Restore("A", prev), "a job in flight keeps its state")
	require.True(t, tr.HasInFlight("A"))
}

package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/ssuji15/taskcompile/internal/service/logger"
)

type request struct {
	w       http.ResponseWriter
	r       *http.Request
	next    http.Handler
	claimed atomic.Bool
	done    chan struct{}
}

// claim hands the request to exactly one of the dispatcher or the waiting
// handler.
func (q *request) claim() bool {
	return q.claimed.CompareAndSwap(false, true)
}

// Limiter queues requests and lets at most maxInflight of them run at once.
// Requests arriving while the queue is full are rejected with 503.
type Limiter struct {
	queue    chan *request
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan *request, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for q := range l.queue {
		l.inflight <- struct{}{}

		if !q.claim() {
			// the client gave up while queued
			<-l.inflight
			continue
		}

		go func(q *request) {
			defer func() {
				<-l.inflight
				close(q.done)
			}()

			q.next.ServeHTTP(q.w, q.r)
		}(q)
	}
}

// Close stops the dispatcher. Limit must not be called afterwards.
func (l *Limiter) Close() {
	close(l.queue)
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := &request{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- q:
		default:
			logger.Log.Warn().Str("path", r.URL.Path).Msg("limiter queue full, rejecting request")
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}

		select {
		case <-q.done:
		case <-r.Context().Done():
			if q.claim() {
				http.Error(w, "request canceled or timed out", http.StatusGatewayTimeout)
				return
			}
			// already running; the handler owns w until it returns
			<-q.done
		}
	})
}

package tracker

import "sort"

// Registry holds the in-flight job and the last terminal result per code.
// A code is never present in both maps. It is not safe for concurrent use on
// its own; the Tracker serializes access.
type Registry struct {
	jobs    map[string]*Job
	results map[string]Result
	timers  map[string]Timer
	waiters map[string][]chan Result
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]*Job),
		results: make(map[string]Result),
		timers:  make(map[string]Timer),
		waiters: make(map[string][]chan Result),
	}
}

func (r *Registry) Job(code string) (Job, bool) {
	j, ok := r.jobs[code]
	if !ok {
		return Job{Code: code}, false
	}
	return *j, true
}

// begin records j as in flight and drops any cached result for its code.
func (r *Registry) begin(j Job) {
	delete(r.results, j.Code)
	r.jobs[j.Code] = &j
}

func (r *Registry) update(j Job) {
	if _, ok := r.jobs[j.Code]; ok {
		r.jobs[j.Code] = &j
	}
}

// finish moves code from in flight to cached and returns the waiters to wake.
func (r *Registry) finish(code string, res Result) []chan Result {
	delete(r.jobs, code)
	r.stopTimer(code)
	r.results[code] = res
	w := r.waiters[code]
	delete(r.waiters, code)
	return w
}

func (r *Registry) Result(code string) (Result, bool) {
	res, ok := r.results[code]
	return res, ok
}

// restore caches res for code unless a job for code is in flight.
func (r *Registry) restore(code string, res Result) bool {
	if _, ok := r.jobs[code]; ok {
		return false
	}
	r.results[code] = res
	return true
}

func (r *Registry) clearResult(code string) {
	delete(r.results, code)
}

func (r *Registry) InFlight(code string) bool {
	j, ok := r.jobs[code]
	return ok && (j.State == StateSubmitted || j.State == StatePolling)
}

func (r *Registry) setTimer(code string, t Timer) {
	r.stopTimer(code)
	r.timers[code] = t
}

func (r *Registry) stopTimer(code string) {
	if t, ok := r.timers[code]; ok {
		t.Stop()
		delete(r.timers, code)
	}
}

// ActiveTimers returns the number of armed poll timers.
func (r *Registry) ActiveTimers() int {
	return len(r.timers)
}

// Codes returns every code the registry knows about, sorted.
func (r *Registry) Codes() []string {
	seen := make(map[string]struct{}, len(r.jobs)+len(r.results))
	for c := range r.jobs {
		seen[c] = struct{}{}
	}
	for c := range r.results {
		seen[c] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

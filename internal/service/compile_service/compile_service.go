package compileservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/cache"
	"github.com/ssuji15/taskcompile/internal/db/repository"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/queue"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/storage"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	MsgOkay        = "Okay"
	MsgNoStatement = "No statement found"
	MsgJobNotFound = "I couldn't find your compile job. Usually this means that the server has been restarted in the meantime. Please try again."
)

var (
	// ErrNoArtifact means there is no successful latest build for a code.
	ErrNoArtifact      = errors.New("no compiled statement available")
	ErrHistoryDisabled = errors.New("compile history is disabled")
	ErrShuttingDown    = errors.New("compile service is shutting down")
)

// TaskRepository is the part of builder.Repository the service needs. Sync
// must wait for every release returned by Acquire.
type TaskRepository interface {
	List() ([]string, error)
	Resolve(code string) (model.Task, error)
	Sync(ctx context.Context)
	Acquire() (release func())
}

type Config struct {
	MaxCompilations int
	BuildTimeout    time.Duration
}

// job tracks the builds of one task code. Handles count up from 1; a handle
// is done once it is not greater than finishedHandle.
type job struct {
	currentHandle  int64
	finishedHandle int64
	running        bool
	result         *model.CompileResult
	artifact       []byte
}

type CompileService struct {
	mu   sync.Mutex
	jobs map[string]*job
	// builds of codes sharing a task directory run one at a time
	dirs map[string]*sync.Mutex

	tasks   TaskRepository
	builder builder.Builder
	cache   cache.Cache
	storage storage.Storage
	queue   queue.Queue
	history repository.RunRepository

	sem     *semaphore.Weighted
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCompileService wires the service. Storage, queue and history are
// optional and may be nil.
func NewCompileService(tasks TaskRepository, b builder.Builder, c cache.Cache, s storage.Storage, q queue.Queue, h repository.RunRepository, cfg Config) *CompileService {
	if cfg.MaxCompilations <= 0 {
		cfg.MaxCompilations = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CompileService{
		jobs:    make(map[string]*job),
		dirs:    make(map[string]*sync.Mutex),
		tasks:   tasks,
		builder: b,
		cache:   c,
		storage: s,
		queue:   q,
		history: h,
		sem:     semaphore.NewWeighted(int64(cfg.MaxCompilations)),
		timeout: cfg.BuildTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Compile joins the running build of code or starts a new one and returns
// the handle to poll.
func (s *CompileService) Compile(ctx context.Context, code string) (int64, error) {
	_, span := job_tracer.GetTracer().Start(ctx, "CompileService/Compile")
	defer span.End()
	span.SetAttributes(attribute.String("task.code", code))

	task, err := s.tasks.Resolve(code)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return 0, ErrShuttingDown
	}

	j, ok := s.jobs[code]
	switch {
	case !ok:
		j = &job{currentHandle: 1}
		s.jobs[code] = j
	case j.running:
		span.AddEvent("compile.joined", trace.WithAttributes(attribute.Int64("handle", j.currentHandle)))
		return j.currentHandle, nil
	default:
		j.currentHandle++
	}
	j.running = true

	handle := j.currentHandle
	s.wg.Add(1)
	go s.build(task, code, handle)

	logger.Log.Info().Str("code", code).Int64("handle", handle).Msg("compile started")
	return handle, nil
}

// Query reports the state of the build behind handle.
func (s *CompileService) Query(code string, handle int64) model.CompileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[code]
	if !ok || handle > j.currentHandle {
		return model.CompileStatus{Done: true, Error: true, Msg: MsgJobNotFound}
	}
	if handle <= j.finishedHandle && j.result != nil {
		return model.CompileStatus{Done: true, Error: j.result.Error, Msg: j.result.Msg, Log: j.result.Log}
	}
	return model.CompileStatus{}
}

// Artifact returns the statement of the latest finished build of code.
// ErrNoArtifact is returned when that build failed or never happened.
func (s *CompileService) Artifact(ctx context.Context, code string) ([]byte, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "CompileService/Artifact")
	defer span.End()

	s.mu.Lock()
	var (
		res      *model.CompileResult
		inMemory []byte
	)
	if j, ok := s.jobs[code]; ok {
		res, inMemory = j.result, j.artifact
	}
	s.mu.Unlock()

	if res == nil {
		// nothing built since the last restart; a shared cache may know better
		var cached model.CompileResult
		if err := s.cache.Get(ctx, util.GetResultKey(code), &cached); err != nil {
			return nil, ErrNoArtifact
		}
		res = &cached
	}
	if res.Error {
		return nil, ErrNoArtifact
	}

	var data []byte
	if err := s.cache.Get(ctx, util.GetArtifactKey(res.ArtifactHash), &data); err == nil {
		span.AddEvent("artifact.cache_hit")
		return data, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Log.Warn().Err(err).Str("code", code).Msg("artifact cache lookup failed")
	}
	if inMemory != nil {
		return inMemory, nil
	}
	if s.storage != nil {
		data, err := s.storage.Download(ctx, res.ArtifactPath)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			util.RecordSpanError(span, err)
			return nil, fmt.Errorf("download artifact of %s: %w", code, err)
		}
	}
	return nil, ErrNoArtifact
}

func (s *CompileService) Tasks() ([]string, error) {
	return s.tasks.List()
}

// Runs lists recorded builds, newest first.
func (s *CompileService) Runs(ctx context.Context, code string, limit int) ([]*model.CompileRun, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.ListRuns(ctx, code, limit)
}

func (s *CompileService) build(task model.Task, code string, handle int64) {
	defer s.wg.Done()

	ctx, span := job_tracer.GetTracer().Start(s.ctx, "CompileService/Build")
	defer span.End()
	span.SetAttributes(attribute.String("task.code", code), attribute.Int64("handle", handle))

	res := model.CompileResult{Code: code, Handle: handle}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		res.Error = true
		res.Msg = ErrShuttingDown.Error()
		res.FinishedAt = time.Now().UTC()
		s.finish(code, handle, res, nil)
		return
	}
	defer s.sem.Release(1)

	unlockDir := s.lockDir(task.Dir)
	s.tasks.Sync(ctx)
	release := s.tasks.Acquire()

	run := &model.CompileRun{Code: code, Handle: handle, Status: string(model.RunRunning)}
	start := time.Now().UTC()
	run.StartTime = &start
	if id, err := uuid.NewV7(); err == nil {
		run.ID = id
	} else {
		run.ID = uuid.New()
	}
	s.recordStart(ctx, run)
	job_tracer.RecordCompileStarted(ctx, code)

	bctx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	out, err := s.builder.Build(bctx, task)
	timedOut := errors.Is(bctx.Err(), context.DeadlineExceeded)
	cancel()
	release()
	unlockDir()

	res.Log = out.Log
	res.FinishedAt = time.Now().UTC()
	var artifact []byte
	switch {
	case err == nil:
		res.Msg = MsgOkay
		res.ArtifactHash = util.HashBytes(out.Artifact)
		res.ArtifactPath = util.GetArtifactPath(code)
		artifact = out.Artifact
		s.persistArtifact(ctx, res, artifact)
	case errors.Is(err, builder.ErrNoStatement):
		res.Error = true
		res.Msg = MsgNoStatement
	case timedOut:
		res.Error = true
		res.Msg = fmt.Sprintf("compilation timed out after %s", s.timeout)
	default:
		res.Error = true
		res.Msg = err.Error()
	}
	if res.Error {
		util.RecordSpanError(span, err)
	}

	if err := s.cache.Put(ctx, util.GetResultKey(code), res, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("code", code).Msg("failed to cache compile result")
	}

	job_tracer.RecordCompileFinished(ctx, code, res.Error, res.FinishedAt.Sub(start))
	s.recordFinish(ctx, run, res)
	s.finish(code, handle, res, artifact)

	logger.Log.Info().
		Str("code", code).
		Int64("handle", handle).
		Bool("error", res.Error).
		Dur("took", res.FinishedAt.Sub(start)).
		Msg("compile finished")
}

func (s *CompileService) lockDir(dir string) func() {
	s.mu.Lock()
	m, ok := s.dirs[dir]
	if !ok {
		m = &sync.Mutex{}
		s.dirs[dir] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *CompileService) finish(code string, handle int64, res model.CompileResult, artifact []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[code]
	j.running = false
	j.finishedHandle = handle
	j.result = &res
	j.artifact = artifact
}

func (s *CompileService) persistArtifact(ctx context.Context, res model.CompileResult, artifact []byte) {
	if err := s.cache.Put(ctx, util.GetArtifactKey(res.ArtifactHash), artifact, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("code", res.Code).Msg("failed to cache artifact")
	}
	if s.storage == nil {
		return
	}
	if err := s.storage.Upload(ctx, res.ArtifactPath, "application/pdf", artifact); err != nil {
		logger.Log.Error().Err(err).Str("code", res.Code).Msg("failed to upload artifact")
	}
}

func (s *CompileService) recordStart(ctx context.Context, run *model.CompileRun) {
	if s.history != nil {
		if err := s.history.CreateRun(ctx, run); err != nil {
			logger.Log.Error().Err(err).Str("code", run.Code).Msg("failed to record compile run")
		}
	}
	s.publish(ctx, queue.CompileStarted, model.CompileEvent{
		RunID:  run.ID.String(),
		Code:   run.Code,
		Handle: run.Handle,
	})
}

func (s *CompileService) recordFinish(ctx context.Context, run *model.CompileRun, res model.CompileResult) {
	run.EndTime = &res.FinishedAt
	run.Msg = res.Msg
	run.Log = res.Log
	run.ArtifactHash = res.ArtifactHash
	run.Status = string(model.RunSucceeded)
	if res.Error {
		run.Status = string(model.RunFailed)
	}
	if s.history != nil {
		if err := s.history.FinishRun(ctx, run); err != nil {
			logger.Log.Error().Err(err).Str("code", run.Code).Msg("failed to finish compile run")
		}
	}
	s.publish(ctx, queue.CompileFinished, model.CompileEvent{
		RunID:        run.ID.String(),
		Code:         run.Code,
		Handle:       run.Handle,
		Error:        res.Error,
		ArtifactHash: res.ArtifactHash,
		FinishedAt:   res.FinishedAt,
	})
}

func (s *CompileService) publish(ctx context.Context, event queue.QueueEvent, ev model.CompileEvent) {
	if s.queue == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode compile event")
		return
	}
	if err := s.queue.PublishEvent(ctx, event, ev.RunID+"."+string(event), payload); err != nil {
		logger.Log.Warn().Err(err).Str("code", ev.Code).Str("event", string(event)).Msg("failed to publish compile event")
	}
}

// Shutdown rejects new builds, cancels running ones and waits for them to
// wind down until ctx ends.
func (s *CompileService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Log.Warn().Msg("compile service shutdown timed out with builds running")
	}
}

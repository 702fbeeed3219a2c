package compileservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/cache"
	"github.com/ssuji15/taskcompile/internal/queue"
	"github.com/ssuji15/taskcompile/internal/storage"
	"github.com/ssuji15/taskcompile/model"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeTasks struct {
	mu    sync.Mutex
	repo  sync.RWMutex
	tasks map[string]bool
	syncs int
}

func newFakeTasks(names ...string) *fakeTasks {
	f := &fakeTasks{tasks: make(map[string]bool)}
	for _, n := range names {
		f.tasks[n] = true
	}
	return f
}

func (f *fakeTasks) List() ([]string, error) {
	var names []string
	for n := range f.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeTasks) Resolve(code string) (model.Task, error) {
	name, language, _ := strings.Cut(code, "/")
	if !f.tasks[name] {
		return model.Task{}, fmt.Errorf("%w: %s", builder.ErrNoSuchTask, code)
	}
	return model.Task{Name: code, Dir: "/tasks/" + name, Language: language}, nil
}

func (f *fakeTasks) Sync(context.Context) {
	f.repo.Lock()
	defer f.repo.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
}

func (f *fakeTasks) Acquire() func() {
	f.repo.RLock()
	return f.repo.RUnlock
}

func (f *fakeTasks) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

type buildReply struct {
	out builder.Output
	err error
}

// gatedBuilder blocks every build until the test sends its outcome.
type gatedBuilder struct {
	mu      sync.Mutex
	started chan string
	replies chan buildReply
	calls   int
}

func newGatedBuilder() *gatedBuilder {
	return &gatedBuilder{started: make(chan string, 16), replies: make(chan buildReply)}
}

func (b *gatedBuilder) Build(ctx context.Context, task model.Task) (builder.Output, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.started <- task.Name
	select {
	case r := <-b.replies:
		return r.out, r.err
	case <-ctx.Done():
		return builder.Output{}, ctx.Err()
	}
}

func (b *gatedBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Put(_ context.Context, key string, value interface{}, _ int) error {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *memCache) Get(_ context.Context, key string, out interface{}) error {
	c.mu.Lock()
	b, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return cache.ErrCacheMiss
	}
	return msgpack.Unmarshal(b, out)
}

func (c *memCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func (c *memCache) GetDefaultTTL() int          { return 60 }
func (c *memCache) ShutDown(ctx context.Context) {}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Upload(_ context.Context, path, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

func (s *memStorage) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return b, nil
}

func (s *memStorage) ShutDown(context.Context) {}

type published struct {
	event   queue.QueueEvent
	key     string
	payload []byte
}

type recordingQueue struct {
	mu     sync.Mutex
	events []published
}

func (q *recordingQueue) PublishEvent(_ context.Context, event queue.QueueEvent, key string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, published{event: event, key: key, payload: payload})
	return nil
}

func (q *recordingQueue) Subscribe(ctx context.Context, _ queue.QueueEvent, _ func(context.Context, []byte) error) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Shutdown(context.Context) {}

func (q *recordingQueue) all() []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]published(nil), q.events...)
}

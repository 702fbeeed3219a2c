package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
)

var ErrNoSuchTask = errors.New("no such task")

// Repository is the directory holding one subdirectory per task. Sync holds
// the write lock and builds hold the read lock between Acquire and release,
// so a pull never rewrites sources a running build reads.
type Repository struct {
	mu       sync.RWMutex
	path     string
	autoSync bool
}

func NewRepository(path string, autoSync bool) (*Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("task repository %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("task repository %s is not a directory", abs)
	}
	return &Repository{path: abs, autoSync: autoSync}, nil
}

func (r *Repository) Path() string {
	return r.path
}

// List returns the names of all tasks in alphabetical order.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Resolve maps a task code to its directory. A code task/lang resolves to
// the directory of task and carries lang as the statement language.
func (r *Repository) Resolve(code string) (model.Task, error) {
	name, language, err := util.SplitCode(code)
	if err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrNoSuchTask, err)
	}
	dir := filepath.Join(r.path, name)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return model.Task{}, fmt.Errorf("%w: %s", ErrNoSuchTask, code)
	}
	return model.Task{Name: code, Dir: dir, Language: language}, nil
}

// Acquire takes the read lock for a build and returns its release.
func (r *Repository) Acquire() func() {
	r.mu.RLock()
	return r.mu.RUnlock
}

// Sync pulls the repository when auto sync is enabled. Failures are logged
// and the build goes ahead with the current checkout.
func (r *Repository) Sync(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.autoSync {
		return
	}
	cmd := exec.CommandContext(ctx, "git", "pull", "--ff-only")
	cmd.Dir = r.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Log.Warn().Err(err).Str("output", string(out)).Str("path", r.path).Msg("task repository sync failed")
		return
	}
	logger.Log.Info().Str("path", r.path).Msg("task repository synchronized")
}

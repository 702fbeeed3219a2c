package repository

import (
	"context"
	"errors"

	"github.com/ssuji15/taskcompile/model"
)

var ErrRunNotFound = errors.New("compile run not found")

const defaultListLimit = 25

// RunRepository records every statement build the compile service starts.
type RunRepository interface {
	CreateRun(ctx context.Context, run *model.CompileRun) error
	FinishRun(ctx context.Context, run *model.CompileRun) error
	GetRun(ctx context.Context, id string) (*model.CompileRun, error)
	// ListRuns returns the newest runs first. An empty code lists all tasks.
	ListRuns(ctx context.Context, code string, limit int) ([]*model.CompileRun, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return defaultListLimit
	}
	return limit
}

package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/taskcompile/internal/db"
	"github.com/ssuji15/taskcompile/model"
	"github.com/stretchr/testify/require"
)

func newSqliteRepo(t *testing.T) *SqliteRunRepository {
	t.Helper()
	ctx := context.Background()
	sdb, err := db.OpenSqlite(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sdb.Close() })
	return NewSqliteRunRepository(sdb)
}

func newRun(code string, handle int64, start time.Time) *model.CompileRun {
	st := start.UTC()
	return &model.CompileRun{
		ID:        uuid.New(),
		Code:      code,
		Handle:    handle,
		Status:    string(model.RunRunning),
		StartTime: &st,
	}
}

func TestSqliteRunRepository_CreateAndGet(t *testing.T) {
	repo := newSqliteRepo(t)
	ctx := context.Background()

	run := newRun("paint", 1, time.Now())
	require.NoError(t, repo.CreateRun(ctx, run))

	got, err := repo.GetRun(ctx, run.ID.String())
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, "paint", got.Code)
	require.Equal(t, int64(1), got.Handle)
	require.Equal(t, string(model.RunRunning), got.Status)
	require.NotNil(t, got.StartTime)
	require.WithinDuration(t, *run.StartTime, *got.StartTime, time.Millisecond)
	require.Nil(t, got.EndTime)

	_, err = repo.GetRun(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestSqliteRunRepository_FinishRun(t *testing.T) {
	repo := newSqliteRepo(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		status  model.RunStatus
		msg     string
		hash    string
		preload bool
		wantErr error
	}{
		{name: "succeeded", status: model.RunSucceeded, msg: "Okay", hash: "abc", preload: true},
		{name: "failed", status: model.RunFailed, msg: "Compilation failed", preload: true},
		{name: "unknown run", status: model.RunFailed, wantErr: ErrRunNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun("paint", 1, time.Now())
			if tt.preload {
				require.NoError(t, repo.CreateRun(ctx, run))
			}
			end := time.Now().UTC()
			run.Status = string(tt.status)
			run.Msg = tt.msg
			run.Log = "log output"
			run.ArtifactHash = tt.hash
			run.EndTime = &end

			err := repo.FinishRun(ctx, run)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := repo.GetRun(ctx, run.ID.String())
			require.NoError(t, err)
			require.Equal(t, string(tt.status), got.Status)
			require.Equal(t, tt.msg, got.Msg)
			require.Equal(t, "log output", got.Log)
			require.Equal(t, tt.hash, got.ArtifactHash)
			require.NotNil(t, got.EndTime)
		})
	}
}

func TestSqliteRunRepository_ListRuns(t *testing.T) {
	repo := newSqliteRepo(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateRun(ctx, newRun("paint", 1, base)))
	require.NoError(t, repo.CreateRun(ctx, newRun("paint", 2, base.Add(time.Minute))))
	require.NoError(t, repo.CreateRun(ctx, newRun("tree", 1, base.Add(2*time.Minute))))

	tests := []struct {
		name        string
		code        string
		limit       int
		wantCodes   []string
		wantHandles []int64
	}{
		{"all tasks newest first", "", 0, []string{"tree", "paint", "paint"}, []int64{1, 2, 1}},
		{"single task", "paint", 10, []string{"paint", "paint"}, []int64{2, 1}},
		{"limit applies", "", 1, []string{"tree"}, []int64{1}},
		{"unknown task", "sorting", 10, []string{}, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := repo.ListRuns(ctx, tt.code, tt.limit)
			require.NoError(t, err)

			codes := make([]string, 0, len(runs))
			handles := make([]int64, 0, len(runs))
			for _, r := range runs {
				codes = append(codes, r.Code)
				handles = append(handles, r.Handle)
			}
			require.Equal(t, tt.wantCodes, codes)
			require.Equal(t, tt.wantHandles, handles)
		})
	}
}

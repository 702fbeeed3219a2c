package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ssuji15/taskcompile/internal/db"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
)

type SqliteRunRepository struct {
	db *db.SqliteDB
}

func NewSqliteRunRepository(db *db.SqliteDB) *SqliteRunRepository {
	return &SqliteRunRepository{db: db}
}

const sqliteColumns = `id, code, handle, status, msg, log, artifact_hash, start_time, end_time`

func (r *SqliteRunRepository) CreateRun(ctx context.Context, run *model.CompileRun) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Sqlite/CreateRun")
	defer span.End()

	_, err := r.db.Conn.ExecContext(ctx,
		`INSERT INTO compile_runs (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Code, run.Handle, run.Status, run.Msg, run.Log,
		run.ArtifactHash, run.StartTime, run.EndTime,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *SqliteRunRepository) FinishRun(ctx context.Context, run *model.CompileRun) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Sqlite/FinishRun")
	defer span.End()

	res, err := r.db.Conn.ExecContext(ctx,
		`UPDATE compile_runs SET status = ?, msg = ?, log = ?, artifact_hash = ?, end_time = ? WHERE id = ?`,
		run.Status, run.Msg, run.Log, run.ArtifactHash, run.EndTime, run.ID.String(),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *SqliteRunRepository) GetRun(ctx context.Context, id string) (*model.CompileRun, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Sqlite/GetRun")
	defer span.End()

	row := r.db.Conn.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM compile_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}
	return run, nil
}

func (r *SqliteRunRepository) ListRuns(ctx context.Context, code string, limit int) ([]*model.CompileRun, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Sqlite/ListRuns")
	defer span.End()

	limit = clampLimit(limit)
	var (
		rows *sql.Rows
		err  error
	)
	if code == "" {
		rows, err = r.db.Conn.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM compile_runs ORDER BY start_time DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.Conn.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM compile_runs WHERE code = ? ORDER BY start_time DESC, rowid DESC LIMIT ?`, code, limit)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.CompileRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*model.CompileRun, error) {
	var (
		run model.CompileRun
		id  string
	)
	if err := s.Scan(&id, &run.Code, &run.Handle, &run.Status, &run.Msg,
		&run.Log, &run.ArtifactHash, &run.StartTime, &run.EndTime); err != nil {
		return nil, err
	}
	if err := run.ID.UnmarshalText([]byte(id)); err != nil {
		return nil, err
	}
	return &run, nil
}

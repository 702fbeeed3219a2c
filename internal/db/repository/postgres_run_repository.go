package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/ssuji15/taskcompile/internal/db"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type PostgresRunRepository struct {
	db *db.DB
}

func NewPostgresRunRepository(db *db.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) CreateRun(ctx context.Context, run *model.CompileRun) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateRun")
	defer span.End()

	span.AddEvent("run.context",
		trace.WithAttributes(attribute.String("run_id", run.ID.String()), attribute.String("code", run.Code)),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO compile_runs (
			id,
			code,
			handle,
			status,
			msg,
			log,
			artifact_hash,
			start_time,
			end_time
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		run.ID,
		run.Code,
		run.Handle,
		run.Status,
		run.Msg,
		run.Log,
		run.ArtifactHash,
		run.StartTime,
		run.EndTime,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *PostgresRunRepository) FinishRun(ctx context.Context, run *model.CompileRun) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/FinishRun")
	defer span.End()

	span.AddEvent("run.context",
		trace.WithAttributes(attribute.String("status", run.Status), attribute.String("run_id", run.ID.String())),
	)

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE compile_runs
		SET
			status        = $2,
			msg           = $3,
			log           = $4,
			artifact_hash = $5,
			end_time      = $6
		WHERE id = $1
	`, run.ID, run.Status, run.Msg, run.Log, run.ArtifactHash, run.EndTime)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		util.RecordSpanError(span, ErrRunNotFound)
		return ErrRunNotFound
	}
	return nil
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, id string) (*model.CompileRun, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetRun")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, code, handle, status, msg, log, artifact_hash, start_time, end_time
		FROM compile_runs
		WHERE id = $1
	`, id)

	var run model.CompileRun
	err := row.Scan(&run.ID, &run.Code, &run.Handle, &run.Status, &run.Msg,
		&run.Log, &run.ArtifactHash, &run.StartTime, &run.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}
	return &run, nil
}

func (r *PostgresRunRepository) ListRuns(ctx context.Context, code string, limit int) ([]*model.CompileRun, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListRuns")
	defer span.End()

	var (
		query string
		args  []any
	)
	limit = clampLimit(limit)
	if code == "" {
		query = `
			SELECT id, code, handle, status, msg, log, artifact_hash, start_time, end_time
			FROM compile_runs
			ORDER BY start_time DESC
			LIMIT $1`
		args = append(args, limit)
	} else {
		query = `
			SELECT id, code, handle, status, msg, log, artifact_hash, start_time, end_time
			FROM compile_runs
			WHERE code = $1
			ORDER BY start_time DESC
			LIMIT $2`
		args = append(args, code, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.CompileRun, 0, limit)
	for rows.Next() {
		var run model.CompileRun
		if err := rows.Scan(&run.ID, &run.Code, &run.Handle, &run.Status, &run.Msg,
			&run.Log, &run.ArtifactHash, &run.StartTime, &run.EndTime); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return runs, nil
}

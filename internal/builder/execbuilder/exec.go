// Package execbuilder runs the build command as a local process.
package execbuilder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ExecBuilder struct {
	spec builder.Spec
}

func New(spec builder.Spec) *ExecBuilder {
	return &ExecBuilder{spec: spec}
}

func (b *ExecBuilder) Build(ctx context.Context, task model.Task) (builder.Output, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Exec/Build")
	defer span.End()
	span.AddEvent("build.context", trace.WithAttributes(attribute.String("task.code", task.Name)))

	outFile := filepath.Join(task.Dir, b.spec.OutputFile)
	// stale output from a previous run must not count as this run's result
	if err := os.Remove(outFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		util.RecordSpanError(span, err)
		return builder.Output{}, fmt.Errorf("remove previous output: %w", err)
	}

	var log bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", b.spec.Command)
	cmd.Dir = task.Dir
	cmd.Env = append(os.Environ(),
		"TASK_CODE="+task.Name,
		"TASK_DIR="+task.Dir,
		"OUTPUT_FILE="+outFile,
		"TASK_LANGUAGE="+task.Language,
	)
	cmd.Stdout = &log
	cmd.Stderr = &log
	// children of sh may keep the output pipe open after a kill
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	out := builder.Output{Log: log.String()}
	if err != nil {
		util.RecordSpanError(span, err)
		if ctx.Err() != nil {
			return out, fmt.Errorf("%w: %v", builder.ErrBuildFailed, ctx.Err())
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return out, builder.ExitError(int64(ee.ExitCode()))
		}
		return out, fmt.Errorf("%w: %v", builder.ErrBuildFailed, err)
	}

	artifact, err := os.ReadFile(outFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, builder.ErrNoStatement
		}
		util.RecordSpanError(span, err)
		return out, err
	}
	out.Artifact = artifact
	return out, nil
}

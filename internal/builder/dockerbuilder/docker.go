// Package dockerbuilder runs the build command inside a throwaway container.
package dockerbuilder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	taskMount = "/task"
	logMount  = "/buildlog"
	logFile   = "build.log"
)

// ContainerRunner runs a container to completion and returns its exit code.
type ContainerRunner interface {
	Run(ctx context.Context, opts model.ContainerOptions) (int64, error)
}

type Config struct {
	Image       string
	CPUQuota    int64
	MemoryLimit int64
	// SecurityOpt is passed to the container as is, e.g. a seccomp profile.
	SecurityOpt []string
}

type DockerBuilder struct {
	spec   builder.Spec
	cfg    Config
	runner ContainerRunner
}

func New(spec builder.Spec, cfg Config, runner ContainerRunner) *DockerBuilder {
	return &DockerBuilder{spec: spec, cfg: cfg, runner: runner}
}

func (b *DockerBuilder) Build(ctx context.Context, task model.Task) (builder.Output, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Docker/Build")
	defer span.End()
	span.AddEvent("build.context", trace.WithAttributes(
		attribute.String("task.code", task.Name),
		attribute.String("image", b.cfg.Image),
	))

	hostOut := filepath.Join(task.Dir, b.spec.OutputFile)
	if err := os.Remove(hostOut); err != nil && !errors.Is(err, os.ErrNotExist) {
		util.RecordSpanError(span, err)
		return builder.Output{}, fmt.Errorf("remove previous output: %w", err)
	}

	logDir, err := os.MkdirTemp("", "taskcompile-log-*")
	if err != nil {
		util.RecordSpanError(span, err)
		return builder.Output{}, err
	}
	defer os.RemoveAll(logDir)
	// the build runs as an unprivileged user
	if err := os.Chmod(logDir, 0o777); err != nil {
		return builder.Output{}, err
	}

	containerOut := path.Join(taskMount, filepath.ToSlash(b.spec.OutputFile))
	opts := model.ContainerOptions{
		Name:  "taskcompile-" + util.FlatCode(task.Name) + "-" + uuid.NewString()[:8],
		Image: b.cfg.Image,
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("(%s) > %s 2>&1", b.spec.Command, path.Join(logMount, logFile))},
		WorkingDir:  taskMount,
		User:        "1000:1000",
		CPUQuota:    b.cfg.CPUQuota,
		MemoryLimit: b.cfg.MemoryLimit,
		Labels:      map[string]string{"taskcompile.task": task.Name},
		EnvVars: map[string]string{
			"TASK_CODE":     task.Name,
			"TASK_DIR":      taskMount,
			"OUTPUT_FILE":   containerOut,
			"TASK_LANGUAGE": task.Language,
		},
		Binds: []model.Bind{
			{Source: task.Dir, Target: taskMount},
			{Source: logDir, Target: logMount},
		},
		SecurityOpt:    b.cfg.SecurityOpt,
		DisableNetwork: true,
	}

	code, runErr := b.runner.Run(ctx, opts)
	logBytes, _ := os.ReadFile(filepath.Join(logDir, logFile))
	out := builder.Output{Log: string(logBytes)}

	if runErr != nil {
		util.RecordSpanError(span, runErr)
		return out, fmt.Errorf("%w: %v", builder.ErrBuildFailed, runErr)
	}
	if code != 0 {
		err := builder.ExitError(code)
		util.RecordSpanError(span, err)
		return out, err
	}

	artifact, err := os.ReadFile(hostOut)
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

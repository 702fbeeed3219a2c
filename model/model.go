package model

import (
	"time"

	"github.com/google/uuid"
)

// StartResponse is returned by POST /compile.
type StartResponse struct {
	Handle int64 `json:"handle"`
}

// CompileStatus is the poll payload served by GET /compile. Only meaningful
// once Done is true.
type CompileStatus struct {
	Done  bool   `json:"done"`
	Error bool   `json:"error"`
	Msg   string `json:"msg"`
	Log   string `json:"log"`
}

// CompileResult is a finished build as kept by the compile service.
type CompileResult struct {
	Code         string    `msgpack:"code" json:"code"`
	Handle       int64     `msgpack:"handle" json:"handle"`
	Error        bool      `msgpack:"error" json:"error"`
	Msg          string    `msgpack:"msg" json:"msg"`
	Log          string    `msgpack:"log" json:"log"`
	ArtifactHash string    `msgpack:"artifact_hash" json:"artifactHash,omitempty"`
	ArtifactPath string    `msgpack:"artifact_path" json:"artifactPath,omitempty"`
	FinishedAt   time.Time `msgpack:"finished_at" json:"finishedAt"`
}

// CompileRun is one build recorded in the history store.
type CompileRun struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Code         string     `db:"code" json:"code"`
	Handle       int64      `db:"handle" json:"handle"`
	Status       string     `db:"status" json:"status"`
	Msg          string     `db:"msg" json:"msg,omitempty"`
	Log          string     `db:"log" json:"-"`
	ArtifactHash string     `db:"artifact_hash" json:"artifactHash,omitempty"`
	StartTime    *time.Time `db:"start_time" json:"startTime"`
	EndTime      *time.Time `db:"end_time" json:"endTime,omitempty"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// CompileEvent is published whenever a build finishes.
type CompileEvent struct {
	RunID        string    `json:"runId"`
	Code         string    `json:"code"`
	Handle       int64     `json:"handle"`
	Error        bool      `json:"error"`
	ArtifactHash string    `json:"artifactHash,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Task is a compilable entry of the task repository. Name is the full code;
// Language is set for translated statements.
type Task struct {
	Name     string `json:"name"`
	Dir      string `json:"-"`
	Language string `json:"language,omitempty"`
}

type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerOptions describes a build container.
type ContainerOptions struct {
	Name           string
	Image          string
	Cmd            []string
	WorkingDir     string
	User           string
	CPUQuota       int64
	MemoryLimit    int64
	Labels         map[string]string
	EnvVars        map[string]string
	Binds          []Bind
	SecurityOpt    []string
	DisableNetwork bool
}

// Package builder turns a task directory into a compiled statement.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssuji15/taskcompile/model"
)

var (
	// ErrNoStatement means the build ran but left no output file behind.
	ErrNoStatement = errors.New("no statement found")
	ErrBuildFailed = errors.New("build failed")
)

type Output struct {
	Artifact []byte
	Log      string
}

type Builder interface {
	Build(ctx context.Context, task model.Task) (Output, error)
}

// Spec is what every builder needs to know about the build command.
type Spec struct {
	Command string
	// OutputFile is relative to the task directory.
	OutputFile string
}

// ExitError reports a non-zero exit of the build command.
func ExitError(code int64) error {
	return fmt.Errorf("%w: exit status %d", ErrBuildFailed, code)
}

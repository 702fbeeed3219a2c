package storage

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("object not found")

// Storage keeps compiled statements so they survive a restart of the
// compile service.
type Storage interface {
	Upload(ctx context.Context, objectPath string, contentType string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	ShutDown(ctx context.Context)
}

package component

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ssuji15/taskcompile/internal/builder/execbuilder"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/stretchr/testify/require"
)

func TestGetCacheUnknownType(t *testing.T) {
	_, err := GetCache(context.Background(), "memcached")
	require.Error(t, err)
}

func TestGetQueue(t *testing.T) {
	q, err := GetQueue("none")
	require.NoError(t, err)
	require.Nil(t, q)

	_, err = GetQueue("rabbitmq")
	require.Error(t, err)
}

func TestGetStorage(t *testing.T) {
	s, err := GetStorage(context.Background(), "none")
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = GetStorage(context.Background(), "s3")
	require.Error(t, err)
}

func TestGetHistory(t *testing.T) {
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "history.db"))

	h, closeFn, err := GetHistory(context.Background(), "sqlite")
	require.NoError(t, err)
	require.NotNil(t, h)
	defer closeFn()

	runs, err := h.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, runs)

	h, closeFn, err = GetHistory(context.Background(), "none")
	require.NoError(t, err)
	require.Nil(t, h)
	closeFn()

	_, closeFn, err = GetHistory(context.Background(), "mongo")
	require.Error(t, err)
	closeFn()
}

func TestGetBuilder(t *testing.T) {
	b, closeFn, err := GetBuilder(&config.CompileConfig{BUILDER_TYPE: "exec", BUILD_COMMAND: "make", BUILD_OUTPUT: "statement.pdf"})
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &execbuilder.ExecBuilder{}, b)

	t.Setenv("BUILDER_IMAGE", "")
	_, _, err = GetBuilder(&config.CompileConfig{BUILDER_TYPE: "docker"})
	require.ErrorIs(t, err, config.ErrKeyEmpty)

	_, _, err = GetBuilder(&config.CompileConfig{BUILDER_TYPE: "podman"})
	require.Error(t, err)
}

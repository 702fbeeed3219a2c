//go:build integration
// +build integration

package dockerservice

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moby/moby/client"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/taskcompile/model"
)

const testImage = "alpine:latest"

func setupDockerTest(t *testing.T) *DockerService {
	t.Helper()

	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	require.NoError(t, err, "Docker client initialization failed")
	t.Cleanup(func() { cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err = cli.Ping(ctx, client.PingOptions{})
	require.NoError(t, err, "Docker daemon is not accessible")

	reader, err := cli.ImagePull(ctx, testImage, client.ImagePullOptions{})
	require.NoError(t, err, "Failed to pull test image")
	_, err = io.Copy(io.Discard, reader)
	reader.Close()
	require.NoError(t, err, "Failed to complete image pull")

	ds, err := NewDockerService()
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestRun(t *testing.T) {
	ds := setupDockerTest(t)

	tests := []struct {
		name     string
		cmd      string
		wantCode int64
		wantFile string
	}{
		{"success writes into bind mount", "echo ok > /work/out.txt", 0, "ok\n"},
		{"non-zero exit code is reported", "exit 4", 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.Chmod(dir, 0o777))

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			code, err := ds.Run(ctx, model.ContainerOptions{
				Image:          testImage,
				Cmd:            []string{"sh", "-c", tt.cmd},
				CPUQuota:       100000,
				MemoryLimit:    64 * 1024 * 1024,
				Labels:         map[string]string{"test": "taskcompile"},
				Binds:          []model.Bind{{Source: dir, Target: "/work"}},
				DisableNetwork: true,
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantCode, code)

			if tt.wantFile != "" {
				b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
				require.NoError(t, err)
				require.Equal(t, tt.wantFile, string(b))
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ds := setupDockerTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ds.Run(ctx, model.ContainerOptions{
		Image:    testImage,
		Cmd:      []string{"sleep", "60"},
		CPUQuota: 100000,
	})
	require.Error(t, err)
}

package web

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/builder/execbuilder"
	"github.com/ssuji15/taskcompile/internal/cache/freecache"
	"github.com/ssuji15/taskcompile/internal/compiler"
	compileservice "github.com/ssuji15/taskcompile/internal/service/compile_service"
	"github.com/ssuji15/taskcompile/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFlowServer serves a task repository built by the exec builder. The
// build writes statement.<lang>.tex for translated codes.
func newFlowServer(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "paint")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "statement.tex"), []byte("%PDF-en"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "statement.de.tex"), []byte("%PDF-de"), 0o644))

	repo, err := builder.NewRepository(root, false)
	require.NoError(t, err)
	b := execbuilder.New(builder.Spec{
		Command:    `f=statement${TASK_LANGUAGE:+.$TASK_LANGUAGE}.tex; test -f "$f" && cat "$f" > "$OUTPUT_FILE"`,
		OutputFile: "statement.pdf",
	})

	t.Setenv("FREECACHE_SIZE", "1048576")
	t.Setenv("FREECACHE_TTL", "60")
	c, err := freecache.NewFreeCache()
	require.NoError(t, err)

	svc := compileservice.NewCompileService(repo, b, c, nil, nil, nil,
		compileservice.Config{MaxCompilations: 2, BuildTimeout: 10 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	srv := httptest.NewServer(NewServer(svc, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestCompileFlow_TranslatedStatement(t *testing.T) {
	srv := newFlowServer(t)

	for _, prefix := range []string{"download", "pdf"} {
		t.Run(prefix, func(t *testing.T) {
			client := compiler.NewClient(compiler.ClientConfig{BaseURL: srv.URL, DownloadPrefix: prefix, Timeout: 5 * time.Second})
			tr := tracker.New(client, tracker.WithPolicy(tracker.Policy{
				PollInterval:    10 * time.Millisecond,
				Timeout:         10 * time.Second,
				MaxPollFailures: 3,
			}))
			t.Cleanup(tr.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for code, want := range map[string]string{"paint": "%PDF-en", "paint/de": "%PDF-de"} {
				_, err := tr.Submit(ctx, code)
				require.NoError(t, err, code)
				res, err := tr.Wait(ctx, code)
				require.NoError(t, err, code)
				require.False(t, res.Error, "%s: %s", code, res.Message)

				data, err := client.Download(ctx, code)
				require.NoError(t, err, code)
				assert.Equal(t, want, string(data))
			}
		})
	}
}

func TestCompileFlow_UnknownTaskIsRejected(t *testing.T) {
	srv := newFlowServer(t)
	client := compiler.NewClient(compiler.ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	tr := tracker.New(client)
	t.Cleanup(tr.Close)

	ctx := context.Background()
	_, err := tr.Submit(ctx, "tree/de")
	require.Error(t, err)

	res, ok := tr.CachedResult("tree/de")
	require.True(t, ok)
	assert.True(t, res.Error)
	assert.False(t, res.Unreachable)
	assert.Equal(t, "No such task", res.Message)
	assert.Equal(t, tracker.StateFailed, tr.State("tree/de"))
}

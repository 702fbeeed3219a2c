package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ssuji15/taskcompile/internal/compiler"
	"github.com/ssuji15/taskcompile/internal/component"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/queue"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/tracker"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/ssuji15/taskcompile/model"
)

// progress reports tracker notifications on stderr.
type progress struct {
	mu sync.Mutex
}

func (p *progress) Started(code string) {
	p.print("%s: compiling\n", code)
}

func (p *progress) Succeeded(code string) {
	p.print("%s: done\n", code)
}

func (p *progress) Failed(code string, r tracker.Result) {
	if r.Unreachable {
		p.print("%s: compile service unreachable: %s\n", code, r.Message)
		return
	}
	p.print("%s: failed: %s\n", code, r.Message)
	if r.Log != "" {
		p.print("----- log of %s -----\n%s\n", code, r.Log)
	}
}

func (p *progress) print(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}

func newClient() (*compiler.Client, *config.TrackerConfig, error) {
	cfg, err := config.GetTrackerConfig()
	if err != nil {
		return nil, nil, err
	}
	return compiler.NewClient(compiler.ClientConfig{
		BaseURL:        cfg.SERVER_URL,
		DownloadPrefix: cfg.DOWNLOAD_PREFIX,
		Timeout:        cfg.REQUEST_TIMEOUT,
	}), cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func compileCmd() *cobra.Command {
	var (
		out   string
		retry bool
	)
	cmd := &cobra.Command{
		Use:   "compile <code>...",
		Short: "Compile statements and download them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, codes []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}

			tr := tracker.New(client,
				tracker.WithListener(&progress{}),
				tracker.WithRequestTimeout(cfg.REQUEST_TIMEOUT),
				tracker.WithPolicy(tracker.Policy{
					PollInterval:    cfg.POLL_INTERVAL,
					Timeout:         cfg.JOB_TIMEOUT,
					MaxPollFailures: cfg.MAX_POLL_FAILURES,
				}),
			)
			defer tr.Close()

			restoreFailures(ctx, client, tr, codes)

			submit := tr.Activate
			if retry {
				submit = tr.RetryAfterError
			}
			for _, code := range codes {
				outcome, err := submit(ctx, code)
				if err != nil {
					logger.Log.Debug().Err(err).Str("code", code).Msg("submission failed")
				}
				if outcome == tracker.OutcomeSurfacedError {
					fmt.Fprintf(os.Stderr, "%s: last compilation failed, use --retry to compile again\n", code)
				}
			}

			failed := 0
			for _, code := range codes {
				res, err := tr.Wait(ctx, code)
				if err != nil {
					return err
				}
				if res.Error {
					failed++
					continue
				}
				if err := download(ctx, client, code, out); err != nil {
					fmt.Fprintf(os.Stderr, "%s: download failed: %v\n", code, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d compilations failed", failed, len(codes))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory compiled statements are written to")
	cmd.Flags().BoolVar(&retry, "retry", false, "compile again even if the last result was an error")
	return cmd
}

// restoreFailures seeds the tracker with the last recorded build of each code
// that failed, so that only --retry compiles those again. Servers without
// history are skipped.
func restoreFailures(ctx context.Context, c *compiler.Client, tr *tracker.Tracker, codes []string) {
	for _, code := range codes {
		runs, err := c.Runs(ctx, code, 1)
		if err != nil {
			logger.Log.Debug().Err(err).Str("code", code).Msg("no compile history")
			continue
		}
		if len(runs) == 0 || runs[0].Status != string(model.RunFailed) {
			continue
		}
		tr.Restore(code, tracker.Result{Error: true, Message: runs[0].Msg})
	}
}

func download(ctx context.Context, c *compiler.Client, code, dir string) error {
	data, err := c.Download(ctx, code)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, util.GetDownloadFilename(code))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tasks the server can compile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, _, err := newClient()
			if err != nil {
				return err
			}
			tasks, err := client.Tasks(ctx)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var queueType string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow finished compilations on the event queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			q, err := component.GetQueue(queueType)
			if err != nil {
				return err
			}
			if q == nil {
				return errors.New("no event queue configured")
			}
			defer q.Shutdown(context.Background())

			return q.Subscribe(ctx, queue.CompileFinished, printEvent)
		},
	}
	cmd.Flags().StringVar(&queueType, "queue", "jetstream", "event queue to follow (jetstream|kafka)")
	return cmd
}

func printEvent(_ context.Context, payload []byte) error {
	var ev model.CompileEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		logger.Log.Warn().Err(err).Msg("skipping malformed compile event")
		return nil
	}
	status := "ok"
	if ev.Error {
		status = "failed"
	}
	fmt.Printf("%s\t%s\thandle=%d\t%s\n", ev.FinishedAt.Format("15:04:05"), ev.Code, ev.Handle, status)
	return nil
}

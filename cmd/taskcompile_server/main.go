package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/component"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	compileservice "github.com/ssuji15/taskcompile/internal/service/compile_service"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/web"
	"github.com/ssuji15/taskcompile/internal/web/middleware"
)

func main() {
	ctx := context.Background()
	if err := config.LoadEnv(".env"); err != nil {
		log.Fatalf("env file error: %v", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.InitWithWriter(cfg.SERVICE_NAME, os.Stdout, logger.ParseLevel(cfg.LOG_LEVEL))

	shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
	if err != nil {
		log.Fatalf("error initialising trace: %v", err)
	}
	defer shutdownTracer(ctx)

	ccfg, err := config.GetCompileConfig()
	if err != nil {
		log.Fatalf("compile config error: %v", err)
	}
	lcfg, err := config.GetLimiterConfig()
	if err != nil {
		log.Fatalf("limiter config error: %v", err)
	}

	tasks, err := builder.NewRepository(ccfg.TASK_REPOSITORY, ccfg.AUTO_SYNC)
	if err != nil {
		log.Fatalf("task repository error: %v", err)
	}

	b, closeBuilder, err := component.GetBuilder(ccfg)
	if err != nil {
		log.Fatalf("builder initialization error: %v", err)
	}
	defer closeBuilder()

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	storage, err := component.GetStorage(ctx, cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}

	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	history, closeHistory, err := component.GetHistory(ctx, cfg.HISTORY_TYPE)
	if err != nil {
		log.Fatalf("history initialization error: %v", err)
	}
	defer closeHistory()

	svc := compileservice.NewCompileService(tasks, b, cache, storage, queue, history, compileservice.Config{
		MaxCompilations: ccfg.MAX_COMPILATIONS,
		BuildTimeout:    ccfg.BUILD_TIMEOUT,
	})
	limiter := middleware.NewLimiter(lcfg.QUEUE_SIZE, lcfg.MAX_INFLIGHT)
	server := web.NewServer(svc, limiter)

	srv := &http.Server{
		Addr:              cfg.LISTEN_ADDRESS,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.LISTEN_ADDRESS).Str("tasks", tasks.Path()).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		logger.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
	limiter.Close()
	svc.Shutdown(sctx)

	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sctx)
		}()
	}
	shutdown(cache.ShutDown)
	if storage != nil {
		shutdown(storage.ShutDown)
	}
	if queue != nil {
		shutdown(queue.Shutdown)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-sctx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}

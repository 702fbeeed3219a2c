package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/taskcompile/internal/builder"
	compileservice "github.com/ssuji15/taskcompile/internal/service/compile_service"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/util"
	webmw "github.com/ssuji15/taskcompile/internal/web/middleware"
	"github.com/ssuji15/taskcompile/model"
)

const requestTimeout = 5 * time.Second

// CompileService is what the handlers need from the compile service.
type CompileService interface {
	Compile(ctx context.Context, code string) (int64, error)
	Query(code string, handle int64) model.CompileStatus
	Artifact(ctx context.Context, code string) ([]byte, error)
	Tasks() ([]string, error)
	Runs(ctx context.Context, code string, limit int) ([]*model.CompileRun, error)
}

type Server struct {
	router  chi.Router
	compile CompileService
	limiter *webmw.Limiter
}

func NewServer(svc CompileService, limiter *webmw.Limiter) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		compile: svc,
		limiter: limiter,
	}

	s.routes()
	return s
}

// Router returns the instrumented handler for http.Server.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "taskcompile")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if s.limiter != nil {
		r.With(s.limiter.Limit).Post("/compile", s.handleCompile)
	} else {
		r.Post("/compile", s.handleCompile)
	}
	r.Get("/compile", s.handleQuery)
	r.Get("/download/*", s.handleDownload)
	r.Get("/pdf/*", s.handleDownload)
	r.Get("/list", s.handleList)
	r.Get("/runs", s.handleRuns)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	code := r.FormValue("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	handle, err := s.compile.Compile(ctx, code)
	switch {
	case errors.Is(err, builder.ErrNoSuchTask):
		http.Error(w, "No such task", http.StatusNotFound)
		return
	case errors.Is(err, compileservice.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Log.Error().Err(err).Str("code", code).Msg("failed to start compile")
		http.Error(w, "failed to start compile: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, model.StartResponse{Handle: handle})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	handle, err := strconv.ParseInt(r.URL.Query().Get("handle"), 10, 64)
	if err != nil {
		http.Error(w, "invalid handle", http.StatusBadRequest)
		return
	}

	writeJSON(w, s.compile.Query(code, handle))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	// chi matches on the raw path, so task/lang arrives as task%2Flang
	code, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, "invalid code", http.StatusBadRequest)
		return
	}
	data, err := s.compile.Artifact(ctx, code)
	switch {
	case errors.Is(err, compileservice.ErrNoArtifact):
		http.Error(w, "no statement available", http.StatusNotFound)
		return
	case err != nil:
		logger.Log.Error().Err(err).Str("code", code).Msg("failed to fetch statement")
		http.Error(w, "failed to fetch statement", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment;filename=%q", util.GetDownloadFilename(code)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.compile.Tasks()
	if err != nil {
		http.Error(w, "failed to list tasks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []string{}
	}
	writeJSON(w, tasks)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.compile.Runs(ctx, r.URL.Query().Get("code"), limit)
	switch {
	case errors.Is(err, compileservice.ErrHistoryDisabled):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*model.CompileRun{}
	}
	writeJSON(w, runs)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}

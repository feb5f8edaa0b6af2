package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/config"
	"github.com/JakeFAU/jobsearch-crawler/internal/dispatcher"
	idgen "github.com/JakeFAU/jobsearch-crawler/internal/id/uuid"
	"github.com/JakeFAU/jobsearch-crawler/internal/metrics"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

const (
	serviceName    = "jobsearch-crawler"
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// TaskService is the task lifecycle surface the handlers depend on.
type TaskService interface {
	Submit(ctx context.Context, spec search.Specification) (string, error)
	GetStatus(ctx context.Context, id string) (task.Task, error)
	GetResult(ctx context.Context, id string) (task.ResultSummary, error)
	OpenArtifact(ctx context.Context, id string) (io.ReadCloser, error)
	List(ctx context.Context) ([]task.Task, error)
	Stats(ctx context.Context) (task.Stats, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the task manager.
type Server struct {
	router chi.Router
	tasks  TaskService
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskService, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/", s.index)
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape", s.submit)
		r.Post("/scrape/presets/{name}", s.submitPreset)
		r.Get("/stats", s.stats)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Route("/{taskId}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/result", s.getResult)
				r.Get("/preview", s.getPreview)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"endpoints": map[string]string{
			"submit":  "POST /scrape",
			"preset":  "POST /scrape/presets/{name}",
			"status":  "GET /tasks/{taskId}",
			"result":  "GET /tasks/{taskId}/result",
			"preview": "GET /tasks/{taskId}/preview",
			"list":    "GET /tasks",
			"stats":   "GET /stats",
			"health":  "GET /health",
			"metrics": "GET /metrics",
		},
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"api": "healthy", "task_store": "healthy"}
	status, code := "healthy", http.StatusOK
	if err := s.tasks.Ping(ctx); err != nil {
		s.logger.Warn("task store ping failed", zap.Error(err))
		checks["task_store"] = "unhealthy"
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

type submitRequest struct {
	Keywords   []string `json:"keywords"`
	Pages      *int     `json:"pages"`
	AreaCodes  []string `json:"areaCodes"`
	RemoteMode string   `json:"remoteMode"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeProblems(w, []string{"request body must be a JSON object"})
		return
	}
	pages := s.defaultPages()
	if req.Pages != nil {
		pages = *req.Pages
	}
	spec, err := search.New(req.Keywords, pages, req.AreaCodes, search.RemoteMode(req.RemoteMode))
	if err != nil {
		s.writeSubmitError(w, "", err)
		return
	}
	s.enqueue(w, r, spec)
}

func (s *Server) submitPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	spec, err := s.cfg.Preset(name)
	if err != nil {
		if errors.Is(err, config.ErrUnknownPreset) {
			writeError(w, http.StatusNotFound, "preset not found")
			return
		}
		s.writeSubmitError(w, "", err)
		return
	}
	s.enqueue(w, r, spec)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, spec search.Specification) {
	id, err := s.tasks.Submit(r.Context(), spec)
	if err != nil {
		s.writeSubmitError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"taskId":         id,
		"status":         string(task.StatePending),
		"message":        "task created",
		"checkStatusUrl": "/tasks/" + id,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, id string, err error) {
	var verr *search.ValidationError
	switch {
	case errors.As(err, &verr):
		writeProblems(w, verr.Problems)
	case errors.Is(err, dispatcher.ErrQueueFull):
		s.logger.Warn("task queue full", zap.String("task_id", id))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"taskId": id,
			"error":  "task queue is full, retry later",
		})
	default:
		s.logger.Error("submit task failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

func (s *Server) defaultPages() int {
	if p := s.cfg.Search.Pages; p >= 1 && p <= search.MaxPagesPerKeyword {
		return p
	}
	return config.DefaultPages
}

// requestIDMiddleware keeps a caller supplied UUID and otherwise assigns a
// time ordered one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !idgen.Valid(reqID) {
			id, err := idgen.New().NewTimeOrderedID()
			if err != nil {
				http.Error(w, "generate request id", http.StatusInternalServerError)
				return
			}
			reqID = id
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeProblems(w http.ResponseWriter, problems []string) {
	writeJSON(w, http.StatusBadRequest, map[string][]string{"errors": problems})
}

// Package http exposes the tool catalogue, healing sessions and the tool-call audit
// trail as a JSON API built on chi and huma.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

const basePath = "/api/v1"

// Catalog is the dispatcher plus its descriptor listing.
type Catalog interface {
	tools.Dispatcher
	List() []tools.Descriptor
}

// AuditLog reads the tool-call audit trail. It is optional.
type AuditLog interface {
	ListToolCalls(ctx context.Context, f store.ToolCallFilter) ([]*store.ToolCall, error)
}

var _ AuditLog = (*store.Store)(nil)

type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	catalog Catalog
	audit   AuditLog
	srv     *http.Server
	logger  *slog.Logger
	build   BuildInfo
}

type apiErrorBody struct {
	Kind    core.Kind `json:"kind" example:"validation_error"`
	Message string    `json:"message" example:"argument number: required"`
}

// apiError is the error envelope {"error": {"kind", "message"}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, kind core.Kind, message string) huma.StatusError {
	if kind == "" {
		kind = kindForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Kind: kind, Message: message}}
}

func kindForStatus(status int) core.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.KindValidation
	case http.StatusNotFound:
		return core.KindNotFound
	case http.StatusConflict:
		return core.KindConflict
	case http.StatusForbidden:
		return core.KindForbidden
	case http.StatusServiceUnavailable:
		return core.KindCapacity
	}
	return core.KindInternal
}

// failure converts a failed tool result into the API error envelope.
func failure(res tools.Result) huma.StatusError {
	return newAPIError(core.StatusForKind(res.Kind()), res.Kind(), res.Message())
}

type requestKey struct{}

func NewServer(addr string, catalog Catalog, audit AuditLog, logger *slog.Logger, build BuildInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{catalog: catalog, audit: audit, logger: logger, build: build}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", joinErrors(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", joinErrors(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(withLogging(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey{}, r)))
		})
	})
	router.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, telemetry.RenderPrometheus())
	})

	hcfg := huma.DefaultConfig("OpenX API", build.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	s.registerHealth(api)
	v1 := huma.NewGroup(api, basePath)
	s.registerTools(v1)
	s.registerSessions(v1)
	s.registerToolCalls(v1)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func joinErrors(msg string, errs []error) string {
	if len(errs) == 0 {
		return msg
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.srv.Addr)
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "version",
		Method:      http.MethodGet,
		Path:        "/version",
		Summary:     "Build information",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BuildInfo `json:"body"`
	}, error) {
		return &struct {
			Body BuildInfo `json:"body"`
		}{Body: s.build}, nil
	})
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

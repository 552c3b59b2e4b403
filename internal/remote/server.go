package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the node behavior exposed over the wire.
type Service interface {
	Alive(ctx context.Context) bool
	PIDs(ctx context.Context) ([]int, error)
	Shutdown(ctx context.Context) error
	BecomeMaster(ctx context.Context) error
	ApplyConfig(ctx context.Context, patch ConfigPatch) error
	Dispatch(ctx context.Context) (Assignment, error)
	Info(ctx context.Context) Info
	Capacity(ctx context.Context) (int, error)
}

// Config holds worker server configuration.
type Config struct {
	// Address is host:port or a unix socket path.
	Address string
	Token   string
}

// Server serves a Service over HTTP.
type Server struct {
	config    Config
	token     string
	svc       Service
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a worker server.
func NewServer(config Config, svc Service, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		token:     config.Token,
		svc:       svc,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// IsSocket reports whether address names a unix socket rather than host:port.
func IsSocket(address string) bool {
	return strings.Contains(address, "/")
}

// Listen opens a listener for address. A stale socket file is removed first.
func Listen(address string) (net.Listener, error) {
	if IsSocket(address) {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", address, err)
		}
		return net.Listen("unix", address)
	}
	return net.Listen("tcp", address)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("worker server starting", "listen", s.config.Address, "token", Fingerprint(s.token))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("worker server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		if IsSocket(s.config.Address) {
			_ = os.Remove(s.config.Address)
		}
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/alive", s.handleAlive)
		r.Get("/v1/pids", s.handlePIDs)
		r.Post("/v1/shutdown", s.handleShutdown)
		r.Post("/v1/master", s.handleMaster)
		r.Patch("/v1/config", s.handleConfig)
		r.Post("/v1/dispatch", s.handleDispatch)
		r.Get("/v1/info", s.handleInfo)
		r.Get("/v1/capacity", s.handleCapacity)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, AliveResponse{Alive: s.svc.Alive(r.Context())})
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	pids, err := s.svc.PIDs(r.Context())
	if err != nil {
		s.logger.Error("failed to collect pids", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, PIDsResponse{PIDs: pids})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Shutdown(r.Context()); err != nil {
		s.logger.Error("shutdown failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.BecomeMaster(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.ApplyConfig(r.Context(), patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.svc.Dispatch(r.Context())
	if errors.Is(err, ErrNotDispatcher) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("dispatch failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Info(r.Context()))
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	slots, err := s.svc.Capacity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CapacityResponse{Slots: slots})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// Package server exposes the admin service and the manual trigger over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/model"
	"fcc_monitor/internal/oauth"
)

const (
	maxBodySize     = 64 * 1024
	shutdownTimeout = 10 * time.Second
)

// Server is the HTTP front end.
type Server struct {
	svc    *admin.Service
	token  string
	log    *slog.Logger
	router chi.Router
}

// New creates a Server. An empty token disables authentication.
func New(svc *admin.Service, token string, log *slog.Logger) *Server {
	s := &Server{svc: svc, token: token, log: log}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.With(s.requireToken).Post("/", s.handleRun)

	r.Route("/api", func(r chi.Router) {
		// The OAuth redirect comes from the operator's browser, so it cannot
		// carry the admin token. The single-use state protects it instead.
		r.Get("/x/callback", s.handleCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Get("/config", s.handleGetConfig)
			r.Post("/config", s.handleSaveConfig)
			r.Post("/config/reset", s.handleResetConfig)

			r.Post("/test", s.handlePreview)
			r.Post("/test-send", s.handleTestSend)

			r.Get("/queue", s.handleQueue)
			r.Delete("/queue", s.handleClearQueue)

			r.Get("/filters", s.handleFilters)
			r.Post("/filters", s.handleAddFilter)
			r.Delete("/filters/{id}", s.handleRemoveFilter)

			r.Post("/x/test", s.handleTestX)
			r.Get("/x/status", s.handleXStatus)
			r.Post("/x/credentials", s.handleCredentials)
			r.Get("/x/authorize", s.handleAuthorize)
			r.Delete("/x/posts/{id}", s.handleDeletePost)
		})
	})

	s.router = r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// A forced run may wait on paced posts.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = v
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fcc-monitor"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Run(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Config(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req admin.ConfigUpdate
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.svc.UpdateConfig(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.ResetConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

type templateRequest struct {
	Channel  string `json:"channel"`
	Template string `json:"template"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !s.decode(w, r, &req) {
		return
	}
	ch, err := admin.ParseChannel(req.Channel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.svc.Preview(r.Context(), ch, req.Template)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.TestSlack(r.Context(), req.Template)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleTestX(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.TestX(r.Context(), req.Template)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	switch {
	case res.RateLimited:
		status = http.StatusTooManyRequests
	case !res.Success:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleXStatus(w http.ResponseWriter, r *http.Request) {
	validate, _ := strconv.ParseBool(r.URL.Query().Get("validate"))
	st, err := s.svc.XStatus(r.Context(), validate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req oauth.Credentials
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SaveCredentials(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.AuthorizeURL(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("redirect") != "" {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "authorization denied: " + e})
		return
	}
	exp, err := s.svc.CompleteAuthorization(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expires_at": exp})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Queue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearQueue(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.Filters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req model.FilterRule
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.svc.AddFilter(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid filter id"})
		return
	}
	if err := s.svc.RemoveFilter(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Helpers ---

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		cfgErr      *errs.ConfigError
		authErr     *errs.AuthError
		upstreamErr *errs.UpstreamError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admin.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, admin.ErrNotFound):
		status = http.StatusNotFound
	case errs.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

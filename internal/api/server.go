// Package api provides the LNMT REST surface: a thin dispatcher over the
// scheduler, device tracker, health monitor, and auth engine. JSON bodies,
// Bearer token auth, {data, error?} response envelope, stable error codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lnmt-project/lnmt/internal/auth"
	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/scheduler"
	"github.com/lnmt-project/lnmt/internal/tracker"
)

// Server is the LNMT HTTP API server.
type Server struct {
	sched      *scheduler.Scheduler
	tracker    *tracker.Tracker
	healthRepo domain.HealthRepository
	auth       *auth.Engine

	metricsEnabled bool
}

// NewServer creates an API server over the four core subsystems.
func NewServer(sched *scheduler.Scheduler, tr *tracker.Tracker, healthRepo domain.HealthRepository, authEngine *auth.Engine) *Server {
	return &Server{sched: sched, tracker: tr, healthRepo: healthRepo, auth: authEngine}
}

// EnableMetrics enables the /api/v1/health/metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		if s.metricsEnabled {
			r.Handle("/health/metrics", promhttp.Handler())
		}

		// Everything below requires a valid Bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/refresh", s.handleRefresh)

			r.Get("/scheduler/jobs", s.handleListJobs)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Get("/scheduler/history", s.handleHistory)
			r.With(s.requireRole(domain.RoleOperator)).Post("/scheduler/jobs", s.handleCreateJob)
			r.With(s.requireRole(domain.RoleOperator)).Delete("/scheduler/jobs/{id}", s.handleDeleteJob)
			r.With(s.requireRole(domain.RoleOperator)).Post("/scheduler/jobs/{id}/run", s.handleRunJob)
			r.With(s.requireRole(domain.RoleOperator)).Post("/scheduler/jobs/{id}/enable", s.handleEnableJob)
			r.With(s.requireRole(domain.RoleOperator)).Post("/scheduler/jobs/{id}/disable", s.handleDisableJob)

			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/alerts", s.handleDeviceAlerts)
			r.Get("/devices/{mac}/history", s.handleDeviceHistory)
			r.With(s.requireRole(domain.RoleOperator)).Put("/devices/{mac}/reservation", s.handleSetReservation)
			r.With(s.requireRole(domain.RoleOperator)).Delete("/devices/{mac}/reservation", s.handleClearReservation)

			r.Get("/vlans/thresholds", s.handleListVlanThresholds)
			r.With(s.requireRole(domain.RoleOperator)).Put("/vlans/thresholds/{vlan}", s.handleSetVlanThreshold)

			r.Get("/health", s.handleHealth)
		})
	})

	return r
}

// ─── Response envelope ──────────────────────────────────────────────────────

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: v})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: msg}})
}

// writeDomainErr classifies a domain error into the stable code taxonomy.
// Sensitive internals never leak: unclassified errors surface as a bare
// 500 internal.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSchedule),
		errors.Is(err, domain.ErrMainModuleBound),
		errors.Is(err, domain.ErrUnregisteredTarget),
		errors.Is(err, domain.ErrInvalidThreshold),
		errors.Is(err, domain.ErrMalformedLease):
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionRevoked),
		errors.Is(err, domain.ErrUnknownSession):
		writeErr(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrUserDisabled):
		writeErr(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrUnknownJob),
		errors.Is(err, domain.ErrUnknownDevice),
		errors.Is(err, domain.ErrUnknownProbe),
		errors.Is(err, domain.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrCycleDetected),
		errors.Is(err, domain.ErrUnknownDependency),
		errors.Is(err, domain.ErrDependencyUnsatisfied),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrJobHasInFlightRun),
		errors.Is(err, domain.ErrUsernameTaken):
		writeErr(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrLockedOut):
		writeErr(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// ─── Auth middleware ────────────────────────────────────────────────────────

type ctxKey int

const (
	ctxUser ctxKey = iota
	ctxToken
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		u, err := s.auth.Validate(r.Context(), token)
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, u)
		ctx = context.WithValue(ctx, ctxToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, _ := r.Context().Value(ctxUser).(*domain.User)
			if err := s.auth.VerifyRole(u, role); err != nil {
				writeDomainErr(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestUser(r *http.Request) *domain.User {
	u, _ := r.Context().Value(ctxUser).(*domain.User)
	return u
}

func requestToken(r *http.Request) string {
	t, _ := r.Context().Value(ctxToken).(string)
	return t
}

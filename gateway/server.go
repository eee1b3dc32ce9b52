// Package gateway exposes the offer lifecycle over HTTP.
package gateway

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"midswap/escrow"
	"midswap/observability/metrics"
	"midswap/ratelimit"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Limits holds the per-route throttle rules.
type Limits struct {
	Create       ratelimit.Rule
	Accept       ratelimit.Rule
	Cancel       ratelimit.Rule
	RetryRelease ratelimit.Rule
	AdminRelease ratelimit.Rule
}

// DefaultLimits returns the production throttle rules.
func DefaultLimits() Limits {
	return Limits{
		Create:       ratelimit.Rule{Name: "create", Limit: 10, Window: time.Minute},
		Accept:       ratelimit.Rule{Name: "accept", Limit: 10, Window: time.Minute},
		Cancel:       ratelimit.Rule{Name: "cancel", Limit: 10, Window: time.Minute},
		RetryRelease: ratelimit.Rule{Name: "retry-release", Limit: 5, Window: time.Minute},
		AdminRelease: ratelimit.Rule{Name: "admin-release", Limit: 5, Window: time.Minute},
	}
}

// Server handles the swap API.
type Server struct {
	engine  *escrow.Engine
	limiter *ratelimit.Limiter
	limits  Limits

	adminSecret   string
	cleanupSecret string

	log *slog.Logger
}

// NewServer wires a Server. adminSecret guards the admin endpoints;
// cleanupSecret guards the reconciliation trigger.
func NewServer(engine *escrow.Engine, limiter *ratelimit.Limiter, limits Limits, adminSecret, cleanupSecret string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:        engine,
		limiter:       limiter,
		limits:        limits,
		adminSecret:   adminSecret,
		cleanupSecret: cleanupSecret,
		log:           log,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/swap", func(r chi.Router) {
		r.Post("/create", s.handleCreate)
		r.Post("/accept", s.handleAccept)
		r.Post("/cancel", s.handleCancel)
		r.Post("/retry-release", s.handleRetryRelease)
		r.Post("/admin-release", s.handleAdminRelease)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/offers", s.handleOffers)
		r.Get("/offer/{id}", s.handleOffer)
		r.Get("/admin-txlog", s.handleAdminTxLog)
		r.Get("/admin-health", s.handleAdminHealth)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"client", clientIP(r),
			"duration", time.Since(start).String())
	})
}

// decodeStrict parses the request body into dst, rejecting unknown fields
// and oversized payloads.
func decodeStrict(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFromError maps engine sentinels onto HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrSelfTrade),
		errors.Is(err, escrow.ErrEmptyOffer),
		errors.Is(err, escrow.ErrTooManyNFTs),
		errors.Is(err, escrow.ErrTooMuchSol),
		errors.Is(err, escrow.ErrTooManyPending),
		errors.Is(err, escrow.ErrBadMessage),
		errors.Is(err, escrow.ErrSignatureUsed),
		errors.Is(err, escrow.ErrTxAlreadyUsed),
		errors.Is(err, escrow.ErrTxNotFinalized),
		errors.Is(err, escrow.ErrTxRejected),
		errors.Is(err, escrow.ErrCollectionDenied),
		errors.Is(err, escrow.ErrNotPending),
		errors.Is(err, escrow.ErrNotEscrowed),
		errors.Is(err, escrow.ErrOfferExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, strings.TrimPrefix(err.Error(), "escrow: "))
}

// clientIP resolves the caller's address behind proxies.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// throttle enforces rule for the calling client; it reports false after
// writing the 429.
func (s *Server) throttle(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow(r.Context(), rule, clientIP(r)) {
		return true
	}
	metrics.RequestsThrottled.WithLabelValues(rule.Name).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
	return false
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	return s.secretMatches(r.Header.Get("X-Admin-Secret"), s.adminSecret)
}

// cleanupAuthorized accepts the cleanup secret either as a bearer token or
// in the request body, for schedulers that cannot set headers.
func (s *Server) cleanupAuthorized(r *http.Request, bodySecret string) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.secretMatches(token, s.cleanupSecret) || s.secretMatches(bodySecret, s.cleanupSecret)
}

func (s *Server) secretMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Package api exposes the pool engine over HTTP.
//
// Identity is supplied by an upstream proxy in the X-User-ID header; the
// handlers trust it and only decide what that actor may do.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/poolbet/internal/account"
	"github.com/atmx/poolbet/internal/audit"
	"github.com/atmx/poolbet/internal/metrics"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/stake"
)

const maxBodyBytes = 1 << 20

// Handler serves the REST API.
type Handler struct {
	accounts *account.Service
	stakes   *stake.Executor
	settler  *settlement.Settler
	auditor  *audit.Auditor
	logger   *slog.Logger
	now      func() time.Time
}

// Deps are the services the handlers call. Auditor may be nil, which
// disables the corrections endpoints.
type Deps struct {
	Accounts *account.Service
	Stakes   *stake.Executor
	Settler  *settlement.Settler
	Auditor  *audit.Auditor
	Logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accounts: d.Accounts,
		stakes:   d.Stakes,
		settler:  d.Settler,
		auditor:  d.Auditor,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	RequestTimeout time.Duration
	// Limiter, if set, rate-limits /api/v1 per actor.
	Limiter *RateLimiter
	// ServiceName appears in the health response.
	ServiceName string
}

// NewRouter builds the full HTTP surface: health, metrics and /api/v1.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "poolbet"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	health := fmt.Sprintf(`{"status":"ok","service":%q}`, opts.ServiceName)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(health))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withActor)
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}
		h.Routes(r)
	})
	return r
}

// Routes registers the API endpoints on r. Callers must install withActor
// first; NewRouter does.
func (h *Handler) Routes(r chi.Router) {
	// Users.
	r.With(requireActor).Post("/users", h.EnsureUser)
	r.Get("/users/{userID}", h.GetUser)
	r.Get("/users/{userID}/portfolio", h.GetPortfolio)

	// Markets.
	r.Get("/markets", h.ListMarkets)
	r.With(requireActor).Post("/markets", h.CreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", h.GetMarket)
		r.Get("/stakes", h.ListStakes)
		r.Get("/preview", h.Preview)

		r.Group(func(r chi.Router) {
			r.Use(requireActor)
			r.Post("/stakes", h.PlaceStake)
			r.Post("/close", h.CloseMarket)
			r.Post("/resolution", h.SubmitResolution)
			r.Post("/resolution/approve", h.ApproveResolution)
			r.Post("/resolution/reject", h.RejectResolution)
		})
	})

	// Moderation and reconciliation.
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireActor)
		r.Use(h.requireModerator)
		r.Get("/pending", h.ListPending)
		r.Get("/corrections", h.ComputeCorrections)
		r.Post("/corrections/apply", h.ApplyCorrections)
	})
}

// requireModerator rejects actors who may not moderate.
func (h *Handler) requireModerator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := h.settler.IsModerator(r.Context(), actorFrom(r.Context()))
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		if !ok {
			writeServiceError(w, r, h.logger, fmt.Errorf("%w: moderator role required", model.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", model.ErrValidation, err)
	}
	return nil
}

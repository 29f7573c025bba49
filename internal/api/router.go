// Package api assembles the HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/notes"
	"github.com/AlexKimmel/bucketgate/internal/obs"
)

const BasePath = "/api/v1"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Logger       zerolog.Logger
	Metrics      *obs.Metrics
	MetricsPath  string
	MaxBodyBytes int64
	Version      string

	Limiter  *gateway.RateLimiter
	Verifier *auth.Verifier
	Notes    notes.Repository

	// Cache is the rate limit store, reported by the health endpoint.
	Cache Pinger
}

func NewRouter(o Options) http.Handler {
	r := chi.NewRouter()
	r.Use(obs.Logger(o.Logger))
	r.Use(o.Metrics.Middleware(map[string]struct{}{o.MetricsPath: {}}))
	r.Use(gateway.BodyLimit(o.MaxBodyBytes))
	r.Use(o.Limiter.Global())

	r.Method(http.MethodGet, o.MetricsPath, o.Metrics.Handler())

	r.Route(BasePath, func(r chi.Router) {
		r.With(gateway.Exempt).Get("/health", health(o.Notes, o.Cache))
		r.With(gateway.Exempt).Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": o.Version})
		})

		r.Group(func(r chi.Router) {
			r.Use(o.Verifier.Middleware())
			notes.NewHandler(o.Notes).Mount(r, o.Limiter)
		})
	})
	return r
}

type Health struct {
	DatabaseStatus string `json:"database_status"`
	CacheStatus    string `json:"cache_status"`
}

func status(ok bool) string {
	if ok {
		return "online"
	}
	return "offline"
}

func health(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbErr := db.Ping(ctx)
		cacheErr := cache.Ping(ctx)
		h := Health{DatabaseStatus: status(dbErr == nil), CacheStatus: status(cacheErr == nil)}

		code := http.StatusOK
		if dbErr != nil || cacheErr != nil {
			code = http.StatusInternalServerError
			hlog.FromRequest(r).Warn().
				AnErr("database_err", dbErr).
				AnErr("cache_err", cacheErr).
				Str("database_status", h.DatabaseStatus).
				Str("cache_status", h.CacheStatus).
				Msg("system health")
		} else {
			hlog.FromRequest(r).Debug().
				Str("database_status", h.DatabaseStatus).
				Str("cache_status", h.CacheStatus).
				Msg("system health")
		}
		writeJSON(w, code, h)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

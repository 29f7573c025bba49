package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/gateway"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger installs a request-scoped logger and writes one access line per
// request. Each request gets a generated req_id, echoed as X-Request-ID; an
// inbound X-Request-ID is logged as client_req_id. Rate limited requests are
// logged at warn and server errors at error.
func Logger(logger zerolog.Logger) gateway.Middleware {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		l := hlog.FromRequest(r)
		e := l.Info()
		switch {
		case status >= http.StatusInternalServerError:
			e = l.Error()
		case status == http.StatusTooManyRequests:
			e = l.Warn()
		}
		e.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routeLabel(r)).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("request")
	})

	return func(next http.Handler) http.Handler {
		return gateway.Chain(next,
			hlog.NewHandler(logger),
			hlog.CustomHeaderHandler("client_req_id", "X-Request-ID"),
			hlog.RequestIDHandler("req_id", "X-Request-ID"),
			hlog.RemoteAddrHandler("remote"),
			hlog.UserAgentHandler("ua"),
			access,
		)
	}
}

// routeLabel is the matched chi route pattern, or "unmatched" for requests
// that never reached a route.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

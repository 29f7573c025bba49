package gateway

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// headerWriter adds the rate limit headers of the selected bucket right
// before the response status is written.
type headerWriter struct {
	http.ResponseWriter
	codec   *ratelimit.HeaderCodec
	state   *limitState
	req     *http.Request
	applied bool
}

func (w *headerWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true

	if w.state.skip || w.state.best == nil {
		return
	}
	h, err := w.codec.Headers(w.state.best)
	if err != nil {
		hlog.FromRequest(w.req).Warn().Err(err).Msg("rate limit headers")
		return
	}
	dst := w.Header()
	for k, v := range h {
		dst[k] = v
	}
}

func (w *headerWriter) WriteHeader(code int) {
	w.apply()
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

func (w *headerWriter) Flush() {
	w.apply()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *headerWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

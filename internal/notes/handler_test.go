package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
)

type stillClock struct{}

func (stillClock) Now() float64 { return 1_000_000 }

func newServer(t *testing.T) http.Handler {
	t.Helper()
	codec, err := ratelimit.NewHeaderCodec(bytes.Repeat([]byte{9}, 64), []byte("n"), ratelimit.HeaderNames{})
	require.NoError(t, err)
	ev := ratelimit.NewEvaluator(memory.New(), ratelimit.KeyResolver{}, codec, ratelimit.WithClock(stillClock{}))
	rl, err := gateway.NewRateLimiter(ev, gateway.RateLimitOptions{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(rl.Global())
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sub := r.Header.Get("Authorization"); sub != "" {
				r = r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{Subject: sub}))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewHandler(newRepo(t)).Mount(r, rl)
	return r
}

func call(h http.Handler, user, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const base = "/users/@me/notes"

func TestHandler_Lifecycle(t *testing.T) {
	h := newServer(t)

	rec := call(h, "alice", http.MethodPost, base, `{"title":"groceries","content":"milk"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var n Note
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "alice", n.OwnerID)
	item := fmt.Sprintf("%s/%d", base, n.ID)

	rec = call(h, "alice", http.MethodGet, item, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(h, "bob", http.MethodGet, item, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(h, "alice", http.MethodPatch, item, `{"content":"oat milk"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oat milk")

	rec = call(h, "alice", http.MethodPatch, item, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, "alice", http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Note
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = call(h, "alice", http.MethodDelete, item, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(h, "alice", http.MethodGet, item, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Validation(t *testing.T) {
	h := newServer(t)

	rec := call(h, "alice", http.MethodPost, base, `{"title":"","content":"`+strings.Repeat("x", maxContent+1)+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Invalid []invalidParam `json:"invalid_parameters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Invalid, 2)
	assert.Equal(t, "title", body.Invalid[0].Field)
	assert.Equal(t, "content", body.Invalid[1].Field)

	rec = call(h, "alice", http.MethodPost, base, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, "alice", http.MethodGet, base+"?before=5&after=3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, "alice", http.MethodGet, base+"?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, "", http.MethodGet, base, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(h, "alice", http.MethodGet, base+"/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_CreateLimits(t *testing.T) {
	h := newServer(t)
	names := ratelimit.DefaultHeaderNames()

	for i := range 10 {
		rec := call(h, "carol", http.MethodPost, base, `{"title":"t","content":"c"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "10", rec.Header().Get(names.Limit), "tighter of the two create policies")
		assert.Equal(t, fmt.Sprint(9-i), rec.Header().Get(names.Remaining))
	}

	rec := call(h, "carol", http.MethodPost, base, `{"title":"t","content":"c"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	assert.Equal(t, "user", rec.Header().Get(names.Scope))

	rec = call(h, "carol", http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, rec.Code, "list has its own bucket")
	assert.Equal(t, "60", rec.Header().Get(names.Limit))

	rec = call(h, "dave", http.MethodPost, base, `{"title":"t","content":"c"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLongWindowQuotasExemptAdmins(t *testing.T) {
	req := func(p *auth.Principal) *http.Request {
		r := httptest.NewRequest(http.MethodPost, base, nil)
		if p != nil {
			r = r.WithContext(auth.WithPrincipal(r.Context(), *p))
		}
		return r
	}
	admin := req(&auth.Principal{Subject: "root", Roles: []string{"user", auth.RoleAdmin}})
	user := req(&auth.Principal{Subject: "erin", Roles: []string{"user"}})

	for _, policies := range [][]ratelimit.Policy{createLimits, getLimits} {
		burst, window := policies[0], policies[1]
		assert.Nil(t, burst.IsExempt, "burst limits apply to everyone")
		require.NotNil(t, window.IsExempt)
		assert.True(t, window.IsExempt(admin))
		assert.False(t, window.IsExempt(user))
		assert.False(t, window.IsExempt(req(nil)))
	}

	assert.Equal(t, 1.0, listLimits[0].RefillRate)
	assert.Equal(t, 0.5, updateLimits[0].RefillRate)
}

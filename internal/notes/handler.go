package notes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/problem"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

const (
	maxTitle   = 100
	maxContent = 50000
	maxLimit   = 100
)

// Route limits. Refill rates are tokens per second. Admins skip the long
// window quotas but keep the burst limits.
var (
	createLimits = []ratelimit.Policy{
		ratelimit.NewPolicy(10, 1.0/10, ratelimit.WithPriority(0)),
		ratelimit.NewPolicy(100, 1.0/20, ratelimit.WithPriority(1), ratelimit.WithExemption(isAdmin)),
	}
	getLimits = []ratelimit.Policy{
		ratelimit.PerMinute(60, ratelimit.WithPriority(0)),
		ratelimit.NewPolicy(10000, 1.0/8, ratelimit.WithPriority(1), ratelimit.WithExemption(isAdmin)),
	}
	listLimits   = []ratelimit.Policy{ratelimit.PerMinute(60)}
	updateLimits = []ratelimit.Policy{ratelimit.PerMinute(30)}
	deleteLimits = []ratelimit.Policy{ratelimit.NewPolicy(10, 1.0/6, ratelimit.WithPriority(0))}
)

func isAdmin(r *http.Request) bool {
	p, ok := auth.PrincipalFrom(r.Context())
	return ok && p.HasRole(auth.RoleAdmin)
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// Mount registers the current user's note routes on r. Callers are
// expected to have authenticated the request.
func (h *Handler) Mount(r chi.Router, rl *gateway.RateLimiter) {
	r.Route("/users/@me/notes", func(r chi.Router) {
		r.With(rl.Route(createLimits...)).Post("/", h.create)
		r.With(rl.Route(listLimits...)).Get("/", h.list)
		r.With(rl.Route(getLimits...)).Get("/{noteID:[0-9]+}", h.get)
		r.With(rl.Route(updateLimits...)).Patch("/{noteID:[0-9]+}", h.update)
		r.With(rl.Route(deleteLimits...)).Delete("/{noteID:[0-9]+}", h.delete)
	})
}

type createRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Locked  bool   `json:"locked"`
}

type invalidParam struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func validate(title, content *string) []invalidParam {
	var bad []invalidParam
	if title != nil {
		if n := utf8.RuneCountInString(*title); n < 1 || n > maxTitle {
			bad = append(bad, invalidParam{"title", "title must be between 1 and 100 characters."})
		}
	}
	if content != nil {
		if n := utf8.RuneCountInString(*content); n < 1 || n > maxContent {
			bad = append(bad, invalidParam{"content", "content must be between 1 and 50000 characters."})
		}
	}
	return bad
}

func writeInvalid(w http.ResponseWriter, r *http.Request, bad []invalidParam) {
	problem.Write(w, r, problem.Details{
		Status:     http.StatusBadRequest,
		Detail:     "Validation failed for one or more fields.",
		Extensions: map[string]any{"invalid_parameters": bad},
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentOwner(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Error(w, r, http.StatusBadRequest, "Request body is not valid JSON.")
		return
	}
	if bad := validate(&req.Title, &req.Content); len(bad) > 0 {
		writeInvalid(w, r, bad)
		return
	}

	n, err := h.repo.Create(r.Context(), Note{OwnerID: owner, Title: req.Title, Content: req.Content, Locked: req.Locked})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentOwner(w, r)
	if !ok {
		return
	}
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	n, err := h.repo.Get(r.Context(), owner, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentOwner(w, r)
	if !ok {
		return
	}
	opts, bad := parseListOptions(r)
	if len(bad) > 0 {
		writeInvalid(w, r, bad)
		return
	}
	out, err := h.repo.List(r.Context(), owner, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseListOptions(r *http.Request) (ListOptions, []invalidParam) {
	q := r.URL.Query()
	opts := ListOptions{Limit: maxLimit}
	var bad []invalidParam

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			bad = append(bad, invalidParam{"limit", "limit must be between 1 and 100."})
		} else {
			opts.Limit = n
		}
	}
	for _, c := range []struct {
		name string
		dst  *int64
	}{{"before", &opts.Before}, {"after", &opts.After}} {
		if v := q.Get(c.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				bad = append(bad, invalidParam{c.name, c.name + " must be a note id."})
				continue
			}
			*c.dst = n
		}
	}
	if opts.Before != 0 && opts.After != 0 {
		bad = append(bad, invalidParam{"before", "only one of before and after may be provided."})
	}
	if v := q.Get("locked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			bad = append(bad, invalidParam{"locked", "locked must be a boolean."})
		} else {
			opts.Locked = &b
		}
	}
	return opts, bad
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentOwner(w, r)
	if !ok {
		return
	}
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var p Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		problem.Error(w, r, http.StatusBadRequest, "Request body is not valid JSON.")
		return
	}
	if bad := validate(p.Title, p.Content); len(bad) > 0 {
		writeInvalid(w, r, bad)
		return
	}

	n, err := h.repo.Update(r.Context(), owner, id, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentOwner(w, r)
	if !ok {
		return
	}
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), owner, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func currentOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		problem.Error(w, r, http.StatusUnauthorized, "Authentication required.")
		return "", false
	}
	return p.Subject, true
}

func noteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "noteID"), 10, 64)
	if err != nil {
		problem.Error(w, r, http.StatusNotFound, "Note does not exist.")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		problem.Error(w, r, http.StatusNotFound, "Note with id "+chi.URLParam(r, "noteID")+" does not exist.")
	case errors.Is(err, ErrNoFields):
		problem.Error(w, r, http.StatusBadRequest, "No fields to update.")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("notes")
		problem.InternalError(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

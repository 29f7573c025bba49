// Package problem writes RFC 9457 problem details responses.
package problem

import (
	"encoding/json"
	"maps"
	"net/http"
)

const MediaType = "application/problem+json"

// Details is a problem details object. Extensions are merged into the top
// level JSON object.
type Details struct {
	Type       string
	Title      string
	Status     int
	Detail     string
	Instance   string
	Extensions map[string]any
}

func (d Details) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extensions)+5)
	maps.Copy(out, d.Extensions)
	if d.Type != "" {
		out["type"] = d.Type
	}
	if d.Status != 0 {
		out["status"] = d.Status
	}
	title := d.Title
	if title == "" && d.Status != 0 {
		title = http.StatusText(d.Status)
	}
	if title != "" {
		out["title"] = title
	}
	if d.Detail != "" {
		out["detail"] = d.Detail
	}
	if d.Instance != "" {
		out["instance"] = d.Instance
	}
	return json.Marshal(out)
}

// Write sends a problem response for r. The instance defaults to the
// request URI.
func Write(w http.ResponseWriter, r *http.Request, d Details) {
	if d.Instance == "" && r != nil {
		d.Instance = r.URL.RequestURI()
	}
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}

// Error writes a bare problem with the given status and detail.
func Error(w http.ResponseWriter, r *http.Request, status int, detail string) {
	Write(w, r, Details{Status: status, Detail: detail})
}

// InternalError writes the generic 500 problem.
func InternalError(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusInternalServerError,
		"Something went wrong on our end. Please contact support if the issue persists.")
}

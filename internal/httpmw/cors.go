// Package httpmw holds the HTTP middleware shared by every route of the relay:
// a hot-reloadable CORS allow-list, panic recovery and request ids.
package httpmw

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
)

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
}, ", ")

var corsExposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"X-Correlation-ID",
}, ", ")

// Origins is a concurrency-safe origin allow-list that can be replaced at
// runtime. The zero value allows nothing.
type Origins struct {
	list atomic.Pointer[[]string]
}

// NewOrigins returns an allow-list holding origins.
func NewOrigins(origins []string) *Origins {
	o := &Origins{}
	o.Set(origins)
	return o
}

// Set replaces the allow-list. Entries are full origins such as
// "http://localhost:5173", or "*" to allow any origin.
func (o *Origins) Set(origins []string) {
	cleaned := make([]string, 0, len(origins))
	for _, v := range origins {
		if v = strings.TrimRight(strings.TrimSpace(v), "/"); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	o.list.Store(&cleaned)
}

// List returns a copy of the current allow-list.
func (o *Origins) List() []string {
	if p := o.list.Load(); p != nil {
		return slices.Clone(*p)
	}
	return nil
}

// Allowed reports whether origin is on the allow-list.
func (o *Origins) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	p := o.list.Load()
	if p == nil {
		return false
	}
	return slices.Contains(*p, "*") || slices.Contains(*p, origin)
}

// HostPatterns converts the allow-list into host patterns for
// websocket.AcceptOptions.OriginPatterns.
func (o *Origins) HostPatterns() []string {
	var out []string
	for _, v := range o.List() {
		if v == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// CORS attaches CORS headers for allow-listed origins and answers preflight
// requests. Requests from other origins are served without CORS headers, so
// browsers block them.
func CORS(origins *Origins, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		// Preflight: explicitly allow/deny so browser callers get deterministic behavior.
		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !origins.Allowed(origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if origins.Allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}

		next.ServeHTTP(w, r)
	})
}

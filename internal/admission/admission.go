// Package admission implements the handshake-time checks a connection must
// pass before it is handed a client id: origin allow-list and shared-token
// auth (spec.md §4.G steps 2-3).
package admission

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Reason is a stable, machine-readable rejection reason surfaced as a close
// code (spec.md §6, §7).
type Reason string

const (
	ReasonOverloaded       Reason = "overloaded"
	ReasonOriginNotAllowed Reason = "origin-not-allowed"
	ReasonAuthFailed       Reason = "auth-failed"
)

// Policy holds the admission configuration read once at startup.
type Policy struct {
	AllowedOrigins []string // empty means "no origin restriction"
	Secret         string   // empty means "no token required"
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from envVarName.
// An unset or empty variable means no restriction (nil), matching spec.md §6
// ("If a non-empty allow-list is configured...").
func GetAllowedOriginsFromEnv(envVarName string) []string {
	raw := os.Getenv(envVarName)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// CheckOrigin validates the request's declared Origin header against the
// allow-list. An empty allow-list means every origin is allowed.
func (p Policy) CheckOrigin(r *http.Request) bool {
	if len(p.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// CheckToken validates the `token` query parameter against the configured
// shared secret using a constant-time comparison. An empty secret means no
// token is required.
func (p Policy) CheckToken(r *http.Request) bool {
	if p.Secret == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(p.Secret)) == 1
}

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// KeySource defines where to extract a key from.
type KeySource struct {
	Type   string // header, query
	Name   string // header name or query param
	Scheme string // "Bearer", etc. (optional)
}

// DefaultSources accepts "Authorization: Bearer <key>" and "X-API-Key".
var DefaultSources = []KeySource{
	{Type: "header", Name: "Authorization", Scheme: "Bearer"},
	{Type: "header", Name: "X-API-Key"},
}

// DenyFunc writes the response for a rejected request. err wraps
// ErrUnauthorized.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware is HTTP middleware for admin key authentication.
type Middleware struct {
	store   KeyStore
	sources []KeySource
	deny    DenyFunc
	logger  *slog.Logger
}

// NewMiddleware creates the authentication middleware. A nil deny writes a
// plain 401.
func NewMiddleware(store KeyStore, sources []KeySource, deny DenyFunc, logger *slog.Logger) *Middleware {
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, sources: sources, deny: deny, logger: logger}
}

// Handle wraps next with key authentication.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.extractKey(r)
		if err == nil {
			var info *KeyInfo
			info, err = m.store.Validate(key)
			if err == nil {
				m.logger.DebugContext(r.Context(), "admin key authenticated",
					"operator", info.Operator,
					"path", r.URL.Path,
				)
				next.ServeHTTP(w, r.WithContext(WithKeyInfo(r.Context(), info)))
				return
			}
		}

		m.logger.WarnContext(r.Context(), "admin request rejected",
			"error", err,
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		m.deny(w, r, err)
	})
}

func (m *Middleware) extractKey(r *http.Request) (string, error) {
	for _, source := range m.sources {
		switch source.Type {
		case "header":
			value := r.Header.Get(source.Name)
			if value == "" {
				continue
			}
			if source.Scheme == "" {
				return value, nil
			}
			if key, ok := strings.CutPrefix(value, source.Scheme+" "); ok {
				return key, nil
			}

		case "query":
			if value := r.URL.Query().Get(source.Name); value != "" {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no API key found", ErrUnauthorized)
}

type contextKey string

// #nosec G101 - This is a context key constant, not a credential
const keyInfoKey contextKey = "admin_key_info"

// WithKeyInfo attaches info to ctx.
func WithKeyInfo(ctx context.Context, info *KeyInfo) context.Context {
	return context.WithValue(ctx, keyInfoKey, info)
}

// GetKeyInfo retrieves the authenticated key from ctx.
func GetKeyInfo(ctx context.Context) (*KeyInfo, bool) {
	info, ok := ctx.Value(keyInfoKey).(*KeyInfo)
	return info, ok
}

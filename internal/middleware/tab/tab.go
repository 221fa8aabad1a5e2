// Package tab binds every request to a browser tab identifier carried in a
// cookie, and provides utilities to retrieve it from the context.
package tab

import (
	"context"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/config"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

// IDKey is the context key used to store the tab identifier.
const IDKey contextKey = "tab-id"

// idLength is the encoded length of an identifier from pkce.Source.TabID.
const idLength = 32

var ErrNoTabID = errors.New("tab id not found in context")

// Middleware reads the tab identifier from the cookie described by tmpl.
// A missing or malformed cookie is replaced by a fresh identifier from newID.
func Middleware(tmpl config.CookieTemplate, newID func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := idFromRequest(r, tmpl.Name)
			if id == "" {
				id = newID()
				http.SetCookie(w, tmpl.ToCookie(id))
				slogctx.Debug(r.Context(), "Issued a new tab cookie")
			}

			ctx := context.WithValue(r.Context(), IDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the tab identifier stored by Middleware.
func FromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(IDKey).(string)
	if !ok || id == "" {
		return "", ErrNoTabID
	}
	return id, nil
}

func idFromRequest(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	if !valid(c.Value) {
		return ""
	}
	return c.Value
}

// valid accepts only unpadded base64url values of the expected length.
func valid(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := range len(id) {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

package access

import (
	"html/template"
	"net/http"
	"net/url"

	slogctx "github.com/veqryn/slog-context"
)

// RoleSource reports the roles of the user behind a request. ok is false
// when the request carries no authenticated session.
type RoleSource interface {
	RolesFor(r *http.Request) (roles []Role, ok bool)
}

// RouteOptions configures route-level enforcement.
type RouteOptions struct {
	// FallbackPath receives denied users with a 303. A blocking access
	// denied page is rendered when it is empty.
	FallbackPath string
}

type Gate struct {
	source    RoleSource
	loginPath string
}

func NewGate(source RoleSource, loginPath string) *Gate {
	return &Gate{
		source:    source,
		loginPath: loginPath,
	}
}

// Unrestricted marks a handler that intentionally has no role requirement.
func Unrestricted(next http.Handler) http.Handler {
	return next
}

// Conditional serves allowed when the user holds one of the required roles
// and fallback otherwise. It never redirects. A nil fallback renders nothing.
func (g *Gate) Conditional(required []Role, allowed, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roles, _ := g.source.RolesFor(r)
		if g.decide(r, roles, required) {
			allowed.ServeHTTP(w, r)
			return
		}
		if fallback != nil {
			fallback.ServeHTTP(w, r)
		}
	})
}

// Route serves next only to users holding one of the required roles.
// Unauthenticated users are sent to the login path. The decision is taken
// before next is invoked, so nothing of next reaches a denied user.
func (g *Gate) Route(required []Role, next http.Handler, opts RouteOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roles, ok := g.source.RolesFor(r)
		if !ok {
			http.Redirect(w, r, g.loginURL(r), http.StatusFound)
			return
		}

		if g.decide(r, roles, required) {
			next.ServeHTTP(w, r)
			return
		}

		if opts.FallbackPath != "" {
			http.Redirect(w, r, opts.FallbackPath, http.StatusSeeOther)
			return
		}

		renderDenied(w, g.loginPath)
	})
}

func (g *Gate) decide(r *http.Request, roles, required []Role) bool {
	allowed, err := IsAllowed(roles, required)
	if err != nil {
		slogctx.Error(r.Context(), "Access gate misconfigured", "path", r.URL.Path, "error", err)
		return false
	}
	if !allowed {
		slogctx.Info(r.Context(), "Access denied", "path", r.URL.Path, "required", required)
	}

	return allowed
}

func (g *Gate) loginURL(r *http.Request) string {
	q := url.Values{}
	q.Set("returnTo", r.URL.RequestURI())

	return g.loginPath + "?" + q.Encode()
}

var deniedPage = template.Must(template.New("denied").Parse(`<!DOCTYPE html>
<html><head><title>Access denied</title></head>
<body>
<h1>Access denied</h1>
<p>Your account does not have a role that grants access to this page.</p>
<p><a href="{{.}}?force=true">Sign in as a different user</a></p>
</body></html>
`))

func renderDenied(w http.ResponseWriter, loginPath string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = deniedPage.Execute(w, loginPath)
}

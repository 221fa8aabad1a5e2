package server

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/access"
	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/middleware/tab"
	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/session"
)

type api struct {
	manager   *session.Manager
	gate      *access.Gate
	loginPath string
	cookie    config.CookieTemplate
}

type sessionView struct {
	State         string       `json:"state"`
	Kind          session.Kind `json:"kind"`
	Server        string       `json:"server"`
	FHIRBaseURL   string       `json:"fhirBaseURL"`
	User          session.User `json:"user"`
	FHIRUser      string       `json:"fhirUser,omitempty"`
	Patient       string       `json:"patient,omitempty"`
	Encounter     string       `json:"encounter,omitempty"`
	GrantedScopes []string     `json:"grantedScopes"`
	ExpiresAt     time.Time    `json:"expiresAt"`
}

type errorView struct {
	Error string `json:"error"`
	State string `json:"state"`
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := session.LoginRequest{
		Scopes:      scopesFrom(q["scope"]),
		ForceReauth: q.Get("force") == "true",
		ReturnTo:    localPath(q.Get("returnTo")),
		Server:      q.Get("server"),
	}

	authURL, err := a.manager.Login(ctx, tabID, req)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *api) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	res, err := a.manager.HandleCallback(ctx, tabID, r.URL.Query())
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, localPath(res.ReturnTo), http.StatusFound)
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	logoutURL, err := a.manager.Logout(ctx, tabID)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	http.SetCookie(w, a.cookie.Expired())

	if logoutURL == "" {
		logoutURL = "/"
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (a *api) session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	s, err := a.manager.Session(ctx, tabID)
	if err != nil {
		slogctx.Error(ctx, "Could not load session", "error", err)
		writeJSON(w, serviceerr.HTTPStatus(err), errorView{Error: "session unavailable"})
		return
	}
	if s == nil {
		writeJSON(w, http.StatusUnauthorized, errorView{
			Error: serviceerr.ErrUnauthenticated.Error(),
			State: a.manager.State(ctx, tabID).String(),
		})
		return
	}

	writeJSON(w, http.StatusOK, sessionView{
		State:         session.Authenticated.String(),
		Kind:          s.Kind,
		Server:        s.ServerName,
		FHIRBaseURL:   s.FHIRBaseURL,
		User:          s.User,
		FHIRUser:      s.FHIRUser,
		Patient:       s.PatientContext,
		Encounter:     s.EncounterContext,
		GrantedScopes: s.GrantedScopes,
		ExpiresAt:     s.ExpiresAt,
	})
}

func (a *api) guest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	if _, err := a.manager.GuestLogin(ctx, tabID); err != nil {
		a.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, localPath(r.URL.Query().Get("returnTo")), http.StatusFound)
}

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>SMART session</title></head>
<body>
{{with .Session}}<p>Signed in as {{.User.FullName}}{{if eq .Kind "guest"}} (guest){{end}}.</p>
<p><a href="/logout">Sign out</a></p>
{{else}}<p><a href="{{.LoginPath}}">Sign in</a></p>
{{end}}`))

var adminLink = []byte(`<p><a href="/admin">Administration</a></p>
`)

// index renders the landing page. The administration link only reaches
// users the gate lets through.
func (a *api) index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID, ok := a.tabID(w, r)
	if !ok {
		return
	}

	s, err := a.manager.Session(ctx, tabID)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexPage.Execute(w, struct {
		Session   *session.Session
		LoginPath string
	}{Session: s, LoginPath: a.loginPath})

	a.gate.Conditional([]access.Role{access.RoleAdministrator},
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(adminLink) }),
		nil,
	).ServeHTTP(w, r)

	_, _ = w.Write([]byte("</body></html>\n"))
}

var adminPage = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html><head><title>Administration</title></head>
<body>
<h1>Administration</h1>
<p>Only administrators can see this page.</p>
</body></html>
`))

func (a *api) admin(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = adminPage.Execute(w, nil)
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><title>Sign-in failed</title></head>
<body>
<h1>Sign-in failed</h1>
<p>{{.Message}}</p>
<p><a href="{{.LoginPath}}">Start again</a></p>
</body></html>
`))

// renderError shows a page with a way back into the login flow. The log
// keeps the error, the page only a message meant for the user.
func (a *api) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Request failed", "error", err, "status", status)
	} else {
		slogctx.Warn(r.Context(), "Request rejected", "error", err, "status", status)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPage.Execute(w, struct {
		Message   string
		LoginPath string
	}{Message: userMessage(err), LoginPath: a.loginPath})
}

func userMessage(err error) string {
	var denied *serviceerr.AuthorizationDeniedError
	switch {
	case errors.As(err, &denied):
		return "The authorization server declined the request: " + denied.Error()
	case errors.Is(err, serviceerr.ErrSessionExpired):
		return "This sign-in attempt has expired or was already completed."
	case errors.Is(err, serviceerr.ErrCsrfMismatch), errors.Is(err, serviceerr.ErrMalformedCallback):
		return "This sign-in attempt could not be verified."
	case errors.Is(err, serviceerr.ErrTimeout):
		return "The authorization server did not respond in time."
	case errors.Is(err, serviceerr.ErrServerBlocked), errors.Is(err, serviceerr.ErrNotFound):
		return "The requested FHIR server is not available."
	case errors.Is(err, serviceerr.ErrGuestDisabled):
		return "Guest access is not enabled."
	default:
		return "Signing in did not succeed."
	}
}

func (a *api) tabID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := tab.FromContext(r.Context())
	if err != nil {
		slogctx.Error(r.Context(), "Request without tab id", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return "", false
	}
	return id, true
}

// scopesFrom accepts repeated scope parameters as well as space separated
// lists.
func scopesFrom(values []string) []string {
	var scopes []string
	for _, v := range values {
		for _, s := range strings.Fields(v) {
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

// localPath keeps redirects on this origin. Anything that is not an
// absolute path becomes "/".
func localPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	u, err := url.Parse(p)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/access"
	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/middleware/tab"
	"github.com/openkcm/smart-session/internal/pkce"
	"github.com/openkcm/smart-session/internal/session"
)

const defaultCallbackPath = "/callback"

// createHTTPServer creates the public http server using the given config
func createHTTPServer(ctx context.Context, cfg *config.Config, manager *session.Manager) (*http.Server, error) {
	if err := initMeters(ctx, cfg); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: newHandler(cfg, manager),
	}, nil
}

func newHandler(cfg *config.Config, manager *session.Manager) http.Handler {
	smCfg := &cfg.SessionManager
	loginPath := smCfg.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}

	a := &api{
		manager:   manager,
		loginPath: loginPath,
		cookie:    smCfg.TabCookieTemplate,
	}
	a.gate = access.NewGate(sessionRoles{manager: manager}, loginPath)

	traced := func(op string, h http.HandlerFunc) http.Handler {
		return newTraceMiddleware(cfg, op)(h)
	}

	adminOnly := []access.Role{access.RoleAdministrator}

	mux := http.NewServeMux()
	mux.Handle("GET "+loginPath, traced("login", a.login))
	mux.Handle("GET "+callbackPath(smCfg.CallbackURL), traced("callback", a.callback))
	mux.Handle("GET /logout", traced("logout", a.logout))
	mux.Handle("GET /session", traced("session", a.session))
	mux.Handle("GET /guest", traced("guest", a.guest))
	mux.Handle("GET /admin", newTraceMiddleware(cfg, "admin")(
		a.gate.Route(adminOnly, http.HandlerFunc(a.admin), access.RouteOptions{}),
	))
	mux.Handle("GET /{$}", traced("index", a.index))

	return tab.Middleware(smCfg.TabCookieTemplate, pkce.Source{}.TabID)(mux)
}

// callbackPath is the path component of the registered redirect URI.
func callbackPath(callbackURL string) string {
	u, err := url.Parse(callbackURL)
	if err != nil || u.Path == "" {
		return defaultCallbackPath
	}
	return u.Path
}

// StartHTTPServer starts the HTTP server using the given config.
func StartHTTPServer(ctx context.Context, cfg *config.Config, manager *session.Manager) error {
	server, err := createHTTPServer(ctx, cfg, manager)
	if err != nil {
		return err
	}

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address if provided in the format of network://address.
	// Otherwise use tcp network by default.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}

package session

import (
	"context"
	"fmt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/access"
	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/smart"
)

const guestUserID = "guest"

// GuestLogin starts a degraded session for the tab using the shared guest
// credentials. Guest sessions hold no roles and are never refreshed.
func (m *Manager) GuestLogin(ctx context.Context, tabID string) (*Session, error) {
	if !m.guest.enabled {
		return nil, serviceerr.ErrGuestDisabled
	}

	server, err := m.servers.Resolve(ctx, m.guest.server)
	if err != nil {
		return nil, fmt.Errorf("resolving guest server: %w", err)
	}

	ctx = slogctx.With(ctx, "server", server.Name, "kind", KindGuest)

	conf, err := m.discoverer.Discover(ctx, server.FHIRBaseURL)
	if err != nil {
		return nil, fmt.Errorf("discovering authorization server: %w", err)
	}

	scopes := firstNonEmpty(m.guest.scopes, server.DefaultScopes, m.defaultScopes)

	tokens, err := m.tokens.Password(ctx, smart.PasswordGrant{
		TokenEndpoint: conf.TokenEndpoint,
		ClientID:      server.ClientID,
		Username:      m.guest.username,
		Password:      m.guest.password,
		Scopes:        scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("obtaining guest token: %w", err)
	}

	s := m.newSession(KindGuest, tokens, scopes, server.ClientID)
	s.RefreshToken = ""
	s.FHIRBaseURL = server.FHIRBaseURL
	s.ServerName = server.Name
	s.TokenEndpoint = conf.TokenEndpoint
	s.EndSessionEndpoint = conf.EndSessionEndpoint
	s.User = User{
		ID:       guestUserID,
		FullName: "Guest",
		Roles:    []access.Role{},
	}

	from := m.State(ctx, tabID)
	if err := m.sessions.StoreSession(ctx, tabID, s); err != nil {
		return nil, err
	}

	slogctx.Info(ctx, "Guest session established", "session", s)
	m.notify(StateChange{TabID: tabID, From: from, To: Authenticated})

	return &s, nil
}

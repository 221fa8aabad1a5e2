package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

const (
	// leaseGrace keeps a refresh lease alive a little past the token
	// request timeout.
	leaseGrace = 5 * time.Second

	leasePollInterval = 50 * time.Millisecond
)

// refresh renews the tab's access token. Concurrent callers for one tab
// share a single token request, since refresh tokens may be single use.
// The shared request outlives a caller that gives up waiting.
func (m *Manager) refresh(ctx context.Context, tabID string) (Session, error) {
	ch := m.refreshGroup.DoChan(tabID, func() (any, error) {
		return m.refreshOnce(context.WithoutCancel(ctx), tabID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// refreshOnce writes its result back only over the record it started from.
// A logout or a new login that lands while the token request is in flight
// wins, and the refreshed tokens are dropped.
func (m *Manager) refreshOnce(ctx context.Context, tabID string) (Session, error) {
	s, err := m.sessions.LoadSession(ctx, tabID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Session{}, serviceerr.ErrUnauthenticated
		}
		return Session{}, err
	}

	// a previous flight may have refreshed it already
	if !s.dueForRefresh(m.now(), m.refreshSkew) {
		return s, nil
	}

	ctx = slogctx.With(ctx, "server", s.ServerName, "kind", s.Kind)

	if s.Kind == KindGuest {
		m.metrics.refreshDone(ctx, "guest_expired")
		return m.demote(ctx, tabID, s, serviceerr.ErrSessionExpired)
	}
	if s.RefreshToken == "" {
		m.metrics.refreshDone(ctx, "no_refresh_token")
		return m.demote(ctx, tabID, s, fmt.Errorf("%w: no refresh token", serviceerr.ErrRefresh))
	}

	owner := uuid.NewString()
	acquired, err := m.sessions.AcquireRefreshLease(ctx, tabID, owner, m.refreshLease)
	if err != nil {
		return Session{}, err
	}
	if !acquired {
		m.metrics.refreshDone(ctx, "awaited")
		return m.awaitRefresh(ctx, tabID, s)
	}
	defer func() {
		if err := m.sessions.ReleaseRefreshLease(ctx, tabID, owner); err != nil {
			slogctx.Warn(ctx, "Could not release refresh lease", "error", err)
		}
	}()

	tokens, err := m.tokens.Refresh(ctx, s.TokenEndpoint, s.ClientID, s.RefreshToken)
	if err != nil {
		m.metrics.refreshDone(ctx, "failed")
		return m.demote(ctx, tabID, s, err)
	}

	next := m.newSession(s.Kind, tokens, s.GrantedScopes, s.ClientID)
	next.FHIRBaseURL = s.FHIRBaseURL
	next.ServerName = s.ServerName
	next.TokenEndpoint = s.TokenEndpoint
	next.EndSessionEndpoint = s.EndSessionEndpoint
	if next.RefreshToken == "" {
		next.RefreshToken = s.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = s.IDToken
		next.User = s.User
		next.FHIRUser = s.FHIRUser
	}
	if next.PatientContext == "" {
		next.PatientContext = s.PatientContext
	}
	if next.EncounterContext == "" {
		next.EncounterContext = s.EncounterContext
	}

	replaced, err := m.sessions.ReplaceSession(ctx, tabID, s, next)
	if err != nil {
		m.metrics.refreshDone(ctx, "store_failed")
		return m.demote(ctx, tabID, s, err)
	}
	if !replaced {
		m.metrics.refreshDone(ctx, "superseded")
		slogctx.Info(ctx, "Session changed during refresh, dropping the refreshed tokens")
		return m.storedSession(ctx, tabID)
	}

	m.metrics.refreshDone(ctx, "success")
	slogctx.Info(ctx, "Refreshed session", "session", next)
	m.notify(StateChange{TabID: tabID, From: Authenticated, To: Authenticated})

	return next, nil
}

// awaitRefresh waits for the process holding the lease to store its result.
func (m *Manager) awaitRefresh(ctx context.Context, tabID string, s Session) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.refreshLease)
	defer cancel()

	ticker := time.NewTicker(leasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Session{}, fmt.Errorf("%w: waiting for a concurrent refresh", serviceerr.ErrTimeout)
		case <-ticker.C:
		}

		current, err := m.sessions.LoadSession(ctx, tabID)
		switch {
		case errors.Is(err, serviceerr.ErrNotFound):
			return Session{}, serviceerr.ErrUnauthenticated
		case err != nil:
			return Session{}, err
		case current.Revision != s.Revision:
			return current, nil
		}
	}
}

// storedSession returns whatever replaced the record a refresh started from.
func (m *Manager) storedSession(ctx context.Context, tabID string) (Session, error) {
	s, err := m.sessions.LoadSession(ctx, tabID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Session{}, serviceerr.ErrUnauthenticated
		}
		return Session{}, err
	}

	return s, nil
}

// demote drops the session s of the tab and tells subscribers why. A record
// that was replaced in the meantime is kept and returned instead.
func (m *Manager) demote(ctx context.Context, tabID string, s Session, cause error) (Session, error) {
	deleted, err := m.sessions.DeleteSessionIf(ctx, tabID, s)
	switch {
	case err != nil:
		slogctx.Error(ctx, "Could not delete demoted session", "error", err)
	case !deleted:
		return m.storedSession(ctx, tabID)
	}

	slogctx.Info(ctx, "Session demoted to unauthenticated", "cause", cause)
	m.notify(StateChange{TabID: tabID, From: Authenticated, To: Unauthenticated, Cause: cause})

	return Session{}, serviceerr.ErrUnauthenticated
}

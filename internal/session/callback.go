package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/smart"
)

// CallbackResult is a completed login.
type CallbackResult struct {
	Session  *Session
	ReturnTo string
}

// HandleCallback completes the login started by Login. Each step is a hard
// gate: no token request is made before the state matched, and nothing is
// stored before the exchange succeeded.
func (m *Manager) HandleCallback(ctx context.Context, tabID string, query url.Values) (CallbackResult, error) {
	res, err := m.handleCallback(ctx, tabID, query)
	m.metrics.callbackDone(ctx, err)

	return res, err
}

func (m *Manager) handleCallback(ctx context.Context, tabID string, query url.Values) (CallbackResult, error) {
	code := query.Get("code")
	state := query.Get("state")

	if errCode := query.Get("error"); errCode != "" {
		err := &serviceerr.AuthorizationDeniedError{
			Code:        errCode,
			Description: query.Get("error_description"),
		}
		slogctx.Info(ctx, "Authorization server declined the request", "error_code", errCode)
		return CallbackResult{}, err
	}

	if code == "" || state == "" {
		return CallbackResult{}, fmt.Errorf("%w: code and state are required", serviceerr.ErrMalformedCallback)
	}

	pending, err := m.sessions.LoadPending(ctx, tabID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return CallbackResult{}, serviceerr.ErrSessionExpired
		}
		return CallbackResult{}, err
	}
	if !m.now().Before(pending.Expiry) {
		return CallbackResult{}, serviceerr.ErrSessionExpired
	}

	ctx = slogctx.With(ctx, "server", pending.ServerName)

	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		slogctx.Warn(ctx, "Callback state does not match the pending authorization",
			"security_event", "csrf_mismatch")
		return CallbackResult{}, serviceerr.ErrCsrfMismatch
	}

	tokens, err := m.tokens.ExchangeCode(ctx, smart.CodeExchange{
		TokenEndpoint: pending.TokenEndpoint,
		Code:          code,
		RedirectURI:   pending.RedirectURI,
		ClientID:      pending.ClientID,
		CodeVerifier:  pending.Verifier,
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("exchanging code for tokens: %w", err)
	}

	slogctx.Info(ctx, "Exchanged the auth code for tokens", "tokens", tokens)

	// An abandoned request must not leave a session behind.
	if err := ctx.Err(); err != nil {
		return CallbackResult{}, err
	}

	s := m.newSession(KindSMART, tokens, pending.RequestedScopes, pending.ClientID)
	s.FHIRBaseURL = pending.FHIRBaseURL
	s.ServerName = pending.ServerName
	s.TokenEndpoint = pending.TokenEndpoint
	s.EndSessionEndpoint = pending.EndSessionEndpoint

	if err := m.sessions.StoreSession(ctx, tabID, s); err != nil {
		return CallbackResult{}, err
	}
	if err := m.sessions.DeletePending(ctx, tabID); err != nil {
		slogctx.Warn(ctx, "Could not delete the consumed pending authorization", "error", err)
	}

	slogctx.Info(ctx, "Session established", "session", s)
	m.notify(StateChange{TabID: tabID, From: PendingCallback, To: Authenticated})

	return CallbackResult{Session: &s, ReturnTo: pending.ReturnTo}, nil
}

func (m *Manager) newSession(kind Kind, tokens smart.TokenResponse, requested []string, clientID string) Session {
	issuedAt := m.now()
	user, fhirUser := userFromTokens(tokens.IDToken, tokens.AccessToken, clientID, m.jwsSigAlgs)
	if fhirUser == "" {
		fhirUser = tokens.FHIRUser
	}

	return Session{
		Revision:         uuid.NewString(),
		Kind:             kind,
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		IDToken:          tokens.IDToken,
		IssuedAt:         issuedAt,
		ExpiresAt:        issuedAt.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		GrantedScopes:    grantedScopes(tokens.Scope, requested),
		PatientContext:   tokens.Patient,
		EncounterContext: tokens.Encounter,
		FHIRUser:         fhirUser,
		User:             user,
		ClientID:         clientID,
	}
}

// grantedScopes returns the scopes the server granted out of the requested
// ones. An absent scope parameter means everything requested was granted.
func grantedScopes(scope string, requested []string) []string {
	if strings.TrimSpace(scope) == "" {
		return slices.Clone(requested)
	}

	granted := make([]string, 0, len(requested))
	for _, s := range strings.Fields(scope) {
		if slices.Contains(requested, s) && !slices.Contains(granted, s) {
			granted = append(granted, s)
		}
	}

	return granted
}

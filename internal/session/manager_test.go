package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/smart-session/internal/access"
	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/pkce"
	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/registry/registrymock"
	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/session"
	"github.com/openkcm/smart-session/internal/session/sessionmock"
	"github.com/openkcm/smart-session/internal/smart"
)

func TestNewManager(t *testing.T) {
	servers := registry.NewService(registrymock.NewInMemRepository(), "")

	t.Run("Invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequestTimeout = time.Second

		_, err := session.NewManager(cfg, servers, sessionmock.NewInMemRepository(), http.DefaultClient)
		assert.Error(t, err)
	})

	t.Run("Guest credentials that cannot be loaded", func(t *testing.T) {
		cfg := testConfig()
		cfg.Guest = config.Guest{
			Enabled:  true,
			Username: commoncfg.SourceRef{Source: "embedded", Value: "guest"},
			Password: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}},
		}

		_, err := session.NewManager(cfg, servers, sessionmock.NewInMemRepository(), http.DefaultClient)
		assert.Error(t, err)
	})
}

func TestManager_Login(t *testing.T) {
	e := newTestEnv(t)

	authURL, err := e.manager.Login(t.Context(), testTab, session.LoginRequest{
		Scopes:      []string{"openid", "patient/*.read"},
		ForceReauth: true,
		ReturnTo:    "/charts",
	})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()

	pending, ok := e.repo.TPending(testTab)
	require.True(t, ok, "pending authorization must be stored before redirect")

	assert.Equal(t, e.idp.URL+"/auth", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, callbackURL, q.Get("redirect_uri"))
	assert.Equal(t, "openid patient/*.read", q.Get("scope"))
	assert.Equal(t, pending.State, q.Get("state"))
	assert.Equal(t, pkce.DeriveChallenge(pending.Verifier), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "login", q.Get("prompt"))
	assert.Equal(t, e.idp.URL+"/fhir", q.Get("aud"))
	assert.NotContains(t, authURL, pending.Verifier)

	assert.Equal(t, e.idp.URL+"/token", pending.TokenEndpoint)
	assert.Equal(t, []string{"openid", "patient/*.read"}, pending.RequestedScopes)
	assert.Equal(t, "/charts", pending.ReturnTo)
	assert.Equal(t, t0.Add(10*time.Minute), pending.Expiry)

	assert.Equal(t, session.PendingCallback, e.manager.State(t.Context(), testTab))
}

func TestManager_LoginErrors(t *testing.T) {
	tests := []struct {
		name      string
		req       session.LoginRequest
		modify    func(*config.SessionManager)
		wantErrIs error
	}{
		{
			name:      "Unknown server",
			req:       session.LoginRequest{Server: "unknown"},
			wantErrIs: serviceerr.ErrNotFound,
		},
		{
			name:      "Blocked server",
			req:       session.LoginRequest{Server: "blocked"},
			wantErrIs: serviceerr.ErrServerBlocked,
		},
		{
			name:      "No scopes at all",
			modify:    func(c *config.SessionManager) { c.DefaultScopes = nil },
			wantErrIs: serviceerr.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var modify []func(*config.SessionManager)
			if tt.modify != nil {
				modify = append(modify, tt.modify)
			}
			e := newTestEnv(t, modify...)

			_, err := e.manager.Login(t.Context(), testTab, tt.req)
			assert.ErrorIs(t, err, tt.wantErrIs)

			_, ok := e.repo.TPending(testTab)
			assert.False(t, ok)
		})
	}
}

func TestManager_LoginDiscoveryFailure(t *testing.T) {
	e := newTestEnv(t)
	e.idp.Close()

	_, err := e.manager.Login(t.Context(), testTab, session.LoginRequest{})
	assert.ErrorIs(t, err, serviceerr.ErrDiscovery)
}

func TestManager_HandleCallback(t *testing.T) {
	tests := []struct {
		name       string
		query      func(state string) url.Values
		before     func(e *testEnv)
		wantErrIs  error
		wantKeep   bool
		wantNoCall bool
	}{
		{
			name: "Authorization denied",
			query: func(string) url.Values {
				return url.Values{"error": {"access_denied"}, "error_description": {"User declined"}}
			},
			wantErrIs:  serviceerr.ErrAuthorizationDenied,
			wantKeep:   true,
			wantNoCall: true,
		},
		{
			name:       "Missing code",
			query:      func(state string) url.Values { return url.Values{"state": {state}} },
			wantErrIs:  serviceerr.ErrMalformedCallback,
			wantKeep:   true,
			wantNoCall: true,
		},
		{
			name:       "Missing state",
			query:      func(string) url.Values { return url.Values{"code": {"code-1"}} },
			wantErrIs:  serviceerr.ErrMalformedCallback,
			wantKeep:   true,
			wantNoCall: true,
		},
		{
			name:       "State mismatch",
			query:      func(string) url.Values { return url.Values{"code": {"code-1"}, "state": {"forged"}} },
			wantErrIs:  serviceerr.ErrCsrfMismatch,
			wantKeep:   true,
			wantNoCall: true,
		},
		{
			name:       "Pending authorization expired",
			query:      func(state string) url.Values { return url.Values{"code": {"code-1"}, "state": {state}} },
			before:     func(e *testEnv) { e.clock.Set(t0.Add(10 * time.Minute)) },
			wantErrIs:  serviceerr.ErrSessionExpired,
			wantKeep:   true,
			wantNoCall: true,
		},
		{
			name:       "No pending authorization",
			query:      func(state string) url.Values { return url.Values{"code": {"code-1"}, "state": {state}} },
			before:     func(e *testEnv) { _ = e.repo.DeletePending(context.Background(), testTab) },
			wantErrIs:  serviceerr.ErrSessionExpired,
			wantNoCall: true,
		},
		{
			name:      "Token endpoint rejects the code",
			query:     func(state string) url.Values { return url.Values{"code": {"code-1"}, "state": {state}} },
			before:    func(e *testEnv) { e.idp.fail("authorization_code", http.StatusBadRequest) },
			wantErrIs: serviceerr.ErrTokenExchange,
			wantKeep:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			state := e.login(t, testTab, session.LoginRequest{})
			if tt.before != nil {
				tt.before(e)
			}

			res, err := e.manager.HandleCallback(t.Context(), testTab, tt.query(state))
			assert.ErrorIs(t, err, tt.wantErrIs)
			assert.Nil(t, res.Session)

			_, stored := e.repo.TSession(testTab)
			assert.False(t, stored, "no session may be stored on failure")

			_, kept := e.repo.TPending(testTab)
			assert.Equal(t, tt.wantKeep, kept)

			if tt.wantNoCall {
				assert.Zero(t, e.idp.exchangeCalls.Load(), "token endpoint must not be called")
			}
		})
	}
}

func TestManager_HandleCallbackDeniedCarriesDetails(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, testTab, session.LoginRequest{})

	_, err := e.manager.HandleCallback(t.Context(), testTab, url.Values{
		"error":             {"access_denied"},
		"error_description": {"User declined"},
	})

	var denied *serviceerr.AuthorizationDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "access_denied", denied.Code)
	assert.Equal(t, "User declined", denied.Description)
}

func TestManager_HandleCallbackSuccess(t *testing.T) {
	e := newTestEnv(t)
	rec := &recorder{}
	defer e.manager.Subscribe(rec.record)()

	state := e.login(t, testTab, session.LoginRequest{ReturnTo: "/charts"})
	pending, ok := e.repo.TPending(testTab)
	require.True(t, ok)

	res, err := e.manager.HandleCallback(t.Context(), testTab, url.Values{"code": {"code-1"}, "state": {state}})
	require.NoError(t, err)
	assert.Equal(t, "/charts", res.ReturnTo)

	form := e.idp.lastForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, callbackURL, form.Get("redirect_uri"))
	assert.Equal(t, testClientID, form.Get("client_id"))
	assert.Equal(t, pending.Verifier, form.Get("code_verifier"))
	assert.NotContains(t, form.Encode(), pkce.DeriveChallenge(pending.Verifier))

	s := res.Session
	assert.Equal(t, session.KindSMART, s.Kind)
	assert.Equal(t, "access-1", s.AccessToken)
	assert.Equal(t, "refresh-1", s.RefreshToken)
	assert.Equal(t, t0, s.IssuedAt)
	assert.Equal(t, t0.Add(300*time.Second), s.ExpiresAt)
	assert.Equal(t, e.idp.URL+"/fhir", s.FHIRBaseURL)
	assert.Equal(t, "patient-7", s.PatientContext)
	assert.Equal(t, "Practitioner/42", s.FHIRUser)
	assert.Equal(t, session.User{
		ID:        "user-1",
		Email:     "jane@example.com",
		FirstName: "Jane",
		LastName:  "Doe",
		FullName:  "Jane Doe",
		Roles:     []access.Role{access.RoleAdministrator},
	}, s.User)

	stored, ok := e.repo.TSession(testTab)
	require.True(t, ok)
	assert.Equal(t, *s, stored)

	_, ok = e.repo.TPending(testTab)
	assert.False(t, ok, "pending authorization is single use")

	assert.Equal(t, session.Authenticated, e.manager.State(t.Context(), testTab))
	assert.Equal(t, []session.StateChange{
		{TabID: testTab, From: session.Unauthenticated, To: session.PendingCallback},
		{TabID: testTab, From: session.PendingCallback, To: session.Authenticated},
	}, rec.all())
}

func TestManager_HandleCallbackReplay(t *testing.T) {
	e := newTestEnv(t)
	state := e.login(t, testTab, session.LoginRequest{})
	query := url.Values{"code": {"code-1"}, "state": {state}}

	_, err := e.manager.HandleCallback(t.Context(), testTab, query)
	require.NoError(t, err)

	_, err = e.manager.HandleCallback(t.Context(), testTab, query)
	assert.ErrorIs(t, err, serviceerr.ErrSessionExpired)
	assert.Equal(t, int32(1), e.idp.exchangeCalls.Load())
}

func TestManager_HandleCallbackAbandoned(t *testing.T) {
	e := newTestEnv(t)
	state := e.login(t, testTab, session.LoginRequest{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := e.manager.HandleCallback(ctx, testTab, url.Values{"code": {"code-1"}, "state": {state}})
	assert.Error(t, err)

	_, stored := e.repo.TSession(testTab)
	assert.False(t, stored)
	_, kept := e.repo.TPending(testTab)
	assert.True(t, kept, "an abandoned callback leaves the attempt recoverable")
}

func TestManager_GrantedScopes(t *testing.T) {
	requested := []string{"openid", "fhirUser", "patient/*.read"}

	tests := []struct {
		name  string
		scope string
		want  []string
	}{
		{
			name:  "No scope parameter means all requested",
			scope: "",
			want:  requested,
		},
		{
			name:  "Narrowed by the server",
			scope: "openid patient/*.read",
			want:  []string{"openid", "patient/*.read"},
		},
		{
			name:  "Unrequested scopes are ignored",
			scope: "openid user/*.*",
			want:  []string{"openid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.idp.respond("authorization_code", smart.TokenResponse{
				AccessToken: "access-1",
				ExpiresIn:   300,
				Scope:       tt.scope,
			})

			s := e.authenticate(t, testTab)

			assert.Equal(t, tt.want, s.GrantedScopes)
			assert.Subset(t, requested, s.GrantedScopes)
		})
	}
}

func TestManager_AccessTokenExpiryBoundary(t *testing.T) {
	e := newTestEnv(t)
	s := e.authenticate(t, testTab)

	e.clock.Set(s.ExpiresAt.Add(-30*time.Second - time.Second))
	token, err := e.manager.AccessToken(t.Context(), testTab)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Zero(t, e.idp.refreshCalls.Load())

	e.clock.Set(s.ExpiresAt.Add(-30 * time.Second))
	token, err = e.manager.AccessToken(t.Context(), testTab)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, int32(1), e.idp.refreshCalls.Load())

	form := e.idp.lastForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-1", form.Get("refresh_token"))
	assert.Equal(t, testClientID, form.Get("client_id"))

	stored, ok := e.repo.TSession(testTab)
	require.True(t, ok)
	assert.Equal(t, "refresh-2", stored.RefreshToken)
	assert.Equal(t, s.ExpiresAt.Add(-30*time.Second).Add(300*time.Second), stored.ExpiresAt)
	assert.Equal(t, s.User, stored.User, "user survives a refresh without id token")
	assert.Equal(t, s.PatientContext, stored.PatientContext)
}

func TestManager_ConcurrentRefreshIsCoalesced(t *testing.T) {
	e := newTestEnv(t)
	s := e.authenticate(t, testTab)
	e.idp.mu.Lock()
	e.idp.refreshDelay = 100 * time.Millisecond
	e.idp.mu.Unlock()

	e.clock.Set(s.ExpiresAt)

	const callers = 2
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = e.manager.AccessToken(context.Background(), testTab)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", tokens[i])
	}
	assert.Equal(t, int32(1), e.idp.refreshCalls.Load())
}

func TestManager_RefreshFailureDemotes(t *testing.T) {
	tests := []struct {
		name      string
		prepare   func(e *testEnv)
		wantCause error
	}{
		{
			name:      "Refresh rejected",
			prepare:   func(e *testEnv) { e.idp.fail("refresh_token", http.StatusBadRequest) },
			wantCause: serviceerr.ErrRefresh,
		},
		{
			name: "No refresh token",
			prepare: func(e *testEnv) {
				e.idp.respond("authorization_code", smart.TokenResponse{AccessToken: "access-1", ExpiresIn: 300})
			},
			wantCause: serviceerr.ErrRefresh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			tt.prepare(e)
			s := e.authenticate(t, testTab)

			rec := &recorder{}
			defer e.manager.Subscribe(rec.record)()

			e.clock.Set(s.ExpiresAt)

			_, err := e.manager.AccessToken(t.Context(), testTab)
			assert.ErrorIs(t, err, serviceerr.ErrUnauthenticated)
			assert.NotErrorIs(t, err, serviceerr.ErrRefresh, "refresh errors are not passed to callers")

			_, stored := e.repo.TSession(testTab)
			assert.False(t, stored)
			assert.Equal(t, session.Unauthenticated, e.manager.State(t.Context(), testTab))

			got, err := e.manager.Session(t.Context(), testTab)
			assert.NoError(t, err)
			assert.Nil(t, got)

			changes := rec.all()
			require.Len(t, changes, 1)
			assert.Equal(t, session.Authenticated, changes[0].From)
			assert.Equal(t, session.Unauthenticated, changes[0].To)
			assert.ErrorIs(t, changes[0].Cause, tt.wantCause)
		})
	}
}

func TestManager_Session(t *testing.T) {
	e := newTestEnv(t)

	got, err := e.manager.Session(t.Context(), testTab)
	require.NoError(t, err)
	assert.Nil(t, got, "unauthenticated tab has no session")

	s := e.authenticate(t, testTab)

	got, err = e.manager.Session(t.Context(), testTab)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s, *got)

	got, err = e.manager.Session(t.Context(), "other-tab")
	require.NoError(t, err)
	assert.Nil(t, got, "sessions are scoped to their tab")
}

func TestManager_SessionLoadError(t *testing.T) {
	errForced := errors.New("forced")
	repo := sessionmock.NewInMemRepository(sessionmock.WithLoadSessionError(errForced))
	servers := registry.NewService(registrymock.NewInMemRepository(), "")

	m, err := session.NewManager(testConfig(), servers, repo, http.DefaultClient)
	require.NoError(t, err)

	_, err = m.Session(t.Context(), testTab)
	assert.ErrorIs(t, err, errForced)

	_, err = m.AccessToken(t.Context(), testTab)
	assert.ErrorIs(t, err, errForced)
}

func TestManager_Logout(t *testing.T) {
	e := newTestEnv(t, func(c *config.SessionManager) {
		c.PostLogoutRedirectURI = "https://app.example.com/"
	})
	s := e.authenticate(t, testTab)

	rec := &recorder{}
	defer e.manager.Subscribe(rec.record)()

	logoutURL, err := e.manager.Logout(t.Context(), testTab)
	require.NoError(t, err)

	u, err := url.Parse(logoutURL)
	require.NoError(t, err)
	assert.Equal(t, e.idp.URL+"/logout", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, testClientID, u.Query().Get("client_id"))
	assert.Equal(t, s.IDToken, u.Query().Get("id_token_hint"))
	assert.Equal(t, "https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))

	assert.Equal(t, session.Unauthenticated, e.manager.State(t.Context(), testTab))
	assert.Equal(t, []session.StateChange{
		{TabID: testTab, From: session.Authenticated, To: session.Unauthenticated},
	}, rec.all())

	logoutURL, err = e.manager.Logout(t.Context(), testTab)
	require.NoError(t, err)
	assert.Empty(t, logoutURL, "logging out twice is a no-op")
}

func TestManager_LogoutClearsPending(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, testTab, session.LoginRequest{})

	_, err := e.manager.Logout(t.Context(), testTab)
	require.NoError(t, err)

	_, kept := e.repo.TPending(testTab)
	assert.False(t, kept)
}

type tokenResult struct {
	token string
	err   error
}

// refreshInBackground starts a slow refresh for the tab and returns once the
// token request is in flight.
func (e *testEnv) refreshInBackground(t *testing.T, s session.Session) <-chan tokenResult {
	t.Helper()

	e.idp.mu.Lock()
	e.idp.refreshDelay = 300 * time.Millisecond
	e.idp.mu.Unlock()
	e.clock.Set(s.ExpiresAt.Add(-30 * time.Second))

	done := make(chan tokenResult, 1)
	go func() {
		token, err := e.manager.AccessToken(context.Background(), testTab)
		done <- tokenResult{token: token, err: err}
	}()

	require.Eventually(t, func() bool { return e.idp.refreshCalls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	return done
}

func TestManager_LogoutDuringRefresh(t *testing.T) {
	e := newTestEnv(t)
	s := e.authenticate(t, testTab)

	done := e.refreshInBackground(t, s)

	_, err := e.manager.Logout(t.Context(), testTab)
	require.NoError(t, err)

	res := <-done
	assert.ErrorIs(t, res.err, serviceerr.ErrUnauthenticated)
	assert.Empty(t, res.token)

	got, err := e.manager.Session(t.Context(), testTab)
	require.NoError(t, err)
	assert.Nil(t, got, "a refresh never brings back a logged out session")

	_, stored := e.repo.TSession(testTab)
	assert.False(t, stored)
	_, leased := e.repo.TLease(testTab)
	assert.False(t, leased)
}

func TestManager_LoginDuringRefresh(t *testing.T) {
	e := newTestEnv(t)
	s := e.authenticate(t, testTab)

	done := e.refreshInBackground(t, s)
	fresh := e.authenticate(t, testTab)
	require.NotEqual(t, s.Revision, fresh.Revision)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, fresh.AccessToken, res.token)

	stored, ok := e.repo.TSession(testTab)
	require.True(t, ok)
	assert.Equal(t, fresh, stored, "the new login is not overwritten")
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestManager_FailedRefreshKeepsReplacedSession(t *testing.T) {
	e := newTestEnv(t)
	e.idp.fail("refresh_token", http.StatusBadRequest)
	s := e.authenticate(t, testTab)

	rec := &recorder{}
	defer e.manager.Subscribe(rec.record)()

	done := e.refreshInBackground(t, s)

	replacement := s
	replacement.Revision = "replacement"
	replacement.AccessToken = "access-replacement"
	replacement.ExpiresAt = s.ExpiresAt.Add(time.Hour)
	require.NoError(t, e.repo.StoreSession(t.Context(), testTab, replacement))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "access-replacement", res.token)

	stored, ok := e.repo.TSession(testTab)
	require.True(t, ok)
	assert.Equal(t, replacement, stored)
	assert.Empty(t, rec.all(), "nothing was demoted")
}

func TestManager_RefreshLeasedElsewhere(t *testing.T) {
	tests := []struct {
		name      string
		settle    func(t *testing.T, e *testEnv, s session.Session)
		wantToken string
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name: "Other replica stores refreshed tokens",
			settle: func(t *testing.T, e *testEnv, s session.Session) {
				t.Helper()
				s.Revision = "other-replica"
				s.AccessToken = "access-other"
				s.ExpiresAt = s.ExpiresAt.Add(5 * time.Minute)
				require.NoError(t, e.repo.StoreSession(t.Context(), testTab, s))
			},
			wantToken: "access-other",
			assertErr: assert.NoError,
		},
		{
			name: "Other replica demotes the session",
			settle: func(t *testing.T, e *testEnv, _ session.Session) {
				t.Helper()
				require.NoError(t, e.repo.DeleteSession(t.Context(), testTab))
			},
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrUnauthenticated)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			s := e.authenticate(t, testTab)

			acquired, err := e.repo.AcquireRefreshLease(t.Context(), testTab, "other-replica", time.Minute)
			require.NoError(t, err)
			require.True(t, acquired)

			e.clock.Set(s.ExpiresAt)

			done := make(chan tokenResult, 1)
			go func() {
				token, err := e.manager.AccessToken(context.Background(), testTab)
				done <- tokenResult{token: token, err: err}
			}()

			time.Sleep(100 * time.Millisecond)
			tt.settle(t, e, s)

			res := <-done
			tt.assertErr(t, res.err)
			assert.Equal(t, tt.wantToken, res.token)
			assert.Zero(t, e.idp.refreshCalls.Load(), "only the lease holder refreshes")

			owner, _ := e.repo.TLease(testTab)
			assert.Equal(t, "other-replica", owner, "a waiter never releases a foreign lease")
		})
	}
}

func TestManager_EnsureInitialized(t *testing.T) {
	t.Run("Warms discovery once", func(t *testing.T) {
		e := newTestEnv(t)

		require.NoError(t, e.manager.EnsureInitialized(t.Context()))
		require.NoError(t, e.manager.EnsureInitialized(t.Context()))
		assert.Equal(t, int32(1), e.idp.discoveryCalls.Load())

		e.login(t, testTab, session.LoginRequest{})
		assert.Equal(t, int32(1), e.idp.discoveryCalls.Load(), "login uses the warmed cache")
	})

	t.Run("Remembers the first failure", func(t *testing.T) {
		e := newTestEnv(t)
		e.idp.Close()

		err1 := e.manager.EnsureInitialized(t.Context())
		err2 := e.manager.EnsureInitialized(t.Context())
		assert.ErrorIs(t, err1, serviceerr.ErrDiscovery)
		assert.Equal(t, err1, err2)
	})
}

func TestManager_Subscribe(t *testing.T) {
	e := newTestEnv(t)
	rec := &recorder{}

	unsubscribe := e.manager.Subscribe(rec.record)
	e.login(t, testTab, session.LoginRequest{})
	unsubscribe()
	unsubscribe()
	e.login(t, "tab-2", session.LoginRequest{})

	assert.Len(t, rec.all(), 1)
}

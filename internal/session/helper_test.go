package session_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/registry/registrymock"
	"github.com/openkcm/smart-session/internal/session"
	"github.com/openkcm/smart-session/internal/session/sessionmock"
	"github.com/openkcm/smart-session/internal/smart"
)

const (
	testClientID = "my-client-id"
	testServer   = "sandbox"
	testTab      = "tab-1"
	callbackURL  = "https://app.example.com/callback"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeIdP is a SMART authorization server. Each grant type answers with the
// matching response, or with status and body when status is not 200.
type fakeIdP struct {
	*httptest.Server

	discoveryCalls atomic.Int32
	exchangeCalls  atomic.Int32
	refreshCalls   atomic.Int32
	passwordCalls  atomic.Int32

	mu           sync.Mutex
	forms        []url.Values
	status       map[string]int
	responses    map[string]smart.TokenResponse
	refreshDelay time.Duration
}

func startIdP(t *testing.T) *fakeIdP {
	t.Helper()

	idp := &fakeIdP{
		status: make(map[string]int),
		responses: map[string]smart.TokenResponse{
			"authorization_code": {
				AccessToken:  "access-1",
				TokenType:    "Bearer",
				ExpiresIn:    300,
				RefreshToken: "refresh-1",
				IDToken: signToken(t, map[string]any{
					"sub":         "user-1",
					"email":       "jane@example.com",
					"given_name":  "Jane",
					"family_name": "Doe",
					"fhirUser":    "Practitioner/42",
					"realm_access": map[string]any{
						"roles": []string{"administrator", "offline_access"},
					},
				}),
				Patient: "patient-7",
			},
			"refresh_token": {
				AccessToken:  "access-2",
				TokenType:    "Bearer",
				ExpiresIn:    300,
				RefreshToken: "refresh-2",
			},
			"password": {
				AccessToken: "guest-access",
				TokenType:   "Bearer",
				ExpiresIn:   120,
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /fhir/.well-known/smart-configuration", func(w http.ResponseWriter, _ *http.Request) {
		idp.discoveryCalls.Add(1)
		_ = json.NewEncoder(w).Encode(smart.Configuration{
			AuthorizationEndpoint:         idp.URL + "/auth",
			TokenEndpoint:                 idp.URL + "/token",
			EndSessionEndpoint:            idp.URL + "/logout",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		grant := r.PostForm.Get("grant_type")
		switch grant {
		case "authorization_code":
			idp.exchangeCalls.Add(1)
		case "refresh_token":
			idp.refreshCalls.Add(1)
		case "password":
			idp.passwordCalls.Add(1)
		}

		idp.mu.Lock()
		idp.forms = append(idp.forms, r.PostForm)
		status, failing := idp.status[grant]
		resp := idp.responses[grant]
		delay := idp.refreshDelay
		idp.mu.Unlock()

		if grant == "refresh_token" && delay > 0 {
			time.Sleep(delay)
		}

		w.Header().Set("Content-Type", "application/json")
		if failing {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	return idp
}

func (f *fakeIdP) fail(grant string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[grant] = status
}

func (f *fakeIdP) respond(grant string, resp smart.TokenResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[grant] = resp
}

func (f *fakeIdP) lastForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forms) == 0 {
		return nil
	}
	return f.forms[len(f.forms)-1]
}

var (
	signingKeyOnce sync.Once
	signingKey     *ecdsa.PrivateKey
)

func signToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	signingKeyOnce.Do(func() {
		var err error
		signingKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
	})

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: signingKey}, nil)
	require.NoError(t, err)

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)

	return token
}

func testConfig() *config.SessionManager {
	return &config.SessionManager{
		Store:             config.StoreMemory,
		CallbackURL:       callbackURL,
		PendingDuration:   10 * time.Minute,
		SessionDuration:   12 * time.Hour,
		RefreshSkew:       30 * time.Second,
		RequestTimeout:    10 * time.Second,
		DiscoveryCacheTTL: time.Hour,
		DefaultScopes:     []string{"openid", "fhirUser", "patient/*.read"},
		TabCookieTemplate: config.CookieTemplate{Name: "smart_tab"},
	}
}

type testEnv struct {
	idp     *fakeIdP
	clock   *fakeClock
	repo    *sessionmock.Repository
	manager *session.Manager
}

func newTestEnv(t *testing.T, modify ...func(*config.SessionManager)) *testEnv {
	t.Helper()

	idp := startIdP(t)
	clock := &fakeClock{now: t0}
	repo := sessionmock.NewInMemRepository()

	servers := registry.NewService(registrymock.NewInMemRepository(
		registrymock.WithServer(registry.Server{
			Name:        testServer,
			FHIRBaseURL: idp.URL + "/fhir",
			ClientID:    testClientID,
		}),
		registrymock.WithServer(registry.Server{
			Name:        "blocked",
			FHIRBaseURL: idp.URL + "/fhir",
			ClientID:    testClientID,
			Blocked:     true,
		}),
	), testServer)

	cfg := testConfig()
	for _, fn := range modify {
		fn(cfg)
	}

	m, err := session.NewManager(cfg, servers, repo, idp.Client(), session.WithClock(clock.Now))
	require.NoError(t, err)

	return &testEnv{idp: idp, clock: clock, repo: repo, manager: m}
}

// login runs Login for the tab and returns the state from the redirect URL.
func (e *testEnv) login(t *testing.T, tabID string, req session.LoginRequest) string {
	t.Helper()

	authURL, err := e.manager.Login(t.Context(), tabID, req)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)

	return u.Query().Get("state")
}

// authenticate runs a complete login for the tab.
func (e *testEnv) authenticate(t *testing.T, tabID string) session.Session {
	t.Helper()

	state := e.login(t, tabID, session.LoginRequest{})
	res, err := e.manager.HandleCallback(t.Context(), tabID, url.Values{"code": {"code-1"}, "state": {state}})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	return *res.Session
}

type recorder struct {
	mu      sync.Mutex
	changes []session.StateChange
}

func (r *recorder) record(c session.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []session.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.StateChange(nil), r.changes...)
}

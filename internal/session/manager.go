package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/pkce"
	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/smart"
)

type Option func(*Manager)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.meter = meter }
}

type guestConfig struct {
	enabled  bool
	server   string
	username string
	password string
	scopes   []string
}

// LoginRequest describes one login attempt started by a tab.
type LoginRequest struct {
	Scopes      []string
	ForceReauth bool
	// ReturnTo is where the browser lands after a successful callback.
	ReturnTo string
	// Server names a registry entry. The default server is used when empty.
	Server string
}

// Manager is the single owner of every tab's session. It is safe for
// concurrent use.
type Manager struct {
	servers    *registry.Service
	discoverer *smart.Discoverer
	tokens     *smart.TokenClient
	sessions   Repository
	pkce       pkce.Source
	metrics    *metrics
	meter      metric.Meter
	now        func() time.Time

	callbackURL           string
	postLogoutRedirectURI string
	pendingDuration       time.Duration
	refreshSkew           time.Duration
	refreshLease          time.Duration
	defaultScopes         []string
	jwsSigAlgs            []jose.SignatureAlgorithm
	guest                 guestConfig

	refreshGroup singleflight.Group

	subsMu  sync.RWMutex
	subs    map[int]func(StateChange)
	nextSub int

	initOnce sync.Once
	initErr  error
}

func NewManager(
	cfg *config.SessionManager,
	servers *registry.Service,
	sessions Repository,
	httpClient *http.Client,
	opts ...Option,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating session manager config: %w", err)
	}

	guest, err := loadGuestConfig(cfg.Guest)
	if err != nil {
		return nil, err
	}

	algs := defaultSigAlgs
	if len(cfg.JWSSigAlgs) > 0 {
		algs = make([]jose.SignatureAlgorithm, 0, len(cfg.JWSSigAlgs))
		for _, alg := range cfg.JWSSigAlgs {
			algs = append(algs, jose.SignatureAlgorithm(alg))
		}
	}

	m := &Manager{
		servers:               servers,
		discoverer:            smart.NewDiscoverer(httpClient, cfg.DiscoveryCacheTTL, cfg.RequestTimeout),
		tokens:                smart.NewTokenClient(httpClient, cfg.RequestTimeout),
		sessions:              sessions,
		now:                   time.Now,
		callbackURL:           cfg.CallbackURL,
		postLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		pendingDuration:       cfg.PendingDuration,
		refreshSkew:           cfg.RefreshSkew,
		refreshLease:          cfg.RequestTimeout + leaseGrace,
		defaultScopes:         cfg.DefaultScopes,
		jwsSigAlgs:            algs,
		guest:                 guest,
		subs:                  make(map[int]func(StateChange)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.metrics, err = newMetrics(m.meter)
	if err != nil {
		return nil, fmt.Errorf("creating session metrics: %w", err)
	}

	return m, nil
}

func loadGuestConfig(cfg config.Guest) (guestConfig, error) {
	if !cfg.Enabled {
		return guestConfig{}, nil
	}

	username, err := commoncfg.LoadValueFromSourceRef(cfg.Username)
	if err != nil {
		return guestConfig{}, fmt.Errorf("loading guest username: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return guestConfig{}, fmt.Errorf("loading guest password: %w", err)
	}

	return guestConfig{
		enabled:  true,
		server:   cfg.Server,
		username: string(username),
		password: string(password),
		scopes:   cfg.Scopes,
	}, nil
}

// EnsureInitialized warms the discovery cache for the default server. Every
// call returns the result of the first one.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	m.initOnce.Do(func() {
		if m.servers.DefaultServer() == "" {
			return
		}

		server, err := m.servers.Resolve(ctx, "")
		if err != nil {
			m.initErr = fmt.Errorf("resolving default server: %w", err)
			return
		}

		if _, err := m.discoverer.Discover(ctx, server.FHIRBaseURL); err != nil {
			m.initErr = fmt.Errorf("discovering default server: %w", err)
		}
	})

	return m.initErr
}

// Login prepares a new authorization attempt for the tab and returns the
// URL the browser must be sent to.
func (m *Manager) Login(ctx context.Context, tabID string, req LoginRequest) (string, error) {
	server, err := m.servers.Resolve(ctx, req.Server)
	if err != nil {
		return "", fmt.Errorf("resolving fhir server: %w", err)
	}

	ctx = slogctx.With(ctx, "server", server.Name)

	conf, err := m.discoverer.Discover(ctx, server.FHIRBaseURL)
	if err != nil {
		return "", fmt.Errorf("discovering authorization server: %w", err)
	}

	scopes := firstNonEmpty(req.Scopes, server.DefaultScopes, m.defaultScopes)
	if len(scopes) == 0 {
		return "", fmt.Errorf("%w: no scopes requested", serviceerr.ErrInvalidRequest)
	}

	redirectURI := server.RedirectURI
	if redirectURI == "" {
		redirectURI = m.callbackURL
	}

	challenge := m.pkce.PKCE()
	pending := PendingAuthorization{
		State:              m.pkce.State(),
		Verifier:           challenge.Verifier,
		TokenEndpoint:      conf.TokenEndpoint,
		EndSessionEndpoint: conf.EndSessionEndpoint,
		FHIRBaseURL:        server.FHIRBaseURL,
		ServerName:         server.Name,
		ClientID:           server.ClientID,
		RedirectURI:        redirectURI,
		RequestedScopes:    scopes,
		ReturnTo:           req.ReturnTo,
		Expiry:             m.now().Add(m.pendingDuration),
	}

	authURL, err := smart.BuildAuthURL(smart.AuthRequest{
		AuthorizationEndpoint: conf.AuthorizationEndpoint,
		ClientID:              server.ClientID,
		RedirectURI:           redirectURI,
		Scopes:                scopes,
		State:                 pending.State,
		CodeChallenge:         challenge.Challenge,
		ForceReauth:           req.ForceReauth,
		Audience:              server.AudienceOrBase(),
	})
	if err != nil {
		return "", fmt.Errorf("building authorization url: %w", err)
	}

	from := m.State(ctx, tabID)
	if err := m.sessions.StorePending(ctx, tabID, pending); err != nil {
		return "", err
	}

	m.metrics.loginStarted(ctx, server.Name)
	slogctx.Info(ctx, "Started authorization", "pending", pending)

	if from == Unauthenticated {
		m.notify(StateChange{TabID: tabID, From: from, To: PendingCallback})
	}

	return authURL, nil
}

// State reports where the tab is in the login flow.
func (m *Manager) State(ctx context.Context, tabID string) State {
	if _, err := m.sessions.LoadSession(ctx, tabID); err == nil {
		return Authenticated
	} else if !errors.Is(err, serviceerr.ErrNotFound) {
		slogctx.Warn(ctx, "Could not load session", "error", err)
	}

	pending, err := m.sessions.LoadPending(ctx, tabID)
	if err == nil && m.now().Before(pending.Expiry) {
		return PendingCallback
	}

	return Unauthenticated
}

// Session returns the tab's session, refreshing it first when the access
// token is about to expire. A nil session means the tab is unauthenticated.
func (m *Manager) Session(ctx context.Context, tabID string) (*Session, error) {
	s, err := m.currentSession(ctx, tabID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrUnauthenticated) {
			return nil, nil
		}
		return nil, err
	}

	return &s, nil
}

// AccessToken returns a token that is valid for at least the refresh skew.
// A tab whose session cannot be kept alive gets serviceerr.ErrUnauthenticated.
func (m *Manager) AccessToken(ctx context.Context, tabID string) (string, error) {
	s, err := m.currentSession(ctx, tabID)
	if err != nil {
		return "", err
	}

	return s.AccessToken, nil
}

func (m *Manager) currentSession(ctx context.Context, tabID string) (Session, error) {
	s, err := m.sessions.LoadSession(ctx, tabID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Session{}, serviceerr.ErrUnauthenticated
		}
		return Session{}, err
	}

	if !s.dueForRefresh(m.now(), m.refreshSkew) {
		return s, nil
	}

	return m.refresh(ctx, tabID)
}

// Logout removes both records of the tab. It returns the provider's end
// session URL when one is known, and an empty string otherwise.
func (m *Manager) Logout(ctx context.Context, tabID string) (string, error) {
	s, err := m.sessions.LoadSession(ctx, tabID)
	hadSession := err == nil
	if err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		return "", err
	}

	if err := m.sessions.DeleteSession(ctx, tabID); err != nil {
		return "", err
	}
	if err := m.sessions.DeletePending(ctx, tabID); err != nil {
		return "", err
	}

	if !hadSession {
		return "", nil
	}

	slogctx.Info(ctx, "Logged out", "session", s)
	m.notify(StateChange{TabID: tabID, From: Authenticated, To: Unauthenticated})

	return m.endSessionURL(s)
}

func (m *Manager) endSessionURL(s Session) (string, error) {
	if s.EndSessionEndpoint == "" {
		return "", nil
	}

	u, err := url.Parse(s.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing end session endpoint: %w", err)
	}

	q := u.Query()
	q.Set("client_id", s.ClientID)
	if s.IDToken != "" {
		q.Set("id_token_hint", s.IDToken)
	}
	if m.postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", m.postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Subscribe registers fn for state changes of every tab. Calling the
// returned function removes it again. fn runs synchronously and must not
// call back into the Manager.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) notify(change StateChange) {
	m.subsMu.RLock()
	subs := make([]func(StateChange), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}

	return nil
}

package business

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/business/server"
	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/kv"
	"github.com/openkcm/smart-session/internal/kv/kvmemory"
	"github.com/openkcm/smart-session/internal/kv/kvvalkey"
	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/registry/registrymock"
	"github.com/openkcm/smart-session/internal/registry/registrysql"
	"github.com/openkcm/smart-session/internal/session"
)

// Main starts the public HTTP server
func Main(ctx context.Context, cfg *config.Config) error {
	sessionManager, closeFn, err := initSessionManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}

	defer closeFn()

	// A server that cannot be discovered yet is retried on the first login.
	if err := sessionManager.EnsureInitialized(ctx); err != nil {
		slogctx.Warn(ctx, "Could not warm up the default FHIR server", "error", err)
	}

	unsubscribe := sessionManager.Subscribe(func(c session.StateChange) {
		slogctx.Debug(ctx, "Session state changed",
			"from", c.From.String(), "to", c.To.String(), "cause", c.Cause)
	})
	defer unsubscribe()

	return server.StartHTTPServer(ctx, cfg, sessionManager)
}

func initSessionManager(ctx context.Context, cfg *config.Config) (_ *session.Manager, closeFn func(), _ error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	servers, closeRegistry, err := initRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising the server registry: %w", err)
	}
	closers = append(closers, closeRegistry)

	store, closeStore, err := initStore(cfg)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("initialising the session store: %w", err)
	}
	closers = append(closers, closeStore)

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("loading http client: %w", err)
	}

	smCfg := &cfg.SessionManager
	sessionRepo := session.NewRepository(store, smCfg.PendingDuration, smCfg.SessionDuration)

	sessManager, err := session.NewManager(smCfg, servers, sessionRepo, httpClient)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("creating session manager: %w", err)
	}

	return sessManager, closeAll, nil
}

func initRegistry(ctx context.Context, cfg *config.Config) (*registry.Service, func(), error) {
	var (
		repo    registry.Repository
		closeFn = func() {}
	)

	switch cfg.Registry.Store {
	case config.StoreMemory, "":
		repo = registrymock.NewInMemRepository()
	case config.StorePostgres:
		db, err := newPgxPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		repo = registrysql.NewRepository(db)
		closeFn = db.Close
	default:
		return nil, nil, fmt.Errorf("unsupported registry store %q", cfg.Registry.Store)
	}

	service := registry.NewService(repo, cfg.Registry.DefaultServer)

	if cfg.Registry.SeedFile != "" {
		if err := service.SeedFromFile(ctx, cfg.Registry.SeedFile); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("seeding the server registry: %w", err)
		}
	}

	return service, closeFn, nil
}

func newPgxPool(ctx context.Context, dbCfg config.Database) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

func initStore(cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.SessionManager.Store {
	case config.StoreMemory:
		return kvmemory.New(), func() {}, nil
	case config.StoreValKey, "":
		client, err := valkeyClientFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return kvvalkey.New(client, cfg.ValKey.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", cfg.SessionManager.Store)
	}
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	auth := cfg.SessionManager.ClientAuth

	switch auth.Type {
	case config.ClientAuthMTLS:
		if auth.MTLS == nil {
			return nil, errors.New("mtls client auth requires an mtls config")
		}

		tlsConfig, err := commoncfg.LoadMTLSConfig(auth.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load mTLS config: %w", err)
		}

		return &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		}, nil
	case config.ClientAuthClientSecret:
		secrets := make(map[string]string, len(auth.Clients))
		for _, c := range auth.Clients {
			secret, err := commoncfg.LoadValueFromSourceRef(c.Secret)
			if err != nil {
				return nil, fmt.Errorf("loading client secret of %s: %w", c.ClientID, err)
			}
			secrets[c.ClientID] = string(secret)
		}

		return &http.Client{
			Transport: &clientAuthRoundTripper{
				secrets: secrets,
				next:    http.DefaultTransport,
			},
		}, nil
	case config.ClientAuthNone, "":
		return http.DefaultClient, nil
	default:
		return nil, errors.New("unknown Client Auth type")
	}
}

// clientAuthRoundTripper authenticates token requests of confidential
// clients with HTTP Basic, using the secret of the client_id in the form.
// Other requests pass through unchanged.
type clientAuthRoundTripper struct {
	secrets map[string]string
	next    http.RoundTripper
}

func (t *clientAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || req.Body == http.NoBody {
		return t.next.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading token request: %w", err)
	}

	req = req.Clone(req.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return t.next.RoundTrip(req)
	}

	clientID := form.Get("client_id")
	secret, ok := t.secrets[clientID]
	if !ok || secret == "" {
		return t.next.RoundTrip(req)
	}
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))

	return t.next.RoundTrip(req)
}

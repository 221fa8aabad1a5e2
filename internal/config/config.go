// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreValKey   StoreKind = "valkey"
	StorePostgres StoreKind = "postgres"
)

const (
	minRequestTimeout = 10 * time.Second
	maxRequestTimeout = 30 * time.Second
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database       Database       `yaml:"database"`
	ValKey         ValKey         `yaml:"valkey"`
	Migrate        Migrate        `yaml:"migrate"`
	Registry       Registry       `yaml:"registry"`
	SessionManager SessionManager `yaml:"sessionManager"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	SSLMode  string              `yaml:"sslMode"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"smart-session"`

	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type Migrate struct {
	// TargetVersion stops the migration at the given version. Zero applies
	// every pending migration.
	TargetVersion int64 `yaml:"targetVersion"`
}

// Registry configures where the FHIR servers a user can log in to are kept.
type Registry struct {
	// Store is either "memory" or "postgres".
	Store StoreKind `yaml:"store" default:"memory"`
	// SeedFile is an optional YAML file of servers loaded at startup.
	SeedFile string `yaml:"seedFile"`
	// DefaultServer is used when a login does not name a server.
	DefaultServer string `yaml:"defaultServer"`
}

type SessionManager struct {
	// Store is either "memory" or "valkey".
	Store StoreKind `yaml:"store" default:"valkey"`

	CallbackURL           string        `yaml:"callbackURL" default:"https://localhost:8080/callback"`
	PostLogoutRedirectURI string        `yaml:"postLogoutRedirectURI"`
	PendingDuration       time.Duration `yaml:"pendingDuration" default:"10m"`
	SessionDuration       time.Duration `yaml:"sessionDuration" default:"12h"`
	RefreshSkew           time.Duration `yaml:"refreshSkew" default:"30s"`
	RequestTimeout        time.Duration `yaml:"requestTimeout" default:"15s"`
	DiscoveryCacheTTL     time.Duration `yaml:"discoveryCacheTTL" default:"1h"`
	DefaultScopes         []string      `yaml:"defaultScopes"`
	JWSSigAlgs            []string      `yaml:"jwsSigAlgs"`

	ClientAuth ClientAuth `yaml:"clientAuth"`

	LoginPath         string         `yaml:"loginPath" default:"/login"`
	TabCookieTemplate CookieTemplate `yaml:"tabCookie"`

	Guest Guest `yaml:"guest"`
}

type ClientAuthType string

const (
	ClientAuthNone         ClientAuthType = "none"
	ClientAuthClientSecret ClientAuthType = "client_secret"
	ClientAuthMTLS         ClientAuthType = "mtls"
)

// ClientAuth configures how requests to authorization servers authenticate
// the client. Public SMART apps use "none" and rely on PKCE alone.
type ClientAuth struct {
	Type ClientAuthType `yaml:"type" default:"none"`
	// Clients holds a secret per registered client ID. Token requests for a
	// client ID without a secret are sent as a public client.
	Clients []ClientCredential `yaml:"clients"`
	MTLS    *commoncfg.MTLS    `yaml:"mtls"`
}

type ClientCredential struct {
	ClientID string              `yaml:"clientID"`
	Secret   commoncfg.SourceRef `yaml:"secret"`
}

func (a ClientAuth) validateClients() error {
	if len(a.Clients) == 0 {
		return errors.New("client_secret requires at least one client")
	}

	seen := make(map[string]struct{}, len(a.Clients))
	for _, c := range a.Clients {
		if c.ClientID == "" {
			return errors.New("client without clientID")
		}
		if _, dup := seen[c.ClientID]; dup {
			return fmt.Errorf("duplicate client %q", c.ClientID)
		}
		seen[c.ClientID] = struct{}{}
	}

	return nil
}

// Guest holds the shared credentials used for degraded guest sessions.
type Guest struct {
	Enabled  bool                `yaml:"enabled"`
	Server   string              `yaml:"server"`
	Username commoncfg.SourceRef `yaml:"username"`
	Password commoncfg.SourceRef `yaml:"password"`
	Scopes   []string            `yaml:"scopes"`
}

// Validate reports the first configuration problem found.
func (s *SessionManager) Validate() error {
	if s.CallbackURL == "" {
		return errors.New("callbackURL is required")
	}
	if s.RequestTimeout < minRequestTimeout || s.RequestTimeout > maxRequestTimeout {
		return fmt.Errorf("requestTimeout must be between %s and %s, got %s",
			minRequestTimeout, maxRequestTimeout, s.RequestTimeout)
	}
	if s.RefreshSkew < 0 {
		return errors.New("refreshSkew must not be negative")
	}
	if s.PendingDuration <= 0 {
		return errors.New("pendingDuration must be positive")
	}
	if s.SessionDuration <= 0 {
		return errors.New("sessionDuration must be positive")
	}
	if err := s.TabCookieTemplate.Validate(); err != nil {
		return fmt.Errorf("tabCookie: %w", err)
	}

	switch s.Store {
	case StoreMemory, StoreValKey:
	default:
		return fmt.Errorf("unsupported session store %q", s.Store)
	}

	switch s.ClientAuth.Type {
	case "", ClientAuthNone, ClientAuthMTLS:
	case ClientAuthClientSecret:
		if err := s.ClientAuth.validateClients(); err != nil {
			return fmt.Errorf("clientAuth: %w", err)
		}
	default:
		return fmt.Errorf("unsupported client auth type %q", s.ClientAuth.Type)
	}

	if s.Guest.Enabled {
		if s.Guest.Username.Source == "" || s.Guest.Password.Source == "" {
			return errors.New("guest access requires username and password")
		}
	}

	return nil
}

// Package session runs the SMART authorization code flow for a browser tab
// and owns the resulting session: its storage, silent refresh and demotion.
package session

import (
	"log/slog"
	"slices"
	"time"

	"github.com/openkcm/smart-session/internal/access"
)

// Kind tells a full SMART session apart from a degraded guest session.
type Kind string

const (
	KindSMART Kind = "smart"
	KindGuest Kind = "guest"
)

type State int

const (
	Unauthenticated State = iota
	PendingCallback
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case PendingCallback:
		return "pending_callback"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// StateChange is delivered to subscribers on every transition. Cause is set
// when a session was demoted because of a failure.
type StateChange struct {
	TabID string
	From  State
	To    State
	Cause error
}

// PendingAuthorization is the login attempt persisted across the redirect to
// the authorization server.
type PendingAuthorization struct {
	State              string    `json:"state"`
	Verifier           string    `json:"verifier"`
	TokenEndpoint      string    `json:"tokenEndpoint"`
	EndSessionEndpoint string    `json:"endSessionEndpoint,omitempty"`
	FHIRBaseURL        string    `json:"fhirBaseURL"`
	ServerName         string    `json:"serverName"`
	ClientID           string    `json:"clientID"`
	RedirectURI        string    `json:"redirectURI"`
	RequestedScopes    []string  `json:"requestedScopes"`
	ReturnTo           string    `json:"returnTo,omitempty"`
	Expiry             time.Time `json:"expiry"`
}

func (p PendingAuthorization) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server", p.ServerName),
		slog.String("client_id", p.ClientID),
		slog.Any("requested_scopes", p.RequestedScopes),
		slog.Time("expiry", p.Expiry),
	)
}

// User is derived from unverified token claims. It is for display only.
type User struct {
	ID        string        `json:"id"`
	Email     string        `json:"email,omitempty"`
	FirstName string        `json:"firstName,omitempty"`
	LastName  string        `json:"lastName,omitempty"`
	FullName  string        `json:"fullName,omitempty"`
	Roles     []access.Role `json:"roles"`
}

type Session struct {
	// Revision is new for every stored record. Conditional writes compare
	// it so a refresh never lands on a record that was replaced or removed.
	Revision     string    `json:"revision"`
	Kind         Kind      `json:"kind"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`

	GrantedScopes    []string `json:"grantedScopes"`
	FHIRBaseURL      string   `json:"fhirBaseURL"`
	PatientContext   string   `json:"patient,omitempty"`
	EncounterContext string   `json:"encounter,omitempty"`
	FHIRUser         string   `json:"fhirUser,omitempty"`
	User             User     `json:"user"`

	ServerName         string `json:"serverName"`
	ClientID           string `json:"clientID"`
	TokenEndpoint      string `json:"tokenEndpoint"`
	EndSessionEndpoint string `json:"endSessionEndpoint,omitempty"`
}

func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(s.Kind)),
		slog.String("server", s.ServerName),
		slog.String("user_id", s.User.ID),
		slog.Any("roles", s.User.Roles),
		slog.Any("granted_scopes", s.GrantedScopes),
		slog.Time("expires_at", s.ExpiresAt),
		slog.Bool("has_refresh_token", s.RefreshToken != ""),
	)
}

func (s Session) HasScope(scope string) bool {
	return slices.Contains(s.GrantedScopes, scope)
}

// dueForRefresh reports whether the access token must not be handed out any
// more without a refresh.
func (s Session) dueForRefresh(now time.Time, skew time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(-skew))
}

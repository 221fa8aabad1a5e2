// Package registry keeps the FHIR servers users can log in to, together with
// the OAuth2 client registration the service holds at each of them.
package registry

import "context"

// Server is a registered FHIR server.
type Server struct {
	Name          string   `yaml:"name"`
	FHIRBaseURL   string   `yaml:"fhirBaseURL"`
	ClientID      string   `yaml:"clientID"`
	RedirectURI   string   `yaml:"redirectURI"`
	DefaultScopes []string `yaml:"defaultScopes"`
	// Audience is sent as "aud". The FHIR base URL is used when empty.
	Audience string `yaml:"audience"`
	Blocked  bool   `yaml:"blocked"`
}

// AudienceOrBase returns the audience to request tokens for.
func (s Server) AudienceOrBase() string {
	if s.Audience != "" {
		return s.Audience
	}

	return s.FHIRBaseURL
}

// Repository stores servers keyed by name.
type Repository interface {
	Get(ctx context.Context, name string) (Server, error)
	List(ctx context.Context) ([]Server, error)
	Create(ctx context.Context, server Server) error
	Update(ctx context.Context, server Server) error
	Delete(ctx context.Context, name string) error
}

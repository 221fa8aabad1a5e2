// Package smart implements the client side of the SMART App Launch protocol:
// server metadata discovery, authorization request URLs and token endpoint
// calls.
package smart

import "slices"

// Configuration is the authorization server metadata published at
// {fhirBaseUrl}/.well-known/smart-configuration. The OIDC discovery fields
// are shared, so the same type decodes an openid-configuration document.
type Configuration struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`
	JwksURI                       string   `json:"jwks_uri,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	Capabilities                  []string `json:"capabilities,omitempty"`
}

// SupportsS256 reports whether the server accepts S256 PKCE challenges.
// Servers that do not advertise any method are assumed to accept it.
func (c Configuration) SupportsS256() bool {
	if len(c.CodeChallengeMethodsSupported) == 0 {
		return true
	}

	return slices.Contains(c.CodeChallengeMethodsSupported, "S256")
}

// HasCapability reports whether a SMART capability such as
// "launch-standalone" is advertised.
func (c Configuration) HasCapability(name string) bool {
	return slices.Contains(c.Capabilities, name)
}

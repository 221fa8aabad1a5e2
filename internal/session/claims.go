package session

import (
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/smart-session/internal/access"
)

var defaultSigAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

type roleList struct {
	Roles []string `json:"roles"`
}

type tokenClaims struct {
	Subject           string              `json:"sub"`
	Email             string              `json:"email"`
	Name              string              `json:"name"`
	GivenName         string              `json:"given_name"`
	FamilyName        string              `json:"family_name"`
	PreferredUsername string              `json:"preferred_username"`
	FHIRUser          string              `json:"fhirUser"`
	Roles             []string            `json:"roles"`
	Groups            []string            `json:"groups"`
	RealmAccess       roleList            `json:"realm_access"`
	ResourceAccess    map[string]roleList `json:"resource_access"`
}

func (c tokenClaims) roleNames(clientID string) []string {
	names := make([]string, 0, len(c.Roles)+len(c.Groups)+len(c.RealmAccess.Roles))
	names = append(names, c.Roles...)
	names = append(names, c.RealmAccess.Roles...)
	if client, ok := c.ResourceAccess[clientID]; ok {
		names = append(names, client.Roles...)
	}
	for _, g := range c.Groups {
		// groups are often paths like "/clinic/front-desk"
		names = append(names, g[strings.LastIndex(g, "/")+1:])
	}

	return names
}

// parseClaims reads the payload of a JWS without checking its signature.
// Tokens that are not JWTs yield ok == false.
func parseClaims(token string, algs []jose.SignatureAlgorithm) (tokenClaims, bool) {
	if token == "" {
		return tokenClaims{}, false
	}

	parsed, err := jwt.ParseSigned(token, algs)
	if err != nil {
		return tokenClaims{}, false
	}

	var claims tokenClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return tokenClaims{}, false
	}

	return claims, true
}

// userFromTokens builds the display user. Identity comes from the ID token
// when present, roles are collected from both tokens since some providers
// only put them into the access token.
func userFromTokens(idToken, accessToken, clientID string, algs []jose.SignatureAlgorithm) (User, string) {
	idClaims, hasID := parseClaims(idToken, algs)
	accessClaims, hasAccess := parseClaims(accessToken, algs)

	identity := idClaims
	if !hasID {
		identity = accessClaims
	}

	var names []string
	if hasID {
		names = append(names, idClaims.roleNames(clientID)...)
	}
	if hasAccess {
		names = append(names, accessClaims.roleNames(clientID)...)
	}

	user := User{
		ID:        identity.Subject,
		Email:     identity.Email,
		FirstName: identity.GivenName,
		LastName:  identity.FamilyName,
		FullName:  fullName(identity),
		Roles:     access.ParseRoles(names),
	}
	if user.ID == "" {
		user.ID = identity.FHIRUser
	}

	return user, identity.FHIRUser
}

func fullName(c tokenClaims) string {
	if c.Name != "" {
		return c.Name
	}
	if n := strings.TrimSpace(c.GivenName + " " + c.FamilyName); n != "" {
		return n
	}

	return c.PreferredUsername
}

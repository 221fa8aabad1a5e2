package smart

import (
	"errors"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// AuthRequest is everything needed to compose an authorization redirect.
type AuthRequest struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	Scopes                []string
	State                 string
	CodeChallenge         string
	ForceReauth           bool
	// Audience is the FHIR base URL sent as "aud". Left out when empty.
	Audience string
	// Extra parameters are appended last, sorted by key.
	Extra map[string]string
}

// BuildAuthURL composes the authorization redirect URL. It has no side
// effects; persisting the pending authorization is the caller's job.
//
// Parameters are emitted in a fixed order so the result is stable.
func BuildAuthURL(req AuthRequest) (string, error) {
	if req.AuthorizationEndpoint == "" {
		return "", errors.New("missing authorization endpoint")
	}
	if req.State == "" || req.CodeChallenge == "" {
		return "", errors.New("missing state or code challenge")
	}

	u, err := url.Parse(req.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	params := [][2]string{
		{"response_type", "code"},
		{"client_id", req.ClientID},
		{"redirect_uri", req.RedirectURI},
		{"scope", strings.Join(req.Scopes, " ")},
		{"state", req.State},
		{"code_challenge", req.CodeChallenge},
		{"code_challenge_method", "S256"},
	}
	if req.ForceReauth {
		params = append(params, [2]string{"prompt", "login"})
	}
	if req.Audience != "" {
		params = append(params, [2]string{"aud", req.Audience})
	}
	for _, k := range slices.Sorted(maps.Keys(req.Extra)) {
		params = append(params, [2]string{k, req.Extra[k]})
	}

	var b strings.Builder
	b.WriteString(u.RawQuery)
	for _, p := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(p[0]))
		b.WriteByte('=')
		b.WriteString(escape(p[1]))
	}

	u.RawQuery = b.String()

	return u.String(), nil
}

// escape is url.QueryEscape keeping '*', which is common in SMART scopes
// and permitted unescaped in a query.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "%2A", "*")
}

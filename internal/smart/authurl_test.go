package smart_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/smart-session/internal/smart"
)

func TestBuildAuthURL(t *testing.T) {
	base := smart.AuthRequest{
		AuthorizationEndpoint: "https://idp/auth",
		ClientID:              "app",
		RedirectURI:           "https://app/cb",
		Scopes:                []string{"patient/*.read"},
		State:                 "S1",
		CodeChallenge:         "C1",
	}

	tests := []struct {
		name      string
		modify    func(r *smart.AuthRequest)
		wantURL   string
		errAssert assert.ErrorAssertionFunc
	}{
		{
			name:      "literal url",
			modify:    func(*smart.AuthRequest) {},
			wantURL:   "https://idp/auth?response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=patient%2F*.read&state=S1&code_challenge=C1&code_challenge_method=S256",
			errAssert: assert.NoError,
		},
		{
			name:      "force re-authentication",
			modify:    func(r *smart.AuthRequest) { r.ForceReauth = true },
			wantURL:   "https://idp/auth?response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=patient%2F*.read&state=S1&code_challenge=C1&code_challenge_method=S256&prompt=login",
			errAssert: assert.NoError,
		},
		{
			name: "multiple scopes are space joined",
			modify: func(r *smart.AuthRequest) {
				r.Scopes = []string{"openid", "fhirUser", "launch/patient"}
			},
			wantURL:   "https://idp/auth?response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=openid+fhirUser+launch%2Fpatient&state=S1&code_challenge=C1&code_challenge_method=S256",
			errAssert: assert.NoError,
		},
		{
			name:      "audience is appended",
			modify:    func(r *smart.AuthRequest) { r.Audience = "https://fhir/r4" },
			wantURL:   "https://idp/auth?response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=patient%2F*.read&state=S1&code_challenge=C1&code_challenge_method=S256&aud=https%3A%2F%2Ffhir%2Fr4",
			errAssert: assert.NoError,
		},
		{
			name: "extra parameters are sorted and appended last",
			modify: func(r *smart.AuthRequest) {
				r.Extra = map[string]string{"launch": "xyz", "kc_idp_hint": "hospital"}
			},
			wantURL:   "https://idp/auth?response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=patient%2F*.read&state=S1&code_challenge=C1&code_challenge_method=S256&kc_idp_hint=hospital&launch=xyz",
			errAssert: assert.NoError,
		},
		{
			name:      "existing query on the endpoint is kept",
			modify:    func(r *smart.AuthRequest) { r.AuthorizationEndpoint = "https://idp/auth?realm=main" },
			wantURL:   "https://idp/auth?realm=main&response_type=code&client_id=app&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=patient%2F*.read&state=S1&code_challenge=C1&code_challenge_method=S256",
			errAssert: assert.NoError,
		},
		{
			name:      "missing endpoint",
			modify:    func(r *smart.AuthRequest) { r.AuthorizationEndpoint = "" },
			errAssert: assert.Error,
		},
		{
			name:      "missing challenge",
			modify:    func(r *smart.AuthRequest) { r.CodeChallenge = "" },
			errAssert: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)

			got, err := smart.BuildAuthURL(req)
			if !tt.errAssert(t, err) || err != nil {
				return
			}

			assert.Equal(t, tt.wantURL, got)
		})
	}
}

func TestBuildAuthURL_NeverCarriesVerifier(t *testing.T) {
	const verifier = "the-verifier-must-stay-here"

	got, err := smart.BuildAuthURL(smart.AuthRequest{
		AuthorizationEndpoint: "https://idp/auth",
		ClientID:              "app",
		RedirectURI:           "https://app/cb",
		Scopes:                []string{"openid"},
		State:                 "S1",
		CodeChallenge:         "C1",
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.NotContains(t, got, verifier)
	assert.Empty(t, u.Query().Get("code_verifier"))
}

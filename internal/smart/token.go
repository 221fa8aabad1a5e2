package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

const maxErrorBodySize = 4 << 10

// TokenResponse is a successful token endpoint response including the
// SMART launch context parameters.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	FHIRUser     string `json:"fhirUser,omitempty"`
}

func (t TokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Int64("expires_in", t.ExpiresIn),
		slog.String("scope", t.Scope),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
		slog.Bool("has_id_token", t.IDToken != ""),
	)
}

// CodeExchange holds the parameters of an authorization_code grant.
type CodeExchange struct {
	TokenEndpoint string
	Code          string
	RedirectURI   string
	ClientID      string
	CodeVerifier  string
}

// PasswordGrant holds the parameters of a resource owner password grant.
type PasswordGrant struct {
	TokenEndpoint string
	ClientID      string
	Username      string
	Password      string
	Scopes        []string
}

// TokenClient calls token endpoints. Every request is bounded by timeout.
type TokenClient struct {
	client  *http.Client
	timeout time.Duration
}

func NewTokenClient(client *http.Client, timeout time.Duration) *TokenClient {
	return &TokenClient{
		client:  client,
		timeout: timeout,
	}
}

// ExchangeCode redeems an authorization code. The code verifier is sent
// as-is, never the challenge.
func (c *TokenClient) ExchangeCode(ctx context.Context, req CodeExchange) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", req.Code)
	data.Set("redirect_uri", req.RedirectURI)
	data.Set("client_id", req.ClientID)
	data.Set("code_verifier", req.CodeVerifier)

	return c.post(ctx, req.TokenEndpoint, data, serviceerr.ErrTokenExchange)
}

// Refresh redeems a refresh token.
func (c *TokenClient) Refresh(ctx context.Context, tokenEndpoint, clientID, refreshToken string) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", clientID)

	return c.post(ctx, tokenEndpoint, data, serviceerr.ErrRefresh)
}

// Password performs a resource owner password grant.
func (c *TokenClient) Password(ctx context.Context, req PasswordGrant) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("client_id", req.ClientID)
	data.Set("username", req.Username)
	data.Set("password", req.Password)
	if len(req.Scopes) > 0 {
		data.Set("scope", strings.Join(req.Scopes, " "))
	}

	return c.post(ctx, req.TokenEndpoint, data, serviceerr.ErrTokenExchange)
}

func (c *TokenClient) post(ctx context.Context, endpoint string, data url.Values, kind error) (TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: creating request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return TokenResponse{}, transportError(kind, "executing request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		exchangeErr := &serviceerr.TokenExchangeError{Status: resp.StatusCode, Body: string(body)}
		if kind == serviceerr.ErrTokenExchange {
			return TokenResponse{}, exchangeErr
		}

		return TokenResponse{}, fmt.Errorf("%w: %w", kind, exchangeErr)
	}

	var tokens TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&tokens); err != nil {
		return TokenResponse{}, transportError(kind, "decoding response", err)
	}

	if tokens.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: response has no access_token", kind)
	}
	if tokens.ExpiresIn <= 0 {
		return TokenResponse{}, fmt.Errorf("%w: response has no positive expires_in", kind)
	}

	return tokens, nil
}

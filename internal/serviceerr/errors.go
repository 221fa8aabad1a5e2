package serviceerr

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrConflict = errors.New("already exists")
var ErrNotFound = errors.New("not found")

var (
	ErrDiscovery           = errors.New("smart discovery failed")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrMalformedCallback   = errors.New("malformed callback")
	ErrSessionExpired      = errors.New("no pending authorization for this session")
	ErrCsrfMismatch        = errors.New("state mismatch")
	ErrTokenExchange       = errors.New("token exchange failed")
	ErrRefresh             = errors.New("token refresh failed")
	ErrTimeout             = errors.New("timed out waiting for the authorization server")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrServerBlocked       = errors.New("fhir server is blocked")
	ErrGuestDisabled       = errors.New("guest access is disabled")
	ErrInvalidRequest      = errors.New("invalid request")
)

// AuthorizationDeniedError is returned when the authorization server redirects
// back with an error instead of a code.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return e.Description
	}

	return e.Code
}

func (e *AuthorizationDeniedError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// TokenExchangeError carries the status and body of a rejected token request.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, e.Body)
}

func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchange
}

// HTTPStatus maps an error from the authorization flow to the status code
// the public API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedCallback), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrAuthorizationDenied):
		return http.StatusUnauthorized
	case errors.Is(err, ErrCsrfMismatch), errors.Is(err, ErrServerBlocked), errors.Is(err, ErrGuestDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, ErrDiscovery), errors.Is(err, ErrTokenExchange), errors.Is(err, ErrRefresh):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

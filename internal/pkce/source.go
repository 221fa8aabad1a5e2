package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const MethodS256 = "S256"

const (
	verifierEntropyBytes = 32 // 256 bits, encodes to 43 chars
	stateEntropyBytes    = 16 // 128 bits
	tabIDEntropyBytes    = 24
)

type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// Source produces the random values used by a single authorization attempt.
type Source struct{}

func (p Source) PKCE() PKCE {
	verifier := GenerateVerifier()

	return PKCE{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
		Method:    MethodS256,
	}
}

func (p Source) State() string {
	return GenerateState()
}

func (p Source) TabID() string {
	return randString(tabIDEntropyBytes)
}

// GenerateVerifier returns a PKCE code verifier. It never leaves this service.
func GenerateVerifier() string {
	return randString(verifierEntropyBytes)
}

// DeriveChallenge returns the S256 code challenge for the verifier.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns an anti-CSRF state value.
func GenerateState() string {
	return randString(stateEntropyBytes)
}

// randString panics if the secure random source fails. There is no fallback.
func randString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("pkce: reading from crypto/rand: %v", err))
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

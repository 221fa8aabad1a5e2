package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

const (
	wellKnownSMARTPath  = "/.well-known/smart-configuration"
	wellKnownOpenIDPath = "/.well-known/openid-configuration"

	maxDocumentSize = 1 << 20
)

type Discoverer struct {
	client  *http.Client
	cache   *cache.Cache
	timeout time.Duration
}

// NewDiscoverer returns a Discoverer caching documents for ttl. Every fetch
// is bounded by timeout.
func NewDiscoverer(client *http.Client, ttl, timeout time.Duration) *Discoverer {
	return &Discoverer{
		client:  client,
		cache:   cache.New(ttl, 2*ttl),
		timeout: timeout,
	}
}

// Discover returns the authorization server metadata for a FHIR server.
// The SMART document is tried first, then the OIDC discovery document when
// the server does not publish one.
func (d *Discoverer) Discover(ctx context.Context, fhirBaseURL string) (Configuration, error) {
	base := strings.TrimSuffix(fhirBaseURL, "/")
	if base == "" {
		return Configuration{}, fmt.Errorf("%w: empty fhir base url", serviceerr.ErrDiscovery)
	}

	if cached, ok := d.cache.Get(base); ok {
		//nolint:forcetypeassert
		return cached.(Configuration), nil
	}

	conf, found, err := d.fetch(ctx, base+wellKnownSMARTPath)
	if err != nil {
		return Configuration{}, err
	}

	if !found {
		slogctx.Debug(ctx, "No smart-configuration published, falling back to OIDC discovery", "fhir_base_url", base)

		conf, found, err = d.fetch(ctx, base+wellKnownOpenIDPath)
		if err != nil {
			return Configuration{}, err
		}
		if !found {
			return Configuration{}, fmt.Errorf("%w: no discovery document at %s", serviceerr.ErrDiscovery, base)
		}
	}

	if err := validate(conf); err != nil {
		return Configuration{}, err
	}

	d.cache.SetDefault(base, conf)

	return conf, nil
}

// Forget drops the cached document for a FHIR server.
func (d *Discoverer) Forget(fhirBaseURL string) {
	d.cache.Delete(strings.TrimSuffix(fhirBaseURL, "/"))
}

func (d *Discoverer) fetch(ctx context.Context, uri string) (Configuration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Configuration{}, false, fmt.Errorf("%w: creating an HTTP request: %w", serviceerr.ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Configuration{}, false, transportError(serviceerr.ErrDiscovery, "fetching "+uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Configuration{}, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Configuration{}, false, fmt.Errorf("%w: %s returned status %d", serviceerr.ErrDiscovery, uri, resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&conf); err != nil {
		return Configuration{}, false, transportError(serviceerr.ErrDiscovery, "decoding "+uri, err)
	}

	return conf, true, nil
}

func validate(conf Configuration) error {
	if conf.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: missing authorization_endpoint", serviceerr.ErrDiscovery)
	}
	if conf.TokenEndpoint == "" {
		return fmt.Errorf("%w: missing token_endpoint", serviceerr.ErrDiscovery)
	}
	if !conf.SupportsS256() {
		return fmt.Errorf("%w: server does not support S256 code challenges", serviceerr.ErrDiscovery)
	}

	return nil
}

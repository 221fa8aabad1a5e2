package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"

	slogctx "github.com/veqryn/slog-context"
)

type seedFile struct {
	Servers []Server `yaml:"servers"`
}

// ParseSeed reads a YAML document of the form
//
//	servers:
//	  - name: sandbox
//	    fhirBaseURL: https://launch.smarthealthit.org/v/r4/fhir
//	    clientID: my-app
func ParseSeed(r io.Reader) ([]Server, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding seed: %w", err)
	}

	seen := make(map[string]struct{}, len(seed.Servers))
	for i, s := range seed.Servers {
		if s.Name == "" {
			return nil, fmt.Errorf("server %d has no name", i)
		}
		if s.FHIRBaseURL == "" {
			return nil, fmt.Errorf("server %q has no fhirBaseURL", s.Name)
		}
		if s.ClientID == "" {
			return nil, fmt.Errorf("server %q has no clientID", s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("server %q is listed twice", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	return seed.Servers, nil
}

// SeedFromFile applies every server listed in the file at path.
func (s *Service) SeedFromFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	servers, err := ParseSeed(f)
	if err != nil {
		return err
	}

	for _, server := range servers {
		if err := s.Apply(ctx, server); err != nil {
			return fmt.Errorf("seeding server %q: %w", server.Name, err)
		}
	}

	slogctx.Info(ctx, "Seeded FHIR server registry", "count", len(servers))

	return nil
}

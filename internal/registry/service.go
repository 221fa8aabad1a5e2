package registry

import (
	"context"
	"errors"
	"fmt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

type Service struct {
	repository    Repository
	defaultServer string
}

func NewService(repo Repository, defaultServer string) *Service {
	return &Service{
		repository:    repo,
		defaultServer: defaultServer,
	}
}

// DefaultServer returns the name used when a login does not choose one.
func (s *Service) DefaultServer() string {
	return s.defaultServer
}

// Resolve returns the named server, or the default one for an empty name.
// A blocked server is refused with serviceerr.ErrServerBlocked.
func (s *Service) Resolve(ctx context.Context, name string) (Server, error) {
	if name == "" {
		name = s.defaultServer
	}
	if name == "" {
		return Server{}, fmt.Errorf("no server requested and no default configured: %w", serviceerr.ErrNotFound)
	}

	server, err := s.repository.Get(ctx, name)
	if err != nil {
		return Server{}, fmt.Errorf("getting server %q: %w", name, err)
	}

	if server.Blocked {
		return Server{}, fmt.Errorf("server %q: %w", name, serviceerr.ErrServerBlocked)
	}

	return server, nil
}

func (s *Service) List(ctx context.Context) ([]Server, error) {
	servers, err := s.repository.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	return servers, nil
}

// Apply creates the server or replaces an existing one with the same name.
func (s *Service) Apply(ctx context.Context, server Server) error {
	_, err := s.repository.Get(ctx, server.Name)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		if err := s.repository.Create(ctx, server); err != nil {
			return fmt.Errorf("creating server: %w", err)
		}
	case err != nil:
		return fmt.Errorf("getting server: %w", err)
	default:
		if err := s.repository.Update(ctx, server); err != nil {
			return fmt.Errorf("updating server: %w", err)
		}
	}

	return nil
}

// Block marks a server as blocked. Unknown servers are ignored.
func (s *Service) Block(ctx context.Context, name string) error {
	return s.setBlocked(ctx, name, true)
}

// Unblock clears the blocked flag of a server. Unknown servers are ignored.
func (s *Service) Unblock(ctx context.Context, name string) error {
	return s.setBlocked(ctx, name, false)
}

func (s *Service) setBlocked(ctx context.Context, name string, blocked bool) error {
	server, err := s.repository.Get(ctx, name)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("getting server: %w", err)
	}
	if server.Blocked == blocked {
		return nil
	}

	server.Blocked = blocked
	if err := s.repository.Update(ctx, server); err != nil {
		return fmt.Errorf("updating server: %w", err)
	}

	slogctx.Info(ctx, "Changed server block state", "server", name, "blocked", blocked)

	return nil
}

func (s *Service) Remove(ctx context.Context, name string) error {
	if err := s.repository.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}

	return nil
}

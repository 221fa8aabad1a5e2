package registrymock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/serviceerr"
)

type RepositoryOption func(*Repository)

// Repository is an in-memory registry. It also backs the "memory" registry
// store, so it is safe for concurrent use.
type Repository struct {
	mu      sync.RWMutex
	servers map[string]registry.Server

	getErr, listErr, createErr, updateErr, deleteErr error
}

func WithServer(server registry.Server) RepositoryOption {
	return func(r *Repository) { r.servers[server.Name] = server }
}
func WithGetError(err error) RepositoryOption {
	return func(r *Repository) { r.getErr = err }
}
func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithUpdateError(err error) RepositoryOption {
	return func(r *Repository) { r.updateErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = registry.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		servers: make(map[string]registry.Server),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// TGet is a helper method for tests to read a server without error injection.
func (r *Repository) TGet(name string) (registry.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.servers[name]
	return s, ok
}

func (r *Repository) Get(_ context.Context, name string) (registry.Server, error) {
	if r.getErr != nil {
		return registry.Server{}, r.getErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.servers[name]; ok {
		return s, nil
	}
	return registry.Server{}, serviceerr.ErrNotFound
}

func (r *Repository) List(_ context.Context) ([]registry.Server, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]registry.Server, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	slices.SortFunc(servers, func(a, b registry.Server) int {
		return strings.Compare(a.Name, b.Name)
	})

	return servers, nil
}

func (r *Repository) Create(_ context.Context, server registry.Server) error {
	if r.createErr != nil {
		return r.createErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[server.Name]; ok {
		return serviceerr.ErrConflict
	}
	r.servers[server.Name] = server
	return nil
}

func (r *Repository) Update(_ context.Context, server registry.Server) error {
	if r.updateErr != nil {
		return r.updateErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[server.Name]; !ok {
		return serviceerr.ErrNotFound
	}
	r.servers[server.Name] = server
	return nil
}

func (r *Repository) Delete(_ context.Context, name string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[name]; !ok {
		return serviceerr.ErrNotFound
	}
	delete(r.servers, name)
	return nil
}

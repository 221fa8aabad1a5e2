package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/smart-session/internal/serviceerr"
	"github.com/openkcm/smart-session/internal/session"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	pending  map[string]session.PendingAuthorization
	sessions map[string]session.Session
	leases   map[string]string

	loadPendingErr, storePendingErr, deletePendingErr error
	loadSessionErr, storeSessionErr, deleteSessionErr error
}

func WithPending(tabID string, p session.PendingAuthorization) RepositoryOption {
	return func(r *Repository) { r.pending[tabID] = p }
}
func WithSession(tabID string, s session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[tabID] = s }
}
// WithRefreshLease makes the tab look as if another process is refreshing it.
func WithRefreshLease(tabID, owner string) RepositoryOption {
	return func(r *Repository) { r.leases[tabID] = owner }
}
func WithLoadPendingError(err error) RepositoryOption {
	return func(r *Repository) { r.loadPendingErr = err }
}
func WithStorePendingError(err error) RepositoryOption {
	return func(r *Repository) { r.storePendingErr = err }
}
func WithDeletePendingError(err error) RepositoryOption {
	return func(r *Repository) { r.deletePendingErr = err }
}
func WithLoadSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.loadSessionErr = err }
}
func WithStoreSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.storeSessionErr = err }
}
func WithDeleteSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteSessionErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		pending:  make(map[string]session.PendingAuthorization),
		sessions: make(map[string]session.Session),
		leases:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// TPending is a helper method for tests to inspect the pending record of a tab.
func (r *Repository) TPending(tabID string) (session.PendingAuthorization, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[tabID]
	return p, ok
}

// TSession is a helper method for tests to inspect the session of a tab.
func (r *Repository) TSession(tabID string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tabID]
	return s, ok
}

func (r *Repository) LoadPending(_ context.Context, tabID string) (session.PendingAuthorization, error) {
	if r.loadPendingErr != nil {
		return session.PendingAuthorization{}, r.loadPendingErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending[tabID]; ok {
		return p, nil
	}
	return session.PendingAuthorization{}, serviceerr.ErrNotFound
}

func (r *Repository) StorePending(_ context.Context, tabID string, p session.PendingAuthorization) error {
	if r.storePendingErr != nil {
		return r.storePendingErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[tabID] = p
	return nil
}

func (r *Repository) DeletePending(_ context.Context, tabID string) error {
	if r.deletePendingErr != nil {
		return r.deletePendingErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, tabID)
	return nil
}

func (r *Repository) LoadSession(_ context.Context, tabID string) (session.Session, error) {
	if r.loadSessionErr != nil {
		return session.Session{}, r.loadSessionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[tabID]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) StoreSession(_ context.Context, tabID string, s session.Session) error {
	if r.storeSessionErr != nil {
		return r.storeSessionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[tabID] = s
	return nil
}

func (r *Repository) DeleteSession(_ context.Context, tabID string) error {
	if r.deleteSessionErr != nil {
		return r.deleteSessionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, tabID)
	return nil
}

// ReplaceSession and DeleteSessionIf compare revisions, as every stored
// session carries a fresh one.
func (r *Repository) ReplaceSession(_ context.Context, tabID string, current, next session.Session) (bool, error) {
	if r.storeSessionErr != nil {
		return false, r.storeSessionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[tabID]; !ok || s.Revision != current.Revision {
		return false, nil
	}
	r.sessions[tabID] = next
	return true, nil
}

func (r *Repository) DeleteSessionIf(_ context.Context, tabID string, current session.Session) (bool, error) {
	if r.deleteSessionErr != nil {
		return false, r.deleteSessionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[tabID]; !ok || s.Revision != current.Revision {
		return false, nil
	}
	delete(r.sessions, tabID)
	return true, nil
}

// AcquireRefreshLease ignores ttl. Tests release leases explicitly.
func (r *Repository) AcquireRefreshLease(_ context.Context, tabID, owner string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.leases[tabID]; taken {
		return false, nil
	}
	r.leases[tabID] = owner
	return true, nil
}

func (r *Repository) ReleaseRefreshLease(_ context.Context, tabID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leases[tabID] == owner {
		delete(r.leases, tabID)
	}
	return nil
}

// TLease is a helper method for tests to inspect the refresh lease of a tab.
func (r *Repository) TLease(tabID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.leases[tabID]
	return owner, ok
}

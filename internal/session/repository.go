package session

import (
	"context"
	"fmt"
	"time"

	"github.com/openkcm/smart-session/internal/kv"
)

const (
	pendingKeyPrefix = "pending:"
	sessionKeyPrefix = "session:"
	leaseKeyPrefix   = "refresh-lease:"
)

// Repository persists the two tab-scoped records. Loads return an error
// wrapping serviceerr.ErrNotFound when the record is absent.
type Repository interface {
	LoadPending(ctx context.Context, tabID string) (PendingAuthorization, error)
	StorePending(ctx context.Context, tabID string, pending PendingAuthorization) error
	DeletePending(ctx context.Context, tabID string) error
	LoadSession(ctx context.Context, tabID string) (Session, error)
	StoreSession(ctx context.Context, tabID string, session Session) error
	DeleteSession(ctx context.Context, tabID string) error

	// ReplaceSession stores next only while current is still the stored
	// session. DeleteSessionIf removes the session on the same condition.
	// Both report false when the record changed or is gone.
	ReplaceSession(ctx context.Context, tabID string, current, next Session) (bool, error)
	DeleteSessionIf(ctx context.Context, tabID string, current Session) (bool, error)

	// AcquireRefreshLease gives owner the exclusive right to refresh the
	// tab's session until ttl passes or the lease is released. It holds
	// across every process sharing the store.
	AcquireRefreshLease(ctx context.Context, tabID, owner string, ttl time.Duration) (bool, error)
	ReleaseRefreshLease(ctx context.Context, tabID, owner string) error
}

// KVRepository keeps the records in a kv.Store. Each record is written with
// a single Set, so a reader never sees a partially updated one.
type KVRepository struct {
	store      kv.Store
	pendingTTL time.Duration
	sessionTTL time.Duration
}

var _ = Repository(&KVRepository{})

func NewRepository(store kv.Store, pendingTTL, sessionTTL time.Duration) *KVRepository {
	return &KVRepository{
		store:      store,
		pendingTTL: pendingTTL,
		sessionTTL: sessionTTL,
	}
}

func (r *KVRepository) LoadPending(ctx context.Context, tabID string) (PendingAuthorization, error) {
	var pending PendingAuthorization
	if err := r.store.Get(ctx, pendingKeyPrefix+tabID, &pending); err != nil {
		return PendingAuthorization{}, fmt.Errorf("loading pending authorization: %w", err)
	}

	return pending, nil
}

func (r *KVRepository) StorePending(ctx context.Context, tabID string, pending PendingAuthorization) error {
	if err := r.store.Set(ctx, pendingKeyPrefix+tabID, pending, r.pendingTTL); err != nil {
		return fmt.Errorf("storing pending authorization: %w", err)
	}

	return nil
}

func (r *KVRepository) DeletePending(ctx context.Context, tabID string) error {
	if err := r.store.Delete(ctx, pendingKeyPrefix+tabID); err != nil {
		return fmt.Errorf("deleting pending authorization: %w", err)
	}

	return nil
}

func (r *KVRepository) LoadSession(ctx context.Context, tabID string) (Session, error) {
	var session Session
	if err := r.store.Get(ctx, sessionKeyPrefix+tabID, &session); err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	return session, nil
}

func (r *KVRepository) StoreSession(ctx context.Context, tabID string, session Session) error {
	if err := r.store.Set(ctx, sessionKeyPrefix+tabID, session, r.sessionTTL); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (r *KVRepository) DeleteSession(ctx context.Context, tabID string) error {
	if err := r.store.Delete(ctx, sessionKeyPrefix+tabID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (r *KVRepository) ReplaceSession(ctx context.Context, tabID string, current, next Session) (bool, error) {
	swapped, err := r.store.CompareAndSwap(ctx, sessionKeyPrefix+tabID, current, next, r.sessionTTL)
	if err != nil {
		return false, fmt.Errorf("replacing session: %w", err)
	}

	return swapped, nil
}

func (r *KVRepository) DeleteSessionIf(ctx context.Context, tabID string, current Session) (bool, error) {
	deleted, err := r.store.CompareAndDelete(ctx, sessionKeyPrefix+tabID, current)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}

	return deleted, nil
}

func (r *KVRepository) AcquireRefreshLease(ctx context.Context, tabID, owner string, ttl time.Duration) (bool, error) {
	acquired, err := r.store.SetIfAbsent(ctx, leaseKeyPrefix+tabID, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring refresh lease: %w", err)
	}

	return acquired, nil
}

// ReleaseRefreshLease leaves a lease taken over by another owner alone.
func (r *KVRepository) ReleaseRefreshLease(ctx context.Context, tabID, owner string) error {
	if _, err := r.store.CompareAndDelete(ctx, leaseKeyPrefix+tabID, owner); err != nil {
		return fmt.Errorf("releasing refresh lease: %w", err)
	}

	return nil
}

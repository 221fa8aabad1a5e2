// Package kvmemory is an in-process kv.Store. Values are stored encoded so
// callers never share memory with the store.
package kvmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/smart-session/internal/kv"
	"github.com/openkcm/smart-session/internal/serviceerr"
)

const cleanupInterval = time.Minute

type Store struct {
	// mu orders writes so the conditional operations are atomic. Reads go
	// straight to the cache.
	mu    sync.Mutex
	cache *cache.Cache
}

var _ = kv.Store(&Store{})

func New() *Store {
	return &Store{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (s *Store) Get(_ context.Context, key string, into any) error {
	raw, ok := s.raw(key)
	if !ok {
		return fmt.Errorf("getting %s: %w", key, serviceerr.ErrNotFound)
	}

	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}

func (s *Store) Set(_ context.Context, key string, val any, ttl time.Duration) error {
	encoded, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshaling json: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(key, encoded, expiration(ttl))

	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(key)
	return nil
}

func (s *Store) SetIfAbsent(_ context.Context, key string, val any, ttl time.Duration) (bool, error) {
	encoded, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("marshaling json: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Add fails for a live key only, expired ones are replaced.
	if err := s.cache.Add(key, encoded, expiration(ttl)); err != nil {
		return false, nil //nolint:nilerr
	}

	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, old, val any, ttl time.Duration) (bool, error) {
	expected, err := json.Marshal(old)
	if err != nil {
		return false, fmt.Errorf("marshaling json: %w", err)
	}
	encoded, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("marshaling json: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.raw(key); !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	s.cache.Set(key, encoded, expiration(ttl))

	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key string, old any) (bool, error) {
	expected, err := json.Marshal(old)
	if err != nil {
		return false, fmt.Errorf("marshaling json: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.raw(key); !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	s.cache.Delete(key)

	return true, nil
}

// Len reports the number of live keys.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

func (s *Store) raw(key string) ([]byte, bool) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}

	//nolint:forcetypeassert
	return item.([]byte), true
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}

	return ttl
}

// Package kvvalkey is the production kv.Store backed by Valkey.
package kvvalkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/smart-session/internal/kv"
	"github.com/openkcm/smart-session/internal/serviceerr"
)

// The scripts compare the raw stored value so the check and the write run
// as one step on the server.
var (
	compareAndSwapScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

	compareAndDeleteScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)
)

type Store struct {
	valkey valkey.Client
	prefix string
}

var _ = kv.Store(&Store{})

func New(valkeyClient valkey.Client, prefix string) *Store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &Store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (s *Store) Get(ctx context.Context, key string, into any) error {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return errors.Join(valkeyErr, serviceerr.ErrNotFound)
		}

		return fmt.Errorf("executing get command: %w", err)
	}

	if err := s.decode(bytes, into); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}

	return nil
}

// Set writes the whole value with a single SET so readers never see a
// partially written record.
func (s *Store) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	bytes, err := s.encode(val)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	set := s.valkey.B().Set().Key(s.key(key)).Value(valkey.BinaryString(bytes))

	var cmd valkey.Completed
	if ttl > 0 {
		cmd = set.PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = set.Build()
	}

	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

// SetIfAbsent writes the value with SET NX.
func (s *Store) SetIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error) {
	bytes, err := s.encode(val)
	if err != nil {
		return false, fmt.Errorf("encoding data: %w", err)
	}

	set := s.valkey.B().Set().Key(s.key(key)).Value(valkey.BinaryString(bytes)).Nx()

	var cmd valkey.Completed
	if ttl > 0 {
		cmd = set.PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = set.Build()
	}

	err = s.valkey.Do(ctx, cmd).Error()
	switch {
	case valkey.IsValkeyNil(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("executing set nx command: %w", err)
	default:
		return true, nil
	}
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, val any, ttl time.Duration) (bool, error) {
	expected, err := s.encode(old)
	if err != nil {
		return false, fmt.Errorf("encoding expected data: %w", err)
	}
	bytes, err := s.encode(val)
	if err != nil {
		return false, fmt.Errorf("encoding data: %w", err)
	}

	px := int64(0)
	if ttl > 0 {
		px = ttl.Milliseconds()
	}

	swapped, err := compareAndSwapScript.Exec(ctx, s.valkey,
		[]string{s.key(key)},
		[]string{string(expected), string(bytes), strconv.FormatInt(px, 10)},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("executing compare and swap: %w", err)
	}

	return swapped == 1, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, old any) (bool, error) {
	expected, err := s.encode(old)
	if err != nil {
		return false, fmt.Errorf("encoding expected data: %w", err)
	}

	deleted, err := compareAndDeleteScript.Exec(ctx, s.valkey,
		[]string{s.key(key)},
		[]string{string(expected)},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("executing compare and delete: %w", err)
	}

	return deleted == 1, nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}

	return s.prefix + ":" + key
}

func (s *Store) encode(v any) ([]byte, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json: %w", err)
	}

	return bytes, nil
}

func (s *Store) decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}

// Package idempotency deduplicates requests that carry an idempotency key.
// A result is stored under the key together with a hash of the request
// input; replaying the key with the same input returns the stored result and
// replaying it with different input is a conflict. While the first request
// runs the key holds a reservation, and a concurrent request with the same
// key is rejected instead of reaching the backend a second time.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/grcbff/model"
)

// Store persists results by idempotency key.
type Store interface {
	// Check looks up a previous result. found is true when the key exists;
	// a hash mismatch or a pending reservation returns found with a CONFLICT
	// error.
	Check(ctx context.Context, key, inputHash string) (result json.RawMessage, found bool, err error)

	// Reserve marks key as in progress for ttl unless the key already holds
	// a result or a reservation. It reports whether the reservation was taken.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error)

	// Release drops the reservation of a request that produced no result.
	Release(ctx context.Context, key string) error

	// Save stores a result under the key for ttl, replacing a reservation.
	Save(ctx context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

// MaxReservation bounds how long a reservation outlives a request that never
// saved or released it.
const MaxReservation = 5 * time.Minute

type entry struct {
	InputHash string          `json:"input_hash"`
	Result    json.RawMessage `json:"result,omitempty"`
	Pending   bool            `json:"pending,omitempty"`
}

// lookup turns a stored entry into the Check result.
func (e entry) lookup(key, inputHash string) (json.RawMessage, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	if e.Pending {
		return nil, true, inProgress(key)
	}
	return e.Result, true, nil
}

// ErrNotSaved is returned by Do, together with the result, when fn succeeded
// but the result could not be stored.
var ErrNotSaved = errors.New("idempotency: result not saved")

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

func inProgress(key string) error {
	return model.NewConflictError(fmt.Sprintf("a request with idempotency key %q is still in progress", key))
}

func reservationTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxReservation {
		return MaxReservation
	}
	return ttl
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL, for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store. Expired entries are dropped on read.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	raw, found, err := e.data.lookup(key, inputHash)
	return append(json.RawMessage(nil), raw...), found, err
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !s.now().After(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: s.now().Add(ttl),
	}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: append(json.RawMessage(nil), result...)},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is left to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (json.RawMessage, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.lookup(key, inputHash)
}

// Reserve implements Store with SET NX, so only one caller takes the key.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey scopes a client key to an operation and tenant:
// "idem:{scope}:{tenant}:{key}".
func FormatKey(scope, tenant, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", scope, tenant, strings.TrimSpace(key))
}

// Hash returns the hex SHA-256 of the JSON encoding of input. Map keys are
// encoded sorted, so equal inputs hash equally.
func Hash(input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash idempotency input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Do runs fn once per key. A stored result for the same input is decoded and
// returned with replayed set; otherwise the key is reserved, fn runs and its
// successful result is saved. A call that finds the key reserved by a request
// still running fails with CONFLICT. Failed calls release the key so the
// client can retry with it. An empty key always runs fn.
func Do[T any](ctx context.Context, s Store, key string, input any, ttl time.Duration, fn func(context.Context) (T, error)) (result T, replayed bool, err error) {
	if s == nil || key == "" {
		result, err = fn(ctx)
		return result, false, err
	}
	hash, err := Hash(input)
	if err != nil {
		return result, false, err
	}
	raw, found, err := s.Check(ctx, key, hash)
	if err == nil && !found {
		var reserved bool
		reserved, err = s.Reserve(ctx, key, hash, reservationTTL(ttl))
		if err == nil && !reserved {
			// Taken between Check and Reserve.
			raw, found, err = s.Check(ctx, key, hash)
			if err == nil && !found {
				err = inProgress(key)
			}
		}
	}
	if err != nil {
		return result, false, err
	}
	if found {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, false, fmt.Errorf("decode stored result %q: %w", key, err)
		}
		return result, true, nil
	}

	release := func() { _ = s.Release(context.WithoutCancel(ctx), key) }
	result, err = fn(ctx)
	if err != nil {
		release()
		return result, false, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		release()
		return result, false, fmt.Errorf("%w: encode %q: %w", ErrNotSaved, key, err)
	}
	if err := s.Save(ctx, key, hash, encoded, ttl); err != nil {
		release()
		return result, false, fmt.Errorf("%w: %w", ErrNotSaved, err)
	}
	return result, false, nil
}

package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/stratafi/strata-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu          sync.RWMutex
	strings     map[string][]byte
	expirations map[string]time.Time

	janitorInterval time.Duration
	janitorStop     chan struct{}
	janitorDone     chan struct{}
}

// New creates a new in-memory store with optional janitor for TTL cleanup
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		strings:         make(map[string][]byte),
		expirations:     make(map[string]time.Time),
		janitorInterval: janitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}

	return s
}

// janitor runs background expiration cleanup
func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

// evictExpired removes all expired keys
func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			delete(s.strings, key)
			delete(s.expirations, key)
		}
	}
}

// isExpired checks if a key has expired (must hold lock)
func (s *Store) isExpired(key string) bool {
	if expiry, exists := s.expirations[key]; exists {
		return time.Now().After(expiry)
	}
	return false
}

// setExpiration sets TTL for a key (must hold write lock)
func (s *Store) setExpiration(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	} else {
		delete(s.expirations, key)
	}
}

// evictKey lazily removes a key that was observed expired under the read lock
func (s *Store) evictKey(key string) {
	s.mu.Lock()
	if s.isExpired(key) {
		delete(s.strings, key)
		delete(s.expirations, key)
	}
	s.mu.Unlock()
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = value

	if len(ttl) > 0 && ttl[0] > 0 {
		s.setExpiration(key, ttl[0])
	} else {
		delete(s.expirations, key)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	if s.isExpired(key) {
		s.mu.RUnlock()
		s.evictKey(key)
		return nil, kv.ErrNotFound
	}
	value, exists := s.strings[key]
	s.mu.RUnlock()

	if !exists {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetString(ctx context.Context, key string, value string, ttl ...time.Duration) error {
	return s.Set(ctx, key, []byte(value), ttl...)
}

func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isExpired(key) {
		delete(s.strings, key)
		delete(s.expirations, key)
	}

	if _, exists := s.strings[key]; exists {
		return false, nil
	}

	s.strings[key] = value
	s.setExpiration(key, ttl)
	return true, nil
}

// Key operations

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, exists := s.strings[key]; exists && !s.isExpired(key) {
			deleted++
		}
		delete(s.strings, key)
		delete(s.expirations, key)
	}

	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int64
	for _, key := range keys {
		if s.isExpired(key) {
			continue
		}
		if _, found := s.strings[key]; found {
			exists++
		}
	}

	return exists, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isExpired(key) {
		delete(s.strings, key)
		delete(s.expirations, key)
		return false, nil
	}

	if _, exists := s.strings[key]; !exists {
		return false, nil
	}

	s.setExpiration(key, ttl)
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, hasExpiry := s.expirations[key]
	if !hasExpiry {
		if _, exists := s.strings[key]; !exists {
			return 0, kv.ErrNotFound
		}
		return -1, nil // Key exists but has no expiration
	}

	remaining := time.Until(expiry)
	if remaining <= 0 {
		return 0, nil // Key has expired
	}

	return remaining, nil
}

// Counter operations

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isExpired(key) {
		delete(s.strings, key)
		delete(s.expirations, key)
	}

	var current int64
	if value, exists := s.strings[key]; exists {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}

	newValue := current + n
	s.strings[key] = []byte(strconv.FormatInt(newValue, 10))

	return newValue, nil
}

func (s *Store) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.IncrBy(ctx, key, -n)
}

// Ping always returns nil for the in-memory store (always available)
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close stops the background janitor and cleans up resources
func (s *Store) Close() error {
	if s.janitorInterval > 0 {
		close(s.janitorStop)
		<-s.janitorDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear all data
	s.strings = make(map[string][]byte)
	s.expirations = make(map[string]time.Time)

	return nil
}

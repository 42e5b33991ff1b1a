// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stratafi/strata-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("StringOperations", func(t *testing.T) {
		testStringOperations(t, factory)
	})
	t.Run("KeyOperations", func(t *testing.T) {
		testKeyOperations(t, factory)
	})
	t.Run("TTLOperations", func(t *testing.T) {
		testTTLOperations(t, factory)
	})
	t.Run("CounterOperations", func(t *testing.T) {
		testCounterOperations(t, factory)
	})
	t.Run("HealthCheck", func(t *testing.T) {
		testHealthCheck(t, factory)
	})
}

func testStringOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"SetString", testSetString},
		{"GetString", testGetString},
		{"SetNX", testSetNX},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:string"
	value := []byte("hello world")

	// Set value
	err := store.Set(ctx, key, value)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Get value
	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !reflect.DeepEqual(result, value) {
		t.Fatalf("Expected %v, got %v", value, result)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:nonexistent"

	_, err := store.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testSetString(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:setstring"
	value := "hello string"

	err := store.SetString(ctx, key, value)
	if err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	result, err := store.GetString(ctx, key)
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}

	if result != value {
		t.Fatalf("Expected %q, got %q", value, result)
	}
}

func testGetString(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:getstring"

	_, err := store.GetString(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:setnx"

	// First writer wins
	ok, err := store.SetNX(ctx, key, []byte("first"), 0)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected first SetNX to succeed")
	}

	// Second writer is rejected and the value is unchanged
	ok, err = store.SetNX(ctx, key, []byte("second"), 0)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if ok {
		t.Fatalf("Expected second SetNX to be rejected")
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "first" {
		t.Fatalf("Expected %q, got %q", "first", result)
	}
}

func testKeyOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"Del", testDel},
		{"Exists", testExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key1, key2 := "test:del1", "test:del2"

	if err := store.Set(ctx, key1, []byte("a")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, key2, []byte("b")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	deleted, err := store.Del(ctx, key1, key2, "test:del-missing")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("Expected 2 deleted, got %d", deleted)
	}

	if _, err := store.Get(ctx, key1); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after Del, got %v", err)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:exists"

	if err := store.Set(ctx, key, []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	count, err := store.Exists(ctx, key, "test:exists-missing")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 existing key, got %d", count)
	}
}

func testTTLOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetWithTTL", testSetWithTTL},
		{"Expire", testExpire},
		{"TTL", testTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:ttl-expiry"

	if err := store.Set(ctx, key, []byte("ephemeral"), 30*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Key is readable before the TTL elapses
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("Expected key to exist before TTL, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func testExpire(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:expire"

	if err := store.Set(ctx, key, []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := store.Expire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected Expire to succeed on existing key")
	}

	ok, err = store.Expire(ctx, "test:expire-missing", time.Minute)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if ok {
		t.Fatalf("Expected Expire to fail on missing key")
	}
}

func testTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()

	// Key with an expiration reports remaining time
	if err := store.Set(ctx, "test:ttl-set", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ttl, err := store.TTL(ctx, "test:ttl-set")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("Expected TTL in (0, 1m], got %v", ttl)
	}

	// Key without an expiration reports a negative sentinel
	if err := store.Set(ctx, "test:ttl-none", []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ttl, err = store.TTL(ctx, "test:ttl-none")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl >= 0 {
		t.Fatalf("Expected negative TTL for key without expiration, got %v", ttl)
	}

	// Missing key is ErrNotFound
	if _, err := store.TTL(ctx, "test:ttl-missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testCounterOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"IncrBy", testIncrBy},
		{"DecrBy", testDecrBy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testIncrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:counter"

	// Fresh key starts from zero
	v, err := store.IncrBy(ctx, key, 5)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if v != 5 {
		t.Fatalf("Expected 5, got %d", v)
	}

	v, err = store.IncrBy(ctx, key, 3)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if v != 8 {
		t.Fatalf("Expected 8, got %d", v)
	}
}

func testDecrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:counter-down"

	if _, err := store.IncrBy(ctx, key, 10); err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}

	v, err := store.DecrBy(ctx, key, 4)
	if err != nil {
		t.Fatalf("DecrBy failed: %v", err)
	}
	if v != 6 {
		t.Fatalf("Expected 6, got %d", v)
	}
}

func testHealthCheck(t *testing.T, factory StoreFactory) {
	t.Run("Ping", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		if err := store.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}

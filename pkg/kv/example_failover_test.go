package kv_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stratafi/strata-backend/pkg/kv"

	// Import backends to register them
	_ "github.com/stratafi/strata-backend/pkg/kv/memory"
	_ "github.com/stratafi/strata-backend/pkg/kv/redis"
)

func ExampleNewStoreFromConfig_gracefulFailover() {
	// Create a logger to see failover events
	logger := func(msg string, fields ...any) {
		fmt.Printf("KV Store: %s\n", msg)
	}

	cfg := kv.Config{
		Backend:             kv.BackendRedis,
		RedisURL:            "redis://localhost:6379/0", // This will likely fail
		FailoverEnabled:     true,
		ProbeInterval:       2 * time.Second,
		StartupProbeTimeout: 500 * time.Millisecond,
		Logger:              logger,
	}

	// This should gracefully fall back to memory store if Redis is unavailable
	store, err := kv.NewStoreFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	// Use the store normally - it will work regardless of Redis availability
	err = store.SetString(ctx, "strata:jobs:last_closed_epoch", "7")
	if err != nil {
		log.Fatal(err)
	}

	value, err := store.GetString(ctx, "strata:jobs:last_closed_epoch")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Retrieved value: %s\n", value)

	// Check which backend is active
	if fs, ok := store.(interface{ GetActiveBackend() string }); ok {
		fmt.Printf("Active backend: %s\n", fs.GetActiveBackend())
	}

	// Output will vary based on Redis availability:
	// If Redis is down: "KV Store: Redis unavailable at startup; using in-memory store"
	// Retrieved value: 7
	// Active backend: fallback
}

package main

import (
	"context"
	"fmt"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/kinelink/internal/config"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/firestore"
	"github.com/mihaimyh/kinelink/storage/memory"
	"github.com/mihaimyh/kinelink/storage/postgres"
	"github.com/mihaimyh/kinelink/storage/redis"
)

// backend is what the server needs from a storage adapter
type backend interface {
	kinelink.Storage
	kinelink.RateLimitStore
	kinelink.ConversationStore
}

// cleaner is implemented by backends that need periodic pruning.
// Redis expires keys on its own.
type cleaner interface {
	Cleanup(ctx context.Context, now time.Time, retention time.Duration) error
}

// openStorage connects the backend selected by STORAGE.
// The returned func releases its connections.
func openStorage(ctx context.Context, cfg *config.Config, logger kinelink.Logger) (backend, func(), error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.New(), func() {}, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		store, err := redis.New(client, redis.Config{EventTTL: cfg.EventRetention})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		pgConfig.EventRetention = cfg.EventRetention
		pgConfig.Logger = logger
		// the cleanup loop in run covers every backend
		pgConfig.CleanupEnabled = false
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}

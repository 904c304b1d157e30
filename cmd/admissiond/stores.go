package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/config"
	"github.com/jassus213/go-admission/store"
)

// quotaStore is what admissiond needs from a backend: the controller's
// read/write contract, the monitor's scan and a liveness check.
type quotaStore interface {
	admission.Store
	admission.Scanner
	Ping(ctx context.Context) error
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger admission.Logger) (quotaStore, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		st := store.NewRedis(client, store.WithKeyPrefix(cfg.RedisKeyPrefix))
		if err := pingWithTimeout(ctx, st); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		logger.Infof("Using redis quota store at %v", cfg.RedisAddrs)
		return st, func() { _ = client.Close() }, nil

	case config.BackendMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		st, err := store.NewMongo(ctx, client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		logger.Infof("Using mongo quota store %s.%s", cfg.MongoDatabase, cfg.MongoCollection)
		return st, closeFn, nil

	case config.BackendPostgres:
		st, err := store.NewPostgres(ctx, cfg.Postgres())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Infof("Using postgres quota store")
		return st, st.Close, nil

	default:
		logger.Infof("Using in-memory quota store (cleanup every %s)", cfg.CleanupInterval)
		return store.NewMemory(ctx, cfg.CleanupInterval), func() {}, nil
	}
}

func pingWithTimeout(ctx context.Context, st quotaStore) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return st.Ping(ctx)
}

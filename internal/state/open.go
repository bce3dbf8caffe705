package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"launchpad/internal/config"
)

// Open builds the Store selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	key, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Type {
	case config.StorePostgres:
		zap.L().Info("Using postgres store")
		return NewPostgresStore(ctx, cfg.Store.Postgres.DSN, sealer)
	case config.StoreMemory:
		zap.L().Warn("Using in-memory store; state is lost on restart")
		return NewMemoryStore(sealer), nil
	case config.StoreEtcd, "":
		zap.L().Info("Using etcd store", zap.Strings("endpoints", cfg.Store.Etcd.Endpoints))
		return NewEtcdStore(cfg.Store.Etcd.Endpoints, cfg.Store.Etcd.DialTimeout, cfg.Store.Etcd.Prefix, sealer)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

package assetproxy

import (
	"fmt"
	"os"
	"path/filepath"

	"assetproxy/internal/cachestore"
)

func openStore(cfg StorageConfig) (cachestore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return cachestore.NewMemory(), nil
	case "leveldb":
		return cachestore.OpenLevelDB(cfg.Path, cfg.ramMaxBytes)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		return cachestore.OpenSQLite(cfg.Path)
	case "redis":
		return cachestore.NewRedis(cachestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// sizer is implemented by stores that can report their footprint.
type sizer interface {
	TotalSize() int64
	RAMSize() int64
}

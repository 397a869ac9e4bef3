package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ggoodman/authsession-go/storage"
	"github.com/ggoodman/authsession-go/storage/bolt"
	"github.com/ggoodman/authsession-go/storage/file"
	"github.com/ggoodman/authsession-go/storage/memory"
	"github.com/ggoodman/authsession-go/storage/postgres"
	redisstore "github.com/ggoodman/authsession-go/storage/redis"
	"github.com/redis/go-redis/v9"
)

const memoryItems = 64

// OpenStorage opens the backend selected by c.Storage. The caller closes it.
func OpenStorage(ctx context.Context, c *Config, log *slog.Logger) (storage.Storage, error) {
	switch c.Storage {
	case StorageMemory:
		return memory.New(memoryItems)
	case StorageFile:
		var opts []file.Option
		if log != nil {
			opts = append(opts, file.WithLogger(log))
		}
		return file.New(c.StoragePath, opts...)
	case StorageBolt:
		if err := os.MkdirAll(filepath.Dir(c.StoragePath), 0o700); err != nil {
			return nil, fmt.Errorf("config: create storage dir: %w", err)
		}
		return bolt.NewFromFile(c.StoragePath, nil)
	case StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("config: redis ping: %w", err)
		}
		return redisstore.New(redisstore.Config{Client: client})
	case StoragePostgres:
		var opts []postgres.Option
		if log != nil {
			opts = append(opts, postgres.WithLogger(log))
		}
		return postgres.Open(ctx, c.DatabaseURL, opts...)
	default:
		return nil, fmt.Errorf("config: unknown storage %q", c.Storage)
	}
}

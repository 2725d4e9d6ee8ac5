package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func newRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping error: %w", err)
	}
	return rdb, nil
}

// openPointStore escolhe o backend de storage.backend. O close devolvido
// libera o que o backend abriu (nunca nil).
func openPointStore(cfg *Config, log *logrus.Logger, rdb *redis.Client) (domain.PointStore, func(), error) {
	noop := func() {}

	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		return infra.NewMemoryStore(), noop, nil

	case "redis":
		if rdb == nil {
			return nil, noop, fmt.Errorf("redis backend selected without a redis client")
		}
		return infra.NewRedisStore(rdb, infra.WithRedisPrefix(cfg.Redis.Prefix)), noop, nil

	case infra.DriverSQLite, infra.DriverPostgres:
		db, err := infra.OpenDatabase(log, infra.DatabaseConfig{
			Driver:          strings.ToLower(cfg.Storage.Backend),
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Name:            cfg.Database.Name,
			SSLMode:         cfg.Database.SSLMode,
			Path:            cfg.Storage.SQLite.Path,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, noop, err
		}
		closeDB := func() {
			if err := infra.CloseDatabase(db); err != nil {
				log.WithError(err).Warn("failed to close rate limit database")
			}
		}
		return infra.NewSQLStore(db), closeDB, nil
	}
	return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func needsRedis(cfg *Config) bool {
	return strings.EqualFold(cfg.Storage.Backend, "redis") || cfg.Stats.Redis
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 to satisfy RedisClient, the same
// minimal-interface shape the teacher's internal/infra.GoRedisAdapter
// exposes to internal/fabric — adapted here from hub-store persistence
// to C7's history/kv/cursor backend.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to addr and pings it before returning,
// mirroring the teacher's fail-fast connection check.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("storage: redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// PostgresAdapter wraps *sql.DB (registered with the lib/pq driver) to
// satisfy SQLExecutor, used when storage.backend == "postgres".
type PostgresAdapter struct {
	db *sql.DB
}

// NewPostgresAdapter opens a connection pool against postgresURL (a
// lib/pq-compatible DSN) and pings it before returning.
func NewPostgresAdapter(postgresURL string) (*PostgresAdapter, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	slog.Info("storage: postgres connected")
	return &PostgresAdapter{db: db}, nil
}

// Close shuts down the underlying connection pool.
func (a *PostgresAdapter) Close() error { return a.db.Close() }

func (a *PostgresAdapter) ExecContext(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *PostgresAdapter) QueryRowContext(ctx context.Context, query string, args ...interface{}) RowScanner {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *PostgresAdapter) PingContext(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

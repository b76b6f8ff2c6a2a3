// Package state provides the small persistence layer behind the quota ledger
// and the IP guard: a named-document store with a local-file implementation
// and an optional redis implementation for multi-instance deployments.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend persists small JSON documents by name.
type Backend interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// FileBackend stores each document as a file under a base directory, written
// atomically via temp-file-then-rename.
type FileBackend struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileBackend creates the base directory if needed.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.baseDir, name+".json")
}

func (f *FileBackend) Save(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.baseDir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, f.path(name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (f *FileBackend) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (f *FileBackend) Close() error { return nil }

// RedisBackend stores documents as plain keys under a prefix.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions carries the connection settings from config.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBackend connects and pings the server once to fail fast.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "cagw"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (r *RedisBackend) key(name string) string {
	return r.prefix + ":state:" + name
}

func (r *RedisBackend) Save(ctx context.Context, name string, data []byte) error {
	return r.client.Set(ctx, r.key(name), data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

func (r *RedisBackend) Close() error { return r.client.Close() }

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a KV backend.
type Options struct {
	Backend    string
	DataDir    string
	SQLitePath string
	Redis      RedisOptions
}

// Open builds the KV backend named by opts.Backend (file when empty).
func Open(ctx context.Context, opts Options) (KV, error) { //nolint:ireturn
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileKV(opts.DataDir), nil
	case BackendRedis:
		return NewRedisKV(ctx, opts.Redis)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, "metaextract.db")
		}
		return NewSQLiteKV(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}

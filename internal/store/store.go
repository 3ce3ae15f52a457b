package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

var (
	ErrNotFound  = errors.New("project not found")
	ErrDuplicate = errors.New("duplicate project")
)

// Store loads and saves the whole project list. Implementations keep the
// order of the list.
type Store interface {
	Load(ctx context.Context) ([]*extract.Project, error)
	Save(ctx context.Context, projects []*extract.Project) error
	Close() error
}

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Open returns the store for backend. dsn is a file path for file and
// sqlite, a connection string for postgres and a redis:// URL for redis.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	dsn = strings.TrimSpace(dsn)
	switch backend {
	case "", BackendFile:
		if dsn == "" {
			dsn = "projects.json"
		}
		return NewFileStore(dsn), nil
	case BackendSQLite:
		if dsn == "" {
			dsn = "projects.db"
		}
		return OpenSQLite(ctx, dsn)
	case BackendPostgres:
		if dsn == "" {
			return nil, errors.New("STORE_DSN is required for the postgres backend")
		}
		return OpenPostgres(ctx, dsn)
	case BackendRedis:
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		return OpenRedis(ctx, dsn)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (expected file, sqlite, postgres, redis or memory)", backend)
	}
}

// MemoryStore keeps an encoded snapshot in memory. Useful for tests and dry runs.
type MemoryStore struct {
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) ([]*extract.Project, error) {
	return extract.DecodeProjects(m.data)
}

func (m *MemoryStore) Save(_ context.Context, projects []*extract.Project) error {
	b, err := extract.EncodeProjects(projects)
	if err != nil {
		return err
	}
	m.data = b
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

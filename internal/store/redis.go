package store

import (
	"context"
	"fmt"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "extract:"

// RedisStore keeps the ordered ID list at {prefix}projects and each project
// document at {prefix}project:{id}.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, defaultRedisPrefix), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) listKey() string {
	return s.prefix + "projects"
}

func (s *RedisStore) projectKey(id string) string {
	return s.prefix + "project:" + id
}

func (s *RedisStore) Load(ctx context.Context) ([]*extract.Project, error) {
	ids, err := s.client.LRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.projectKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get projects: %w", err)
	}

	out := make([]*extract.Project, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Listed but missing: skip rather than fail the whole load.
			continue
		}
		p, err := extract.DecodeProject([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", ids[i], err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Save writes the list and every document in one MULTI/EXEC and removes
// documents of projects no longer listed.
func (s *RedisStore) Save(ctx context.Context, projects []*extract.Project) error {
	oldIDs, err := s.client.LRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	keep := make(map[string]struct{}, len(projects))
	ids := make([]any, 0, len(projects))
	docs := make(map[string][]byte, len(projects))
	for _, p := range projects {
		if p == nil {
			continue
		}
		b, err := extract.EncodeProject(p)
		if err != nil {
			return fmt.Errorf("failed to marshal project %s: %w", p.ID, err)
		}
		keep[p.ID] = struct{}{}
		ids = append(ids, p.ID)
		docs[p.ID] = b
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.listKey())
		if len(ids) > 0 {
			pipe.RPush(ctx, s.listKey(), ids...)
		}
		for id, b := range docs {
			pipe.Set(ctx, s.projectKey(id), b, 0)
		}
		for _, id := range oldIDs {
			if _, ok := keep[id]; !ok {
				pipe.Del(ctx, s.projectKey(id))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save projects: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/cachestate"
)

// stateRepository persists cache states as one Redis hash per source key:
// field = format name, value = unix timestamp.
type stateRepository struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// NewStateRepository returns a cachestate.Store backed by Redis.
func NewStateRepository(client *redis.Client, prefix string, log *zap.Logger) cachestate.Store {
	return &stateRepository{
		client: client,
		prefix: prefix,
		log:    log,
	}
}

func (r *stateRepository) Load(ctx context.Context, key string) (*cachestate.State, error) {
	fields, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		r.log.Error("Failed to load cache state",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("load cache state %s: %w", key, err)
	}

	entries := make(map[string]int64, len(fields))
	for format, raw := range fields {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			r.log.Warn("Skipping malformed cache state entry",
				zap.String("key", key),
				zap.String("format", format),
				zap.String("value", raw))
			continue
		}
		entries[format] = ts
	}

	s := cachestate.New(key, r)
	s.Restore(entries)

	return s, nil
}

// SaveState writes the state's pending changes: HSET for recorded formats,
// HDEL for invalidated ones. Fields written concurrently for other formats
// are preserved.
func (r *stateRepository) SaveState(ctx context.Context, s *cachestate.State) error {
	changes := s.Changes()
	if changes.Empty() {
		return nil
	}
	redisKey := r.prefix + s.Key()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(changes.Set) > 0 {
			values := make(map[string]interface{}, len(changes.Set))
			for format, ts := range changes.Set {
				values[format] = ts
			}
			pipe.HSet(ctx, redisKey, values)
		}
		if len(changes.Removed) > 0 {
			pipe.HDel(ctx, redisKey, changes.Removed...)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to save cache state",
			zap.String("key", s.Key()),
			zap.Error(err))
		return fmt.Errorf("save cache state %s: %w", s.Key(), err)
	}

	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/domain"
)

var _ SnapshotStore = (*RedisSnapshotStore)(nil)

// saveSnapshotScript writes a snapshot unless a newer one is already cached.
var saveSnapshotScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "doc", ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// RedisSnapshotStore caches the latest snapshot of each stream as a Redis hash.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshotStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSnapshotStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:snapshot"
	}
	return &RedisSnapshotStore{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (s *RedisSnapshotStore) key(stream domain.StreamID) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, stream.Type, stream.ID)
}

func (s *RedisSnapshotStore) LoadLatest(ctx context.Context, stream domain.StreamID) (*Snapshot, error) {
	raw, err := s.client.HGet(ctx, s.key(stream), "doc").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot %s: %w", stream, err)
	}
	if snap.Stream != stream {
		return nil, fmt.Errorf("cached snapshot under %s belongs to %s", stream, snap.Stream)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return saveSnapshotScript.Run(ctx, s.client,
		[]string{s.key(snapshot.Stream)},
		snapshot.Version, string(doc), s.ttl.Milliseconds(),
	).Err()
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisSnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSnapshotStore(client, "test:snapshot:", ttl), mr
}

func TestRedisSnapshotStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Hour)
	stream := balanceStream()

	if _, err := s.LoadLatest(ctx, stream); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	taken := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, Snapshot{Stream: stream, Version: 7, State: []byte(`{"balances":{"USD":6000}}`), TakenAt: taken}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	snap, err := s.LoadLatest(ctx, stream)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.Version != 7 || !snap.TakenAt.Equal(taken) || string(snap.State) != `{"balances":{"USD":6000}}` {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	key := "test:snapshot:" + string(stream.Type) + ":" + stream.ID.String()
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl within an hour, got %s", ttl)
	}
}

func TestRedisSnapshotStore_OlderSnapshotDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t, 0)
	stream := balanceStream()

	_ = s.Save(ctx, Snapshot{Stream: stream, Version: 20, State: []byte(`{"n":20}`)})
	_ = s.Save(ctx, Snapshot{Stream: stream, Version: 5, State: []byte(`{"n":5}`)})

	snap, err := s.LoadLatest(ctx, stream)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.Version != 20 {
		t.Fatalf("expected version 20 to survive, got %d", snap.Version)
	}
}

func TestCachedSnapshotStore_FillsCacheFromBacking(t *testing.T) {
	ctx := context.Background()
	cache, _ := newRedisStore(t, time.Hour)
	backing := NewMemorySnapshotStore()
	cached := NewCachedSnapshotStore(cache, backing, logger.NewNop())
	stream := balanceStream()

	_ = backing.Save(ctx, Snapshot{Stream: stream, Version: 3, State: []byte(`{}`)})

	snap, err := cached.LoadLatest(ctx, stream)
	if err != nil || snap.Version != 3 {
		t.Fatalf("expected backing snapshot, got %+v (err %v)", snap, err)
	}
	fromCache, err := cache.LoadLatest(ctx, stream)
	if err != nil || fromCache.Version != 3 {
		t.Fatalf("expected cache to be filled, got err %v", err)
	}
}

func TestCachedSnapshotStore_CacheOutageIsNotFatal(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisSnapshotStore(client, "", time.Hour)
	backing := NewMemorySnapshotStore()
	cached := NewCachedSnapshotStore(cache, backing, logger.NewNop())
	stream := domain.StreamID{Type: domain.AggregateAccount, ID: balanceStream().ID}

	if err := cached.Save(ctx, Snapshot{Stream: stream, Version: 2, State: []byte(`{}`)}); err != nil {
		t.Fatalf("expected save to succeed without cache, got %v", err)
	}
	snap, err := cached.LoadLatest(ctx, stream)
	if err != nil || snap.Version != 2 {
		t.Fatalf("expected backing read without cache, got %+v (err %v)", snap, err)
	}
}

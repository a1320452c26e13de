package store

import (
	"context"
	"errors"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

var _ SnapshotStore = (*CachedSnapshotStore)(nil)

// CachedSnapshotStore reads through a cache in front of a durable store. Cache
// failures are logged and never surface to the caller.
type CachedSnapshotStore struct {
	cache   SnapshotStore
	backing SnapshotStore
	log     *logger.Logger
}

func NewCachedSnapshotStore(cache, backing SnapshotStore, log *logger.Logger) *CachedSnapshotStore {
	return &CachedSnapshotStore{cache: cache, backing: backing, log: log.With("component", "snapshot_cache")}
}

func (s *CachedSnapshotStore) LoadLatest(ctx context.Context, stream domain.StreamID) (*Snapshot, error) {
	snap, err := s.cache.LoadLatest(ctx, stream)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrSnapshotNotFound) {
		s.log.Warn("snapshot cache read failed", "stream", stream.String(), "error", err)
	}

	snap, err = s.backing.LoadLatest(ctx, stream)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Save(ctx, *snap); err != nil {
		s.log.Warn("snapshot cache fill failed", "stream", stream.String(), "error", err)
	}
	return snap, nil
}

func (s *CachedSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := s.backing.Save(ctx, snapshot); err != nil {
		return err
	}
	if err := s.cache.Save(ctx, snapshot); err != nil {
		s.log.Warn("snapshot cache write failed", "stream", snapshot.Stream.String(), "version", snapshot.Version, "error", err)
	}
	return nil
}

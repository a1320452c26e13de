/**
 * @description
 * This file contains the command shell around the aggregates. AggregateRepository
 * rebuilds an aggregate from its latest snapshot plus the event tail, and persists
 * the events a command handler produced with an optimistic version check.
 *
 * @notes
 * - Handlers never see the store. The shell assigns versions, appends, then applies
 *   the same events to the in-memory aggregate so callers observe the new state.
 * - A broken or unreadable snapshot is never fatal; the stream is replayed from the
 *   start instead. An integrity fault in the events themselves aborts the load.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/transfa/ledger-service/internal/aggregate"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// AggregateRepository loads and saves aggregates against an event store.
type AggregateRepository struct {
	events    store.EventStore
	snapshots store.SnapshotStore
	publisher EventPublisher
	metrics   *metrics.Collector
	log       *logger.Logger
}

// NewAggregateRepository builds the shell. snapshots and publisher may be nil.
func NewAggregateRepository(events store.EventStore, snapshots store.SnapshotStore, publisher EventPublisher, m *metrics.Collector, log *logger.Logger) *AggregateRepository {
	if log == nil {
		log = logger.NewNop()
	}
	return &AggregateRepository{
		events:    events,
		snapshots: snapshots,
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

// Load rebuilds the aggregate produced by newRoot from its snapshot and event tail.
func Load[T aggregate.Root](ctx context.Context, r *AggregateRepository, newRoot func() T) (T, error) {
	root := newRoot()
	stream := root.Stream()

	if r.snapshots != nil {
		snap, err := r.snapshots.LoadLatest(ctx, stream)
		switch {
		case err == nil:
			if err := root.Restore(snap.State, snap.Version); err != nil {
				r.log.Warn("discarding unreadable snapshot", "component", "aggregate_repository",
					"aggregate_type", stream.Type, "aggregate_id", stream.ID, "version", snap.Version, "err", err)
				r.metrics.SnapshotFallback(string(stream.Type))
				root = newRoot()
			}
		case errors.Is(err, store.ErrSnapshotNotFound):
		default:
			r.log.Warn("snapshot load failed; replaying full stream", "component", "aggregate_repository",
				"aggregate_type", stream.Type, "aggregate_id", stream.ID, "err", err)
			r.metrics.SnapshotFallback(string(stream.Type))
		}
	}

	if err := r.replayTail(ctx, root); err != nil {
		var zero T
		return zero, err
	}
	return root, nil
}

// Rebuild replays the whole stream into a fresh aggregate, ignoring snapshots.
func Rebuild[T aggregate.Root](ctx context.Context, r *AggregateRepository, newRoot func() T) (T, error) {
	root := newRoot()
	if err := r.replayTail(ctx, root); err != nil {
		var zero T
		return zero, err
	}
	return root, nil
}

func (r *AggregateRepository) replayTail(ctx context.Context, root aggregate.Root) error {
	stream := root.Stream()
	events, err := r.events.Load(ctx, stream, root.Version())
	if err != nil {
		if errors.Is(err, domain.ErrIntegrityFault) {
			r.integrityFault(stream, err)
		}
		return fmt.Errorf("load %s: %w", stream, err)
	}
	if err := aggregate.Replay(root, events); err != nil {
		if errors.Is(err, domain.ErrIntegrityFault) {
			r.integrityFault(stream, err)
		}
		return err
	}
	return nil
}

func (r *AggregateRepository) integrityFault(stream domain.StreamID, err error) {
	r.log.Error("integrity fault while rebuilding aggregate", "component", "aggregate_repository",
		"aggregate_type", stream.Type, "aggregate_id", stream.ID, "err", err)
	r.metrics.IntegrityFault(string(stream.Type))
}

// Save appends events produced against root at its current version and applies
// them to root. A stale root fails with domain.ErrConcurrencyConflict and is left
// untouched.
func (r *AggregateRepository) Save(ctx context.Context, root aggregate.Root, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	stream := root.Stream()
	base := root.Version()

	versioned := make([]domain.Event, len(events))
	for i, e := range events {
		e = e.Clone()
		e.Version = base + int64(i) + 1
		versioned[i] = e
	}

	if err := r.events.Append(ctx, stream, base, versioned); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(string(stream.Type))
		}
		return err
	}
	if err := aggregate.Replay(root, versioned); err != nil {
		return err
	}

	for _, e := range versioned {
		r.metrics.EventAppended(string(stream.Type), string(e.Type))
		switch e.Type {
		case domain.EventTransactionThresholdReached, domain.EventTransferThresholdReached:
			r.metrics.ThresholdReached(string(stream.Type))
			r.log.Info("operation threshold reached", "component", "aggregate_repository",
				"aggregate_type", stream.Type, "aggregate_id", stream.ID, "version", e.Version)
		}
	}

	if r.publisher != nil {
		r.publisher.Publish(ctx, versioned)
	}
	return nil
}

// SaveSnapshot stores the current state of root.
func (r *AggregateRepository) SaveSnapshot(ctx context.Context, root aggregate.Root) (store.Snapshot, error) {
	stream := root.Stream()
	if root.Version() == 0 {
		return store.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrAggregateNotFound, stream)
	}
	if r.snapshots == nil {
		return store.Snapshot{}, errors.New("snapshot store is not configured")
	}
	state, err := root.Snapshot()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("snapshot %s: %w", stream, err)
	}
	snap := store.Snapshot{
		Stream:  stream,
		Version: root.Version(),
		State:   state,
		TakenAt: time.Now().UTC(),
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		return store.Snapshot{}, err
	}
	r.metrics.SnapshotSaved(string(stream.Type))
	return snap, nil
}

// LatestSnapshotVersion reports the version of the newest snapshot of stream, or 0.
func (r *AggregateRepository) LatestSnapshotVersion(ctx context.Context, stream domain.StreamID) (int64, error) {
	if r.snapshots == nil {
		return 0, nil
	}
	snap, err := r.snapshots.LoadLatest(ctx, stream)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return snap.Version, nil
}

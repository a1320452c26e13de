package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	_ EventStore           = (*MemoryEventStore)(nil)
	_ StreamCatalog        = (*MemoryEventStore)(nil)
	_ SnapshotStore        = (*MemorySnapshotStore)(nil)
	_ ProjectionRepository = (*MemoryProjectionRepository)(nil)
)

// MemoryEventStore keeps streams in process. It is used by tests and by
// STORE_BACKEND=memory for local runs.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[domain.StreamID][]domain.Event
	touched map[domain.StreamID]time.Time
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[domain.StreamID][]domain.Event),
		touched: make(map[domain.StreamID]time.Time),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, stream domain.StreamID, expectedVersion int64, events []domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAppend(stream, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.streams[stream]))
	if current != expectedVersion {
		return conflict(stream, expectedVersion, current)
	}
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		s.streams[stream] = append(s.streams[stream], e.Clone())
	}
	s.touched[stream] = time.Now()
	return nil
}

func (s *MemoryEventStore) Load(ctx context.Context, stream domain.StreamID, fromVersion int64) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.streams[stream]
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= int64(len(all)) {
		return nil, nil
	}
	out := make([]domain.Event, 0, int64(len(all))-fromVersion)
	for _, e := range all[fromVersion:] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// ListStreams returns the most recently written streams first.
func (s *MemoryEventStore) ListStreams(ctx context.Context, limit int) ([]StreamVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StreamVersion, 0, len(s.streams))
	for id, events := range s.streams {
		out = append(out, StreamVersion{Stream: id, Version: int64(len(events))})
	}
	sort.Slice(out, func(i, j int) bool {
		return s.touched[out[i].Stream].After(s.touched[out[j].Stream])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemorySnapshotStore keeps the newest snapshot per stream.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[domain.StreamID]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[domain.StreamID]Snapshot)}
}

func (s *MemorySnapshotStore) LoadLatest(ctx context.Context, stream domain.StreamID) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[stream]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	snap.State = append([]byte(nil), snap.State...)
	return &snap, nil
}

// Save ignores snapshots older than the one already stored.
func (s *MemorySnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[snapshot.Stream]; ok && existing.Version > snapshot.Version {
		return nil
	}
	snapshot.State = append([]byte(nil), snapshot.State...)
	s.snapshots[snapshot.Stream] = snapshot
	return nil
}

type projectionKey struct {
	eventID   uuid.UUID
	accountID uuid.UUID
	kind      domain.TransactionType
}

// MemoryProjectionRepository is the in-process transaction history.
type MemoryProjectionRepository struct {
	mu   sync.RWMutex
	seen map[projectionKey]struct{}
	rows []domain.Transaction
}

func NewMemoryProjectionRepository() *MemoryProjectionRepository {
	return &MemoryProjectionRepository{seen: make(map[projectionKey]struct{})}
}

func (r *MemoryProjectionRepository) InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := 0
	for _, row := range rows {
		key := projectionKey{eventID: row.EventID, accountID: row.AccountID, kind: row.Type}
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.rows = append(r.rows, row)
		inserted++
	}
	return inserted, nil
}

// FindTransactionsByAccountID returns newest first.
func (r *MemoryProjectionRepository) FindTransactionsByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = Page(limit, offset)

	r.mu.RLock()
	var matched []domain.Transaction
	for _, row := range r.rows {
		if row.AccountID == accountID {
			matched = append(matched, row)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})
	if offset >= len(matched) {
		return []domain.Transaction{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

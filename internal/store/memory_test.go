package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

func balanceStream() domain.StreamID {
	return domain.StreamID{Type: domain.AggregateBalance, ID: uuid.New()}
}

func versioned(stream domain.StreamID, from int64, n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = domain.NewEvent(stream, domain.TransactionThresholdReached{Count: i}, map[string]string{"i": "x"}, time.Now())
		events[i].Version = from + int64(i) + 1
	}
	return events
}

func TestMemoryEventStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	stream := balanceStream()

	if err := s.Append(ctx, stream, 0, versioned(stream, 0, 3)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append(ctx, stream, 3, versioned(stream, 3, 2)); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	all, err := s.Load(ctx, stream, 0)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	for i, e := range all {
		if e.Version != int64(i+1) {
			t.Fatalf("expected version %d at %d, got %d", i+1, i, e.Version)
		}
	}

	tail, err := s.Load(ctx, stream, 3)
	if err != nil {
		t.Fatalf("tail load failed: %v", err)
	}
	if len(tail) != 2 || tail[0].Version != 4 {
		t.Fatalf("expected tail from version 4, got %d events", len(tail))
	}

	none, err := s.Load(ctx, balanceStream(), 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty unknown stream, got %d events, err %v", len(none), err)
	}
}

func TestMemoryEventStore_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	stream := balanceStream()

	if err := s.Append(ctx, stream, 0, versioned(stream, 0, 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	err := s.Append(ctx, stream, 0, versioned(stream, 0, 1))
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestMemoryEventStore_RejectsMisnumberedEvents(t *testing.T) {
	s := NewMemoryEventStore()
	stream := balanceStream()

	events := versioned(stream, 0, 2)
	events[1].Version = 5
	if err := s.Append(context.Background(), stream, 0, events); !errors.Is(err, ErrInvalidAppend) {
		t.Fatalf("expected ErrInvalidAppend, got %v", err)
	}

	foreign := versioned(balanceStream(), 0, 1)
	if err := s.Append(context.Background(), stream, 0, foreign); !errors.Is(err, ErrInvalidAppend) {
		t.Fatalf("expected ErrInvalidAppend for foreign event, got %v", err)
	}
}

func TestMemoryEventStore_ConcurrentAppendsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	stream := balanceStream()

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Append(ctx, stream, 0, versioned(stream, 0, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}
}

func TestMemoryEventStore_LoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	stream := balanceStream()
	if err := s.Append(ctx, stream, 0, versioned(stream, 0, 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	first, _ := s.Load(ctx, stream, 0)
	first[0].Metadata["i"] = "mutated"

	second, _ := s.Load(ctx, stream, 0)
	if second[0].Metadata["i"] != "x" {
		t.Fatalf("expected stored metadata to be isolated, got %q", second[0].Metadata["i"])
	}
}

func TestMemoryEventStore_ListStreams(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	a, b := balanceStream(), balanceStream()
	_ = s.Append(ctx, a, 0, versioned(a, 0, 2))
	_ = s.Append(ctx, b, 0, versioned(b, 0, 5))

	streams, err := s.ListStreams(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	versions := map[domain.StreamID]int64{}
	for _, sv := range streams {
		versions[sv.Stream] = sv.Version
	}
	if versions[a] != 2 || versions[b] != 5 {
		t.Fatalf("unexpected versions: %v", versions)
	}

	limited, _ := s.ListStreams(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestMemorySnapshotStore_KeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()
	stream := balanceStream()

	if _, err := s.LoadLatest(ctx, stream); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	_ = s.Save(ctx, Snapshot{Stream: stream, Version: 10, State: []byte(`{"v":10}`)})
	_ = s.Save(ctx, Snapshot{Stream: stream, Version: 4, State: []byte(`{"v":4}`)})

	snap, err := s.LoadLatest(ctx, stream)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.Version != 10 || string(snap.State) != `{"v":10}` {
		t.Fatalf("expected newest snapshot, got version %d state %s", snap.Version, snap.State)
	}
}

func TestMemoryProjectionRepository_IdempotentAndPaged(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryProjectionRepository()
	account := uuid.New()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var rows []domain.Transaction
	for i := 0; i < 5; i++ {
		rows = append(rows, domain.Transaction{
			EventID:    uuid.New(),
			AccountID:  account,
			Type:       domain.TransactionDeposit,
			AssetCode:  "USD",
			Amount:     int64(i + 1),
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	n, err := r.InsertTransactions(ctx, rows)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 inserts, got %d (err %v)", n, err)
	}
	n, err = r.InsertTransactions(ctx, rows[:2])
	if err != nil || n != 0 {
		t.Fatalf("expected redelivery to insert nothing, got %d (err %v)", n, err)
	}

	page, err := r.FindTransactionsByAccountID(ctx, account, 2, 1)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(page) != 2 || page[0].Amount != 4 || page[1].Amount != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}

	empty, err := r.FindTransactionsByAccountID(ctx, account, 10, 50)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

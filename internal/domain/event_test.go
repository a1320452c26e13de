package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

func TestNewEvent_NormalisesTimestampAndCopiesMetadata(t *testing.T) {
	stream := StreamID{Type: AggregateBalance, ID: uuid.New()}
	meta := map[string]string{"description": "salary"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("WAT", 3600))

	event := NewEvent(stream, BalanceAdded{AssetCode: "USD", Amount: 10}, meta, at)
	meta["description"] = "changed"

	if event.Type != EventBalanceAdded {
		t.Fatalf("expected type %s, got %s", EventBalanceAdded, event.Type)
	}
	if event.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %s", event.OccurredAt.Location())
	}
	if event.OccurredAt.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond precision, got %d ns", event.OccurredAt.Nanosecond())
	}
	if event.Metadata["description"] != "salary" {
		t.Fatalf("expected metadata to be copied, got %q", event.Metadata["description"])
	}
	if event.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, event.SchemaVersion)
	}
}

func TestEvent_JSONKeepsTypeTagAndPayload(t *testing.T) {
	from, to := uuid.New(), uuid.New()
	at := Timestamp(time.Now())
	hash := hashchain.Compute("EUR", 2500, at, from.String(), to.String())
	event := NewEvent(
		StreamID{Type: AggregateTransfer, ID: from},
		Transferred{From: from, To: to, AssetCode: "EUR", Amount: 2500, Hash: hash},
		nil,
		at,
	)
	event.Version = 7

	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal into map failed: %v", err)
	}
	if doc["type"] != string(EventTransferred) {
		t.Fatalf("expected type tag %q, got %v", EventTransferred, doc["type"])
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := decoded.Payload.(Transferred)
	if !ok {
		t.Fatalf("expected Transferred payload, got %T", decoded.Payload)
	}
	if got.Hash != hash || got.From != from || got.To != to {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if decoded.Version != 7 || !decoded.OccurredAt.Equal(at) {
		t.Fatalf("envelope mismatch: version=%d occurred_at=%s", decoded.Version, decoded.OccurredAt)
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("money_printed", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodePayload_EmptyDocumentForMarkerEvents(t *testing.T) {
	p, err := DecodePayload(EventAccountDeleted, nil)
	if err != nil {
		t.Fatalf("expected empty payload to decode, got %v", err)
	}
	if _, ok := p.(AccountDeleted); !ok {
		t.Fatalf("expected AccountDeleted, got %T", p)
	}
}

func TestErrorTypes_MatchSentinels(t *testing.T) {
	var err error = &InsufficientFundsError{AssetCode: "USD", Balance: 0, Amount: 5000}
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatal("expected InsufficientFundsError to match ErrInsufficientFunds")
	}

	err = &IntegrityFaultError{EventType: EventBalanceAdded, Version: 3, Err: hashchain.ErrInvalidHash}
	if !errors.Is(err, ErrIntegrityFault) {
		t.Fatal("expected IntegrityFaultError to match ErrIntegrityFault")
	}
	if !errors.Is(err, hashchain.ErrInvalidHash) {
		t.Fatal("expected IntegrityFaultError to unwrap to its cause")
	}
}

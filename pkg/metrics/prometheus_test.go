package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_CountsCommandsAndEvents(t *testing.T) {
	m := NewCollector()

	m.ObserveCommand("debit", "ok", 5*time.Millisecond)
	m.ObserveCommand("debit", "ok", 5*time.Millisecond)
	m.ObserveCommand("debit", "insufficient_funds", time.Millisecond)
	m.EventAppended("balance", "asset_balance_subtracted")
	m.TransactionsProjected(3)
	m.TransactionsProjected(0)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("debit", "ok")); got != 2 {
		t.Fatalf("expected 2 ok debits, got %v", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("debit", "insufficient_funds")); got != 1 {
		t.Fatalf("expected 1 rejected debit, got %v", got)
	}
	if got := testutil.ToFloat64(m.projectedRows); got != 3 {
		t.Fatalf("expected 3 projected rows, got %v", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var m *Collector
	m.ObserveCommand("credit", "ok", time.Second)
	m.SagaFinished("completed")
	m.SnapshotFailed("balance")
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil collector, got %d", rec.Code)
	}
}

func TestCollector_HandlerExposesLedgerMetrics(t *testing.T) {
	m := NewCollector()
	m.SagaFinished("compensated")
	m.SnapshotFailed("transfer")
	m.ObserveHTTP("POST", "/ledger/transfers", 422, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`ledger_transfer_sagas_total{outcome="compensated"} 1`,
		`ledger_snapshot_failures_total{aggregate_type="transfer"} 1`,
		`ledger_http_requests_total{method="POST",route="/ledger/transfers",status="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

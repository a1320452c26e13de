package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/aggregate"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

const (
	testSecret = "test-internal-secret"
	testIssuer = "transfa-internal"
)

type testServer struct {
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T, limiter *app.CommandLimiter) *testServer {
	t.Helper()
	log := logger.NewNop()
	m := metrics.NewCollector()
	history := store.NewMemoryProjectionRepository()
	projector := app.NewProjector(history, m, log)
	repo := app.NewAggregateRepository(store.NewMemoryEventStore(), store.NewMemorySnapshotStore(), app.NewProjectingPublisher(projector), m, log)
	service := app.NewService(repo, history, aggregate.DefaultPolicy(), m, log)
	saga := app.NewTransferSaga(service, 3, m, log)

	handler := LedgerRoutes(NewLedgerHandlers(service, saga, log), RouterConfig{
		JWTSecret: testSecret,
		JWTIssuer: testIssuer,
		Limiter:   limiter,
		Metrics:   m,
		Log:       log,
	})
	return &testServer{handler: handler, token: signToken(t, testSecret, testIssuer, "payments-service")}
}

func signToken(t *testing.T, secret, issuer, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createAccount(t *testing.T) uuid.UUID {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/ledger/accounts", domain.CreateAccountRequest{Name: "Ada"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view domain.AccountView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return view.AccountID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("ledger_http_requests_total")) {
		t.Fatalf("expected the metrics page, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/ledger/accounts/" + uuid.NewString() + "/balances"

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "not bearer", header: "Token abc"},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other-secret", testIssuer, "svc")},
		{name: "wrong issuer", header: "Bearer " + signToken(t, testSecret, "someone-else", "svc")},
		{name: "no subject", header: "Bearer " + signToken(t, testSecret, testIssuer, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestCreditDebitAndHistory(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createAccount(t)
	base := "/ledger/accounts/" + id.String()

	rec := s.do(t, http.MethodPost, base+"/credit", domain.MovementRequest{AssetCode: "NGN", Amount: 10000, Description: "top up"})
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, base+"/debit", domain.MovementRequest{AssetCode: "NGN", Amount: 2500})
	if rec.Code != http.StatusOK {
		t.Fatalf("debit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view domain.BalanceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if view.Balances["NGN"] != 7500 || view.Version != 2 {
		t.Fatalf("unexpected balance view %+v", view)
	}

	rec = s.do(t, http.MethodPost, base+"/debit", domain.MovementRequest{AssetCode: "NGN", Amount: 9999})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("overdraft: expected 422, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, base+"/transactions?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var rows []domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected deposit and withdrawal rows, got %+v", rows)
	}

	if rec := s.do(t, http.MethodGet, base+"/transactions?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestLifecycleStatusMapping(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createAccount(t)
	base := "/ledger/accounts/" + id.String()

	if rec := s.do(t, http.MethodPost, "/ledger/accounts", domain.CreateAccountRequest{AccountID: &id}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", rec.Code)
	}

	rec := s.do(t, http.MethodPost, base+"/freeze", domain.LifecycleRequest{Reason: "kyc review"})
	if rec.Code != http.StatusOK {
		t.Fatalf("freeze: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view domain.AccountView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil || view.Status != "frozen" {
		t.Fatalf("expected a frozen account, got %+v (%v)", view, err)
	}

	steps := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{name: "freeze twice", method: http.MethodPost, path: base + "/freeze", body: domain.LifecycleRequest{Reason: "again"}, want: http.StatusConflict},
		{name: "debit while frozen", method: http.MethodPost, path: base + "/debit", body: domain.MovementRequest{AssetCode: "NGN", Amount: 1}, want: http.StatusConflict},
		{name: "credit while frozen", method: http.MethodPost, path: base + "/credit", body: domain.MovementRequest{AssetCode: "NGN", Amount: 5}, want: http.StatusOK},
		{name: "delete while frozen", method: http.MethodDelete, path: base + "/", want: http.StatusConflict},
		{name: "unfreeze", method: http.MethodPost, path: base + "/unfreeze", body: domain.LifecycleRequest{Reason: "cleared"}, want: http.StatusOK},
		{name: "unfreeze twice", method: http.MethodPost, path: base + "/unfreeze", body: domain.LifecycleRequest{Reason: "cleared"}, want: http.StatusConflict},
		{name: "delete with funds", method: http.MethodDelete, path: base + "/", want: http.StatusUnprocessableEntity},
		{name: "draw down", method: http.MethodPost, path: base + "/debit", body: domain.MovementRequest{AssetCode: "NGN", Amount: 5}, want: http.StatusOK},
		{name: "delete", method: http.MethodDelete, path: base + "/", want: http.StatusNoContent},
		{name: "credit after delete", method: http.MethodPost, path: base + "/credit", body: domain.MovementRequest{AssetCode: "NGN", Amount: 7}, want: http.StatusGone},
	}
	for _, step := range steps {
		rec := s.do(t, step.method, step.path, step.body)
		if rec.Code != step.want {
			t.Fatalf("%s: expected %d, got %d: %s", step.name, step.want, rec.Code, rec.Body.String())
		}
	}

	if rec := s.do(t, http.MethodGet, "/ledger/accounts/"+uuid.NewString()+"/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account: expected 404, got %d", rec.Code)
	}
}

func TestRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createAccount(t)

	if rec := s.do(t, http.MethodPost, "/ledger/accounts/not-a-uuid/credit", domain.MovementRequest{AssetCode: "NGN", Amount: 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/ledger/accounts/"+id.String()+"/credit", domain.MovementRequest{AssetCode: "NGN", Amount: -5}); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/ledger/accounts/"+id.String()+"/verify?type=ledger", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown stream type: expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/ledger/accounts", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "Invalid request body" {
		t.Fatalf("malformed json: expected 400, got %d", rec.Code)
	}
}

func TestTransferSagaEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	from, to := s.createAccount(t), s.createAccount(t)
	s.do(t, http.MethodPost, "/ledger/accounts/"+from.String()+"/credit", domain.MovementRequest{AssetCode: "USD", Amount: 500})

	rec := s.do(t, http.MethodPost, "/ledger/transfers", domain.TransferRequest{From: from, To: to, AssetCode: "USD", Amount: 200})
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.TransferResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil || result.TransferHash == "" {
		t.Fatalf("expected a transfer result, got %+v (%v)", result, err)
	}

	rec = s.do(t, http.MethodGet, "/ledger/accounts/"+to.String()+"/balances", nil)
	var view domain.BalanceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil || view.Balances["USD"] != 200 {
		t.Fatalf("receiver should hold 200 USD, got %+v (%v)", view, err)
	}

	rec = s.do(t, http.MethodPost, "/ledger/transfers", domain.TransferRequest{From: from, To: to, AssetCode: "USD", Amount: 1000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("overdrawn transfer: expected 422, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/ledger/transfers", domain.TransferRequest{From: from, To: from, AssetCode: "USD", Amount: 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self transfer: expected 400, got %d", rec.Code)
	}
}

func TestRecordTransferSnapshotAndVerify(t *testing.T) {
	s := newTestServer(t, nil)
	from, to := s.createAccount(t), s.createAccount(t)
	base := "/ledger/accounts/" + from.String()

	rec := s.do(t, http.MethodPost, base+"/transfers", accountTransferRequest{To: to, AssetCode: "EUR", Amount: 40})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record transfer: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, base+"/snapshots?type=transfer", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || snap.Version != 1 {
		t.Fatalf("expected a transfer snapshot at version 1, got %+v (%v)", snap, err)
	}

	rec = s.do(t, http.MethodGet, base+"/verify?type=account", nil)
	var verified verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &verified); err != nil || !verified.Verified || verified.Version != 1 {
		t.Fatalf("expected a verified account stream, got %d %+v", rec.Code, verified)
	}

	if rec := s.do(t, http.MethodGet, base+"/verify", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("empty balance stream: expected 404, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := app.NewCommandLimiter(app.NewRedisRateLimiter(client, "ledger:rate_limit"), 2)

	s := newTestServer(t, limiter)
	id := s.createAccount(t)
	path := "/ledger/accounts/" + id.String() + "/credit"

	for i := int64(1); i <= 2; i++ {
		if rec := s.do(t, http.MethodPost, path, domain.MovementRequest{AssetCode: "NGN", Amount: i}); rec.Code != http.StatusOK {
			t.Fatalf("credit %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := s.do(t, http.MethodPost, path, domain.MovementRequest{AssetCode: "NGN", Amount: 3})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}

	// Queries do not spend the budget.
	if rec := s.do(t, http.MethodGet, "/ledger/accounts/"+id.String()+"/balances", nil); rec.Code != http.StatusOK {
		t.Fatalf("balances: expected 200, got %d", rec.Code)
	}

	mr.SetError("LOADING redis is loading the dataset in memory")
	if rec := s.do(t, http.MethodPost, path, domain.MovementRequest{AssetCode: "NGN", Amount: 4}); rec.Code != http.StatusOK {
		t.Fatalf("an unavailable limiter must not block commands, got %d", rec.Code)
	}
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/connector"
	"orderflow/internal/domain"
	"orderflow/internal/engine"
	"orderflow/internal/events"
	"orderflow/internal/idempotency"
	"orderflow/internal/store"
	"orderflow/internal/validate"
)

type testServer struct {
	ts  *httptest.Server
	hub *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "orderflow.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := connector.NewRegistry()
	reg.Register(connector.NewMockConnector("zerodha-mock"))
	reg.Register(connector.NewMockConnector("alpaca-mock"))

	log := slog.New(slog.DiscardHandler)
	hub := events.NewHub()

	eng := engine.New(engine.Deps{
		Store:     s,
		Ledger:    idempotency.NewMemoryLedger(24 * time.Hour),
		Registry:  reg,
		Publisher: events.NewAsyncPublisher(64, log, events.HubSink{Hub: hub}),
		Validator: &validate.Validator{
			MinLotSize:    1,
			MaxOrderValue: 10_000_000,
			Margin:        validate.PassMargin{},
		},
		Log:           log,
		DefaultBroker: "zerodha-mock",
	})

	srv := NewServer(eng, hub, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, hub: hub}
}

func (s *testServer) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, raw
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.ts.Client().Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, raw
}

const twoOrderBody = `{
	"user_id": 1,
	"portfolio_id": 7,
	"orders": [
		{"symbol": "RELIANCE", "qty": 100, "side": "BUY", "price_limit": 2500, "broker": "zerodha-mock"},
		{"symbol": "TCS", "qty": 50, "side": "SELL", "price_limit": 2600, "broker": "alpaca-mock"}
	]
}`

func createBatch(t *testing.T, s *testServer, headers map[string]string) engine.BatchResponse {
	t.Helper()
	resp, raw := s.post(t, "/api/orders", twoOrderBody, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: status %d, body %s", resp.StatusCode, raw)
	}
	var batch engine.BatchResponse
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatalf("decoding batch response: %v", err)
	}
	return batch
}

func TestCreateBatchEndpoint(t *testing.T) {
	s := newTestServer(t)
	batch := createBatch(t, s, nil)

	if len(batch.Orders) != 2 {
		t.Fatalf("created %d orders, want 2", len(batch.Orders))
	}
	for _, o := range batch.Orders {
		if o.Status != domain.OrderAcked {
			t.Errorf("order %s status = %s, want acked", o.Symbol, o.Status)
		}
	}

	resp, raw := s.get(t, "/api/orders/"+batch.Orders[0].ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get order: status %d", resp.StatusCode)
	}
	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		t.Fatalf("decoding order: %v", err)
	}
	if order.Symbol != "RELIANCE" {
		t.Errorf("symbol = %s, want RELIANCE", order.Symbol)
	}
}

func TestIdempotencyHeaderWinsOverBody(t *testing.T) {
	s := newTestServer(t)

	// Body carries one key, the header another; the header must win, so a
	// retry with only the header key replays.
	withBodyKey := strings.Replace(twoOrderBody, `"user_id": 1,`,
		`"user_id": 1, "idempotency_key": "body-key",`, 1)

	resp, first := s.post(t, "/api/orders", withBodyKey,
		map[string]string{"Idempotency-Key": "header-key"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d, body %s", resp.StatusCode, first)
	}

	resp, second := s.post(t, "/api/orders", withBodyKey,
		map[string]string{"Idempotency-Key": "header-key"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry: status %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Replayed") != "true" {
		t.Error("retry must be marked as a replay")
	}
	if !bytes.Equal(first, second) {
		t.Error("replayed body must be byte-identical")
	}

	// The body key was never consumed: using it now creates a fresh batch.
	resp, third := s.post(t, "/api/orders", withBodyKey, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("body-key create: status %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Replayed") == "true" {
		t.Error("body-key request must not replay the header-key response")
	}
	if bytes.Equal(first, third) {
		t.Error("body-key request must create a distinct batch")
	}
}

func TestIdempotencyConflictEndpoint(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}
	createBatch(t, s, headers)

	altered := strings.Replace(twoOrderBody, `"qty": 100`, `"qty": 999`, 1)
	resp, raw := s.post(t, "/api/orders", altered, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting reuse: status %d, body %s", resp.StatusCode, raw)
	}
}

func TestValidationErrorEndpoint(t *testing.T) {
	s := newTestServer(t)
	body := `{
		"user_id": 1,
		"portfolio_id": 7,
		"orders": [
			{"symbol": "RELIANCE", "qty": 10, "side": "BUY", "price_limit": 2500},
			{"symbol": "TCS", "qty": -5, "side": "HOLD"}
		]
	}`
	resp, raw := s.post(t, "/api/orders", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400; body %s", resp.StatusCode, raw)
	}
	var verr ValidationErrorResponse
	if err := json.Unmarshal(raw, &verr); err != nil {
		t.Fatalf("decoding validation error: %v", err)
	}
	if len(verr.Failures) != 1 || verr.Failures[0].Index != 1 {
		t.Errorf("failures = %+v, want exactly index 1", verr.Failures)
	}

	resp, _ = s.post(t, "/api/orders", "{not json", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d, want 400", resp.StatusCode)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	batch := createBatch(t, s, nil)
	buy, sell := batch.Orders[0], batch.Orders[1]

	// Fill both via the fills endpoint.
	fillsBody := fmt.Sprintf(`{"fills": [
		{"order_id": %q, "fill_price": 2500, "fill_qty": 100},
		{"order_id": %q, "fill_price": 2600, "fill_qty": 50}
	]}`, buy.ID, sell.ID)
	resp, raw := s.post(t, "/api/batches/"+batch.BatchID+"/fills", fillsBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fills: status %d, body %s", resp.StatusCode, raw)
	}
	var fills FillsResponse
	if err := json.Unmarshal(raw, &fills); err != nil {
		t.Fatalf("decoding fills response: %v", err)
	}
	for _, r := range fills.Results {
		if r.Error != "" {
			t.Fatalf("fill failed: %s", r.Error)
		}
	}

	// Settle the buy side.
	resp, _ = s.post(t, "/api/orders/"+buy.ID+"/settle", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle: status %d", resp.StatusCode)
	}

	// Cancelling a settled order conflicts.
	resp, _ = s.post(t, "/api/orders/"+buy.ID+"/cancel", `{"reason":"too late"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel settled: status %d, want 409", resp.StatusCode)
	}

	// Reconciliation reflects the fills.
	resp, raw = s.get(t, "/api/reconcile/"+batch.BatchID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile: status %d", resp.StatusCode)
	}
	var report domain.ReconciliationReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.FilledOrders != 2 || report.FilledQty != 150 {
		t.Errorf("report = %d filled / %v qty, want 2 / 150", report.FilledOrders, report.FilledQty)
	}

	// Batch view derives status from its orders.
	resp, raw = s.get(t, "/api/batches/"+batch.BatchID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get batch: status %d", resp.StatusCode)
	}
	var view engine.BatchView
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decoding batch view: %v", err)
	}
	if view.Status != domain.BatchProcessing {
		t.Errorf("batch status = %s, want processing", view.Status)
	}
}

func TestNotFoundMapping(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/api/orders/does-not-exist",
		"/api/batches/does-not-exist",
		"/api/reconcile/does-not-exist",
	} {
		resp, _ := s.get(t, path)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, raw := s.get(t, "/api/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
	if !bytes.Contains(raw, []byte("ok")) {
		t.Errorf("healthz body = %s", raw)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing event stream: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; broadcast on a ticker until
	// the stream delivers so the test never races the subscription.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.hub.Broadcast(domain.Event{
					OrderID:   "o1",
					NewStatus: domain.OrderAcked,
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event domain.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading from stream: %v", err)
	}
	if event.OrderID != "o1" || event.NewStatus != domain.OrderAcked {
		t.Errorf("streamed event = %+v", event)
	}
}

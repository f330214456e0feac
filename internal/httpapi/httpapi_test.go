package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"dukaan/backend/internal/connectivity"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/localstore"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/queue"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/remote/memory"
	"dukaan/backend/internal/service"
)

type testEnv struct {
	handler http.Handler
	remote  *memory.Store
	gate    *connectivity.StaticGate
}

func newTestEnv(t *testing.T, online bool) testEnv {
	t.Helper()
	r := memory.NewSeeded("test-store")
	gate := connectivity.NewStaticGate(online)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := service.New(service.Deps{
		Remote:   r,
		Queue:    queue.New(localstore.NewMemory(), nil),
		Gate:     gate,
		Metrics:  m,
		StoreID:  "test-store",
		DeviceID: "till-9",
	})
	return testEnv{handler: New(svc, "*", m, reg, nil).Handler(), remote: r, gate: gate}
}

const saleBody = `{
	"draft": {
		"lines": [{"item_id":"item-soap","name":"Neem Soap","unit_price":45.00,"quantity":2,"available_stock":90}],
		"payment_method": "upi",
		"amount_paid": 106.20,
		"discount": 0
	}
}`

func do(t *testing.T, h http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, true)
	rec := do(t, env.handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestSubmitSaleOnline(t *testing.T) {
	env := newTestEnv(t, true)
	rec := do(t, env.handler, http.MethodPost, "/api/sales", saleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.SubmitSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != domain.SubmitStatusCommitted || resp.Totals.Total != 10620 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(env.remote.Rows(domain.TableSales)) != 1 {
		t.Fatalf("expected one remote sale")
	}
}

func TestSubmitSaleOfflineIsAccepted(t *testing.T) {
	env := newTestEnv(t, false)
	rec := do(t, env.handler, http.MethodPost, "/api/sales", saleBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, env.handler, http.MethodGet, "/api/sync/status", "")
	var status domain.SyncStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.PendingCount != 1 || status.Online {
		t.Fatalf("unexpected status %+v", status)
	}

	env.gate.Set(true)
	rec = do(t, env.handler, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.SyncSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Synced != 1 {
		t.Fatalf("expected one synced sale, got %+v", summary)
	}
}

func TestSubmitSaleRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, true)

	rec := do(t, env.handler, http.MethodPost, "/api/sales", `{"draft":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}

	rec = do(t, env.handler, http.MethodPost, "/api/sales", `{"draft":{"lines":[],"payment_method":"cash"}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty cart, got %d", rec.Code)
	}

	for _, path := range []string{"/api/sales", "/api/sync"} {
		rec = do(t, env.handler, http.MethodGet, path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: expected 405, got %d", path, rec.Code)
		}
	}

	rec = do(t, env.handler, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestRetriedSubmitWithInvoiceNumberCommitsOnce(t *testing.T) {
	env := newTestEnv(t, true)
	body := `{"invoice_number":"INV-POS1-RETRY",` + strings.TrimPrefix(saleBody, "{")

	for i := 0; i < 2; i++ {
		rec := do(t, env.handler, http.MethodPost, "/api/sales", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	if n := len(env.remote.Rows(domain.TableSales)); n != 1 {
		t.Fatalf("expected one sale, got %d", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	do(t, env.handler, http.MethodPost, "/api/sales", saleBody)

	rec := do(t, env.handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `dukaan_sales_submitted_total{status="committed"} 1`) {
		t.Fatalf("expected submitted counter in metrics output")
	}
	if !strings.Contains(body, `dukaan_http_requests_total`) {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestLiveUnknownTable(t *testing.T) {
	env := newTestEnv(t, true)
	rec := do(t, env.handler, http.MethodGet, "/api/live/sale_items", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLiveStreamsSnapshots(t *testing.T) {
	env := newTestEnv(t, true)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/live/inventory_items"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() liveMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg liveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	first := read()
	if first.Table != domain.TableInventoryItems || len(first.Rows) != 6 {
		t.Fatalf("expected 6 seeded rows, got %d", len(first.Rows))
	}

	_, err = env.remote.Insert(context.Background(), domain.TableInventoryItems, remote.Row{
		"id": "item-ghee", "store_id": "test-store", "name": "Ghee 500ml", "stock_quantity": 12,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	for {
		msg := read()
		if len(msg.Rows) == 7 {
			if msg.Rows[0].ID() != "item-ghee" {
				t.Fatalf("expected newest row first, got %s", msg.Rows[0].ID())
			}
			return
		}
	}
}

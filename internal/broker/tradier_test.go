package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"policygate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTradier is a minimal in-memory Tradier API.
type fakeTradier struct {
	mux       *http.ServeMux
	submits   []map[string]string
	orders    map[string]map[string]any
	cancelled []string
	nextID    int
}

func newFakeTradier() *fakeTradier {
	f := &fakeTradier{mux: http.NewServeMux(), orders: make(map[string]map[string]any), nextID: 1000}

	f.mux.HandleFunc("POST /v1/accounts/ACCT/orders", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.submits = append(f.submits, form)

		id := fmt.Sprintf("%d", f.nextID)
		f.nextID++
		f.orders[id] = map[string]any{
			"id":     json.Number(id),
			"status": "filled",
			"symbol": form["symbol"],
			"side":   form["side"],
			"quantity": func() float64 {
				var q float64
				fmt.Sscanf(form["quantity"], "%f", &q)
				return q
			}(),
			"exec_quantity":       10.0,
			"avg_fill_price":      200.5,
			"last_fill_timestamp": "2026-02-24T09:30:02Z",
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"order": map[string]any{"id": id, "status": "ok"}})
	})

	f.mux.HandleFunc("GET /v1/accounts/ACCT/orders", func(w http.ResponseWriter, _ *http.Request) {
		var list []map[string]any
		for _, o := range f.orders {
			list = append(list, o)
		}
		if list == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"orders": "null"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"orders": map[string]any{"order": list}})
	})

	f.mux.HandleFunc("GET /v1/accounts/ACCT/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		o, ok := f.orders[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"order": o})
	})

	f.mux.HandleFunc("DELETE /v1/accounts/ACCT/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled = append(f.cancelled, r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"order": map[string]any{"id": r.PathValue("id"), "status": "ok"}})
	})

	return f
}

func tradierIntent() types.OrderIntent {
	return types.OrderIntent{
		IntentID:   "tr-001",
		Timestamp:  "2026-02-24T09:30:01Z",
		StrategyID: "momo_1",
		AccountID:  "acct_1",
		Instrument: types.Instrument{Symbol: "AAPL", AssetClass: types.Equity},
		Side:       types.Buy,
		OrderType:  types.Market,
		Qty:        10,
	}
}

func TestTradierSubmitFormEncoding(t *testing.T) {
	t.Parallel()

	fake := newFakeTradier()
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	orderID, err := adapter.Submit(context.Background(), tradierIntent(), types.MarketSnapshot{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if orderID != "1000" {
		t.Errorf("order id = %q, want 1000", orderID)
	}

	form := fake.submits[0]
	want := map[string]string{
		"class":    "equity",
		"symbol":   "AAPL",
		"side":     "buy",
		"quantity": "10",
		"type":     "market",
		"duration": "day",
		"tag":      "tr-001",
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, form[k], v)
		}
	}
}

func TestTradierLimitOrderCarriesPrice(t *testing.T) {
	t.Parallel()

	fake := newFakeTradier()
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	intent := tradierIntent()
	intent.OrderType = types.Limit
	intent.LimitPrice = ptr(199.5)

	if _, err := adapter.Submit(context.Background(), intent, types.MarketSnapshot{}); err != nil {
		t.Fatal(err)
	}
	if got := fake.submits[0]["price"]; got != "199.5" {
		t.Errorf("price = %q, want 199.5", got)
	}
}

func TestTradierPollFillsAccountLevel(t *testing.T) {
	t.Parallel()

	fake := newFakeTradier()
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	ctx := context.Background()

	orderID, err := adapter.Submit(ctx, tradierIntent(), types.MarketSnapshot{})
	if err != nil {
		t.Fatal(err)
	}

	fills, err := adapter.PollFills(ctx, "")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %+v, want 1", fills)
	}
	f := fills[0]
	if f.OrderID != orderID || f.Symbol != "AAPL" || f.Qty != 10 || f.Price != 200.5 {
		t.Errorf("fill = %+v", f)
	}

	// Filled orders drop out of tracking: no repeats.
	again, err := adapter.PollFills(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second poll = %+v, want none", again)
	}
}

func TestTradierPollIgnoresUntrackedOrders(t *testing.T) {
	t.Parallel()

	fake := newFakeTradier()
	// An order that exists at the broker but was not submitted through us.
	fake.orders["9999"] = map[string]any{
		"id": json.Number("9999"), "status": "filled", "symbol": "TSLA",
		"side": "buy", "quantity": 5.0, "exec_quantity": 5.0, "avg_fill_price": 400.0,
	}
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	fills, err := adapter.PollFills(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %+v, want none for untracked orders", fills)
	}
}

func TestTradierCancel(t *testing.T) {
	t.Parallel()

	fake := newFakeTradier()
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	if err := adapter.Cancel(context.Background(), "1234"); err != nil {
		t.Fatal(err)
	}
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "1234" {
		t.Errorf("cancelled = %v", fake.cancelled)
	}
}

func TestTradierGetOrderStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]OrderStatus{
		"pending":          StatusPending,
		"open":             StatusPending,
		"partially_filled": StatusPending,
		"filled":           StatusFilled,
		"expired":          StatusCancelled,
		"canceled":         StatusCancelled,
		"rejected":         StatusRejected,
	}

	fake := newFakeTradier()
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()
	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())

	for raw, want := range cases {
		fake.orders["55"] = map[string]any{
			"id": json.Number("55"), "status": raw, "symbol": "AAPL",
			"side": "buy", "quantity": 10.0, "type": "market",
		}
		order, err := adapter.GetOrder(context.Background(), "55")
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if order.Status != want {
			t.Errorf("status %q mapped to %s, want %s", raw, order.Status, want)
		}
	}
}

func TestTradierSubmitErrorPropagates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "account frozen", http.StatusForbidden)
	}))
	defer srv.Close()

	adapter := NewTradier(srv.URL, "tok", "ACCT", testLogger())
	if _, err := adapter.Submit(context.Background(), tradierIntent(), types.MarketSnapshot{}); err == nil {
		t.Error("expected submit failure to propagate")
	}
}

func TestTradierFromEnvRequiresCredentials(t *testing.T) {
	t.Setenv("TRADIER_TOKEN", "")
	t.Setenv("TRADIER_ACCOUNT_ID", "")
	if _, err := NewTradierFromEnv(testLogger()); err == nil {
		t.Error("expected credential error")
	}

	t.Setenv("TRADIER_TOKEN", "tok")
	t.Setenv("TRADIER_ACCOUNT_ID", "ACCT")
	t.Setenv("TRADIER_ENV", "staging")
	if _, err := NewTradierFromEnv(testLogger()); err == nil {
		t.Error("expected env rejection")
	}
}

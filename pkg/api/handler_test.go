package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/storage/memory"
)

// Helper to create a handler over a seeded memory store
func newTestHandler(t *testing.T) (*Handler, *memory.Storage) {
	t.Helper()

	store := memory.New()
	h, err := NewHandler(Config{
		Storage:       store,
		GetResourceID: FromQuery("id"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h, store
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{GetResourceID: FromQuery("id")}); err == nil {
		t.Error("NewHandler accepted a nil storage")
	}
	if _, err := NewHandler(Config{Storage: memory.New()}); err == nil {
		t.Error("NewHandler accepted a nil GetResourceID")
	}
}

func TestGetSubscription(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sub := &paykit.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             paykit.StatusPastDue,
		Interval:           paykit.IntervalMonth,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now,
		UpdatedAt:          now,
	}
	if err := store.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}
	if err := store.PutDunningState(ctx, &paykit.DunningState{
		SubscriptionID: "sub_1",
		Attempt:        2,
		StartedAt:      now.AddDate(0, 0, -5),
		NextRetryAt:    now.AddDate(0, 0, 2),
	}); err != nil {
		t.Fatalf("PutDunningState failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions?id=sub_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Status != paykit.StatusPastDue {
		t.Errorf("Status = %s", resp.Status)
	}
	if resp.Dunning == nil || resp.Dunning.Attempt != 2 {
		t.Errorf("Dunning = %+v, want attempt 2", resp.Dunning)
	}
}

func TestGetSubscription_NoDunning(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	if err := store.PutSubscription(ctx, &paykit.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: paykit.StatusActive,
	}); err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions?id=sub_1", nil))

	var resp SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Dunning != nil {
		t.Errorf("Dunning = %+v, want absent", resp.Dunning)
	}
}

func TestGetSubscription_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions?id=sub_missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Status = %d want 404", rec.Code)
	}
}

func TestGetSubscription_MissingID(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d want 400", rec.Code)
	}
}

func TestGetSubscription_OversizedID(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	id := strings.Repeat("x", 300)
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions?id="+id, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d want 400", rec.Code)
	}
}

func TestGetAccount_BalanceFromLedger(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.PutAccount(ctx, &paykit.Account{
		ID: "acct_1", Country: "DE", Active: true, PayoutsEnabled: true,
	}); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
	if err := store.AppendTransactions(ctx, []*paykit.Transaction{
		{ID: "txn_1", AccountID: "acct_1", Amount: 12_000, Type: paykit.TransactionPayment, CreatedAt: now},
		{ID: "txn_2", AccountID: "acct_1", Amount: -2_000, Type: paykit.TransactionRefund, CreatedAt: now},
	}); err != nil {
		t.Fatalf("AppendTransactions failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetAccount(rec, httptest.NewRequest(http.MethodGet, "/accounts?id=acct_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp AccountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Balance != 10_000 {
		t.Errorf("Balance = %d want 10000", resp.Balance)
	}
	if !resp.PayoutsEnabled {
		t.Error("PayoutsEnabled lost in translation")
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.GetAccount(rec, httptest.NewRequest(http.MethodGet, "/accounts?id=acct_missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Status = %d want 404", rec.Code)
	}
}

func TestGetPayout(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	transferred := now.Add(-time.Hour)

	if err := store.PutPayout(ctx, &paykit.Payout{
		ID:            "po_1",
		AccountID:     "acct_1",
		Status:        paykit.PayoutPending,
		Amount:        5_150,
		FeesAmount:    150,
		AccountAmount: 5_000,
		TransferID:    "tr_abc",
		TransferredAt: &transferred,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("PutPayout failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetPayout(rec, httptest.NewRequest(http.MethodGet, "/payouts?id=po_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp PayoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Amount != 5_150 || resp.AccountAmount != 5_000 {
		t.Errorf("Amounts = %d/%d", resp.Amount, resp.AccountAmount)
	}
	if resp.TransferID != "tr_abc" || resp.TransferredAt == nil {
		t.Errorf("Transfer fields = %q, %v", resp.TransferID, resp.TransferredAt)
	}
}

func TestEndpointRegistrationAndListing(t *testing.T) {
	h, store := newTestHandler(t)

	body := `{"id":"ep_1","url":"https://example.com/hooks","secret":"whsec_1","event_types":["payout.*"]}`
	rec := httptest.NewRecorder()
	h.RegisterEndpoint(rec, httptest.NewRequest(http.MethodPost, "/endpoints", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}

	ep, err := store.GetEndpoint(context.Background(), "ep_1")
	if err != nil || ep == nil {
		t.Fatalf("Endpoint not stored: %v", err)
	}
	if ep.Secret != "whsec_1" {
		t.Errorf("Secret = %q", ep.Secret)
	}

	// The secret must never leak through the listing.
	rec = httptest.NewRecorder()
	h.ListEndpoints(rec, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("List status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "whsec_1") {
		t.Error("Signing secret leaked in listing response")
	}
	var listed []EndpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "ep_1" {
		t.Errorf("Listed = %+v", listed)
	}
}

func TestRegisterEndpoint_Validation(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing url", `{"id":"ep_1","secret":"s"}`},
		{"missing secret", `{"id":"ep_1","url":"https://example.com"}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.RegisterEndpoint(rec, httptest.NewRequest(http.MethodPost, "/endpoints", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Status = %d want 400", rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.RegisterEndpoint(rec, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d want 405", rec.Code)
	}
}

func TestOnErrorHook(t *testing.T) {
	store := memory.New()
	var hookCalled bool
	h, err := NewHandler(Config{
		Storage:       store,
		GetResourceID: FromQuery("id"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			hookCalled = true
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscriptions?id=sub_missing", nil))

	if !hookCalled {
		t.Fatal("OnError hook not invoked")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("Status = %d, hook response ignored", rec.Code)
	}
}

func TestResourceIDExtractors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/subscriptions/sub_42?id=sub_q", nil)
	req.Header.Set("X-Resource-ID", "sub_h")

	if got := FromQuery("id")(req); got != "sub_q" {
		t.Errorf("FromQuery = %q", got)
	}
	if got := FromHeader("X-Resource-ID")(req); got != "sub_h" {
		t.Errorf("FromHeader = %q", got)
	}
	if got := FromPath()(req); got != "sub_42" {
		t.Errorf("FromPath = %q", got)
	}
}

// Package api provides read-mostly HTTP endpoints for inspecting billing
// state: subscriptions with their dunning schedule, accounts with derived
// balances, payout settlement progress, and webhook subscriber management.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/paykit/paykit/pkg/paykit"
)

const maxResourceIDLen = 255

// Handler provides HTTP endpoints for billing inspection
type Handler struct {
	config Config
}

// GetSubscription returns a subscription together with its open dunning
// schedule, if any.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Storage.GetSubscription(ctx, id)
	if errors.Is(err, paykit.ErrSubscriptionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}

	response := SubscriptionResponse{
		ID:                 sub.ID,
		CustomerID:         sub.CustomerID,
		ProductID:          sub.ProductID,
		Status:             sub.Status,
		Interval:           sub.Interval,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		EndedAt:            sub.EndedAt,
	}

	// The dunning view is best-effort: a dunning read failure must not hide
	// the subscription itself.
	if st, err := h.config.Storage.GetDunningState(ctx, id); err == nil && st != nil {
		response.Dunning = &DunningView{
			Attempt:     st.Attempt,
			NextRetryAt: st.NextRetryAt,
			StartedAt:   st.StartedAt,
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GetAccount returns an account with its ledger-derived balance.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}

	acct, err := h.config.Storage.GetAccount(ctx, id)
	if errors.Is(err, paykit.ErrAccountNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err), http.StatusInternalServerError)
		return
	}

	balance, err := h.config.Storage.AccountBalance(ctx, id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get balance: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, AccountResponse{
		ID:             acct.ID,
		Country:        acct.Country,
		Active:         acct.Active,
		PayoutsEnabled: acct.PayoutsEnabled,
		Balance:        balance,
	})
}

// GetPayout returns a payout and its settlement progress.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}

	p, err := h.config.Storage.GetPayout(ctx, id)
	if errors.Is(err, paykit.ErrPayoutNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get payout: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, PayoutResponse{
		ID:            p.ID,
		AccountID:     p.AccountID,
		Status:        p.Status,
		Amount:        p.Amount,
		FeesAmount:    p.FeesAmount,
		AccountAmount: p.AccountAmount,
		TransferID:    p.TransferID,
		ProcessorID:   p.ProcessorID,
		TransferredAt: p.TransferredAt,
		CreatedAt:     p.CreatedAt,
	})
}

// ListEndpoints returns all webhook subscribers with secrets redacted.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.config.Storage.ListEndpoints(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list endpoints: %w", err), http.StatusInternalServerError)
		return
	}

	out := make([]EndpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, EndpointResponse{
			ID:         ep.ID,
			URL:        ep.URL,
			EventTypes: ep.EventTypes,
			Disabled:   ep.Disabled,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// RegisterEndpoint creates or replaces a webhook subscriber.
func (h *Handler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var req EndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.URL == "" || req.Secret == "" {
		h.handleError(w, r, fmt.Errorf("id, url and secret are required"), http.StatusBadRequest)
		return
	}

	ep := &paykit.Endpoint{
		ID:         req.ID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Disabled:   req.Disabled,
	}
	if err := h.config.Storage.PutEndpoint(r.Context(), ep); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to store endpoint: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("webhook endpoint registered",
		paykit.Field{Key: "endpoint_id", Value: ep.ID},
		paykit.Field{Key: "url", Value: ep.URL},
	)
	h.writeJSON(w, http.StatusOK, EndpointResponse{
		ID:         ep.ID,
		URL:        ep.URL,
		EventTypes: ep.EventTypes,
		Disabled:   ep.Disabled,
	})
}

// resourceID extracts and validates the resource ID, writing the error
// response itself when the ID is unusable.
func (h *Handler) resourceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := h.config.GetResourceID(r)
	if id == "" {
		h.handleError(w, r, fmt.Errorf("resource ID not found"), http.StatusBadRequest)
		return "", false
	}
	if len(id) > maxResourceIDLen {
		h.handleError(w, r, fmt.Errorf("invalid resource ID format"), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already sent; nothing useful left to do.
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}

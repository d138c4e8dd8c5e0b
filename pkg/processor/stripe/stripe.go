// Package stripe implements processor.Client against the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/paykit/paykit/pkg/processor"
)

// Config holds the Stripe client configuration.
type Config struct {
	APIKey string

	// Currency for transfers and payouts (default "usd").
	Currency string
}

// Client implements processor.Client using stripe-go.
type Client struct {
	sc       *stripe.Client
	currency string
}

// New creates a Stripe-backed processor client.
func New(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe: api key is required")
	}
	currency := config.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Client{
		sc:       stripe.NewClient(apiKey),
		currency: currency,
	}, nil
}

// CreateTransfer implements processor.Client.
func (c *Client) CreateTransfer(ctx context.Context, req *processor.TransferRequest) (*processor.TransferResult, error) {
	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(c.currencyOr(req.Currency)),
		Destination: stripe.String(req.DestinationID),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := c.sc.V1Transfers.Create(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return &processor.TransferResult{TransferID: tr.ID}, nil
}

// CreatePayout implements processor.Client. The payout runs on the connected
// account, so the request is scoped with the Stripe-Account header.
func (c *Client) CreatePayout(ctx context.Context, req *processor.PayoutRequest) (*processor.PayoutResult, error) {
	params := &stripe.PayoutCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(c.currencyOr(req.Currency)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.SetStripeAccount(req.AccountID)
	params.SetIdempotencyKey(req.IdempotencyKey)

	po, err := c.sc.V1Payouts.Create(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return &processor.PayoutResult{PayoutID: po.ID}, nil
}

// GetBalance implements processor.Client, returning the available balance on
// the connected account in the client currency.
func (c *Client) GetBalance(ctx context.Context, accountID string) (int64, error) {
	params := &stripe.BalanceRetrieveParams{}
	params.SetStripeAccount(accountID)

	bal, err := c.sc.V1Balance.Retrieve(ctx, params)
	if err != nil {
		return 0, classify(err)
	}
	return sumAvailable(bal.Available, c.currency), nil
}

// sumAvailable totals the available funds in the given currency. Stripe
// reports one entry per currency; other currencies do not count toward the
// payout balance.
func sumAvailable(amounts []*stripe.BalanceAmount, currency string) int64 {
	var available int64
	for _, a := range amounts {
		if strings.EqualFold(string(a.Currency), currency) {
			available += a.Amount
		}
	}
	return available
}

func (c *Client) currencyOr(currency string) string {
	if currency != "" {
		return currency
	}
	return c.currency
}

// classify maps Stripe errors onto the transient/permanent split. Rate limits
// and server-side failures retry; everything the caller sent wrong does not.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError {
			return processor.Transient(err)
		}
		return processor.Permanent(err)
	}
	// Network-level failures without a Stripe error body are retryable.
	return processor.Transient(err)
}

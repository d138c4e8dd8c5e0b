package paykit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paykit/paykit/pkg/processor"
)

// PayoutConfig configures the settlement coordinator.
type PayoutConfig struct {
	// MinimumBalance an account must hold before a payout is allowed.
	MinimumBalance int64

	// SettlementDelay is the mandatory wait between transfer completion and
	// payout-to-bank, required by the processor for balance availability.
	SettlementDelay time.Duration

	// LockTTL bounds how long the per-account lock can be held.
	LockTTL time.Duration

	// PlatformAccountID is the ledger account credited with fees.
	PlatformAccountID string

	// Currency for processor calls.
	Currency string

	// ScanLimit caps payouts picked up per settlement pass.
	ScanLimit int
}

// DefaultPayoutConfig returns the production defaults.
func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		MinimumBalance:    1000,
		SettlementDelay:   24 * time.Hour,
		LockTTL:           30 * time.Second,
		PlatformAccountID: "platform",
		Currency:          "usd",
		ScanLimit:         100,
	}
}

// PayoutCoordinator runs the two-phase payout process. Phase 1 is synchronous
// ledger work under a per-account lock; phase 1b executes the transfer against
// the processor outside the lock; phase 2 triggers the payout-to-bank after
// the settlement delay. The lock covers only phase 1: holding it across the
// multi-hour settlement window would serialize nothing useful and wedge the
// account on any crash.
type PayoutCoordinator struct {
	storage Storage
	locker  Locker
	ledger  *Ledger
	client  processor.Client
	fees    FeeSchedule
	config  PayoutConfig
	emitter Emitter
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// PayoutCoordinatorOption configures a PayoutCoordinator.
type PayoutCoordinatorOption func(*PayoutCoordinator)

// WithPayoutEmitter wires outbound event emission.
func WithPayoutEmitter(e Emitter) PayoutCoordinatorOption {
	return func(c *PayoutCoordinator) { c.emitter = e }
}

// WithPayoutLogger sets the logger.
func WithPayoutLogger(l Logger) PayoutCoordinatorOption {
	return func(c *PayoutCoordinator) { c.logger = l }
}

// WithPayoutMetrics sets the metrics collector.
func WithPayoutMetrics(m Metrics) PayoutCoordinatorOption {
	return func(c *PayoutCoordinator) { c.metrics = m }
}

// WithPayoutClock overrides the clock, for tests.
func WithPayoutClock(now func() time.Time) PayoutCoordinatorOption {
	return func(c *PayoutCoordinator) { c.now = now }
}

// NewPayoutCoordinator creates the coordinator. Storage, locker and processor
// client are required; fees and config fall back to defaults when zero.
func NewPayoutCoordinator(storage Storage, locker Locker, client processor.Client, fees FeeSchedule, config PayoutConfig, opts ...PayoutCoordinatorOption) (*PayoutCoordinator, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if client == nil {
		return nil, fmt.Errorf("processor client is required")
	}
	if config.SettlementDelay == 0 {
		config.SettlementDelay = 24 * time.Hour
	}
	if config.LockTTL == 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.PlatformAccountID == "" {
		config.PlatformAccountID = "platform"
	}
	if config.ScanLimit == 0 {
		config.ScanLimit = 100
	}

	ledger, err := NewLedger(storage)
	if err != nil {
		return nil, err
	}
	c := &PayoutCoordinator{
		storage: storage,
		locker:  locker,
		ledger:  ledger,
		client:  client,
		fees:    fees,
		config:  config,
		emitter: &NoopEmitter{},
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreatePayout runs phase 1 for the account's full available balance: the
// balance is the gross, fees come off it, the payee nets the rest.
func (c *PayoutCoordinator) CreatePayout(ctx context.Context, accountID string) (*Payout, error) {
	return c.create(ctx, accountID, 0)
}

// CreatePayoutForNet runs phase 1 for a requested net amount, solving the
// reverse fee calculation for the gross to deduct.
func (c *PayoutCoordinator) CreatePayoutForNet(ctx context.Context, accountID string, net int64) (*Payout, error) {
	if net <= 0 {
		return nil, ErrAmountTooLowForPayout
	}
	return c.create(ctx, accountID, net)
}

func (c *PayoutCoordinator) create(ctx context.Context, accountID string, requestedNet int64) (*Payout, error) {
	lockKey := "payout:account:" + accountID
	ok, err := c.locker.Acquire(ctx, lockKey, c.config.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.metrics.RecordLockContention("payout_account")
		return nil, ErrLockContention
	}
	defer func() {
		if err := c.locker.Release(ctx, lockKey); err != nil {
			c.logger.Warn("payout lock release failed", Field{"account_id", accountID}, Field{"error", err.Error()})
		}
	}()

	account, err := c.storage.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active || !account.PayoutsEnabled {
		return nil, ErrPayoutsDisabled
	}

	balance, err := c.storage.AccountBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance < c.config.MinimumBalance {
		return nil, ErrInsufficientBalance
	}

	var gross, net int64
	if requestedNet > 0 {
		gross, err = c.fees.GrossForNet(requestedNet, account.Country)
		if err != nil {
			return nil, err
		}
		if gross > balance {
			return nil, ErrInsufficientBalance
		}
		net = requestedNet
	} else {
		gross = balance
		net = c.fees.NetForGross(gross, account.Country)
		if net <= 0 {
			return nil, ErrAmountTooLowForPayout
		}
	}
	feesAmount := gross - net

	now := c.now()
	payout := &Payout{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Status:        PayoutPending,
		Amount:        gross,
		FeesAmount:    feesAmount,
		AccountAmount: net,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.storage.PutPayout(ctx, payout); err != nil {
		return nil, err
	}

	// One atomic append: the net leaving the account, plus the fee pair tied
	// by a correlation key so the account debit and platform credit reconcile
	// as a set.
	correlationKey := "payout-fees-" + payout.ID
	entries := []*Transaction{
		{
			Type:      TransactionPayout,
			Amount:    -net,
			AccountID: accountID,
			PayoutID:  payout.ID,
		},
		{
			Type:                  TransactionPayoutFee,
			Amount:                -feesAmount,
			AccountID:             accountID,
			PayoutID:              payout.ID,
			BalanceCorrelationKey: correlationKey,
		},
		{
			Type:                  TransactionPlatformFee,
			Amount:                feesAmount,
			AccountID:             c.config.PlatformAccountID,
			PayoutID:              payout.ID,
			BalanceCorrelationKey: correlationKey,
		},
	}
	if err := c.ledger.Append(ctx, entries); err != nil {
		payout.Status = PayoutFailed
		payout.UpdatedAt = c.now()
		if putErr := c.storage.PutPayout(ctx, payout); putErr != nil {
			c.logger.Error("failed to mark payout failed after ledger error",
				Field{"payout_id", payout.ID}, Field{"error", putErr.Error()})
		}
		return nil, err
	}

	c.metrics.RecordPayout(PayoutPending)
	c.logger.Info("payout created",
		Field{"payout_id", payout.ID},
		Field{"account_id", accountID},
		Field{"gross", gross},
		Field{"net", net},
		Field{"fees", feesAmount},
	)
	if err := c.emitter.Emit(ctx, "payout.created", payout); err != nil {
		c.logger.Warn("payout.created emit failed", Field{"payout_id", payout.ID}, Field{"error", err.Error()})
	}
	return payout, nil
}

// ExecuteTransfer runs phase 1b: the funds transfer to the connected account.
// Safe to retry; the idempotency key is derived from the payout ID, so a
// repeated call can never double-move funds.
func (c *PayoutCoordinator) ExecuteTransfer(ctx context.Context, payoutID string) error {
	payout, err := c.storage.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.Status != PayoutPending || payout.TransferID != "" {
		return nil
	}

	res, err := c.client.CreateTransfer(ctx, &processor.TransferRequest{
		IdempotencyKey: "payout-transfer-" + payout.ID,
		Amount:         payout.AccountAmount,
		Currency:       c.config.Currency,
		DestinationID:  payout.AccountID,
		Description:    "Payout " + payout.ID,
	})
	if err != nil {
		if errors.Is(err, processor.ErrPermanent) {
			c.failPayout(ctx, payout, err)
		}
		return err
	}

	now := c.now()
	payout.TransferID = res.TransferID
	payout.TransferredAt = &now
	payout.UpdatedAt = now
	if err := c.storage.PutPayout(ctx, payout); err != nil {
		return err
	}
	if err := c.emitter.Emit(ctx, "transfer.created", payout); err != nil {
		c.logger.Warn("transfer.created emit failed", Field{"payout_id", payout.ID}, Field{"error", err.Error()})
	}
	return nil
}

// SettleDue runs phase 2 over every payout whose transfer settled at least
// SettlementDelay ago: re-verify the destination balance, then trigger the
// payout-to-bank. One payout's failure never stops the scan.
func (c *PayoutCoordinator) SettleDue(ctx context.Context) error {
	cutoff := c.now().Add(-c.config.SettlementDelay)
	due, err := c.storage.ListSettlementDuePayouts(ctx, cutoff, c.config.ScanLimit)
	if err != nil {
		return err
	}

	for _, payout := range due {
		if err := c.settle(ctx, payout); err != nil {
			c.logger.Warn("payout settlement deferred",
				Field{"payout_id", payout.ID}, Field{"error", err.Error()})
		}
	}
	return nil
}

func (c *PayoutCoordinator) settle(ctx context.Context, payout *Payout) error {
	available, err := c.client.GetBalance(ctx, payout.AccountID)
	if err != nil {
		if errors.Is(err, processor.ErrPermanent) {
			c.failPayout(ctx, payout, err)
		}
		return err
	}
	if available < payout.AccountAmount {
		return fmt.Errorf("destination balance %d below payout amount %d", available, payout.AccountAmount)
	}

	res, err := c.client.CreatePayout(ctx, &processor.PayoutRequest{
		IdempotencyKey: "payout-" + payout.ID,
		Amount:         payout.AccountAmount,
		Currency:       c.config.Currency,
		AccountID:      payout.AccountID,
		Description:    "Payout " + payout.ID,
	})
	if err != nil {
		if errors.Is(err, processor.ErrPermanent) {
			c.failPayout(ctx, payout, err)
		}
		return err
	}

	payout.ProcessorID = res.PayoutID
	payout.Status = PayoutInTransit
	payout.UpdatedAt = c.now()
	if err := c.storage.PutPayout(ctx, payout); err != nil {
		return err
	}
	c.metrics.RecordPayout(PayoutInTransit)
	c.logger.Info("payout in transit",
		Field{"payout_id", payout.ID}, Field{"processor_id", res.PayoutID})
	return nil
}

// Finalize records the terminal status reported by the processor's async
// notification ("payout.paid" / "payout.failed" events).
func (c *PayoutCoordinator) Finalize(ctx context.Context, payoutID string, succeeded bool) error {
	payout, err := c.storage.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.Status == PayoutSucceeded || payout.Status == PayoutFailed {
		return nil
	}
	if !succeeded {
		c.failPayout(ctx, payout, errors.New("processor reported payout failure"))
		return nil
	}
	payout.Status = PayoutSucceeded
	payout.UpdatedAt = c.now()
	if err := c.storage.PutPayout(ctx, payout); err != nil {
		return err
	}
	c.metrics.RecordPayout(PayoutSucceeded)
	return nil
}

// failPayout marks a payout failed and refunds the reserved balance: the
// payee never received the money, so the phase-1 debits must not stand. The
// status flips first, which closes the retry guards in ExecuteTransfer and
// Finalize before the reversal lands and keeps a retrying caller from
// appending the refund twice.
func (c *PayoutCoordinator) failPayout(ctx context.Context, payout *Payout, cause error) {
	payout.Status = PayoutFailed
	payout.UpdatedAt = c.now()
	if err := c.storage.PutPayout(ctx, payout); err != nil {
		c.logger.Error("failed to mark payout failed",
			Field{"payout_id", payout.ID}, Field{"error", err.Error()})
		return
	}
	if err := c.reverseLedger(ctx, payout); err != nil {
		c.logger.Error("payout reversal append failed, account balance understated",
			Field{"payout_id", payout.ID},
			Field{"account_id", payout.AccountID},
			Field{"error", err.Error()})
	}
	c.metrics.RecordPayout(PayoutFailed)
	c.logger.Error("payout permanently failed",
		Field{"payout_id", payout.ID}, Field{"error", cause.Error()})
	if err := c.emitter.Emit(ctx, "payout.failed", payout); err != nil {
		c.logger.Warn("payout.failed emit failed", Field{"payout_id", payout.ID}, Field{"error", err.Error()})
	}
}

// reverseLedger appends the mirror image of the creation legs under one
// correlation key, so the refund reconciles leg for leg against the original
// debits.
func (c *PayoutCoordinator) reverseLedger(ctx context.Context, payout *Payout) error {
	correlationKey := "payout-reversal-" + payout.ID
	entries := []*Transaction{
		{
			Type:                  TransactionAdjustment,
			Amount:                payout.AccountAmount,
			AccountID:             payout.AccountID,
			PayoutID:              payout.ID,
			BalanceCorrelationKey: correlationKey,
		},
		{
			Type:                  TransactionAdjustment,
			Amount:                payout.FeesAmount,
			AccountID:             payout.AccountID,
			PayoutID:              payout.ID,
			BalanceCorrelationKey: correlationKey,
		},
		{
			Type:                  TransactionAdjustment,
			Amount:                -payout.FeesAmount,
			AccountID:             c.config.PlatformAccountID,
			PayoutID:              payout.ID,
			BalanceCorrelationKey: correlationKey,
		},
	}
	return c.ledger.Append(ctx, entries)
}

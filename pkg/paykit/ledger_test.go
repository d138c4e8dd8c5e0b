package paykit_test

import (
	"context"
	"testing"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/storage/memory"
)

func newTestLedger(t *testing.T) (*paykit.Ledger, paykit.Storage) {
	t.Helper()
	store := memory.New()
	ledger, err := paykit.NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return ledger, store
}

func TestLedger_RecordAndBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	entries := []*paykit.Transaction{
		{Type: paykit.TransactionPayment, Amount: 5000, AccountID: "acct_1"},
		{Type: paykit.TransactionPayment, Amount: 3000, AccountID: "acct_1"},
		{Type: paykit.TransactionRefund, Amount: -1000, AccountID: "acct_1"},
	}
	for _, tx := range entries {
		if err := ledger.Record(ctx, tx); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if tx.ID == "" || tx.CreatedAt.IsZero() {
			t.Error("Record must stamp ID and CreatedAt")
		}
	}

	balance, err := ledger.Balance(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 7000 {
		t.Errorf("Balance = %d, want 7000", balance)
	}

	got, err := ledger.Entries(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(got))
	}
}

func TestLedger_RecordSet_CorrelatesLegs(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	key, err := ledger.RecordSet(ctx, "payout-fees-po_1", []*paykit.Transaction{
		{Type: paykit.TransactionPayoutFee, Amount: -150, AccountID: "acct_1", PayoutID: "po_1"},
		{Type: paykit.TransactionPlatformFee, Amount: 150, AccountID: "platform", PayoutID: "po_1"},
	})
	if err != nil {
		t.Fatalf("RecordSet failed: %v", err)
	}
	if key != "payout-fees-po_1" {
		t.Errorf("Key = %q", key)
	}

	// The correlated pair conserves value: debit and credit cancel out
	acctEntries, _ := ledger.Entries(ctx, "acct_1")
	platEntries, _ := ledger.Entries(ctx, "platform")
	all := append(acctEntries, platEntries...)
	if sum := paykit.CorrelatedSum(all, key); sum != 0 {
		t.Errorf("Correlated sum = %d, want 0", sum)
	}
}

func TestLedger_RecordSet_GeneratesKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	key, err := ledger.RecordSet(ctx, "", []*paykit.Transaction{
		{Type: paykit.TransactionAdjustment, Amount: -10, AccountID: "acct_1"},
		{Type: paykit.TransactionAdjustment, Amount: 10, AccountID: "acct_2"},
	})
	if err != nil {
		t.Fatalf("RecordSet failed: %v", err)
	}
	if key == "" {
		t.Fatal("Expected a generated correlation key")
	}

	entries, _ := ledger.Entries(ctx, "acct_1")
	if len(entries) != 1 || entries[0].BalanceCorrelationKey != key {
		t.Error("Generated key not applied to entries")
	}
}

func TestLedger_Append_PreservesCorrelationKeys(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// One atomic write mixing a keyed pair with an unkeyed leg
	err := ledger.Append(ctx, []*paykit.Transaction{
		{Type: paykit.TransactionPayout, Amount: -9850, AccountID: "acct_1", PayoutID: "po_1"},
		{Type: paykit.TransactionPayoutFee, Amount: -150, AccountID: "acct_1", PayoutID: "po_1", BalanceCorrelationKey: "payout-fees-po_1"},
		{Type: paykit.TransactionPlatformFee, Amount: 150, AccountID: "platform", PayoutID: "po_1", BalanceCorrelationKey: "payout-fees-po_1"},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, _ := ledger.Entries(ctx, "acct_1")
	var keyed, unkeyed int
	for _, tx := range entries {
		if tx.BalanceCorrelationKey == "" {
			unkeyed++
		} else {
			keyed++
		}
	}
	if keyed != 1 || unkeyed != 1 {
		t.Errorf("keyed=%d unkeyed=%d, want 1/1", keyed, unkeyed)
	}

	balance, _ := ledger.Balance(ctx, "acct_1")
	if balance != -10_000 {
		t.Errorf("Balance = %d, want -10000", balance)
	}
}

func TestNewLedger_NilStorage(t *testing.T) {
	if _, err := paykit.NewLedger(nil); err != paykit.ErrStorageUnavailable {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

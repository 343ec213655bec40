package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlenet/models"
)

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	l, err := NewLedger(db, []byte("ledger-secret"))
	require.NoError(t, err)
	return l, db
}

func amount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAppendAndBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	seq, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "supplier-1", Amount: amount("50000.00"), Reason: "settlement"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	_, err = l.Append(ctx, Entry{Type: models.EntryDebit, AccountID: "supplier-1", Amount: amount("120.50"), Reason: "fee"})
	require.NoError(t, err)

	balance, err := l.Balance(ctx, "supplier-1")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount("49879.50")), "got %s", balance)
}

func TestCorrectionReversesOriginal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	seq, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "buyer-1", Amount: amount("200.00"), Reason: "settlement"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Type: models.EntryCorrection, AccountID: "buyer-1", Amount: amount("200.00"), Reason: "compensation", CorrectsEntry: &seq})
	require.NoError(t, err)

	balance, err := l.Balance(ctx, "buyer-1")
	require.NoError(t, err)
	require.True(t, balance.IsZero(), "got %s", balance)
}

func TestCorrectionRequiresExistingTarget(t *testing.T) {
	l, _ := newTestLedger(t)
	missing := uint64(42)
	_, err := l.Append(context.Background(), Entry{Type: models.EntryCorrection, AccountID: "buyer-1", Amount: amount("10.00"), Reason: "compensation", CorrectsEntry: &missing})
	require.ErrorIs(t, err, ErrUnknownCorrection)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), Entry{Type: models.EntryCredit, AccountID: "a", Amount: decimal.Zero, Reason: "x"})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestReconcileBalancedSettlement(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// One settled invoice: amount 50000, buyer cost 50246.58.
	_, err := l.Append(ctx, Entry{Type: models.EntryDebit, AccountID: "provider-1", Amount: amount("50000.00"), Reason: ReasonAdvance, SettlementID: "stl-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "supplier-1", Amount: amount("50000.00"), Reason: "credit-supplier", SettlementID: "stl-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Type: models.EntryDebit, AccountID: "buyer-1", Amount: amount("50246.58"), Reason: "debit-buyer", SettlementID: "stl-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "provider-1", Amount: amount("50246.58"), Reason: "buyer-repayment", SettlementID: "stl-1"})
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.True(t, result.Balanced, "imbalance %s", result.Imbalance)
	require.True(t, result.Credits.Equal(amount("100246.58")))
	require.True(t, result.Advances.Equal(amount("50000.00")))

	// Provider nets the discount profit.
	providerBalance, err := l.Balance(ctx, "provider-1")
	require.NoError(t, err)
	require.True(t, providerBalance.Equal(amount("246.58")), "got %s", providerBalance)
}

func TestReconcileDetectsImbalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "supplier-1", Amount: amount("100.00"), Reason: "credit-supplier"})
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.False(t, result.Balanced)
	require.True(t, result.Imbalance.Equal(amount("100.00")))
}

func TestVerifyRefusesTamperedChain(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "a", Amount: amount("10.00"), Reason: "x"})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.LedgerEntry{}).Where("seq_no = ?", 1).Update("amount", "99.00").Error)

	_, err = NewLedger(db, []byte("ledger-secret"))
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestCheckpointSpeedsColdStart(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "acct", Amount: amount("10.00"), Reason: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Checkpoint(ctx, "acct"))

	reopened, err := NewLedger(db, []byte("ledger-secret"))
	require.NoError(t, err)
	balance, err := reopened.Balance(ctx, "acct")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount("50.00")), "got %s", balance)

	var checkpoint models.BalanceCheckpoint
	require.NoError(t, db.Where("account_id = ?", "acct").First(&checkpoint).Error)
	require.Equal(t, uint64(5), checkpoint.ThroughSeq)
}

func TestStreamSince(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, Entry{Type: models.EntryCredit, AccountID: "acct", Amount: amount("1.00"), Reason: "x"})
		require.NoError(t, err)
	}
	rows, err := l.Stream(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint64(3), rows[0].SeqNo)
}

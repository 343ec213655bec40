package invoice

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlenet/models"
	"settlenet/native/decision"
)

func newTestStore(t *testing.T) (*Store, *Machine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	decisions, err := decision.NewLedger(db, []byte("test-secret"))
	require.NoError(t, err)
	return NewStore(db), NewMachine(db, decisions), db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validRequest() SubmitRequest {
	return SubmitRequest{
		SupplierID: "supplier-1",
		BuyerID:    "buyer-1",
		Amount:     dec("50000.00"),
		Currency:   "USD",
		Terms:      30,
		LineItems: []LineItemInput{
			{Description: "widgets", Quantity: dec("100"), UnitPrice: dec("400.00")},
			{Description: "freight", Quantity: dec("1"), UnitPrice: dec("10000.00")},
		},
	}
}

func TestSubmitHappyPath(t *testing.T) {
	store, _, db := newTestStore(t)
	inv, created, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.InvoicePending, inv.Status)
	require.NotEmpty(t, inv.ContentHash)

	var items []models.LineItem
	require.NoError(t, db.Where("invoice_id = ?", inv.ID).Find(&items).Error)
	require.Len(t, items, 2)
}

func TestSubmitIsIdempotentOnIdenticalBody(t *testing.T) {
	store, _, db := newTestStore(t)
	first, created, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.Invoice{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSubmitAmountBoundaries(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	low := validRequest()
	low.Amount = dec("99.99")
	low.LineItems = []LineItemInput{{Description: "w", Quantity: dec("1"), UnitPrice: dec("99.99")}}
	_, _, err := store.Submit(ctx, low)
	require.ErrorIs(t, err, ErrAmountRange)

	ok := validRequest()
	ok.Amount = dec("100.00")
	ok.LineItems = []LineItemInput{{Description: "w", Quantity: dec("1"), UnitPrice: dec("100.00")}}
	_, _, err = store.Submit(ctx, ok)
	require.NoError(t, err)
}

func TestSubmitTermsBoundaries(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	bad := validRequest()
	bad.Terms = 14
	_, _, err := store.Submit(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidTerms)

	good := validRequest()
	good.Terms = 15
	_, _, err = store.Submit(ctx, good)
	require.NoError(t, err)
}

func TestSubmitRejectsLineItemMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	req := validRequest()
	req.LineItems = []LineItemInput{{Description: "w", Quantity: dec("1"), UnitPrice: dec("49000.00")}}
	_, _, err := store.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrLineItems)
}

func TestSubmitRejectsSelfTrade(t *testing.T) {
	store, _, _ := newTestStore(t)
	req := validRequest()
	req.BuyerID = req.SupplierID
	_, _, err := store.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrSameParty)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.InvoiceStatus
		ok       bool
	}{
		{models.InvoicePending, models.InvoiceAccepted, true},
		{models.InvoicePending, models.InvoiceFraudReview, true},
		{models.InvoicePending, models.InvoiceExpired, true},
		{models.InvoicePending, models.InvoiceSettled, false},
		{models.InvoiceFraudReview, models.InvoiceAccepted, true},
		{models.InvoiceFraudReview, models.InvoiceExpired, false},
		{models.InvoiceAccepted, models.InvoiceSettled, true},
		{models.InvoiceAccepted, models.InvoiceFailed, true},
		{models.InvoiceAccepted, models.InvoiceRejected, false},
		{models.InvoiceFailed, models.InvoiceRejected, true},
		{models.InvoiceFailed, models.InvoiceAccepted, false},
		{models.InvoiceSettled, models.InvoiceFailed, false},
		{models.InvoiceRejected, models.InvoicePending, false},
		{models.InvoiceExpired, models.InvoiceAccepted, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestTransitionPersistsAndRecords(t *testing.T) {
	store, machine, db := newTestStore(t)
	inv, _, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, machine.Transition(context.Background(), inv.ID, models.InvoiceAccepted, "buyer-1", "acceptance", nil))

	reloaded, err := store.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceAccepted, reloaded.Status)
	require.NotNil(t, reloaded.AcceptedAt)

	var records []models.DecisionRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	require.True(t, records[0].Result)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	store, machine, db := newTestStore(t)
	inv, _, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, machine.Transition(context.Background(), inv.ID, models.InvoiceRejected, "ops", "test", nil))
	err = machine.Transition(context.Background(), inv.ID, models.InvoiceAccepted, "buyer-1", "late", nil)
	require.ErrorIs(t, err, ErrTerminalState)

	// The invoice row is untouched and the refusal is journalled.
	reloaded, err := store.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceRejected, reloaded.Status)

	var failed []models.DecisionRecord
	require.NoError(t, db.Where("result = ?", false).Find(&failed).Error)
	require.Len(t, failed, 1)
	require.Equal(t, "INV-105", failed[0].InvariantID)
}

func TestTransitionHookSharesTransaction(t *testing.T) {
	store, machine, db := newTestStore(t)
	inv, _, err := store.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	boom := require.New(t)
	err = machine.Transition(context.Background(), inv.ID, models.InvoiceAccepted, "buyer-1", "acceptance", func(tx *gorm.DB, inv *models.Invoice) error {
		return context.Canceled
	})
	boom.Error(err)

	// Hook failure rolled the status change back.
	reloaded, err := store.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoicePending, reloaded.Status)
	_ = db
}

package fraud

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

type stubOracle struct {
	score Score
	err   error
	calls int
}

func (o *stubOracle) Score(ctx context.Context, invoice *models.Invoice) (Score, error) {
	o.calls++
	if o.err != nil {
		return Score{}, o.err
	}
	return o.score, nil
}

func newTestGate(t *testing.T, oracle Oracle) (*Gate, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return NewGate(db, oracle, 0.75, 24*time.Hour), db
}

func seedInvoice(t *testing.T, db *gorm.DB, score *float64, scoredAt *time.Time) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:          "inv-1",
		SupplierID:  "supplier-1",
		BuyerID:     "buyer-1",
		Amount:      decimal.RequireFromString("50000.00"),
		Currency:    "USD",
		Terms:       30,
		ContentHash: "hash-1",
		Status:      models.InvoicePending,
		FraudScore:  score,
		FraudScoredAt: scoredAt,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func TestThresholdBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	allowed := &stubOracle{score: Score{Value: 0.7499, ComputedAt: base}}
	gate, db := newTestGate(t, allowed)
	gate.SetNowFunc(func() time.Time { return base })
	inv := seedInvoice(t, db, nil, nil)
	require.NoError(t, gate.ScoreSubmission(context.Background(), inv))

	blocked := &stubOracle{score: Score{Value: 0.7501, ComputedAt: base}}
	gate2, db2 := newTestGate(t, blocked)
	gate2.SetNowFunc(func() time.Time { return base })
	inv2 := seedInvoice(t, db2, nil, nil)
	require.ErrorIs(t, gate2.ScoreSubmission(context.Background(), inv2), ErrBlocked)
}

func TestAcceptanceUsesFreshScoreWithoutOracle(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oracle := &stubOracle{score: Score{Value: 0.9, ComputedAt: base}}
	gate, db := newTestGate(t, oracle)
	gate.SetNowFunc(func() time.Time { return base })

	score := 0.60
	scoredAt := base.Add(-2 * time.Hour)
	inv := seedInvoice(t, db, &score, &scoredAt)

	at, err := gate.EvaluateAcceptance(context.Background(), inv)
	require.NoError(t, err)
	require.Zero(t, oracle.calls, "fresh score must not hit the oracle")
	require.True(t, at.Equal(scoredAt))
}

func TestStaleScoreRecomputedAndBlocked(t *testing.T) {
	// Scenario: score 0.60 at submission, stale 26h later, recomputed to 0.82.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oracle := &stubOracle{score: Score{Value: 0.82, ComputedAt: base}}
	gate, db := newTestGate(t, oracle)
	gate.SetNowFunc(func() time.Time { return base })

	score := 0.60
	scoredAt := base.Add(-26 * time.Hour)
	inv := seedInvoice(t, db, &score, &scoredAt)

	_, err := gate.EvaluateAcceptance(context.Background(), inv)
	require.ErrorIs(t, err, ErrBlocked)
	require.Equal(t, 1, oracle.calls)

	// The recomputed score is persisted for the fraud-review queue.
	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	require.InDelta(t, 0.82, *reloaded.FraudScore, 1e-9)
}

func TestRecheckDemandsIdenticalTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate, db := newTestGate(t, &stubOracle{})
	gate.SetNowFunc(func() time.Time { return base })

	score := 0.30
	scoredAt := base.Add(-time.Hour)
	inv := seedInvoice(t, db, &score, &scoredAt)

	require.NoError(t, gate.Recheck(context.Background(), inv.ID, scoredAt))
	require.ErrorIs(t, gate.Recheck(context.Background(), inv.ID, scoredAt.Add(time.Second)), ErrScoreChanged)
}

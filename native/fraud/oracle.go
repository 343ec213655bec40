package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlenet/models"
)

// HeuristicOracle is the built-in baseline scorer used when no external
// model is configured. It folds a handful of cheap signals into [0, 1];
// operators are expected to replace it with a real model behind the same
// interface.
type HeuristicOracle struct {
	db  *gorm.DB
	now func() time.Time
}

// NewHeuristicOracle constructs the baseline scorer over the shared database.
func NewHeuristicOracle(db *gorm.DB) *HeuristicOracle {
	return &HeuristicOracle{db: db, now: time.Now}
}

// SetNowFunc overrides the time source, primarily for tests.
func (o *HeuristicOracle) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.now = now
}

var maxInvoiceAmount = decimal.NewFromInt(10_000_000)

// Score computes the baseline signals for an invoice.
func (o *HeuristicOracle) Score(ctx context.Context, inv *models.Invoice) (Score, error) {
	now := o.now().UTC()
	signals := map[string]float64{}

	// Large invoices carry more risk, scaled against the admission ceiling.
	scale, _ := inv.Amount.Div(maxInvoiceAmount).Float64()
	signals["amount_scale"] = clamp01(scale)

	// Suspiciously round amounts.
	if inv.Amount.Equal(inv.Amount.Round(-3)) {
		signals["round_amount"] = 0.3
	}

	// Submission velocity by the supplier over the trailing day.
	var recent int64
	err := o.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("supplier_id = ? AND created_at >= ?", inv.SupplierID, now.Add(-24*time.Hour)).
		Count(&recent).Error
	if err != nil {
		return Score{}, fmt.Errorf("fraud: velocity lookup: %w", err)
	}
	if recent > 10 {
		signals["velocity"] = clamp01(float64(recent-10) / 20)
	}

	// First trade between this supplier and buyer.
	var prior int64
	err = o.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("supplier_id = ? AND buyer_id = ? AND id <> ?", inv.SupplierID, inv.BuyerID, inv.ID).
		Count(&prior).Error
	if err != nil {
		return Score{}, fmt.Errorf("fraud: counterparty lookup: %w", err)
	}
	if prior == 0 {
		signals["new_counterparty"] = 0.2
	}

	value := 0.0
	for _, weight := range signals {
		value += weight
	}
	return Score{Value: clamp01(value), Signals: signals, ComputedAt: now}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/fraud"
	"settlenet/native/invariants"
	"settlenet/native/ledger"
	"settlenet/native/registry"
	"settlenet/native/settlement/rails"
)

// InvariantDeps are the collaborators the settlement invariants consult.
type InvariantDeps struct {
	DB           *gorm.DB
	Registry     *registry.Registry
	Fraud        *fraud.Gate
	Rails        *rails.Manager
	Journal      *ledger.Ledger
	FX           RateProvider
	BaseCurrency string
	FxMaxAge     time.Duration
	Deadline     time.Duration
	Now          func() time.Time
}

// priceTolerance is the admissible drift between recomputed and quoted cost.
var priceTolerance = decimal.New(1, -2)

// RegisterInvariants installs the settlement pre- and post-checks. Call once
// at startup, before Engine.Finalize.
func RegisterInvariants(engine *invariants.Engine, deps InvariantDeps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	checks := []*invariants.Invariant{
		{
			ID:          invariants.AccountsActive,
			Statement:   "supplier, buyer, and capital provider are active",
			Criticality: invariants.Critical,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				return deps.Registry.RequireActive(ctx, parties(ictx)...)
			},
		},
		{
			ID:          invariants.KYCVerified,
			Statement:   "supplier and buyer hold verified KYC",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.AccountsActive},
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				return deps.Registry.RequireKYCVerified(ctx, ictx.String("supplier"), ictx.String("buyer"))
			},
		},
		{
			ID:          invariants.SanctionsClear,
			Statement:   "no party is sanctioned and the snapshot is fresh",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.AccountsActive},
			Decay:       6 * time.Hour,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				return deps.Registry.SanctionsClear(ctx, parties(ictx)...)
			},
		},
		{
			ID:          invariants.CreditLimit,
			Statement:   "buyer credit headroom covers the quoted cost, reserved optimistically",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.AccountsActive},
			Decay:       time.Hour,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				quote, err := quoteFrom(ictx)
				if err != nil {
					return err
				}
				reservation, err := deps.Registry.ReserveCredit(ctx, ictx.String("buyer"), quote.InvoiceID, quote.TotalCost)
				if err != nil {
					return err
				}
				ictx["reservation"] = reservation
				return nil
			},
		},
		{
			ID:          invariants.QuoteBeforeAccept,
			Statement:   "acceptance references a quote issued for this invoice",
			Criticality: invariants.Critical,
			Pre: func(_ context.Context, ictx invariants.Context) error {
				quote, err := quoteFrom(ictx)
				if err != nil {
					return err
				}
				inv, err := invoiceFrom(ictx)
				if err != nil {
					return err
				}
				if quote.InvoiceID != inv.ID {
					return fmt.Errorf("quote %s was issued for invoice %s", quote.ID, quote.InvoiceID)
				}
				return nil
			},
		},
		{
			ID:          invariants.QuoteFreshness,
			Statement:   "the quote is unused and inside its five minute validity",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.QuoteBeforeAccept},
			Decay:       5 * time.Minute,
			Pre: func(_ context.Context, ictx invariants.Context) error {
				quote, err := quoteFrom(ictx)
				if err != nil {
					return err
				}
				if quote.Used {
					return auction.ErrQuoteUsed
				}
				if !deps.Now().UTC().Before(quote.ExpiresAt) {
					return auction.ErrQuoteStale
				}
				return nil
			},
		},
		{
			ID:          invariants.PricingAccuracy,
			Statement:   "recomputed cost matches the quoted cost within 0.01",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.QuoteFreshness},
			Pre: func(_ context.Context, ictx invariants.Context) error {
				quote, err := quoteFrom(ictx)
				if err != nil {
					return err
				}
				inv, err := invoiceFrom(ictx)
				if err != nil {
					return err
				}
				expected := auction.TotalCost(inv.Amount, quote.DiscountRate, quote.Terms)
				if expected.Sub(quote.TotalCost).Abs().GreaterThan(priceTolerance) {
					return fmt.Errorf("recomputed %s, quoted %s", expected, quote.TotalCost)
				}
				return nil
			},
		},
		{
			ID:          invariants.FraudScoreFresh,
			Statement:   "fraud score is below threshold and younger than 24 h",
			Criticality: invariants.Critical,
			DependsOn:   []string{invariants.AccountsActive},
			Decay:       24 * time.Hour,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				inv, err := invoiceFrom(ictx)
				if err != nil {
					return err
				}
				observedAt, err := deps.Fraud.EvaluateAcceptance(ctx, inv)
				if err != nil {
					return err
				}
				ictx["fraudObservedAt"] = observedAt
				return nil
			},
		},
		{
			ID:          invariants.SignatureRequired,
			Statement:   "the buyer's signature binds this invoice and quote",
			Criticality: invariants.Critical,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				inv, err := invoiceFrom(ictx)
				if err != nil {
					return err
				}
				buyer, err := deps.Registry.Get(ctx, inv.BuyerID)
				if err != nil {
					return err
				}
				return VerifyAcceptance(buyer.PublicKey, ictx.String("signature"), inv.ID, ictx.String("quoteID"), inv.BuyerID)
			},
		},
		{
			ID:          invariants.SettleExactlyOnce,
			Statement:   "no settlement row exists yet for this invoice",
			Criticality: invariants.Critical,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				var count int64
				err := deps.DB.WithContext(ctx).Model(&models.Settlement{}).
					Where("invoice_id = ?", ictx.String("invoiceID")).Count(&count).Error
				if err != nil {
					return err
				}
				if count > 0 {
					return fmt.Errorf("settlement already recorded for invoice %s", ictx.String("invoiceID"))
				}
				return nil
			},
		},
		{
			ID:          invariants.RailHealth,
			Statement:   "a settlement rail passed its health probe within 30 s",
			Criticality: invariants.Critical,
			Decay:       30 * time.Second,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				adapter, err := deps.Rails.Select(ctx)
				if err != nil {
					return err
				}
				ictx["rail"] = adapter.Name()
				return nil
			},
		},
		{
			ID:          invariants.FxRateFresh,
			Statement:   "a non-base-currency settlement locks an FX rate younger than 60 s",
			Criticality: invariants.Critical,
			Decay:       time.Minute,
			Pre: func(ctx context.Context, ictx invariants.Context) error {
				inv, err := invoiceFrom(ictx)
				if err != nil {
					return err
				}
				if inv.Currency == deps.BaseCurrency {
					return nil
				}
				if deps.FX == nil {
					return ErrFxUnavailable
				}
				rate, at, err := deps.FX.Rate(ctx, inv.Currency, deps.BaseCurrency)
				if err != nil {
					return err
				}
				maxAge := deps.FxMaxAge
				if maxAge <= 0 {
					maxAge = time.Minute
				}
				if deps.Now().UTC().Sub(at) > maxAge {
					return fmt.Errorf("fx rate for %s observed %s ago", inv.Currency, deps.Now().UTC().Sub(at))
				}
				ictx["fxRate"] = rate
				ictx["fxLockedAt"] = at
				return nil
			},
		},
		{
			ID:          invariants.AtomicSettlement,
			Statement:   "a settled invoice has one settlement, three legs, and zero net movement",
			Criticality: invariants.Critical,
			Post: func(ctx context.Context, ictx invariants.Context) error {
				return verifyAtomic(ctx, deps.DB, ictx.String("settlementID"))
			},
		},
		{
			ID:           invariants.LedgerReconciles,
			Statement:    "the journal balances: credits equal debits plus capital advances",
			Criticality:  invariants.Critical,
			FreezeOnFail: true,
			Post: func(ctx context.Context, _ invariants.Context) error {
				result, err := deps.Journal.Reconcile(ctx, time.Time{}, time.Time{})
				if err != nil {
					return err
				}
				if !result.Balanced {
					return fmt.Errorf("journal imbalance %s", result.Imbalance)
				}
				return nil
			},
		},
		{
			ID:          invariants.SettlementSpeed,
			Statement:   "acceptance to settled completes inside the five second ceiling",
			Criticality: invariants.Important,
			Post: func(_ context.Context, ictx invariants.Context) error {
				started, _ := ictx["startedAt"].(time.Time)
				completed, _ := ictx["completedAt"].(time.Time)
				deadline := deps.Deadline
				if deadline <= 0 {
					deadline = 5 * time.Second
				}
				if started.IsZero() || completed.IsZero() {
					return nil
				}
				if completed.Sub(started) >= deadline {
					return fmt.Errorf("settlement took %s", completed.Sub(started))
				}
				return nil
			},
		},
	}
	for _, check := range checks {
		if err := engine.Register(check); err != nil {
			return err
		}
	}
	return nil
}

// preBarrierIDs is the full admission barrier, evaluated in dependency order.
var preBarrierIDs = []string{
	invariants.AccountsActive,
	invariants.KYCVerified,
	invariants.SanctionsClear,
	invariants.SettleExactlyOnce,
	invariants.QuoteBeforeAccept,
	invariants.QuoteFreshness,
	invariants.PricingAccuracy,
	invariants.CreditLimit,
	invariants.FraudScoreFresh,
	invariants.SignatureRequired,
	invariants.RailHealth,
	invariants.FxRateFresh,
}

func parties(ictx invariants.Context) []string {
	out := []string{ictx.String("supplier"), ictx.String("buyer")}
	if provider := ictx.String("provider"); provider != "" {
		out = append(out, provider)
	}
	return out
}

func invoiceFrom(ictx invariants.Context) (*models.Invoice, error) {
	inv, ok := ictx["invoice"].(*models.Invoice)
	if !ok || inv == nil {
		return nil, errors.New("invoice missing from check context")
	}
	return inv, nil
}

func quoteFrom(ictx invariants.Context) (*models.PricingQuote, error) {
	quote, ok := ictx["quote"].(*models.PricingQuote)
	if !ok || quote == nil {
		return nil, errors.New("quote missing from check context")
	}
	return quote, nil
}

// verifyAtomic checks the settled invoice's row counts and the zero-sum
// property over its journal entries.
func verifyAtomic(ctx context.Context, db *gorm.DB, settlementID string) error {
	var settlements int64
	var stl models.Settlement
	if err := db.WithContext(ctx).First(&stl, "id = ?", settlementID).Error; err != nil {
		return fmt.Errorf("settlement row: %w", err)
	}
	if err := db.WithContext(ctx).Model(&models.Settlement{}).
		Where("invoice_id = ?", stl.InvoiceID).Count(&settlements).Error; err != nil {
		return err
	}
	if settlements != 1 {
		return fmt.Errorf("%d settlement rows for invoice %s", settlements, stl.InvoiceID)
	}
	var legs int64
	if err := db.WithContext(ctx).Model(&models.SettlementLeg{}).
		Where("settlement_id = ?", settlementID).Count(&legs).Error; err != nil {
		return err
	}
	if legs != 3 {
		return fmt.Errorf("%d legs for settlement %s", legs, settlementID)
	}
	var entries []models.LedgerEntry
	if err := db.WithContext(ctx).
		Where("settlement_id = ?", settlementID).Find(&entries).Error; err != nil {
		return err
	}
	net := decimal.Zero
	for _, entry := range entries {
		switch entry.Type {
		case models.EntryCredit:
			net = net.Add(entry.Amount)
		case models.EntryDebit:
			net = net.Sub(entry.Amount)
		}
	}
	if !net.IsZero() {
		return fmt.Errorf("settlement %s nets to %s across participants", settlementID, net)
	}
	return nil
}

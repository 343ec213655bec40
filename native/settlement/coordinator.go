// Package settlement drives the hot path: from an admitted acceptance to a
// settled invoice inside the five second ceiling, or an atomic unwind. The
// coordinator is a reducer over explicit pre-check and leg outcomes; control
// flow never travels through panics or sentinel-laden call stacks.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/decision"
	"settlenet/native/events"
	"settlenet/native/fraud"
	"settlenet/native/invariants"
	"settlenet/native/invoice"
	"settlenet/native/ledger"
	"settlenet/native/registry"
	"settlenet/native/settlement/rails"
	"settlenet/observability"
)

const compensationReason = "compensation"

// AcceptRequest is a buyer's acceptance of a quoted invoice. SettlementID is
// client-stable: retries with the same id are safe.
type AcceptRequest struct {
	InvoiceID    string
	QuoteID      string
	Signature    string
	SettlementID string
	Actor        string
}

// Coordinator owns the settlement critical section.
type Coordinator struct {
	db         *gorm.DB
	machine    *invoice.Machine
	registry   *registry.Registry
	fraudGate  *fraud.Gate
	auctions   *auction.Engine
	checks     *invariants.Engine
	decisions  *decision.Ledger
	journal    *ledger.Ledger
	rails      *rails.Manager
	legs       *LegLog
	fx         RateProvider
	freeze     *Freeze
	emitter    events.Emitter
	metrics    *observability.SettlementMetrics
	log        *slog.Logger
	now        func() time.Time

	baseCurrency       string
	fallbackProviderID string
	prepareTimeout     time.Duration
	commitTimeout      time.Duration
	deadline           time.Duration
	statusPollInterval time.Duration
	resolveBudget      time.Duration

	locks sync.Map // invoice id -> *sync.Mutex
}

// Options tunes the coordinator budgets.
type Options struct {
	BaseCurrency       string
	FallbackProviderID string
	PrepareTimeout     time.Duration
	CommitTimeout      time.Duration
	Deadline           time.Duration
	StatusPollInterval time.Duration
	ResolveBudget      time.Duration
}

// Deps are the coordinator's collaborators.
type Deps struct {
	DB        *gorm.DB
	Machine   *invoice.Machine
	Registry  *registry.Registry
	Fraud     *fraud.Gate
	Auctions  *auction.Engine
	Checks    *invariants.Engine
	Decisions *decision.Ledger
	Journal   *ledger.Ledger
	Rails     *rails.Manager
	Legs      *LegLog
	FX        RateProvider
	Freeze    *Freeze
}

// NewCoordinator constructs the coordinator.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.BaseCurrency == "" {
		opts.BaseCurrency = "USD"
	}
	if opts.FallbackProviderID == "" {
		opts.FallbackProviderID = "network-capital"
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 2 * time.Second
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 2 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Second
	}
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = 200 * time.Millisecond
	}
	if opts.ResolveBudget <= 0 {
		opts.ResolveBudget = 5 * time.Second
	}
	return &Coordinator{
		db:                 deps.DB,
		machine:            deps.Machine,
		registry:           deps.Registry,
		fraudGate:          deps.Fraud,
		auctions:           deps.Auctions,
		checks:             deps.Checks,
		decisions:          deps.Decisions,
		journal:            deps.Journal,
		rails:              deps.Rails,
		legs:               deps.Legs,
		fx:                 deps.FX,
		freeze:             deps.Freeze,
		emitter:            events.NoopEmitter{},
		metrics:            observability.Settlement(),
		log:                slog.Default().With("component", "settlement"),
		now:                time.Now,
		baseCurrency:       opts.BaseCurrency,
		fallbackProviderID: opts.FallbackProviderID,
		prepareTimeout:     opts.PrepareTimeout,
		commitTimeout:      opts.CommitTimeout,
		deadline:           opts.Deadline,
		statusPollInterval: opts.StatusPollInterval,
		resolveBudget:      opts.ResolveBudget,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.now = now
}

// Settle runs the full protocol for one acceptance. Exactly one concurrent
// caller per invoice enters the critical section; the rest observe a clean
// conflict with no partial ledger effect.
func (c *Coordinator) Settle(ctx context.Context, req AcceptRequest) Outcome {
	started := c.now()
	outcome := c.settle(ctx, req, started)

	elapsed := c.now().Sub(started)
	c.metrics.Latency.WithLabelValues(string(outcome.Kind)).Observe(elapsed.Seconds())
	c.metrics.Outcomes.WithLabelValues(string(outcome.Kind), outcome.Code).Inc()
	if outcome.OK() && elapsed >= c.deadline {
		c.metrics.BudgetBreach.Inc()
	}
	return outcome
}

func (c *Coordinator) settle(ctx context.Context, req AcceptRequest, started time.Time) Outcome {
	if c.freeze.Engaged() {
		return reject(CodeSystemFrozen, "acceptances are suspended")
	}

	mu, _ := c.locks.LoadOrStore(req.InvoiceID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	if !lock.TryLock() {
		return reject(CodeConflict, "another acceptance is in flight for this invoice")
	}
	defer lock.Unlock()

	var inv models.Invoice
	if err := c.db.WithContext(ctx).First(&inv, "id = ?", req.InvoiceID).Error; err != nil {
		return reject(CodeInvalidState, fmt.Sprintf("invoice %s not found", req.InvoiceID))
	}

	// Repeating accept on a settled invoice returns the original settlement
	// and writes nothing.
	if existing, done := c.existingSettlement(ctx, inv.ID); done {
		switch existing.Status {
		case models.SettlementCompleted:
			return ok(existing.ID)
		case models.SettlementInProgress:
			return abort(CodeRailIndeterminate, existing.ID, "settlement still resolving")
		}
	}
	if inv.Status != models.InvoicePending && inv.Status != models.InvoiceFraudReview {
		return reject(CodeInvalidState, fmt.Sprintf("invoice is %s", inv.Status))
	}

	var quote models.PricingQuote
	if err := c.db.WithContext(ctx).First(&quote, "id = ?", req.QuoteID).Error; err != nil {
		return reject(CodeStaleQuote, fmt.Sprintf("quote %s not found", req.QuoteID))
	}
	providerID := quote.ProviderID
	if providerID == "" {
		providerID = c.fallbackProviderID
	}

	ictx := invariants.Context{
		"invoice":   &inv,
		"invoiceID": inv.ID,
		"quote":     &quote,
		"quoteID":   quote.ID,
		"supplier":  inv.SupplierID,
		"buyer":     inv.BuyerID,
		"provider":  providerID,
		"signature": req.Signature,
	}
	verdict, err := c.checks.Check(ctx, preBarrierIDs, decision.PhasePre, ictx, req.Actor)
	if err != nil {
		return reject(CodeConsistency, err.Error())
	}
	if !verdict.OK {
		c.releaseReservation(ctx, ictx)
		if verdict.Action == decision.ActionFreeze {
			c.freeze.Engage(fmt.Sprintf("pre-check %s failed: %s", verdict.FailedID, verdict.Reason))
		}
		return c.rejectForInvariant(ctx, &inv, verdict, req.Actor)
	}

	settlementID := req.SettlementID
	if settlementID == "" {
		settlementID = uuid.NewString()
	}
	railName := ictx.String("rail")
	adapter, err := c.rails.Get(railName)
	if err != nil {
		c.releaseReservation(ctx, ictx)
		return reject(CodeRailUnavailable, err.Error())
	}

	if _, err := c.auctions.Consume(ctx, quote.ID); err != nil {
		c.releaseReservation(ctx, ictx)
		switch {
		case errors.Is(err, auction.ErrQuoteUsed):
			return reject(CodeQuoteUsed, err.Error())
		case errors.Is(err, auction.ErrQuoteStale):
			return reject(CodeStaleQuote, err.Error())
		default:
			return reject(CodeStaleQuote, err.Error())
		}
	}

	stl := &models.Settlement{
		ID:           settlementID,
		InvoiceID:    inv.ID,
		QuoteID:      quote.ID,
		SupplierID:   inv.SupplierID,
		BuyerID:      inv.BuyerID,
		ProviderID:   providerID,
		Amount:       inv.Amount,
		DiscountRate: quote.DiscountRate,
		BuyerCost:    quote.TotalCost,
		Rail:         railName,
		Status:       models.SettlementInProgress,
		StartedAt:    started.UTC(),
	}
	if rate, okRate := ictx["fxRate"].(decimal.Decimal); okRate {
		lockedAt, _ := ictx["fxLockedAt"].(time.Time)
		stl.FxRate = &rate
		stl.FxLockedAt = &lockedAt
	}

	// PENDING→ACCEPTED and the settlement row land in one transaction; a
	// concurrent acceptance loses here with nothing written.
	err = c.machine.Transition(ctx, inv.ID, models.InvoiceAccepted, req.Actor, "quote "+quote.ID+" accepted", func(tx *gorm.DB, _ *models.Invoice) error {
		return tx.Create(stl).Error
	})
	if err != nil {
		c.releaseReservation(ctx, ictx)
		if errors.Is(err, invoice.ErrInvalidTransition) || errors.Is(err, invoice.ErrTerminalState) {
			return reject(CodeConflict, err.Error())
		}
		return reject(CodeConsistency, err.Error())
	}

	return c.execute(ctx, &inv, stl, adapter, ictx, req.Actor)
}

// execute runs the two-phase protocol once the invoice is accepted.
func (c *Coordinator) execute(ctx context.Context, inv *models.Invoice, stl *models.Settlement, adapter rails.Adapter, ictx invariants.Context, actor string) Outcome {
	transfers := c.transfers(stl)

	// Phase 1: prepare in parallel under per-rail budgets. A leg already
	// committed by a crashed run is never re-prepared.
	tokens := make([]rails.PrepareToken, len(transfers))
	skip := make([]bool, len(transfers))
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range transfers {
		record, found, err := c.legs.Get(stl.ID, transfers[i].Leg)
		if err == nil && found && record.State == LegCommitted {
			skip[i] = true
			continue
		}
		i := i
		group.Go(func() error {
			prepCtx, cancel := context.WithTimeout(groupCtx, c.prepareTimeout)
			defer cancel()
			token, err := adapter.Prepare(prepCtx, transfers[i])
			if err != nil {
				c.metrics.LegOutcomes.WithLabelValues(string(transfers[i].Leg), "prepare", "refused").Inc()
				return fmt.Errorf("prepare %s: %w", transfers[i].Leg, err)
			}
			tokens[i] = token
			c.metrics.LegOutcomes.WithLabelValues(string(transfers[i].Leg), "prepare", "ok").Inc()
			return c.legs.Put(stl.ID, transfers[i].Leg, LegRecord{
				State: LegPrepared,
				Rail:  adapter.Name(),
				Token: token.Token,
			})
		})
	}
	if err := group.Wait(); err != nil {
		c.rollbackPrepared(ctx, stl.ID, adapter, tokens)
		c.failSettlement(ctx, inv.ID, stl, ictx, actor, "rail refused prepare: "+err.Error())
		return abort(CodeRailUnavailable, stl.ID, err.Error())
	}

	// Final pre-commit barrier: the fraud score observed at admission must
	// still stand, and sanctions are re-screened.
	if observedAt, okTs := ictx["fraudObservedAt"].(time.Time); okTs {
		if err := c.fraudGate.Recheck(ctx, inv.ID, observedAt); err != nil {
			c.recordBarrierFailure(ctx, invariants.FraudScoreFresh, err, actor)
			c.rollbackPrepared(ctx, stl.ID, adapter, tokens)
			c.failSettlement(ctx, inv.ID, stl, ictx, actor, "fraud recheck: "+err.Error())
			return abort(CodeFraud, stl.ID, err.Error())
		}
	}
	if err := c.registry.SanctionsClear(ctx, parties(ictx)...); err != nil {
		c.recordBarrierFailure(ctx, invariants.SanctionsClear, err, actor)
		c.rollbackPrepared(ctx, stl.ID, adapter, tokens)
		c.failSettlement(ctx, inv.ID, stl, ictx, actor, "sanctions recheck: "+err.Error())
		return abort(CodeCompliance, stl.ID, err.Error())
	}

	// Phase 2: commit in parallel. Results are collected, never short-
	// circuited; the reducer below decides what they mean together.
	results := make([]rails.CommitResult, len(transfers))
	var commitGroup errgroup.Group
	for i := range transfers {
		if skip[i] {
			record, _, _ := c.legs.Get(stl.ID, transfers[i].Leg)
			results[i] = rails.CommitResult{Kind: rails.Committed, TxID: record.TxID}
			continue
		}
		i := i
		commitGroup.Go(func() error {
			commitCtx, cancel := context.WithTimeout(ctx, c.commitTimeout)
			defer cancel()
			results[i] = adapter.Commit(commitCtx, tokens[i])
			c.metrics.LegOutcomes.WithLabelValues(string(transfers[i].Leg), "commit", string(results[i].Kind)).Inc()
			return c.recordCommit(stl.ID, transfers[i].Leg, adapter.Name(), tokens[i].Token, results[i])
		})
	}
	if err := commitGroup.Wait(); err != nil {
		c.log.Error("leg log write failed", "settlement", stl.ID, "err", err)
	}

	// Resolve indeterminate legs through the rail's status endpoint before
	// deciding the settlement.
	for i := range results {
		if results[i].Kind != rails.Indeterminate {
			continue
		}
		resolved, err := c.resolve(ctx, adapter, tokens[i].Token)
		if err != nil {
			// Still unresolved: the settlement stays in progress and the
			// sweeper finishes it. Nothing is reported settled.
			return abort(CodeRailIndeterminate, stl.ID, "leg "+string(transfers[i].Leg)+" unresolved")
		}
		results[i] = resolved
		_ = c.recordCommit(stl.ID, transfers[i].Leg, adapter.Name(), tokens[i].Token, resolved)
	}

	for _, result := range results {
		if result.Kind == rails.Failed {
			return c.recover(ctx, inv, stl, adapter, transfers, results, ictx, actor)
		}
	}
	return c.finalize(ctx, inv, stl, transfers, results, ictx, actor)
}

// finalize records legs, completes the settlement, and runs the post barrier.
func (c *Coordinator) finalize(ctx context.Context, inv *models.Invoice, stl *models.Settlement, transfers []rails.Transfer, results []rails.CommitResult, ictx invariants.Context, actor string) Outcome {
	now := c.now().UTC()
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range transfers {
			leg := &models.SettlementLeg{
				ID:           uuid.NewString(),
				SettlementID: stl.ID,
				LegType:      transfers[i].Leg,
				AccountID:    legAccount(transfers[i]),
				Amount:       transfers[i].Amount,
				RailTxID:     results[i].TxID,
				CreatedAt:    now,
			}
			// Re-finalizing after a crash must not duplicate leg rows.
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(leg).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Settlement{}).Where("id = ?", stl.ID).
			Updates(map[string]any{"status": models.SettlementCompleted, "completed_at": now}).Error
	})
	if err != nil {
		c.freeze.Engage("settlement " + stl.ID + " committed but could not be recorded: " + err.Error())
		return abort(CodeConsistency, stl.ID, err.Error())
	}

	if inv.Status != models.InvoiceSettled {
		if err := c.machine.Transition(ctx, inv.ID, models.InvoiceSettled, actor, "all legs committed", nil); err != nil {
			c.freeze.Engage("settled invoice " + inv.ID + " refused transition: " + err.Error())
			return abort(CodeConsistency, stl.ID, err.Error())
		}
	}
	c.releaseReservation(ctx, ictx)

	postCtx := invariants.Context{
		"settlementID": stl.ID,
		"invoiceID":    inv.ID,
		"startedAt":    stl.StartedAt,
		"completedAt":  now,
	}
	verdict, err := c.checks.Check(ctx, []string{invariants.AtomicSettlement, invariants.LedgerReconciles}, decision.PhasePost, postCtx, actor)
	if err != nil || !verdict.OK {
		reason := "post barrier error"
		if err != nil {
			reason = err.Error()
		} else {
			reason = fmt.Sprintf("post-check %s failed with committed legs: %s", verdict.FailedID, verdict.Reason)
		}
		c.freeze.Engage(reason)
		return abort(CodeConsistency, stl.ID, reason)
	}
	if speed, err := c.checks.Check(ctx, []string{invariants.SettlementSpeed}, decision.PhasePost, postCtx, actor); err == nil && !speed.OK {
		c.metrics.BudgetBreach.Inc()
	}

	if err := c.legs.Drop(stl.ID); err != nil {
		c.log.Warn("leg log prune failed", "settlement", stl.ID, "err", err)
	}
	c.emitter.Emit(events.Event{
		Type:      "invoice.settled",
		InvoiceID: inv.ID,
		Attributes: map[string]string{
			"settlement": stl.ID,
			"amount":     stl.Amount.StringFixed(2),
			"buyerCost":  stl.BuyerCost.StringFixed(2),
		},
		At: now,
	})
	return ok(stl.ID)
}

// recover compensates committed legs after a definite commit failure, then
// moves the invoice to failed.
func (c *Coordinator) recover(ctx context.Context, inv *models.Invoice, stl *models.Settlement, adapter rails.Adapter, transfers []rails.Transfer, results []rails.CommitResult, ictx invariants.Context, actor string) Outcome {
	for i := range results {
		switch results[i].Kind {
		case rails.Committed:
			if err := c.compensate(ctx, stl.ID, transfers[i].Leg); err != nil {
				c.freeze.Engage("compensation failed for settlement " + stl.ID + ": " + err.Error())
				return abort(CodeConsistency, stl.ID, err.Error())
			}
			_ = c.legs.Put(stl.ID, transfers[i].Leg, LegRecord{
				State: LegRolledBack,
				Rail:  adapter.Name(),
			})
		case rails.Failed:
			_ = c.legs.Put(stl.ID, transfers[i].Leg, LegRecord{
				State: LegFailed,
				Rail:  adapter.Name(),
			})
		}
	}
	c.failSettlement(ctx, inv.ID, stl, ictx, actor, "commit failed, compensated")
	return abort(CodeRailFailure, stl.ID, "a leg failed to commit; committed legs compensated")
}

// compensate appends correcting entries for every journal entry the leg
// produced. Originals are never touched.
func (c *Coordinator) compensate(ctx context.Context, settlementID string, leg models.LegType) error {
	var entries []models.LedgerEntry
	err := c.db.WithContext(ctx).
		Where("settlement_id = ? AND reason = ? AND type <> ?", settlementID, rails.LegReason(leg), models.EntryCorrection).
		Order("seq_no ASC").
		Find(&entries).Error
	if err != nil {
		return fmt.Errorf("settlement: load entries to compensate: %w", err)
	}
	for _, entry := range entries {
		seq := entry.SeqNo
		_, err := c.journal.Append(ctx, ledger.Entry{
			Type:          models.EntryCorrection,
			AccountID:     entry.AccountID,
			Amount:        entry.Amount,
			Reason:        compensationReason,
			SettlementID:  settlementID,
			CorrectsEntry: &seq,
		})
		if err != nil {
			return fmt.Errorf("settlement: append correction: %w", err)
		}
		c.metrics.Compensations.Inc()
	}
	return nil
}

// resolve polls the rail's status endpoint until it returns a terminal
// answer or the budget lapses.
func (c *Coordinator) resolve(ctx context.Context, adapter rails.Adapter, token string) (rails.CommitResult, error) {
	deadline := c.now().Add(c.resolveBudget)
	ticker := time.NewTicker(c.statusPollInterval)
	defer ticker.Stop()
	for {
		result, err := adapter.Status(ctx, token)
		if err == nil && result.Kind != rails.Indeterminate {
			return result, nil
		}
		if c.now().After(deadline) {
			return rails.CommitResult{}, fmt.Errorf("settlement: leg unresolved after %s", c.resolveBudget)
		}
		select {
		case <-ctx.Done():
			return rails.CommitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// transfers expands a settlement into its three legs. The capital advance is
// a single-sided bookkeeping debit; the supplier credit and the buyer
// payment carry the money.
func (c *Coordinator) transfers(stl *models.Settlement) []rails.Transfer {
	return []rails.Transfer{
		{
			SettlementID: stl.ID,
			Leg:          models.LegAdvanceCapital,
			DebitAccount: stl.ProviderID,
			Amount:       stl.Amount,
			Currency:     c.baseCurrency,
			Reason:       rails.LegReason(models.LegAdvanceCapital),
		},
		{
			SettlementID:  stl.ID,
			Leg:           models.LegCreditSupplier,
			CreditAccount: stl.SupplierID,
			Amount:        stl.Amount,
			Currency:      c.baseCurrency,
			Reason:        rails.LegReason(models.LegCreditSupplier),
		},
		{
			SettlementID:  stl.ID,
			Leg:           models.LegDebitBuyer,
			DebitAccount:  stl.BuyerID,
			CreditAccount: stl.ProviderID,
			Amount:        stl.BuyerCost,
			Currency:      c.baseCurrency,
			Reason:        rails.LegReason(models.LegDebitBuyer),
		},
	}
}

func legAccount(transfer rails.Transfer) string {
	if transfer.CreditAccount != "" {
		return transfer.CreditAccount
	}
	return transfer.DebitAccount
}

func (c *Coordinator) rollbackPrepared(ctx context.Context, settlementID string, adapter rails.Adapter, tokens []rails.PrepareToken) {
	for _, token := range tokens {
		if token.Token == "" {
			continue
		}
		if err := adapter.Rollback(ctx, token); err != nil {
			c.log.Warn("rollback failed", "settlement", settlementID, "leg", token.Transfer.Leg, "err", err)
		}
		_ = c.legs.Put(settlementID, token.Transfer.Leg, LegRecord{
			State: LegRolledBack,
			Rail:  adapter.Name(),
			Token: token.Token,
		})
	}
}

// failSettlement marks the settlement rolled back, releases the credit hold,
// and moves the invoice to failed.
func (c *Coordinator) failSettlement(ctx context.Context, invoiceID string, stl *models.Settlement, ictx invariants.Context, actor, reason string) {
	now := c.now().UTC()
	if err := c.db.WithContext(ctx).Model(&models.Settlement{}).Where("id = ?", stl.ID).
		Updates(map[string]any{"status": models.SettlementRolledBack, "completed_at": now}).Error; err != nil {
		c.log.Error("settlement row update failed", "settlement", stl.ID, "err", err)
	}
	c.releaseReservation(ctx, ictx)
	if err := c.machine.Transition(ctx, invoiceID, models.InvoiceFailed, actor, reason, nil); err != nil {
		c.log.Error("transition to failed refused", "invoice", invoiceID, "err", err)
	}
}

func (c *Coordinator) releaseReservation(ctx context.Context, ictx invariants.Context) {
	reservation, okRes := ictx["reservation"].(*models.CreditReservation)
	if !okRes || reservation == nil {
		return
	}
	if err := c.registry.ReleaseCredit(ctx, reservation.ID); err != nil {
		c.log.Warn("reservation release failed", "reservation", reservation.ID, "err", err)
	}
}

func (c *Coordinator) recordBarrierFailure(ctx context.Context, invariantID string, cause error, actor string) {
	_, err := c.decisions.Append(ctx, invariantID, decision.PhasePre, false, decision.ActionRollback,
		map[string]any{"reason": cause.Error(), "barrier": "pre-commit"}, actor)
	if err != nil {
		c.log.Error("decision record failed", "invariant", invariantID, "err", err)
	}
}

// rejectForInvariant maps a failed pre-check to its API failure code and the
// lifecycle move the failure demands.
func (c *Coordinator) rejectForInvariant(ctx context.Context, inv *models.Invoice, verdict invariants.Decision, actor string) Outcome {
	code := CodeInvalidState
	switch verdict.FailedID {
	case invariants.AccountsActive:
		code = CodeInactiveParty
	case invariants.KYCVerified, invariants.SanctionsClear:
		code = CodeCompliance
	case invariants.CreditLimit:
		code = CodeCreditExceeded
	case invariants.QuoteBeforeAccept, invariants.QuoteFreshness:
		code = CodeStaleQuote
	case invariants.PricingAccuracy:
		code = CodePricingMismatch
	case invariants.FraudScoreFresh:
		code = CodeFraud
	case invariants.SignatureRequired:
		code = CodeUnauthorized
	case invariants.SettleExactlyOnce:
		code = CodeConflict
	case invariants.RailHealth:
		code = CodeRailUnavailable
	case invariants.FxRateFresh:
		code = CodeFxStale
	}

	switch code {
	case CodeFraud:
		if inv.Status == models.InvoicePending {
			if err := c.machine.Transition(ctx, inv.ID, models.InvoiceFraudReview, actor, verdict.Reason, nil); err != nil {
				c.log.Warn("fraud-review transition refused", "invoice", inv.ID, "err", err)
			}
		}
	case CodeCompliance:
		if err := c.machine.Transition(ctx, inv.ID, models.InvoiceRejected, actor, verdict.Reason, nil); err != nil {
			c.log.Warn("rejected transition refused", "invoice", inv.ID, "err", err)
		}
	}
	return reject(code, verdict.Reason)
}

func (c *Coordinator) existingSettlement(ctx context.Context, invoiceID string) (*models.Settlement, bool) {
	var stl models.Settlement
	err := c.db.WithContext(ctx).First(&stl, "invoice_id = ?", invoiceID).Error
	if err != nil {
		return nil, false
	}
	return &stl, true
}

// recordCommit journals a commit result in the durable leg log.
func (c *Coordinator) recordCommit(settlementID string, leg models.LegType, rail, token string, result rails.CommitResult) error {
	state := LegPrepared
	switch result.Kind {
	case rails.Committed:
		state = LegCommitted
	case rails.Failed:
		state = LegFailed
	}
	return c.legs.Put(settlementID, leg, LegRecord{
		State: state,
		Rail:  rail,
		Token: token,
		TxID:  result.TxID,
	})
}

// Package auction runs the working-capital auctions and issues pricing
// quotes. Capital providers bid an annualised discount rate during a bounded
// window; the lowest valid rate wins. When competition is thin the engine
// prices at the configured fallback rate and emits a low-liquidity event.
package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/native/events"
	"settlenet/observability"
)

var (
	// ErrAuctionNotFound indicates no auction for the invoice.
	ErrAuctionNotFound = errors.New("auction: not found")
	// ErrAuctionClosed indicates a bid against a closed window.
	ErrAuctionClosed = errors.New("auction: bidding window closed")
	// ErrBidRate indicates a rate outside [0.5%, 15%].
	ErrBidRate = errors.New("auction: rate out of range")
	// ErrBidCapacity indicates capacity below the invoice amount.
	ErrBidCapacity = errors.New("auction: capacity below invoice amount")
	// ErrBidExpired indicates a bid that expires before it could win.
	ErrBidExpired = errors.New("auction: bid already expired")
	// ErrInsufficientLiquidity indicates the provider cannot cover the bid.
	ErrInsufficientLiquidity = errors.New("auction: provider liquidity insufficient")
	// ErrQuoteNotFound indicates an unknown quote id.
	ErrQuoteNotFound = errors.New("auction: quote not found")
	// ErrQuoteStale indicates a quote past its TTL.
	ErrQuoteStale = errors.New("auction: quote expired")
	// ErrQuoteUsed indicates a quote that was already consumed.
	ErrQuoteUsed = errors.New("auction: quote already used")
)

var (
	minRate     = decimal.RequireFromString("0.005")
	maxRate     = decimal.RequireFromString("0.15")
	daysPerYear = decimal.NewFromInt(365)
)

// BalanceSource reads a provider's available liquidity.
type BalanceSource interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// BidRequest is a capital provider's offer to fund an invoice.
type BidRequest struct {
	ProviderID   string
	InvoiceID    string
	DiscountRate decimal.Decimal
	Capacity     decimal.Decimal
	ExpiresAt    time.Time
}

// CompetitionStats summarises auction liquidity over a rolling window.
type CompetitionStats struct {
	Auctions        int     `json:"auctions"`
	Competitive     int     `json:"competitive"`
	CompetitiveRate float64 `json:"competitiveRate"`
}

// Engine owns auctions, bids, and quote issuance.
type Engine struct {
	db           *gorm.DB
	balances     BalanceSource
	emitter      events.Emitter
	metrics      *observability.AuctionMetrics
	fallbackRate decimal.Decimal
	minBids      int
	quoteTTL     time.Duration
	duration     time.Duration
	now          func() time.Time
}

// Options tunes the auction engine.
type Options struct {
	FallbackRate decimal.Decimal
	MinBids      int
	QuoteTTL     time.Duration
	Duration     time.Duration
}

// NewEngine constructs an auction engine.
func NewEngine(db *gorm.DB, balances BalanceSource, opts Options) *Engine {
	if opts.MinBids <= 0 {
		opts.MinBids = 3
	}
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = 5 * time.Minute
	}
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}
	if opts.FallbackRate.IsZero() {
		opts.FallbackRate = decimal.RequireFromString("0.10")
	}
	return &Engine{
		db:           db,
		balances:     balances,
		emitter:      events.NoopEmitter{},
		metrics:      observability.Auction(),
		fallbackRate: opts.FallbackRate,
		minBids:      opts.MinBids,
		quoteTTL:     opts.QuoteTTL,
		duration:     opts.Duration,
		now:          time.Now,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// OpenAuction opens a bidding window for the invoice, reusing a window that
// is already open.
func (e *Engine) OpenAuction(ctx context.Context, invoiceID string, duration time.Duration) (*models.Auction, error) {
	if duration <= 0 {
		duration = e.duration
	}
	var open models.Auction
	err := e.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, models.AuctionOpen).
		First(&open).Error
	if err == nil {
		return &open, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("auction: lookup: %w", err)
	}
	now := e.now().UTC()
	row := &models.Auction{
		ID:        uuid.NewString(),
		InvoiceID: invoiceID,
		Status:    models.AuctionOpen,
		OpenedAt:  now,
		ClosesAt:  now.Add(duration),
	}
	if err := e.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("auction: open: %w", err)
	}
	e.emitter.Emit(events.Event{Type: "auction.opened", InvoiceID: invoiceID, At: now})
	return row, nil
}

// SubmitBid validates and records a bid against the open auction.
func (e *Engine) SubmitBid(ctx context.Context, req BidRequest) (*models.CapitalBid, error) {
	now := e.now().UTC()
	if req.DiscountRate.LessThan(minRate) || req.DiscountRate.GreaterThan(maxRate) {
		return nil, fmt.Errorf("%w: %s", ErrBidRate, req.DiscountRate)
	}
	if !req.ExpiresAt.After(now) {
		return nil, ErrBidExpired
	}

	var invoice models.Invoice
	if err := e.db.WithContext(ctx).First(&invoice, "id = ?", req.InvoiceID).Error; err != nil {
		return nil, fmt.Errorf("auction: invoice lookup: %w", err)
	}
	if req.Capacity.LessThan(invoice.Amount) {
		return nil, fmt.Errorf("%w: capacity %s, amount %s", ErrBidCapacity, req.Capacity, invoice.Amount)
	}

	available, err := e.balances.Balance(ctx, req.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("auction: provider liquidity: %w", err)
	}
	if available.LessThan(req.Capacity) {
		return nil, fmt.Errorf("%w: available %s, capacity %s", ErrInsufficientLiquidity, available, req.Capacity)
	}

	var open models.Auction
	err = e.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", req.InvoiceID, models.AuctionOpen).
		First(&open).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction: lookup: %w", err)
	}
	if !now.Before(open.ClosesAt) {
		return nil, ErrAuctionClosed
	}

	bid := &models.CapitalBid{
		ID:           uuid.NewString(),
		AuctionID:    open.ID,
		InvoiceID:    req.InvoiceID,
		ProviderID:   req.ProviderID,
		DiscountRate: req.DiscountRate,
		Capacity:     req.Capacity.Round(2),
		ExpiresAt:    req.ExpiresAt.UTC(),
		CreatedAt:    now,
	}
	if err := e.db.WithContext(ctx).Create(bid).Error; err != nil {
		return nil, fmt.Errorf("auction: record bid: %w", err)
	}
	return bid, nil
}

// CloseAndSelect closes the invoice's auction, discards unusable bids, and
// issues a quote at the winning rate. With fewer than the configured minimum
// of valid bids the fallback rate prices the invoice and a low-liquidity
// event is emitted.
func (e *Engine) CloseAndSelect(ctx context.Context, invoiceID string) (*models.PricingQuote, error) {
	var invoice models.Invoice
	if err := e.db.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error; err != nil {
		return nil, fmt.Errorf("auction: invoice lookup: %w", err)
	}
	var open models.Auction
	err := e.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, models.AuctionOpen).
		First(&open).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction: lookup: %w", err)
	}

	now := e.now().UTC()
	winner, valid, err := e.selectWinner(ctx, open.ID, &invoice)
	if err != nil {
		return nil, err
	}

	open.Status = models.AuctionClosed
	open.ClosedAt = &now
	open.BidCount = valid
	providerID := ""
	rate := e.fallbackRate
	if winner != nil && valid >= e.minBids {
		open.WinningBidID = &winner.ID
		providerID = winner.ProviderID
		rate = winner.DiscountRate
		e.metrics.Closed.WithLabelValues("competitive").Inc()
	} else {
		open.Fallback = true
		e.metrics.Closed.WithLabelValues("fallback").Inc()
		e.emitter.Emit(events.Event{
			Type:       "auction.low_liquidity",
			InvoiceID:  invoiceID,
			Attributes: map[string]string{"validBids": fmt.Sprintf("%d", valid)},
			At:         now,
		})
		// A lone winner below target still funds the invoice at its rate.
		if winner != nil {
			open.WinningBidID = &winner.ID
			providerID = winner.ProviderID
			rate = winner.DiscountRate
		}
	}
	if err := e.db.WithContext(ctx).Save(&open).Error; err != nil {
		return nil, fmt.Errorf("auction: close: %w", err)
	}
	e.metrics.BidsPerAuction.Observe(float64(valid))
	e.metrics.WinningRate.Observe(rate.InexactFloat64())

	return e.issueQuote(ctx, &invoice, providerID, rate)
}

// GetQuote returns the live quote for (invoice, terms) or re-runs price
// discovery over the still-valid bids when none is live.
func (e *Engine) GetQuote(ctx context.Context, invoiceID string, terms int) (*models.PricingQuote, error) {
	now := e.now().UTC()
	var quote models.PricingQuote
	err := e.db.WithContext(ctx).
		Where("invoice_id = ? AND terms = ? AND used = ? AND expires_at > ?", invoiceID, terms, false, now).
		Order("issued_at DESC").
		First(&quote).Error
	if err == nil {
		return &quote, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("auction: quote lookup: %w", err)
	}

	var invoice models.Invoice
	if err := e.db.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error; err != nil {
		return nil, fmt.Errorf("auction: invoice lookup: %w", err)
	}
	if terms != invoice.Terms {
		invoice.Terms = terms
	}

	var latest models.Auction
	err = e.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, models.AuctionClosed).
		Order("closed_at DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction: lookup: %w", err)
	}

	winner, _, err := e.selectWinner(ctx, latest.ID, &invoice)
	if err != nil {
		return nil, err
	}
	providerID := ""
	rate := e.fallbackRate
	if winner != nil {
		providerID = winner.ProviderID
		rate = winner.DiscountRate
	}
	return e.issueQuote(ctx, &invoice, providerID, rate)
}

// Consume atomically marks a quote used. A quote is consumable at most once
// and only inside its TTL.
func (e *Engine) Consume(ctx context.Context, quoteID string) (*models.PricingQuote, error) {
	now := e.now().UTC()
	var quote models.PricingQuote
	err := e.db.WithContext(ctx).First(&quote, "id = ?", quoteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction: quote lookup: %w", err)
	}
	if quote.Used {
		return nil, ErrQuoteUsed
	}
	if !now.Before(quote.ExpiresAt) {
		e.metrics.QuotesExpired.Inc()
		return nil, ErrQuoteStale
	}
	result := e.db.WithContext(ctx).Model(&models.PricingQuote{}).
		Where("id = ? AND used = ?", quoteID, false).
		Updates(map[string]any{"used": true, "used_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("auction: consume quote: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrQuoteUsed
	}
	quote.Used = true
	quote.UsedAt = &now
	return &quote, nil
}

// Release puts a consumed quote back when the settlement aborts before any
// money moved, so the buyer can retry with the same price.
func (e *Engine) Release(ctx context.Context, quoteID string) error {
	err := e.db.WithContext(ctx).Model(&models.PricingQuote{}).
		Where("id = ?", quoteID).
		Updates(map[string]any{"used": false, "used_at": nil}).Error
	if err != nil {
		return fmt.Errorf("auction: release quote: %w", err)
	}
	return nil
}

// CloseDue closes every auction whose window has lapsed, issuing quotes as it
// goes. Used by the lifecycle scheduler.
func (e *Engine) CloseDue(ctx context.Context) (int, error) {
	now := e.now().UTC()
	var due []models.Auction
	err := e.db.WithContext(ctx).
		Where("status = ? AND closes_at <= ?", models.AuctionOpen, now).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("auction: list due: %w", err)
	}
	closed := 0
	for _, row := range due {
		if _, err := e.CloseAndSelect(ctx, row.InvoiceID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// CompetitionStats reports the share of auctions that attracted at least the
// bid target over a rolling window. The 70% target is observational, not a
// per-invoice gate.
func (e *Engine) CompetitionStats(ctx context.Context, window time.Duration) (CompetitionStats, error) {
	since := e.now().UTC().Add(-window)
	var rows []models.Auction
	err := e.db.WithContext(ctx).
		Where("status = ? AND closed_at >= ?", models.AuctionClosed, since).
		Find(&rows).Error
	if err != nil {
		return CompetitionStats{}, fmt.Errorf("auction: stats: %w", err)
	}
	stats := CompetitionStats{Auctions: len(rows)}
	for _, row := range rows {
		if row.BidCount >= e.minBids {
			stats.Competitive++
		}
	}
	if stats.Auctions > 0 {
		stats.CompetitiveRate = float64(stats.Competitive) / float64(stats.Auctions)
	}
	return stats, nil
}

// selectWinner filters the auction's bids down to usable ones and returns
// the lowest rate (earliest bid wins ties) plus the usable count.
func (e *Engine) selectWinner(ctx context.Context, auctionID string, invoice *models.Invoice) (*models.CapitalBid, int, error) {
	now := e.now().UTC()
	var bids []models.CapitalBid
	if err := e.db.WithContext(ctx).Where("auction_id = ?", auctionID).Find(&bids).Error; err != nil {
		return nil, 0, fmt.Errorf("auction: load bids: %w", err)
	}
	usable := bids[:0]
	for _, bid := range bids {
		if !bid.ExpiresAt.After(now) {
			continue
		}
		if bid.Capacity.LessThan(invoice.Amount) {
			continue
		}
		available, err := e.balances.Balance(ctx, bid.ProviderID)
		if err != nil {
			return nil, 0, fmt.Errorf("auction: provider liquidity: %w", err)
		}
		if available.LessThan(bid.Capacity) {
			continue
		}
		usable = append(usable, bid)
	}
	if len(usable) == 0 {
		return nil, 0, nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].DiscountRate.Equal(usable[j].DiscountRate) {
			return usable[i].CreatedAt.Before(usable[j].CreatedAt)
		}
		return usable[i].DiscountRate.LessThan(usable[j].DiscountRate)
	})
	winner := usable[0]
	return &winner, len(usable), nil
}

func (e *Engine) issueQuote(ctx context.Context, invoice *models.Invoice, providerID string, rate decimal.Decimal) (*models.PricingQuote, error) {
	now := e.now().UTC()
	quote := &models.PricingQuote{
		ID:           uuid.NewString(),
		InvoiceID:    invoice.ID,
		ProviderID:   providerID,
		Terms:        invoice.Terms,
		DiscountRate: rate,
		TotalCost:    TotalCost(invoice.Amount, rate, invoice.Terms),
		IssuedAt:     now,
		ExpiresAt:    now.Add(e.quoteTTL),
	}
	if err := e.db.WithContext(ctx).Create(quote).Error; err != nil {
		return nil, fmt.Errorf("auction: issue quote: %w", err)
	}
	e.metrics.QuotesIssued.Inc()
	e.emitter.Emit(events.Event{
		Type:      "quote.issued",
		InvoiceID: invoice.ID,
		Attributes: map[string]string{
			"quote": quote.ID,
			"rate":  rate.String(),
			"cost":  quote.TotalCost.StringFixed(2),
		},
		At: now,
	})
	return quote, nil
}

// TotalCost prices the buyer's side: amount x (1 + rate x terms/365),
// rounded half away from zero to two decimal places.
func TotalCost(amount, rate decimal.Decimal, terms int) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(rate.Mul(decimal.NewFromInt(int64(terms))).Div(daysPerYear))
	return amount.Mul(factor).Round(2)
}

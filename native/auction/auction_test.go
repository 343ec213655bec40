package auction

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlenet/models"
	"settlenet/native/events"
)

type stubBalances struct {
	balances map[string]decimal.Decimal
}

func (s *stubBalances) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	return s.balances[accountID], nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(t *testing.T) (*Engine, *stubBalances, *gorm.DB, *time.Time) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	balances := &stubBalances{balances: map[string]decimal.Decimal{
		"prov-a": dec("1000000"),
		"prov-b": dec("1000000"),
		"prov-c": dec("1000000"),
	}}
	engine := NewEngine(db, balances, Options{
		FallbackRate: dec("0.10"),
		MinBids:      3,
		QuoteTTL:     5 * time.Minute,
		Duration:     10 * time.Second,
	})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.SetNowFunc(func() time.Time { return now })
	return engine, balances, db, &now
}

func seedInvoice(t *testing.T, db *gorm.DB, amount string, terms int) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:          uuid.NewString(),
		SupplierID:  "supplier-1",
		BuyerID:     "buyer-1",
		Amount:      dec(amount),
		Currency:    "USD",
		Terms:       terms,
		Status:      models.InvoicePending,
		ContentHash: uuid.NewString(),
		CreatedAt:   time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func bid(provider, rate string, expiry time.Time) BidRequest {
	return BidRequest{
		ProviderID:   provider,
		DiscountRate: dec(rate),
		Capacity:     dec("100000"),
		ExpiresAt:    expiry,
	}
}

func TestTotalCost(t *testing.T) {
	require.Equal(t, "50246.58", TotalCost(dec("50000"), dec("0.06"), 30).StringFixed(2))
	require.Equal(t, "50410.96", TotalCost(dec("50000"), dec("0.10"), 30).StringFixed(2))
	require.Equal(t, "50000.00", TotalCost(dec("50000"), dec("0.06"), 0).StringFixed(2))
}

func TestLowestRateWins(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)

	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)

	expiry := now.Add(time.Hour)
	for provider, rate := range map[string]string{
		"prov-a": "0.063",
		"prov-b": "0.060",
		"prov-c": "0.065",
	} {
		req := bid(provider, rate, expiry)
		req.InvoiceID = inv.ID
		_, err := engine.SubmitBid(ctx, req)
		require.NoError(t, err)
	}

	quote, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "prov-b", quote.ProviderID)
	require.Equal(t, "0.06", quote.DiscountRate.String())
	require.Equal(t, "50246.58", quote.TotalCost.StringFixed(2))

	var closed models.Auction
	require.NoError(t, db.Where("invoice_id = ?", inv.ID).First(&closed).Error)
	require.Equal(t, models.AuctionClosed, closed.Status)
	require.False(t, closed.Fallback)
	require.Equal(t, 3, closed.BidCount)
}

func TestBidValidation(t *testing.T) {
	engine, balances, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)
	expiry := now.Add(time.Hour)

	low := bid("prov-a", "0.004", expiry)
	low.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, low)
	require.ErrorIs(t, err, ErrBidRate)

	high := bid("prov-a", "0.151", expiry)
	high.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, high)
	require.ErrorIs(t, err, ErrBidRate)

	small := bid("prov-a", "0.06", expiry)
	small.InvoiceID = inv.ID
	small.Capacity = dec("49999.99")
	_, err = engine.SubmitBid(ctx, small)
	require.ErrorIs(t, err, ErrBidCapacity)

	expired := bid("prov-a", "0.06", now.Add(-time.Second))
	expired.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, expired)
	require.ErrorIs(t, err, ErrBidExpired)

	balances.balances["prov-a"] = dec("50000")
	broke := bid("prov-a", "0.06", expiry)
	broke.InvoiceID = inv.ID
	broke.Capacity = dec("60000")
	_, err = engine.SubmitBid(ctx, broke)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestBidAfterWindowCloses(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)

	*now = now.Add(10 * time.Second)
	req := bid("prov-a", "0.06", now.Add(time.Hour))
	req.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, req)
	require.ErrorIs(t, err, ErrAuctionClosed)
}

func TestFallbackWhenUnderThreeValidBids(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)

	bus := events.NewBus()
	feed, cancel := bus.Subscribe(8)
	defer cancel()
	engine.SetEmitter(bus)

	// One bid expires before close, leaving a single usable bid.
	short := bid("prov-a", "0.055", now.Add(5*time.Second))
	short.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, short)
	require.NoError(t, err)
	lone := bid("prov-b", "0.07", now.Add(time.Hour))
	lone.InvoiceID = inv.ID
	_, err = engine.SubmitBid(ctx, lone)
	require.NoError(t, err)

	*now = now.Add(10 * time.Second)
	quote, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)

	// The lone valid bid still funds the invoice at its own rate.
	require.Equal(t, "prov-b", quote.ProviderID)
	require.Equal(t, "0.07", quote.DiscountRate.String())

	var closed models.Auction
	require.NoError(t, db.Where("invoice_id = ?", inv.ID).First(&closed).Error)
	require.True(t, closed.Fallback)
	require.Equal(t, 1, closed.BidCount)

	var sawLowLiquidity bool
	for {
		select {
		case ev := <-feed:
			if ev.Type == "auction.low_liquidity" {
				sawLowLiquidity = true
			}
			continue
		default:
		}
		break
	}
	require.True(t, sawLowLiquidity)
}

func TestFallbackRateWithNoBids(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)

	*now = now.Add(10 * time.Second)
	quote, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)
	require.Empty(t, quote.ProviderID)
	require.Equal(t, "0.1", quote.DiscountRate.String())
	require.Equal(t, "50410.96", quote.TotalCost.StringFixed(2))
}

func TestQuoteExpiryBoundary(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)
	quote, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)

	*now = now.Add(299 * time.Second)
	consumed, err := engine.Consume(ctx, quote.ID)
	require.NoError(t, err)
	require.True(t, consumed.Used)

	fresh, err := engine.GetQuote(ctx, inv.ID, 30)
	require.NoError(t, err)
	*now = now.Add(302 * time.Second)
	_, err = engine.Consume(ctx, fresh.ID)
	require.ErrorIs(t, err, ErrQuoteStale)
	_ = db
}

func TestQuoteSingleUse(t *testing.T) {
	engine, _, db, _ := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)
	quote, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)

	_, err = engine.Consume(ctx, quote.ID)
	require.NoError(t, err)
	_, err = engine.Consume(ctx, quote.ID)
	require.ErrorIs(t, err, ErrQuoteUsed)

	require.NoError(t, engine.Release(ctx, quote.ID))
	again, err := engine.Consume(ctx, quote.ID)
	require.NoError(t, err)
	require.True(t, again.Used)
}

func TestGetQuoteReturnsLiveQuoteThenRediscovers(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()
	inv := seedInvoice(t, db, "50000.00", 30)
	_, err := engine.OpenAuction(ctx, inv.ID, 10*time.Second)
	require.NoError(t, err)
	expiry := now.Add(time.Hour)
	for provider, rate := range map[string]string{
		"prov-a": "0.063",
		"prov-b": "0.060",
		"prov-c": "0.065",
	} {
		req := bid(provider, rate, expiry)
		req.InvoiceID = inv.ID
		_, err := engine.SubmitBid(ctx, req)
		require.NoError(t, err)
	}
	issued, err := engine.CloseAndSelect(ctx, inv.ID)
	require.NoError(t, err)

	live, err := engine.GetQuote(ctx, inv.ID, 30)
	require.NoError(t, err)
	require.Equal(t, issued.ID, live.ID)

	// Past the TTL the engine re-runs discovery over the surviving bids.
	*now = now.Add(6 * time.Minute)
	fresh, err := engine.GetQuote(ctx, inv.ID, 30)
	require.NoError(t, err)
	require.NotEqual(t, issued.ID, fresh.ID)
	require.Equal(t, "prov-b", fresh.ProviderID)
	require.Equal(t, "50246.58", fresh.TotalCost.StringFixed(2))
}

func TestCloseDueAndCompetitionStats(t *testing.T) {
	engine, _, db, now := newTestEngine(t)
	ctx := context.Background()

	first := seedInvoice(t, db, "50000.00", 30)
	second := seedInvoice(t, db, "80000.00", 60)
	_, err := engine.OpenAuction(ctx, first.ID, 10*time.Second)
	require.NoError(t, err)
	_, err = engine.OpenAuction(ctx, second.ID, 10*time.Second)
	require.NoError(t, err)

	expiry := now.Add(time.Hour)
	for _, provider := range []string{"prov-a", "prov-b", "prov-c"} {
		req := bid(provider, "0.06", expiry)
		req.InvoiceID = first.ID
		_, err := engine.SubmitBid(ctx, req)
		require.NoError(t, err)
	}

	*now = now.Add(11 * time.Second)
	closed, err := engine.CloseDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, closed)

	stats, err := engine.CompetitionStats(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Auctions)
	require.Equal(t, 1, stats.Competitive)
	require.InDelta(t, 0.5, stats.CompetitiveRate, 1e-9)
}

package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/decision"
	"settlenet/native/events"
	"settlenet/native/fraud"
	"settlenet/native/invariants"
	"settlenet/native/invoice"
	"settlenet/native/ledger"
	"settlenet/native/registry"
	"settlenet/native/settlement"
	"settlenet/native/settlement/rails"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubOracle struct {
	mu    sync.Mutex
	score float64
	clock *fakeClock
}

func (o *stubOracle) Score(context.Context, *models.Invoice) (fraud.Score, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fraud.Score{Value: o.score, ComputedAt: o.clock.Now()}, nil
}

func (o *stubOracle) set(score float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.score = score
}

type apiFixture struct {
	db       *gorm.DB
	clock    *fakeClock
	journal  *ledger.Ledger
	auctions *auction.Engine
	freeze   *settlement.Freeze
	oracle   *stubOracle
	server   *Server
	ts       *httptest.Server
	buyerKey *ecdsa.PrivateKey
}

// newAPIFixture stands up the whole stack behind an httptest server, with
// bearer auth off so tests identify parties via the X-Party-ID header.
func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	decisions, err := decision.NewLedger(db, []byte("decision-secret"))
	require.NoError(t, err)
	decisions.SetNowFunc(clock.Now)
	journal, err := ledger.NewLedger(db, []byte("journal-secret"))
	require.NoError(t, err)
	journal.SetNowFunc(clock.Now)

	reg := registry.NewRegistry(db, nil, registry.Options{})
	reg.SetNowFunc(clock.Now)
	require.NoError(t, reg.MarkSanctionsRefreshed(context.Background(), clock.Now()))

	oracle := &stubOracle{score: 0.2, clock: clock}
	gate := fraud.NewGate(db, oracle, 0.75, 24*time.Hour)
	gate.SetNowFunc(clock.Now)

	auctions := auction.NewEngine(db, journal, auction.Options{
		FallbackRate: dec("0.10"),
		MinBids:      3,
		QuoteTTL:     5 * time.Minute,
		Duration:     10 * time.Second,
	})
	auctions.SetNowFunc(clock.Now)

	machine := invoice.NewMachine(db, decisions)
	machine.SetNowFunc(clock.Now)

	manager := rails.NewManager(rails.WithClock(clock.Now))
	book := rails.NewBookRail("book", db, journal)
	book.SetNowFunc(clock.Now)
	manager.Register(book, 0)

	freeze := settlement.NewFreeze()
	fx := settlement.NewStaticRates(decimal.Zero)
	fx.SetNowFunc(clock.Now)

	engine := invariants.NewEngine(decisions)
	require.NoError(t, settlement.RegisterInvariants(engine, settlement.InvariantDeps{
		DB:           db,
		Registry:     reg,
		Fraud:        gate,
		Rails:        manager,
		Journal:      journal,
		FX:           fx,
		BaseCurrency: "USD",
		Deadline:     5 * time.Second,
		Now:          clock.Now,
	}))
	require.NoError(t, engine.Finalize())

	legs, err := settlement.OpenMemLegLog()
	require.NoError(t, err)
	t.Cleanup(func() { legs.Close() })

	coord := settlement.NewCoordinator(settlement.Deps{
		DB:        db,
		Machine:   machine,
		Registry:  reg,
		Fraud:     gate,
		Auctions:  auctions,
		Checks:    engine,
		Decisions: decisions,
		Journal:   journal,
		Rails:     manager,
		Legs:      legs,
		FX:        fx,
		Freeze:    freeze,
	}, settlement.Options{BaseCurrency: "USD"})
	coord.SetNowFunc(clock.Now)

	buyerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	if opts.Now == nil {
		opts.Now = clock.Now
	}
	server := NewServer(Deps{
		DB:          db,
		Store:       invoice.NewStore(db),
		Machine:     machine,
		Registry:    reg,
		Fraud:       gate,
		Auctions:    auctions,
		Coordinator: coord,
		Journal:     journal,
		Rails:       manager,
		Freeze:      freeze,
		Bus:         events.NewBus(),
	}, opts)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	f := &apiFixture{
		db: db, clock: clock, journal: journal, auctions: auctions,
		freeze: freeze, oracle: oracle, server: server, ts: ts, buyerKey: buyerKey,
	}
	f.seedAccounts(t)
	return f
}

func (f *apiFixture) seedAccounts(t *testing.T) {
	t.Helper()
	now := f.clock.Now()
	verified := now.Add(-30 * 24 * time.Hour)
	limit := dec("200000")
	accounts := []models.Account{
		{ID: "supplier-1", Role: models.RoleSupplier, Status: models.AccountActive, KYCStatus: models.KYCVerified, KYCVerifiedAt: &verified},
		{ID: "buyer-1", Role: models.RoleBuyer, Status: models.AccountActive, KYCStatus: models.KYCVerified, KYCVerifiedAt: &verified,
			CreditLimit: &limit, LimitCheckedAt: &now, PublicKey: settlement.PublicKeyHex(&f.buyerKey.PublicKey)},
		{ID: "prov-a", Role: models.RoleCapitalProvider, Status: models.AccountActive, KYCStatus: models.KYCVerified, KYCVerifiedAt: &verified},
		{ID: "prov-b", Role: models.RoleCapitalProvider, Status: models.AccountActive, KYCStatus: models.KYCVerified, KYCVerifiedAt: &verified},
		{ID: "prov-c", Role: models.RoleCapitalProvider, Status: models.AccountActive, KYCStatus: models.KYCVerified, KYCVerifiedAt: &verified},
	}
	for i := range accounts {
		require.NoError(t, f.db.Create(&accounts[i]).Error)
	}
	f.fund(t, "buyer-1", "60000")
	f.fund(t, "prov-a", "200000")
	f.fund(t, "prov-b", "200000")
	f.fund(t, "prov-c", "200000")
}

func (f *apiFixture) fund(t *testing.T, account, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryCredit, AccountID: account, Amount: dec(amount), Reason: "deposit",
	})
	require.NoError(t, err)
	_, err = f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryDebit, AccountID: "treasury", Amount: dec(amount), Reason: "deposit",
	})
	require.NoError(t, err)
}

// call performs a JSON request as the given party and decodes the response
// into out when non-nil.
func (f *apiFixture) call(t *testing.T, method, path, party string, body any, out any, headers ...string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if party != "" {
		req.Header.Set("X-Party-ID", party)
	}
	require.Zero(t, len(headers)%2, "headers come in pairs")
	for i := 0; i < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func scenarioInvoice() submitInvoicePayload {
	return submitInvoicePayload{
		SupplierID: "supplier-1",
		BuyerID:    "buyer-1",
		Amount:     dec("50000.00"),
		Currency:   "USD",
		Terms:      30,
		LineItems: []lineItemPayload{
			{Description: "widgets", Quantity: dec("1"), UnitPrice: dec("50000.00")},
		},
	}
}

// submitAndQuote drives an invoice through submission, bidding, and auction
// close over the API, returning the winning quote.
func (f *apiFixture) submitAndQuote(t *testing.T) (invoiceResponse, quoteResponse) {
	t.Helper()
	var inv invoiceResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &inv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pending", inv.Status)

	expiry := f.clock.Now().Add(time.Hour)
	for provider, rate := range map[string]string{
		"prov-a": "0.060",
		"prov-b": "0.063",
		"prov-c": "0.065",
	} {
		bid := bidPayload{InvoiceID: inv.ID, DiscountRate: dec(rate), Capacity: dec("100000"), ExpiresAt: expiry}
		resp := f.call(t, http.MethodPost, "/api/v1/bids", provider, bid, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	f.clock.Advance(11 * time.Second)
	closed, err := f.auctions.CloseDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	var quote quoteResponse
	resp = f.call(t, http.MethodGet, "/api/v1/invoices/"+inv.ID+"/quote", "buyer-1", nil, &quote)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "prov-a", quote.ProviderID)
	require.Equal(t, "50246.58", quote.TotalCost.StringFixed(2))
	return inv, quote
}

func (f *apiFixture) acceptPayload(t *testing.T, inv invoiceResponse, quote quoteResponse) acceptPayload {
	t.Helper()
	sig, err := settlement.SignAcceptance(f.buyerKey, inv.ID, quote.ID, inv.BuyerID)
	require.NoError(t, err)
	return acceptPayload{QuoteID: quote.ID, Signature: sig}
}

func TestSubmitInvoiceOpensAuction(t *testing.T) {
	f := newAPIFixture(t, Options{})
	var inv invoiceResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &inv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pending", inv.Status)
	require.NotEmpty(t, inv.ID)

	var auctions int64
	require.NoError(t, f.db.Model(&models.Auction{}).
		Where("invoice_id = ? AND status = ?", inv.ID, models.AuctionOpen).Count(&auctions).Error)
	require.Equal(t, int64(1), auctions)
}

func TestSubmitInvoiceValidation(t *testing.T) {
	f := newAPIFixture(t, Options{})

	small := scenarioInvoice()
	small.Amount = dec("50")
	small.LineItems = []lineItemPayload{{Description: "widgets", Quantity: dec("1"), UnitPrice: dec("50")}}
	var envelope errorEnvelope
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", small, &envelope)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "amount-out-of-range", envelope.Error.Code)

	odd := scenarioInvoice()
	odd.Terms = 17
	resp = f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", odd, &envelope)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "invalid-terms", envelope.Error.Code)
}

func TestSubmitRequiresSupplierIdentity(t *testing.T) {
	f := newAPIFixture(t, Options{})
	var envelope errorEnvelope
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "buyer-1", scenarioInvoice(), &envelope)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "party-mismatch", envelope.Error.Code)
}

func TestDuplicateSubmissionReturnsExisting(t *testing.T) {
	f := newAPIFixture(t, Options{})
	var first invoiceResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &first)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var second invoiceResponse
	resp = f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &second)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first.ID, second.ID)
}

func TestSanctionedSupplierRejectedAtSubmission(t *testing.T) {
	f := newAPIFixture(t, Options{})
	require.NoError(t, f.db.Create(&models.SanctionedParty{AccountID: "supplier-1", Source: "ofac"}).Error)

	var envelope errorEnvelope
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &envelope)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "sanctioned", envelope.Error.Code)

	// The invoice is refused outright, so no auction solicits capital
	// against a listed counterparty.
	var invoices int64
	require.NoError(t, f.db.Model(&models.Invoice{}).Count(&invoices).Error)
	require.Zero(t, invoices)
	var auctions int64
	require.NoError(t, f.db.Model(&models.Auction{}).Count(&auctions).Error)
	require.Zero(t, auctions)
}

func TestStaleSanctionsSnapshotRefusesSubmission(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.clock.Advance(7 * time.Hour)

	var envelope errorEnvelope
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &envelope)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "sanctions-stale", envelope.Error.Code)
}

func TestHighRiskSubmissionHeldForReview(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.oracle.set(0.9)

	var inv invoiceResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &inv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "fraud-review", inv.Status)

	// No auction opens for a held invoice.
	var auctions int64
	require.NoError(t, f.db.Model(&models.Auction{}).
		Where("invoice_id = ?", inv.ID).Count(&auctions).Error)
	require.Zero(t, auctions)
}

func TestAcceptSettlesInvoice(t *testing.T) {
	f := newAPIFixture(t, Options{})
	inv, quote := f.submitAndQuote(t)

	var result acceptResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/accept", "buyer-1",
		f.acceptPayload(t, inv, quote), &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", result.Outcome)
	require.NotEmpty(t, result.SettlementID)

	var settled invoiceResponse
	resp = f.call(t, http.MethodGet, "/api/v1/invoices/"+inv.ID, "buyer-1", nil, &settled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "settled", settled.Status)
	require.Len(t, settled.LineItems, 1)
}

func TestAcceptWithForeignSignatureUnauthorized(t *testing.T) {
	f := newAPIFixture(t, Options{})
	inv, quote := f.submitAndQuote(t)

	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := settlement.SignAcceptance(intruder, inv.ID, quote.ID, inv.BuyerID)
	require.NoError(t, err)

	var result acceptResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/accept", "buyer-1",
		acceptPayload{QuoteID: quote.ID, Signature: sig}, &result)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthorized", result.Code)
}

func TestBidValidationErrors(t *testing.T) {
	f := newAPIFixture(t, Options{})
	var inv invoiceResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &inv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	bid := bidPayload{
		InvoiceID:    inv.ID,
		DiscountRate: dec("0.30"),
		Capacity:     dec("100000"),
		ExpiresAt:    f.clock.Now().Add(time.Hour),
	}
	var envelope errorEnvelope
	resp = f.call(t, http.MethodPost, "/api/v1/bids", "prov-a", bid, &envelope)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "rate-out-of-range", envelope.Error.Code)
}

func TestHealthzReportsFreezeAndRails(t *testing.T) {
	f := newAPIFixture(t, Options{})

	var health healthResponse
	resp := f.call(t, http.MethodGet, "/healthz", "", nil, &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", health.Status)
	require.Len(t, health.Rails, 1)
	require.Equal(t, "book", health.Rails[0].Name)
	require.True(t, health.Rails[0].Healthy)

	f.freeze.Engage("operator drill")
	resp = f.call(t, http.MethodGet, "/healthz", "", nil, &health)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "frozen", health.Status)
	require.Equal(t, "operator drill", health.Freeze.Reason)
}

func TestFrozenSystemRefusesAcceptOverAPI(t *testing.T) {
	f := newAPIFixture(t, Options{})
	inv, quote := f.submitAndQuote(t)

	f.freeze.Engage("operator drill")
	var result acceptResponse
	resp := f.call(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/accept", "buyer-1",
		f.acceptPayload(t, inv, quote), &result)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "system-frozen", result.Code)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	f := newAPIFixture(t, Options{})
	inv, quote := f.submitAndQuote(t)
	payload := f.acceptPayload(t, inv, quote)
	path := "/api/v1/invoices/" + inv.ID + "/accept"

	var first acceptResponse
	resp := f.call(t, http.MethodPost, path, "buyer-1", payload, &first,
		"Idempotency-Key", "accept-once")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Idempotent-Replay"))

	var second acceptResponse
	resp = f.call(t, http.MethodPost, path, "buyer-1", payload, &second,
		"Idempotency-Key", "accept-once")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replay"))
	require.Equal(t, first.SettlementID, second.SettlementID)

	// Reusing the key for a different request is refused.
	var envelope errorEnvelope
	resp = f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", scenarioInvoice(), &envelope,
		"Idempotency-Key", "accept-once")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "idempotency-key-reused", envelope.Error.Code)
}

func TestRateLimitPerParty(t *testing.T) {
	f := newAPIFixture(t, Options{RateLimitPerHour: 2})

	payload := scenarioInvoice()
	for i := 0; i < 2; i++ {
		payload.LineItems[0].Description = fmt.Sprintf("widgets-%d", i)
		resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", payload, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	payload.LineItems[0].Description = "widgets-3"
	var envelope errorEnvelope
	resp := f.call(t, http.MethodPost, "/api/v1/invoices", "supplier-1", payload, &envelope)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate-limited", envelope.Error.Code)

	// Another party has its own budget.
	bid := bidPayload{InvoiceID: "missing", DiscountRate: dec("0.06"), Capacity: dec("1000"),
		ExpiresAt: f.clock.Now().Add(time.Hour)}
	resp = f.call(t, http.MethodPost, "/api/v1/bids", "prov-a", bid, nil)
	require.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestReconcileEndpoint(t *testing.T) {
	f := newAPIFixture(t, Options{})

	var result ledger.ReconcileResult
	resp := f.call(t, http.MethodGet, "/api/v1/ledger/reconcile", "buyer-1", nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, result.Balanced)
	require.NotZero(t, result.Entries)
}

func TestBearerAuthentication(t *testing.T) {
	secret := []byte("gateway-secret")
	f := newAPIFixture(t, Options{JWTSecret: secret})

	resp := f.call(t, http.MethodGet, "/api/v1/ledger/reconcile", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	claims := jwt.RegisteredClaims{
		Subject:   "buyer-1",
		ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(f.clock.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	var result ledger.ReconcileResult
	resp = f.call(t, http.MethodGet, "/api/v1/ledger/reconcile", "", nil, &result,
		"Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, result.Balanced)

	// X-Party-ID alone is ignored once a secret is configured.
	resp = f.call(t, http.MethodGet, "/api/v1/ledger/reconcile", "buyer-1", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

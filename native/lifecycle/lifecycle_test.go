package lifecycle

import (
	"context"
	"encoding/csv"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/decision"
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

type stubBalances struct{}

func (stubBalances) Balance(context.Context, string) (decimal.Decimal, error) {
	return dec("1000000"), nil
}

type fixture struct {
	db        *gorm.DB
	clock     *fakeClock
	journal   *ledger.Ledger
	machine   *invoice.Machine
	auctions  *auction.Engine
	registry  *registry.Registry
	freeze    *settlement.Freeze
	scheduler *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
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

	machine := invoice.NewMachine(db, decisions)
	machine.SetNowFunc(clock.Now)
	auctions := auction.NewEngine(db, stubBalances{}, auction.Options{FallbackRate: dec("0.10")})
	auctions.SetNowFunc(clock.Now)
	reg := registry.NewRegistry(db, nil, registry.Options{})
	reg.SetNowFunc(clock.Now)
	freeze := settlement.NewFreeze()

	legs, err := settlement.OpenMemLegLog()
	require.NoError(t, err)
	t.Cleanup(func() { legs.Close() })
	coord := settlement.NewCoordinator(settlement.Deps{
		DB:      db,
		Machine: machine,
		Journal: journal,
		Rails:   rails.NewManager(rails.WithClock(clock.Now)),
		Legs:    legs,
		Freeze:  freeze,
	}, settlement.Options{})
	coord.SetNowFunc(clock.Now)

	scheduler := NewScheduler(Deps{
		DB:          db,
		Machine:     machine,
		Auctions:    auctions,
		Registry:    reg,
		Coordinator: coord,
		Journal:     journal,
		Freeze:      freeze,
	}, opts)
	scheduler.SetNowFunc(clock.Now)

	return &fixture{
		db: db, clock: clock, journal: journal, machine: machine,
		auctions: auctions, registry: reg, freeze: freeze, scheduler: scheduler,
	}
}

func (f *fixture) seedInvoice(t *testing.T, id string, status models.InvoiceStatus, age time.Duration) {
	t.Helper()
	inv := &models.Invoice{
		ID:          id,
		SupplierID:  "supplier-1",
		BuyerID:     "buyer-1",
		Amount:      dec("50000.00"),
		Currency:    "USD",
		Terms:       30,
		ContentHash: "hash-" + id,
		Status:      status,
		CreatedAt:   f.clock.Now().Add(-age),
	}
	require.NoError(t, f.db.Create(inv).Error)
}

func TestExpireInvoicesSweep(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedInvoice(t, "inv-old", models.InvoicePending, 49*time.Hour)
	f.seedInvoice(t, "inv-fresh", models.InvoicePending, time.Hour)
	f.seedInvoice(t, "inv-settled", models.InvoiceSettled, 72*time.Hour)

	f.scheduler.RunDue(context.Background())

	var old, fresh, settled models.Invoice
	require.NoError(t, f.db.First(&old, "id = ?", "inv-old").Error)
	require.Equal(t, models.InvoiceExpired, old.Status)
	require.NoError(t, f.db.First(&fresh, "id = ?", "inv-fresh").Error)
	require.Equal(t, models.InvoicePending, fresh.Status)
	require.NoError(t, f.db.First(&settled, "id = ?", "inv-settled").Error)
	require.Equal(t, models.InvoiceSettled, settled.Status)
}

func TestCloseDueAuctionsSweep(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seedInvoice(t, "inv-1", models.InvoicePending, time.Minute)
	_, err := f.auctions.OpenAuction(ctx, "inv-1", 10*time.Second)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Second)
	f.scheduler.RunDue(ctx)

	var auc models.Auction
	require.NoError(t, f.db.First(&auc, "invoice_id = ?", "inv-1").Error)
	require.Equal(t, models.AuctionClosed, auc.Status)
	require.True(t, auc.Fallback)
}

func TestOrphanReservationSweep(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	limit := dec("100000")
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&models.Account{
		ID: "buyer-1", Role: models.RoleBuyer, Status: models.AccountActive,
		KYCStatus: models.KYCVerified, CreditLimit: &limit, LimitCheckedAt: &now,
	}).Error)
	_, err := f.registry.ReserveCredit(ctx, "buyer-1", "inv-1", dec("40000"))
	require.NoError(t, err)

	// Inside the TTL the reservation must survive the sweep.
	f.scheduler.RunDue(ctx)
	outstanding, err := f.registry.OutstandingCredit(ctx, "buyer-1")
	require.NoError(t, err)
	require.Equal(t, "40000", outstanding.String())

	f.clock.Advance(11 * time.Minute)
	f.scheduler.RunDue(ctx)
	var reservation models.CreditReservation
	require.NoError(t, f.db.First(&reservation, "buyer_id = ?", "buyer-1").Error)
	require.True(t, reservation.Released)
	outstanding, err = f.registry.OutstandingCredit(ctx, "buyer-1")
	require.NoError(t, err)
	require.True(t, outstanding.IsZero())
}

func TestReconcileSweepEngagesFreeze(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.scheduler.RunDue(ctx)
	require.False(t, f.freeze.Engaged())

	_, err := f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryCredit, AccountID: "acct-1", Amount: dec("10.00"), Reason: "drift",
	})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	f.scheduler.RunDue(ctx)
	require.True(t, f.freeze.Engaged())
}

func TestJobsHonorTheirCadence(t *testing.T) {
	f := newFixture(t, Options{})
	runs := 0
	f.scheduler.Register(&Job{
		Name:  "probe",
		Every: time.Minute,
		Run: func(context.Context) (int, error) {
			runs++
			return 0, nil
		},
	})
	ctx := context.Background()

	f.scheduler.RunDue(ctx)
	f.scheduler.RunDue(ctx)
	require.Equal(t, 1, runs)

	f.clock.Advance(61 * time.Second)
	f.scheduler.RunDue(ctx)
	require.Equal(t, 2, runs)
}

func TestReporterWritesBalancedWindow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryCredit, AccountID: "supplier-1", Amount: dec("500.00"), Reason: "deposit",
	})
	require.NoError(t, err)
	_, err = f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryDebit, AccountID: "treasury", Amount: dec("500.00"), Reason: "deposit",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	reporter, err := NewReporter(ReporterConfig{
		DB: f.db, Journal: f.journal, OutputDir: dir, Now: f.clock.Now,
	})
	require.NoError(t, err)

	start := f.clock.Now().Add(-time.Hour)
	report, err := reporter.Run(ctx, start, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, report.Balanced)
	require.Len(t, report.Rows, 2)
	require.Equal(t, "supplier-1", report.Rows[0].AccountID)
	require.Equal(t, "500.00", report.Rows[0].Credits.StringFixed(2))
	require.Equal(t, "treasury", report.Rows[1].AccountID)
	require.Equal(t, "500.00", report.Rows[1].Debits.StringFixed(2))

	file, err := os.Open(report.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "account_id", records[0][0])

	info, err := os.Stat(report.ParquetPath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestReporterAlertsOnImbalance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.journal.Append(ctx, ledger.Entry{
		Type: models.EntryCredit, AccountID: "acct-1", Amount: dec("9.99"), Reason: "drift",
	})
	require.NoError(t, err)

	var alerted decimal.Decimal
	reporter, err := NewReporter(ReporterConfig{
		DB: f.db, Journal: f.journal, OutputDir: t.TempDir(), Now: f.clock.Now,
		Alert: func(_ context.Context, imbalance decimal.Decimal) { alerted = imbalance },
	})
	require.NoError(t, err)

	report, err := reporter.Run(ctx, time.Time{}, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.False(t, report.Balanced)
	require.Equal(t, "9.99", alerted.StringFixed(2))
}

// Package lifecycle drives the background sweeps: invoice expiry, auction
// close, orphan reservation release, in-flight settlement resolution, and
// the reconciliation cadence. Jobs are explicit tasks with a bounded lag so
// tests drive time instead of sleeping.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/invoice"
	"settlenet/native/ledger"
	"settlenet/native/registry"
	"settlenet/native/settlement"
	"settlenet/observability"
)

// Job is one recurring sweep. Run returns how many rows it acted on.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)

	lastRun time.Time
}

// Deps are the engines the standard jobs operate on.
type Deps struct {
	DB          *gorm.DB
	Machine     *invoice.Machine
	Auctions    *auction.Engine
	Registry    *registry.Registry
	Coordinator *settlement.Coordinator
	Journal     *ledger.Ledger
	Freeze      *settlement.Freeze
	Reporter    *Reporter
}

// Options tunes the sweep cadences and the expiry horizon.
type Options struct {
	InvoiceExpiry     time.Duration
	ExpiryInterval    time.Duration
	AuctionInterval   time.Duration
	OrphanInterval    time.Duration
	ResolveInterval   time.Duration
	ReconcileInterval time.Duration
	ReportInterval    time.Duration
	Tick              time.Duration
}

// Scheduler runs the registered jobs on their cadences.
type Scheduler struct {
	jobs    []*Job
	tick    time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *observability.LifecycleMetrics
}

// NewScheduler builds the standard job set over the given engines.
func NewScheduler(deps Deps, opts Options) *Scheduler {
	if opts.InvoiceExpiry <= 0 {
		opts.InvoiceExpiry = 48 * time.Hour
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = 10 * time.Minute
	}
	if opts.AuctionInterval <= 0 {
		opts.AuctionInterval = 5 * time.Second
	}
	if opts.OrphanInterval <= 0 {
		opts.OrphanInterval = time.Minute
	}
	if opts.ResolveInterval <= 0 {
		opts.ResolveInterval = time.Minute
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10 * time.Minute
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = time.Hour
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}

	s := &Scheduler{
		tick:    opts.Tick,
		now:     time.Now,
		log:     slog.Default().With("component", "lifecycle"),
		metrics: observability.Lifecycle(),
	}

	s.Register(&Job{
		Name:  "expire-invoices",
		Every: opts.ExpiryInterval,
		Run: func(ctx context.Context) (int, error) {
			return expireInvoices(ctx, deps.DB, deps.Machine, opts.InvoiceExpiry, s.now)
		},
	})
	s.Register(&Job{
		Name:  "close-auctions",
		Every: opts.AuctionInterval,
		Run: func(ctx context.Context) (int, error) {
			return deps.Auctions.CloseDue(ctx)
		},
	})
	s.Register(&Job{
		Name:  "release-reservations",
		Every: opts.OrphanInterval,
		Run: func(ctx context.Context) (int, error) {
			released, err := deps.Registry.ReleaseOrphans(ctx)
			return int(released), err
		},
	})
	s.Register(&Job{
		Name:  "resolve-settlements",
		Every: opts.ResolveInterval,
		Run: func(ctx context.Context) (int, error) {
			return deps.Coordinator.ResolveInFlight(ctx)
		},
	})
	s.Register(&Job{
		Name:  "reconcile",
		Every: opts.ReconcileInterval,
		Run: func(ctx context.Context) (int, error) {
			return reconcileSweep(ctx, deps.Journal, deps.Freeze)
		},
	})
	if deps.Reporter != nil {
		every := opts.ReportInterval
		s.Register(&Job{
			Name:  "report",
			Every: every,
			Run: func(ctx context.Context) (int, error) {
				end := s.now().UTC()
				report, err := deps.Reporter.Run(ctx, end.Add(-every), end)
				if err != nil {
					return 0, err
				}
				return len(report.Rows), nil
			},
		})
	}
	return s
}

// SetNowFunc overrides the time source, primarily for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Register adds a job to the schedule.
func (s *Scheduler) Register(job *Job) {
	s.jobs = append(s.jobs, job)
}

// RunDue executes every job whose cadence has lapsed. Jobs run sequentially;
// one failing job never blocks the rest.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.now()
	for _, job := range s.jobs {
		if !job.lastRun.IsZero() && now.Sub(job.lastRun) < job.Every {
			continue
		}
		job.lastRun = now
		processed, err := job.Run(ctx)
		if err != nil {
			s.metrics.Runs.WithLabelValues(job.Name, "error").Inc()
			s.log.Error("job failed", "job", job.Name, "err", err)
			continue
		}
		s.metrics.Runs.WithLabelValues(job.Name, "ok").Inc()
		if processed > 0 {
			s.metrics.Processed.WithLabelValues(job.Name).Add(float64(processed))
			s.log.Info("job swept", "job", job.Name, "processed", processed)
		}
	}
}

// Start loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// expireInvoices moves pending invoices past the expiry horizon to expired.
func expireInvoices(ctx context.Context, db *gorm.DB, machine *invoice.Machine, horizon time.Duration, now func() time.Time) (int, error) {
	cutoff := now().UTC().Add(-horizon)
	var ids []string
	err := db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND created_at < ?", models.InvoicePending, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("lifecycle: load expirable invoices: %w", err)
	}
	expired := 0
	for _, id := range ids {
		reason := fmt.Sprintf("pending past %s", horizon)
		if err := machine.Transition(ctx, id, models.InvoiceExpired, "scheduler", reason, nil); err != nil {
			// Lost a race with an acceptance; the invoice is no longer pending.
			continue
		}
		expired++
	}
	return expired, nil
}

// reconcileSweep checks the full journal and engages the freeze on imbalance.
func reconcileSweep(ctx context.Context, journal *ledger.Ledger, freeze *settlement.Freeze) (int, error) {
	result, err := journal.Reconcile(ctx, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	if !result.Balanced {
		freeze.Engage(fmt.Sprintf("reconciliation sweep found imbalance %s", result.Imbalance))
	}
	return result.Entries, nil
}

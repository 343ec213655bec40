// Package registry tracks network participants, their compliance posture,
// and optimistic credit reservations. Credit limits are cached with a
// staleness window and re-fetched from the bureau collaborator on demand.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlenet/models"
)

var (
	// ErrNotFound indicates an unknown account id.
	ErrNotFound = errors.New("registry: account not found")
	// ErrNotActive indicates an account outside the active status.
	ErrNotActive = errors.New("registry: account not active")
	// ErrKYCNotVerified indicates missing identity verification.
	ErrKYCNotVerified = errors.New("registry: kyc not verified")
	// ErrSanctioned indicates a party on the sanctions list.
	ErrSanctioned = errors.New("registry: party sanctioned")
	// ErrSanctionsStale indicates the sanctions snapshot has decayed.
	ErrSanctionsStale = errors.New("registry: sanctions snapshot stale")
	// ErrCreditExceeded indicates insufficient buyer credit headroom.
	ErrCreditExceeded = errors.New("registry: credit limit exceeded")
	// ErrNoCreditLimit indicates the buyer has no limit on file.
	ErrNoCreditLimit = errors.New("registry: no credit limit on file")
	// ErrBureauUnavailable indicates the limit refresh failed.
	ErrBureauUnavailable = errors.New("registry: credit bureau unavailable")
)

// CreditBureau is the external limit provider, consulted on cache miss.
type CreditBureau interface {
	FetchLimit(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Registry exposes account reads and credit reservation bookkeeping.
type Registry struct {
	db             *gorm.DB
	bureau         CreditBureau
	limitTTL       time.Duration
	sanctionsTTL   time.Duration
	reservationTTL time.Duration
	now            func() time.Time

	mu          sync.RWMutex
	sanctionsAt time.Time
}

// Options tunes the registry staleness windows.
type Options struct {
	LimitTTL       time.Duration
	SanctionsTTL   time.Duration
	ReservationTTL time.Duration
}

// NewRegistry constructs a registry over the shared database.
func NewRegistry(db *gorm.DB, bureau CreditBureau, opts Options) *Registry {
	if opts.LimitTTL <= 0 {
		opts.LimitTTL = time.Hour
	}
	if opts.SanctionsTTL <= 0 {
		opts.SanctionsTTL = 6 * time.Hour
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 10 * time.Minute
	}
	return &Registry{
		db:             db,
		bureau:         bureau,
		limitTTL:       opts.LimitTTL,
		sanctionsTTL:   opts.SanctionsTTL,
		reservationTTL: opts.ReservationTTL,
		now:            time.Now,
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.now = now
}

// Get loads one account.
func (r *Registry) Get(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return &account, nil
}

// SetStatus updates the operational status of an account.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.AccountStatus) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": r.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("registry: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RequireActive fails unless every named account is active.
func (r *Registry) RequireActive(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		account, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if account.Status != models.AccountActive {
			return fmt.Errorf("%w: %s is %s", ErrNotActive, id, account.Status)
		}
	}
	return nil
}

// RequireKYCVerified fails unless every named account holds verified KYC.
func (r *Registry) RequireKYCVerified(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		account, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if account.KYCStatus != models.KYCVerified {
			return fmt.Errorf("%w: %s is %s", ErrKYCNotVerified, id, account.KYCStatus)
		}
	}
	return nil
}

// MarkSanctionsRefreshed persists the ingestion timestamp. The snapshot row
// survives a restart, so a freshly started process keeps screening against a
// list ingested before it came up.
func (r *Registry) MarkSanctionsRefreshed(ctx context.Context, at time.Time) error {
	at = at.UTC()
	row := models.SanctionsSnapshot{ID: 1, RefreshedAt: at}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"refreshed_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("registry: persist sanctions snapshot: %w", err)
	}
	r.mu.Lock()
	r.sanctionsAt = at
	r.mu.Unlock()
	return nil
}

// IngestSanctions replaces the sanctions list with a fresh snapshot and
// stamps its ingestion time in one transaction. This is the entry point for
// the external list feed.
func (r *Registry) IngestSanctions(ctx context.Context, source string, accountIDs []string, at time.Time) error {
	at = at.UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.SanctionedParty{}).Error; err != nil {
			return err
		}
		for _, id := range accountIDs {
			row := models.SanctionedParty{AccountID: strings.TrimSpace(id), Source: source, AddedAt: at}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		snap := models.SanctionsSnapshot{ID: 1, Source: source, RefreshedAt: at}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"source", "refreshed_at"}),
		}).Create(&snap).Error
	})
	if err != nil {
		return fmt.Errorf("registry: ingest sanctions: %w", err)
	}
	r.mu.Lock()
	r.sanctionsAt = at
	r.mu.Unlock()
	return nil
}

func (r *Registry) sanctionsRefreshedAt(ctx context.Context) (time.Time, error) {
	r.mu.RLock()
	at := r.sanctionsAt
	r.mu.RUnlock()
	if !at.IsZero() {
		return at, nil
	}
	var snap models.SanctionsSnapshot
	err := r.db.WithContext(ctx).First(&snap, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("registry: sanctions snapshot: %w", err)
	}
	r.mu.Lock()
	r.sanctionsAt = snap.RefreshedAt
	r.mu.Unlock()
	return snap.RefreshedAt, nil
}

// SanctionsClear fails if the snapshot has decayed or any party is listed.
func (r *Registry) SanctionsClear(ctx context.Context, ids ...string) error {
	at, err := r.sanctionsRefreshedAt(ctx)
	if err != nil {
		return err
	}
	if at.IsZero() || r.now().Sub(at) > r.sanctionsTTL {
		return ErrSanctionsStale
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.SanctionedParty{}).
		Where("account_id IN ?", ids).Count(&count).Error; err != nil {
		return fmt.Errorf("registry: sanctions lookup: %w", err)
	}
	if count > 0 {
		return ErrSanctioned
	}
	return nil
}

// RefreshCreditLimitIfStale re-fetches the buyer's limit from the bureau when
// the cached value is older than the staleness window.
func (r *Registry) RefreshCreditLimitIfStale(ctx context.Context, buyerID string) (*models.Account, error) {
	account, err := r.Get(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	fresh := account.LimitCheckedAt != nil && now.Sub(*account.LimitCheckedAt) <= r.limitTTL
	if fresh && account.CreditLimit != nil {
		return account, nil
	}
	if r.bureau == nil {
		if account.CreditLimit == nil {
			return nil, ErrNoCreditLimit
		}
		return account, nil
	}
	limit, err := r.bureau.FetchLimit(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBureauUnavailable, err)
	}
	limit = limit.Round(2)
	account.CreditLimit = &limit
	account.LimitCheckedAt = &now
	if err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", buyerID).
		Updates(map[string]any{"credit_limit": limit, "limit_checked_at": now}).Error; err != nil {
		return nil, fmt.Errorf("registry: persist limit: %w", err)
	}
	return account, nil
}

// ReserveCredit optimistically holds buyer credit for one settlement attempt.
// The reservation carries a TTL so crashed attempts are swept by the
// lifecycle scheduler.
func (r *Registry) ReserveCredit(ctx context.Context, buyerID, invoiceID string, amount decimal.Decimal) (*models.CreditReservation, error) {
	account, err := r.RefreshCreditLimitIfStale(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if account.CreditLimit == nil {
		return nil, ErrNoCreditLimit
	}
	now := r.now().UTC()
	reservation := &models.CreditReservation{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		InvoiceID: invoiceID,
		Amount:    amount.Round(2),
		CreatedAt: now,
		ExpiresAt: now.Add(r.reservationTTL),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the buyer row so concurrent reservations serialise.
		var locked models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "id = ?", buyerID).Error; err != nil {
			return err
		}
		var rows []models.CreditReservation
		if err := tx.Where("buyer_id = ? AND released = ? AND expires_at > ?", buyerID, false, now).
			Find(&rows).Error; err != nil {
			return err
		}
		outstanding := decimal.Zero
		for _, row := range rows {
			outstanding = outstanding.Add(row.Amount)
		}
		if outstanding.Add(reservation.Amount).GreaterThan(*account.CreditLimit) {
			return fmt.Errorf("%w: outstanding %s + %s > limit %s",
				ErrCreditExceeded, outstanding, reservation.Amount, account.CreditLimit)
		}
		return tx.Create(reservation).Error
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// ReleaseCredit marks a reservation released; releasing twice is a no-op.
func (r *Registry) ReleaseCredit(ctx context.Context, reservationID string) error {
	now := r.now().UTC()
	result := r.db.WithContext(ctx).Model(&models.CreditReservation{}).
		Where("id = ? AND released = ?", reservationID, false).
		Updates(map[string]any{"released": true, "released_at": now})
	if result.Error != nil {
		return fmt.Errorf("registry: release credit: %w", result.Error)
	}
	return nil
}

// ReleaseOrphans releases unredeemed reservations past their TTL and returns
// how many were swept.
func (r *Registry) ReleaseOrphans(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	result := r.db.WithContext(ctx).Model(&models.CreditReservation{}).
		Where("released = ? AND expires_at <= ?", false, now).
		Updates(map[string]any{"released": true, "released_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("registry: sweep reservations: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// OutstandingCredit sums the buyer's live reservations.
func (r *Registry) OutstandingCredit(ctx context.Context, buyerID string) (decimal.Decimal, error) {
	var rows []models.CreditReservation
	now := r.now().UTC()
	if err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND released = ? AND expires_at > ?", buyerID, false, now).
		Find(&rows).Error; err != nil {
		return decimal.Zero, fmt.Errorf("registry: outstanding credit: %w", err)
	}
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Amount)
	}
	return total, nil
}

// NormalizeID trims and lower-cases an externally supplied account id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

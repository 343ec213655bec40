// Package invoice owns invoice admission and the lifecycle state machine.
// Admission enforces the structural invariants (hash uniqueness, amount
// range, line-item sums, terms whitelist) before anything downstream sees
// the invoice.
package invoice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"settlenet/models"
)

var (
	// ErrNotFound indicates an unknown invoice id.
	ErrNotFound = errors.New("invoice: not found")
	// ErrAmountRange indicates an amount outside [100, 10,000,000].
	ErrAmountRange = errors.New("invoice: amount out of range")
	// ErrInvalidTerms indicates terms outside the whitelist.
	ErrInvalidTerms = errors.New("invoice: invalid payment terms")
	// ErrSameParty indicates supplier == buyer.
	ErrSameParty = errors.New("invoice: supplier and buyer must differ")
	// ErrLineItems indicates malformed or mismatched line items.
	ErrLineItems = errors.New("invoice: invalid line items")
)

// AllowedTerms is the payment-terms whitelist in days.
var AllowedTerms = []int{0, 15, 30, 45, 60, 90}

var (
	minAmount = decimal.NewFromInt(100)
	maxAmount = decimal.NewFromInt(10_000_000)
	sumSlack  = decimal.New(1, -2)
)

// LineItemInput is one line of a submitted invoice.
type LineItemInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// SubmitRequest is a complete invoice submission.
type SubmitRequest struct {
	SupplierID string
	BuyerID    string
	Amount     decimal.Decimal
	Currency   string
	Terms      int
	LineItems  []LineItemInput
}

// Store persists invoices and their immutable line items.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs an invoice store over the shared database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNowFunc overrides the time source, primarily for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Submit validates and persists an invoice with its line items in one
// transaction. Submitting a byte-identical invoice again returns the
// original row with created=false.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*models.Invoice, bool, error) {
	if err := validate(req); err != nil {
		return nil, false, err
	}
	hash := ContentHash(req)

	var existing models.Invoice
	err := s.db.WithContext(ctx).First(&existing, "content_hash = ?", hash).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("invoice: dedup lookup: %w", err)
	}

	now := s.now().UTC()
	row := &models.Invoice{
		ID:          uuid.NewString(),
		SupplierID:  req.SupplierID,
		BuyerID:     req.BuyerID,
		Amount:      req.Amount.Round(2),
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Terms:       req.Terms,
		ContentHash: hash,
		Status:      models.InvoicePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items := make([]models.LineItem, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		items = append(items, models.LineItem{
			ID:          uuid.NewString(),
			InvoiceID:   row.ID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Round(2),
			Amount:      item.Quantity.Mul(item.UnitPrice).Round(2),
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent submit with the same hash loses the unique-index race;
		// surface the winner instead.
		var winner models.Invoice
		if lookupErr := s.db.WithContext(ctx).First(&winner, "content_hash = ?", hash).Error; lookupErr == nil {
			return &winner, false, nil
		}
		return nil, false, fmt.Errorf("invoice: submit: %w", err)
	}
	return row, true, nil
}

// Get loads one invoice.
func (s *Store) Get(ctx context.Context, id string) (*models.Invoice, error) {
	var row models.Invoice
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("invoice: get: %w", err)
	}
	return &row, nil
}

// LineItems loads the immutable lines of one invoice.
func (s *Store) LineItems(ctx context.Context, invoiceID string) ([]models.LineItem, error) {
	var rows []models.LineItem
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("invoice: line items: %w", err)
	}
	return rows, nil
}

// ListByAccount returns invoices where the account is supplier or buyer.
func (s *Store) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Invoice
	err := s.db.WithContext(ctx).
		Where("supplier_id = ? OR buyer_id = ?", accountID, accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	return rows, nil
}

// CountRecentByAccount counts submissions in the trailing window, feeding the
// velocity fraud signal and the submission rate limit.
func (s *Store) CountRecentByAccount(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	since := s.now().UTC().Add(-window)
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("(supplier_id = ? OR buyer_id = ?) AND created_at >= ?", accountID, accountID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("invoice: count recent: %w", err)
	}
	return count, nil
}

// ContentHash derives the dedup hash over the canonical invoice body.
func ContentHash(req SubmitRequest) string {
	parts := []string{
		req.SupplierID,
		req.BuyerID,
		req.Amount.Round(2).StringFixed(2),
		strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	for _, item := range req.LineItems {
		parts = append(parts, fmt.Sprintf("%s:%s:%s",
			item.Description, item.Quantity.String(), item.UnitPrice.Round(2).StringFixed(2)))
	}
	digest := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:])
}

func validate(req SubmitRequest) error {
	if strings.TrimSpace(req.SupplierID) == "" || strings.TrimSpace(req.BuyerID) == "" {
		return fmt.Errorf("%w: supplier and buyer required", ErrSameParty)
	}
	if req.SupplierID == req.BuyerID {
		return ErrSameParty
	}
	amount := req.Amount.Round(2)
	if amount.LessThan(minAmount) || amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: %s", ErrAmountRange, amount)
	}
	if !termsAllowed(req.Terms) {
		return fmt.Errorf("%w: %d days", ErrInvalidTerms, req.Terms)
	}
	if len(req.LineItems) == 0 {
		return fmt.Errorf("%w: at least one line item required", ErrLineItems)
	}
	sum := decimal.Zero
	for _, item := range req.LineItems {
		if strings.TrimSpace(item.Description) == "" {
			return fmt.Errorf("%w: description required", ErrLineItems)
		}
		if !item.Quantity.IsPositive() {
			return fmt.Errorf("%w: quantity must be positive", ErrLineItems)
		}
		if !item.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: unit price must be positive", ErrLineItems)
		}
		sum = sum.Add(item.Quantity.Mul(item.UnitPrice).Round(2))
	}
	if sum.Sub(amount).Abs().GreaterThan(sumSlack) {
		return fmt.Errorf("%w: lines sum to %s, invoice amount %s", ErrLineItems, sum, amount)
	}
	return nil
}

func termsAllowed(terms int) bool {
	for _, allowed := range AllowedTerms {
		if terms == allowed {
			return true
		}
	}
	return false
}

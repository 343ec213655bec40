package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountRole identifies how a party participates in the network.
type AccountRole string

const (
	RoleSupplier        AccountRole = "supplier"
	RoleBuyer           AccountRole = "buyer"
	RoleCapitalProvider AccountRole = "capital-provider"
)

// AccountStatus is the operational state of an account.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountFrozen    AccountStatus = "frozen"
	AccountClosed    AccountStatus = "closed"
)

// KYCStatus tracks identity verification progress.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCInReview KYCStatus = "in-review"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
	KYCExpired  KYCStatus = "expired"
)

// InvoiceStatus enumerates the invoice lifecycle states.
type InvoiceStatus string

const (
	InvoicePending     InvoiceStatus = "pending"
	InvoiceFraudReview InvoiceStatus = "fraud-review"
	InvoiceAccepted    InvoiceStatus = "accepted"
	InvoiceSettled     InvoiceStatus = "settled"
	InvoiceFailed      InvoiceStatus = "failed"
	InvoiceRejected    InvoiceStatus = "rejected"
	InvoiceExpired     InvoiceStatus = "expired"
)

// SettlementStatus enumerates settlement outcomes.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementInProgress SettlementStatus = "in-progress"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
	SettlementRolledBack SettlementStatus = "rolled-back"
)

// LegType identifies one of the three transfers composing a settlement.
type LegType string

const (
	LegCreditSupplier LegType = "credit-supplier"
	LegDebitBuyer     LegType = "debit-buyer"
	LegAdvanceCapital LegType = "advance-capital"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCredit     EntryType = "credit"
	EntryDebit      EntryType = "debit"
	EntryCorrection EntryType = "correction"
)

// AuctionStatus tracks an auction window.
type AuctionStatus string

const (
	AuctionOpen      AuctionStatus = "open"
	AuctionClosed    AuctionStatus = "closed"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Account stores a network participant and its compliance posture.
type Account struct {
	ID             string        `gorm:"primaryKey"`
	Name           string        `gorm:"index"`
	Role           AccountRole   `gorm:"index;not null"`
	Status         AccountStatus `gorm:"index;not null"`
	KYCStatus      KYCStatus     `gorm:"not null"`
	KYCVerifiedAt  *time.Time
	CreditLimit    *decimal.Decimal `gorm:"type:numeric(20,2)"`
	LimitCheckedAt *time.Time
	PublicKey      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Invoice describes a supplier claim across its lifecycle.
type Invoice struct {
	ID            string          `gorm:"primaryKey"`
	SupplierID    string          `gorm:"index;not null"`
	BuyerID       string          `gorm:"index;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency      string          `gorm:"not null"`
	Terms         int             `gorm:"not null"`
	ContentHash   string          `gorm:"uniqueIndex;not null"`
	Status        InvoiceStatus   `gorm:"index;not null"`
	FraudScore    *float64
	FraudScoredAt *time.Time
	CreatedAt     time.Time
	AcceptedAt    *time.Time
	SettledAt     *time.Time
	UpdatedAt     time.Time
}

// LineItem is immutable after invoice creation.
type LineItem struct {
	ID          string          `gorm:"primaryKey"`
	InvoiceID   string          `gorm:"index;not null"`
	Description string          `gorm:"not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
}

// Auction records a capital-provider bidding window for one invoice.
type Auction struct {
	ID           string        `gorm:"primaryKey"`
	InvoiceID    string        `gorm:"index;not null"`
	Status       AuctionStatus `gorm:"index;not null"`
	OpenedAt     time.Time
	ClosesAt     time.Time
	ClosedAt     *time.Time
	WinningBidID *string
	Fallback     bool
	BidCount     int
}

// CapitalBid is an offer from a capital provider to fund an invoice.
type CapitalBid struct {
	ID           string          `gorm:"primaryKey"`
	AuctionID    string          `gorm:"index;not null"`
	InvoiceID    string          `gorm:"index;not null"`
	ProviderID   string          `gorm:"index;not null"`
	DiscountRate decimal.Decimal `gorm:"type:numeric(8,6);not null"`
	Capacity     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// PricingQuote binds (invoice, terms, rate, total cost) for a bounded window.
type PricingQuote struct {
	ID           string          `gorm:"primaryKey"`
	InvoiceID    string          `gorm:"index;not null"`
	ProviderID   string          `gorm:"not null"`
	Terms        int             `gorm:"not null"`
	DiscountRate decimal.Decimal `gorm:"type:numeric(8,6);not null"`
	TotalCost    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Used         bool `gorm:"index"`
	UsedAt       *time.Time
}

// Settlement is the exactly-once record of a three-leg transfer.
type Settlement struct {
	ID           string           `gorm:"primaryKey"`
	InvoiceID    string           `gorm:"uniqueIndex;not null"`
	QuoteID      string           `gorm:"not null"`
	SupplierID   string           `gorm:"not null"`
	BuyerID      string           `gorm:"not null"`
	ProviderID   string           `gorm:"not null"`
	Amount       decimal.Decimal  `gorm:"type:numeric(20,2);not null"`
	DiscountRate decimal.Decimal  `gorm:"type:numeric(8,6);not null"`
	BuyerCost    decimal.Decimal  `gorm:"type:numeric(20,2);not null"`
	FxRate       *decimal.Decimal `gorm:"type:numeric(16,8)"`
	FxLockedAt   *time.Time
	Rail         string
	Status       SettlementStatus `gorm:"index;not null"`
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// SettlementLeg is one transfer within a settlement; (settlement, type) unique.
type SettlementLeg struct {
	ID           string          `gorm:"primaryKey"`
	SettlementID string          `gorm:"index:idx_settlement_leg,unique;not null"`
	LegType      LegType         `gorm:"index:idx_settlement_leg,unique;not null"`
	AccountID    string          `gorm:"index;not null"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	RailTxID     string
	CreatedAt    time.Time
}

// LedgerEntry is append-only and hash-chained; rows are never updated.
type LedgerEntry struct {
	SeqNo         uint64          `gorm:"primaryKey;autoIncrement:false"`
	Type          EntryType       `gorm:"not null"`
	AccountID     string          `gorm:"index;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Reason        string          `gorm:"not null"`
	SettlementID  string          `gorm:"index"`
	CorrectsEntry *uint64
	PrevHash      string `gorm:"not null"`
	Signature     string `gorm:"not null"`
	CreatedAt     time.Time
}

// DecisionRecord is one signed entry in the enforcement audit chain.
type DecisionRecord struct {
	SeqNo       uint64 `gorm:"primaryKey;autoIncrement:false"`
	InvariantID string `gorm:"index;not null"`
	Phase       string `gorm:"not null"`
	Result      bool   `gorm:"not null"`
	Action      string `gorm:"not null"`
	Snapshot    string
	Actor       string
	PrevHash    string `gorm:"not null"`
	Signature   string `gorm:"not null"`
	CreatedAt   time.Time
}

// CreditReservation holds buyer credit optimistically during settlement.
type CreditReservation struct {
	ID         string          `gorm:"primaryKey"`
	BuyerID    string          `gorm:"index;not null"`
	InvoiceID  string          `gorm:"index;not null"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Released   bool `gorm:"index"`
	ReleasedAt *time.Time
}

// BalanceCheckpoint materialises a ledger fold for fast balance reads.
type BalanceCheckpoint struct {
	ID         string          `gorm:"primaryKey"`
	AccountID  string          `gorm:"index;not null"`
	Balance    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	ThroughSeq uint64          `gorm:"not null"`
	CreatedAt  time.Time
}

// SanctionedParty is one row of the ingested sanctions list.
type SanctionedParty struct {
	AccountID string `gorm:"primaryKey"`
	Source    string
	AddedAt   time.Time
}

// SanctionsSnapshot records when the sanctions list was last ingested.
// A single row; screening fails closed while it is absent or decayed.
type SanctionsSnapshot struct {
	ID          uint `gorm:"primaryKey"`
	Source      string
	RefreshedAt time.Time
}

// IdempotencyKey stores the replayable response for a mutating request.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey"`
	RequestID string
	Method    string
	Path      string
	Status    int
	Response  string
	CreatedAt time.Time
}

// Migrate creates or updates every table the network persists.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Invoice{},
		&LineItem{},
		&Auction{},
		&CapitalBid{},
		&PricingQuote{},
		&Settlement{},
		&SettlementLeg{},
		&LedgerEntry{},
		&DecisionRecord{},
		&CreditReservation{},
		&BalanceCheckpoint{},
		&SanctionedParty{},
		&SanctionsSnapshot{},
		&IdempotencyKey{},
	)
}

// TerminalInvoiceStates lists the absorbing lifecycle states.
var TerminalInvoiceStates = []InvoiceStatus{InvoiceSettled, InvoiceRejected, InvoiceExpired}

// IsTerminal reports whether the status admits no further transitions.
func (s InvoiceStatus) IsTerminal() bool {
	for _, t := range TerminalInvoiceStates {
		if s == t {
			return true
		}
	}
	return false
}

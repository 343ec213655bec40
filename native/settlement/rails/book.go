package rails

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/native/ledger"
)

// BookRail settles by book transfer against the internal journal. Commit is
// atomic within the service's own database, so it never reports a false
// failure, but a crash between the two journal postings of a double-sided
// leg surfaces as indeterminate and resolves through Status.
type BookRail struct {
	name   string
	db     *gorm.DB
	ledger *ledger.Ledger
	now    func() time.Time

	mu       sync.Mutex
	prepared map[string]PrepareToken
	earmarks map[string]decimal.Decimal
}

// NewBookRail constructs the internal book-transfer rail.
func NewBookRail(name string, db *gorm.DB, journal *ledger.Ledger) *BookRail {
	if name == "" {
		name = "book"
	}
	return &BookRail{
		name:     name,
		db:       db,
		ledger:   journal,
		now:      time.Now,
		prepared: make(map[string]PrepareToken),
		earmarks: make(map[string]decimal.Decimal),
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *BookRail) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.now = now
}

// Name implements Adapter.
func (r *BookRail) Name() string { return r.name }

// Prepare verifies the debit side can cover the transfer net of other
// outstanding earmarks and records an earmark against it.
func (r *BookRail) Prepare(ctx context.Context, transfer Transfer) (PrepareToken, error) {
	if transfer.SettlementID == "" || transfer.Leg == "" {
		return PrepareToken{}, fmt.Errorf("rails: transfer requires settlement and leg")
	}
	if !transfer.Amount.IsPositive() {
		return PrepareToken{}, fmt.Errorf("rails: transfer amount must be positive")
	}
	if transfer.DebitAccount != "" {
		balance, err := r.ledger.Balance(ctx, transfer.DebitAccount)
		if err != nil {
			return PrepareToken{}, fmt.Errorf("rails: balance check: %w", err)
		}
		r.mu.Lock()
		held := r.earmarks[transfer.DebitAccount]
		if balance.Sub(held).LessThan(transfer.Amount) {
			r.mu.Unlock()
			return PrepareToken{}, fmt.Errorf("%w: account %s", ErrInsufficientFunds, transfer.DebitAccount)
		}
		r.earmarks[transfer.DebitAccount] = held.Add(transfer.Amount)
		r.mu.Unlock()
	}

	token := PrepareToken{
		Rail:       r.name,
		Token:      bookToken(transfer),
		Transfer:   transfer,
		PreparedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.prepared[token.Token] = token
	r.mu.Unlock()
	return token, nil
}

// Commit posts the journal entries for the leg.
func (r *BookRail) Commit(ctx context.Context, token PrepareToken) CommitResult {
	transfer := token.Transfer
	if transfer.Reason == "" {
		transfer.Reason = LegReason(transfer.Leg)
	}
	var lastSeq uint64
	posted := 0
	if transfer.DebitAccount != "" {
		seq, err := r.ledger.Append(ctx, ledger.Entry{
			Type:         models.EntryDebit,
			AccountID:    transfer.DebitAccount,
			Amount:       transfer.Amount,
			Reason:       transfer.Reason,
			SettlementID: transfer.SettlementID,
		})
		if err != nil {
			return CommitResult{Kind: Failed, Cause: err.Error()}
		}
		lastSeq = seq
		posted++
	}
	if transfer.CreditAccount != "" {
		seq, err := r.ledger.Append(ctx, ledger.Entry{
			Type:         models.EntryCredit,
			AccountID:    transfer.CreditAccount,
			Amount:       transfer.Amount,
			Reason:       transfer.Reason,
			SettlementID: transfer.SettlementID,
		})
		if err != nil {
			if posted > 0 {
				// Half the leg is on the books; only Status can say more.
				return CommitResult{Kind: Indeterminate, Cause: err.Error()}
			}
			return CommitResult{Kind: Failed, Cause: err.Error()}
		}
		lastSeq = seq
	}
	r.release(token)
	return CommitResult{Kind: Committed, TxID: fmt.Sprintf("%s-%d", r.name, lastSeq)}
}

// Rollback discards the earmark for an uncommitted token.
func (r *BookRail) Rollback(_ context.Context, token PrepareToken) error {
	r.release(token)
	return nil
}

// Status resolves a token by inspecting the journal, so it survives restarts.
func (r *BookRail) Status(ctx context.Context, token string) (CommitResult, error) {
	settlementID, leg, ok := parseBookToken(token)
	if !ok {
		return CommitResult{}, ErrTokenUnknown
	}
	transfer, tracked := r.lookup(token)
	expected := 0
	if tracked {
		if transfer.Transfer.DebitAccount != "" {
			expected++
		}
		if transfer.Transfer.CreditAccount != "" {
			expected++
		}
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("settlement_id = ? AND reason = ?", settlementID, LegReason(leg)).
		Count(&count).Error
	if err != nil {
		return CommitResult{}, fmt.Errorf("rails: status query: %w", err)
	}
	switch {
	case count == 0:
		return CommitResult{Kind: Failed}, nil
	case tracked && int(count) < expected:
		return CommitResult{Kind: Indeterminate}, nil
	default:
		return CommitResult{Kind: Committed, TxID: fmt.Sprintf("%s-journal", r.name)}, nil
	}
}

// Health implements Adapter. The book rail is healthy whenever the database
// answers.
func (r *BookRail) Health(ctx context.Context) error {
	var one int64
	return r.db.WithContext(ctx).Model(&models.Account{}).Limit(1).Count(&one).Error
}

func (r *BookRail) release(token PrepareToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.prepared[token.Token]
	if !ok {
		return
	}
	delete(r.prepared, token.Token)
	debit := stored.Transfer.DebitAccount
	if debit == "" {
		return
	}
	held := r.earmarks[debit].Sub(stored.Transfer.Amount)
	if held.IsPositive() {
		r.earmarks[debit] = held
	} else {
		delete(r.earmarks, debit)
	}
}

func (r *BookRail) lookup(token string) (PrepareToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.prepared[token]
	return stored, ok
}

func bookToken(transfer Transfer) string {
	return fmt.Sprintf("book:%s:%s", transfer.SettlementID, transfer.Leg)
}

func parseBookToken(token string) (settlementID string, leg models.LegType, ok bool) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 || parts[0] != "book" {
		return "", "", false
	}
	return parts[1], models.LegType(parts[2]), true
}

// LegReason maps a leg type to the journal reason it posts under.
func LegReason(leg models.LegType) string {
	switch leg {
	case models.LegAdvanceCapital:
		return ledger.ReasonAdvance
	case models.LegCreditSupplier:
		return "invoice-settlement"
	case models.LegDebitBuyer:
		return "buyer-payment"
	default:
		return string(leg)
	}
}

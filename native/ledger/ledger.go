// Package ledger maintains the append-only money journal. Balances are a
// derived fold over entries, never a direct write target; every entry is
// hash-chained to its predecessor and HMAC-signed so the chain can be audited
// offline. The journal refuses to serve if the stored chain fails
// verification at startup.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"settlenet/models"
	"settlenet/observability"
)

// ReasonAdvance marks the capital provider's outbound funding entry.
const ReasonAdvance = "advance-capital"

var (
	// ErrChainBroken indicates the journal fails hash-chain verification.
	ErrChainBroken = errors.New("ledger: chain verification failed")
	// ErrInvalidEntry indicates an entry that may not be journalled.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrUnknownCorrection indicates a correction referencing no entry.
	ErrUnknownCorrection = errors.New("ledger: correction references unknown entry")
)

// Entry is a request to append one journal line.
type Entry struct {
	Type          models.EntryType
	AccountID     string
	Amount        decimal.Decimal
	Reason        string
	SettlementID  string
	CorrectsEntry *uint64
}

// ReconcileResult reports whether the journal balances over a window.
type ReconcileResult struct {
	Balanced  bool            `json:"balanced"`
	Credits   decimal.Decimal `json:"credits"`
	Debits    decimal.Decimal `json:"debits"`
	Advances  decimal.Decimal `json:"advances"`
	Imbalance decimal.Decimal `json:"imbalance"`
	Entries   int             `json:"entries"`
}

// tolerance is the reconciliation slack: one cent.
var tolerance = decimal.New(1, -2)

type balanceCache struct {
	balance    decimal.Decimal
	throughSeq uint64
}

// Ledger is the single logical writer over the journal table.
type Ledger struct {
	db      *gorm.DB
	secret  []byte
	now     func() time.Time
	metrics *observability.LedgerMetrics

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
	cache    map[string]balanceCache
}

// NewLedger opens the journal, verifying the stored chain before serving.
func NewLedger(db *gorm.DB, secret []byte) (*Ledger, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ledger: signing secret required")
	}
	l := &Ledger{
		db:       db,
		secret:   secret,
		now:      time.Now,
		metrics:  observability.Ledger(),
		lastHash: genesisHash(),
		cache:    make(map[string]balanceCache),
	}
	var tail models.LedgerEntry
	err := db.Order("seq_no DESC").First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("ledger: load tail: %w", err)
	default:
		if err := l.Verify(context.Background()); err != nil {
			return nil, err
		}
		l.lastSeq = tail.SeqNo
		l.lastHash = tail.Signature
	}
	return l, nil
}

// SetNowFunc overrides the time source, primarily for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.now = now
}

// Append journals one entry and returns its sequence number.
func (l *Ledger) Append(ctx context.Context, entry Entry) (uint64, error) {
	if err := validate(entry); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.CorrectsEntry != nil {
		var original models.LedgerEntry
		err := l.db.WithContext(ctx).First(&original, "seq_no = ?", *entry.CorrectsEntry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUnknownCorrection
		}
		if err != nil {
			return 0, fmt.Errorf("ledger: load corrected entry: %w", err)
		}
		if original.AccountID != entry.AccountID {
			return 0, fmt.Errorf("%w: correction targets another account", ErrInvalidEntry)
		}
	}

	row := models.LedgerEntry{
		SeqNo:         l.lastSeq + 1,
		Type:          entry.Type,
		AccountID:     entry.AccountID,
		Amount:        entry.Amount.Round(2),
		Reason:        entry.Reason,
		SettlementID:  entry.SettlementID,
		CorrectsEntry: entry.CorrectsEntry,
		PrevHash:      l.lastHash,
		CreatedAt:     l.now().UTC(),
	}
	row.Signature = l.sign(&row)

	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("ledger: append: %w", err)
	}
	l.lastSeq = row.SeqNo
	l.lastHash = row.Signature
	delete(l.cache, entry.AccountID)
	l.metrics.Entries.WithLabelValues(string(entry.Type)).Inc()
	l.metrics.ChainDepth.Set(float64(row.SeqNo))
	return row.SeqNo, nil
}

// Balance folds the journal for one account. Reads go through a materialised
// cache invalidated by sequence number, so stale reads lag by at most one
// fold cycle.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	l.mu.Lock()
	cached, ok := l.cache[accountID]
	head := l.lastSeq
	l.mu.Unlock()

	if ok && cached.throughSeq == head {
		return cached.balance, nil
	}

	base := decimal.Zero
	var since uint64
	if ok {
		base = cached.balance
		since = cached.throughSeq
	} else {
		var checkpoint models.BalanceCheckpoint
		err := l.db.WithContext(ctx).
			Where("account_id = ?", accountID).
			Order("through_seq DESC").
			First(&checkpoint).Error
		if err == nil {
			base = checkpoint.Balance
			since = checkpoint.ThroughSeq
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("ledger: load checkpoint: %w", err)
		}
	}

	delta, maxSeen, err := l.fold(ctx, accountID, since)
	if err != nil {
		return decimal.Zero, err
	}
	balance := base.Add(delta)
	// Entries between maxSeen and the head captured before the query cannot
	// touch this account, so the fold is complete through the later of the two.
	through := head
	if maxSeen > through {
		through = maxSeen
	}

	l.mu.Lock()
	l.cache[accountID] = balanceCache{balance: balance, throughSeq: through}
	l.mu.Unlock()
	return balance, nil
}

// Checkpoint persists the current fold so cold starts avoid replaying the
// whole journal.
func (l *Ledger) Checkpoint(ctx context.Context, accountID string) error {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	through := l.cache[accountID].throughSeq
	l.mu.Unlock()
	row := models.BalanceCheckpoint{
		ID:         fmt.Sprintf("%s@%d", accountID, through),
		AccountID:  accountID,
		Balance:    balance,
		ThroughSeq: through,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: checkpoint: %w", err)
	}
	return nil
}

// Stream returns up to limit entries with seq_no greater than since.
func (l *Ledger) Stream(ctx context.Context, since uint64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []models.LedgerEntry
	err := l.db.WithContext(ctx).
		Where("seq_no > ?", since).
		Order("seq_no ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: stream: %w", err)
	}
	return rows, nil
}

// Reconcile sums the journal over a time window. Ordinary credits must equal
// ordinary debits plus capital advances within one cent; corrections cancel
// against the entries they reverse.
func (l *Ledger) Reconcile(ctx context.Context, since, until time.Time) (ReconcileResult, error) {
	var rows []models.LedgerEntry
	query := l.db.WithContext(ctx).Order("seq_no ASC")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since.UTC())
	}
	if !until.IsZero() {
		query = query.Where("created_at < ?", until.UTC())
	}
	if err := query.Find(&rows).Error; err != nil {
		return ReconcileResult{}, fmt.Errorf("ledger: reconcile: %w", err)
	}

	bySeq := make(map[uint64]models.LedgerEntry, len(rows))
	for _, row := range rows {
		bySeq[row.SeqNo] = row
	}

	credits, debits, advances := decimal.Zero, decimal.Zero, decimal.Zero
	addSigned := func(entryType models.EntryType, reason string, amount decimal.Decimal) {
		switch {
		case entryType == models.EntryCredit:
			credits = credits.Add(amount)
		case entryType == models.EntryDebit && reason == ReasonAdvance:
			advances = advances.Add(amount)
		case entryType == models.EntryDebit:
			debits = debits.Add(amount)
		}
	}
	for _, row := range rows {
		if row.Type == models.EntryCorrection {
			if row.CorrectsEntry == nil {
				continue
			}
			original, ok := bySeq[*row.CorrectsEntry]
			if !ok {
				var err error
				original, err = l.entryBySeq(ctx, *row.CorrectsEntry)
				if err != nil {
					return ReconcileResult{}, err
				}
			}
			addSigned(original.Type, original.Reason, row.Amount.Neg())
			continue
		}
		addSigned(row.Type, row.Reason, row.Amount)
	}

	imbalance := credits.Sub(debits).Sub(advances)
	result := ReconcileResult{
		Balanced:  imbalance.Abs().LessThanOrEqual(tolerance),
		Credits:   credits,
		Debits:    debits,
		Advances:  advances,
		Imbalance: imbalance,
		Entries:   len(rows),
	}
	l.metrics.ReconcileDrift.Set(imbalance.Abs().InexactFloat64())
	return result, nil
}

// Verify walks the full chain and recomputes every link and signature.
func (l *Ledger) Verify(ctx context.Context) error {
	prev := genesisHash()
	var seq uint64
	var rows []models.LedgerEntry
	if err := l.db.WithContext(ctx).Order("seq_no ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("ledger: load chain: %w", err)
	}
	for i := range rows {
		row := rows[i]
		if row.SeqNo != seq+1 {
			return fmt.Errorf("%w: gap at seq %d", ErrChainBroken, row.SeqNo)
		}
		if row.PrevHash != prev {
			return fmt.Errorf("%w: prev-hash mismatch at seq %d", ErrChainBroken, row.SeqNo)
		}
		if l.sign(&row) != row.Signature {
			return fmt.Errorf("%w: signature mismatch at seq %d", ErrChainBroken, row.SeqNo)
		}
		prev = row.Signature
		seq = row.SeqNo
	}
	return nil
}

// LastSeq returns the newest journalled sequence number.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Ledger) fold(ctx context.Context, accountID string, since uint64) (decimal.Decimal, uint64, error) {
	var rows []models.LedgerEntry
	err := l.db.WithContext(ctx).
		Where("account_id = ? AND seq_no > ?", accountID, since).
		Order("seq_no ASC").
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("ledger: fold: %w", err)
	}
	delta := decimal.Zero
	maxSeen := since
	for _, row := range rows {
		effect, err := l.effect(ctx, row)
		if err != nil {
			return decimal.Zero, 0, err
		}
		delta = delta.Add(effect)
		maxSeen = row.SeqNo
	}
	return delta, maxSeen, nil
}

// effect resolves the signed balance impact of one entry. A correction
// reverses whatever its target did.
func (l *Ledger) effect(ctx context.Context, row models.LedgerEntry) (decimal.Decimal, error) {
	switch row.Type {
	case models.EntryCredit:
		return row.Amount, nil
	case models.EntryDebit:
		return row.Amount.Neg(), nil
	case models.EntryCorrection:
		if row.CorrectsEntry == nil {
			return decimal.Zero, fmt.Errorf("%w: correction without target at seq %d", ErrInvalidEntry, row.SeqNo)
		}
		original, err := l.entryBySeq(ctx, *row.CorrectsEntry)
		if err != nil {
			return decimal.Zero, err
		}
		switch original.Type {
		case models.EntryCredit:
			return row.Amount.Neg(), nil
		case models.EntryDebit:
			return row.Amount, nil
		default:
			return decimal.Zero, fmt.Errorf("%w: correction of correction at seq %d", ErrInvalidEntry, row.SeqNo)
		}
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, row.Type)
	}
}

func (l *Ledger) entryBySeq(ctx context.Context, seq uint64) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := l.db.WithContext(ctx).First(&row, "seq_no = ?", seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrUnknownCorrection
	}
	if err != nil {
		return row, fmt.Errorf("ledger: load entry %d: %w", seq, err)
	}
	return row, nil
}

func (l *Ledger) sign(row *models.LedgerEntry) string {
	corrects := ""
	if row.CorrectsEntry != nil {
		corrects = strconv.FormatUint(*row.CorrectsEntry, 10)
	}
	payload := strings.Join([]string{
		strconv.FormatUint(row.SeqNo, 10),
		string(row.Type),
		row.AccountID,
		row.Amount.StringFixed(2),
		row.Reason,
		row.SettlementID,
		corrects,
		row.PrevHash,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	digest := blake3.Sum256([]byte(payload))
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(digest[:])
	return hex.EncodeToString(mac.Sum(nil))
}

func validate(entry Entry) error {
	if strings.TrimSpace(entry.AccountID) == "" {
		return fmt.Errorf("%w: account required", ErrInvalidEntry)
	}
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	switch entry.Type {
	case models.EntryCredit, models.EntryDebit:
		if entry.CorrectsEntry != nil {
			return fmt.Errorf("%w: only corrections may reference entries", ErrInvalidEntry)
		}
	case models.EntryCorrection:
		if entry.CorrectsEntry == nil {
			return fmt.Errorf("%w: correction requires target entry", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entry.Type)
	}
	return nil
}

func genesisHash() string {
	digest := blake3.Sum256([]byte("settlenet-ledger-genesis"))
	return hex.EncodeToString(digest[:])
}

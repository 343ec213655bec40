// Package decision maintains the append-only enforcement audit chain. Every
// invariant check, lifecycle transition, and settlement outcome appends one
// signed record chained to its predecessor; records are never updated.
package decision

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"settlenet/models"
)

// Action is the enforcement consequence recorded with a decision.
type Action string

const (
	ActionProceed  Action = "proceed"
	ActionRollback Action = "rollback"
	ActionFreeze   Action = "freeze"
)

// Phase distinguishes pre- and post-operation checks.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

var (
	// ErrChainBroken indicates the stored chain fails verification.
	ErrChainBroken = errors.New("decision: chain verification failed")
	// ErrSecretRequired indicates the ledger was constructed without a key.
	ErrSecretRequired = errors.New("decision: signing secret required")
)

// Ledger appends and verifies the decision chain.
type Ledger struct {
	db     *gorm.DB
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// NewLedger opens the decision chain, loading the current tail. The stored
// chain is verified before the ledger agrees to serve.
func NewLedger(db *gorm.DB, secret []byte) (*Ledger, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	l := &Ledger{db: db, secret: secret, now: time.Now, lastHash: genesisHash()}
	var tail models.DecisionRecord
	err := db.Order("seq_no DESC").First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("decision: load tail: %w", err)
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

// Append signs and stores one decision record. The snapshot is serialised as
// JSON and may be nil.
func (l *Ledger) Append(ctx context.Context, invariantID string, phase Phase, result bool, action Action, snapshot any, actor string) (*models.DecisionRecord, error) {
	var snapJSON string
	if snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("decision: marshal snapshot: %w", err)
		}
		snapJSON = string(data)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record := models.DecisionRecord{
		SeqNo:       l.lastSeq + 1,
		InvariantID: invariantID,
		Phase:       string(phase),
		Result:      result,
		Action:      string(action),
		Snapshot:    snapJSON,
		Actor:       actor,
		PrevHash:    l.lastHash,
		CreatedAt:   l.now().UTC(),
	}
	record.Signature = l.sign(&record)

	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("decision: append: %w", err)
	}
	l.lastSeq = record.SeqNo
	l.lastHash = record.Signature
	return &record, nil
}

// Verify walks the full chain, recomputing every signature and link. A broken
// link is a tamper signal and the caller must engage the freeze latch.
func (l *Ledger) Verify(ctx context.Context) error {
	prev := genesisHash()
	var seq uint64
	rows := make([]models.DecisionRecord, 0, 256)
	if err := l.db.WithContext(ctx).Order("seq_no ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("decision: load chain: %w", err)
	}
	for i := range rows {
		record := rows[i]
		if record.SeqNo != seq+1 {
			return fmt.Errorf("%w: gap at seq %d", ErrChainBroken, record.SeqNo)
		}
		if record.PrevHash != prev {
			return fmt.Errorf("%w: prev-hash mismatch at seq %d", ErrChainBroken, record.SeqNo)
		}
		if l.sign(&record) != record.Signature {
			return fmt.Errorf("%w: signature mismatch at seq %d", ErrChainBroken, record.SeqNo)
		}
		prev = record.Signature
		seq = record.SeqNo
	}
	return nil
}

// Tail returns the sequence number of the newest record.
func (l *Ledger) Tail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Ledger) sign(record *models.DecisionRecord) string {
	payload := strings.Join([]string{
		strconv.FormatUint(record.SeqNo, 10),
		record.InvariantID,
		record.Phase,
		strconv.FormatBool(record.Result),
		record.Action,
		record.Snapshot,
		record.Actor,
		record.PrevHash,
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	digest := blake3.Sum256([]byte(payload))
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(digest[:])
	return hex.EncodeToString(mac.Sum(nil))
}

func genesisHash() string {
	digest := blake3.Sum256([]byte("settlenet-decision-genesis"))
	return hex.EncodeToString(digest[:])
}

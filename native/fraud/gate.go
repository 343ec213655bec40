// Package fraud applies the scoring oracle's verdicts to the invoice
// lifecycle. The gate never computes scores itself; it enforces the
// threshold and freshness policies around an external oracle.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/observability"
)

var (
	// ErrBlocked indicates a score above the admission threshold.
	ErrBlocked = errors.New("fraud: score above threshold")
	// ErrScoreChanged indicates the score moved during the critical section.
	ErrScoreChanged = errors.New("fraud: score recomputed during settlement")
	// ErrScoreMissing indicates no score on file at a point that demands one.
	ErrScoreMissing = errors.New("fraud: score missing")
)

// Score is the oracle's answer with its provenance.
type Score struct {
	Value      float64
	Signals    map[string]float64
	ComputedAt time.Time
}

// Oracle is the external scoring model.
type Oracle interface {
	Score(ctx context.Context, invoice *models.Invoice) (Score, error)
}

// Gate enforces the threshold and freshness policies.
type Gate struct {
	db        *gorm.DB
	oracle    Oracle
	threshold float64
	maxAge    time.Duration
	metrics   *observability.FraudMetrics
	now       func() time.Time
}

// NewGate constructs a fraud gate with the configured policy.
func NewGate(db *gorm.DB, oracle Oracle, threshold float64, maxAge time.Duration) *Gate {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Gate{
		db:        db,
		oracle:    oracle,
		threshold: threshold,
		maxAge:    maxAge,
		metrics:   observability.Fraud(),
		now:       time.Now,
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (g *Gate) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	g.now = now
}

// ScoreSubmission computes and stores the score for a new invoice. The
// returned error is ErrBlocked when the invoice must be routed to
// fraud-review instead of the auction.
func (g *Gate) ScoreSubmission(ctx context.Context, inv *models.Invoice) error {
	score, err := g.compute(ctx, inv)
	if err != nil {
		return err
	}
	if score.Value > g.threshold {
		g.metrics.Decisions.WithLabelValues("submission", "block").Inc()
		return fmt.Errorf("%w: %.4f", ErrBlocked, score.Value)
	}
	g.metrics.Decisions.WithLabelValues("submission", "allow").Inc()
	return nil
}

// EvaluateAcceptance enforces the freshness policy at buyer acceptance: a
// stale score is recomputed before the gate decides. The returned timestamp
// identifies the exact score the decision was made on; the pre-commit
// barrier must observe the same one.
func (g *Gate) EvaluateAcceptance(ctx context.Context, inv *models.Invoice) (time.Time, error) {
	now := g.now().UTC()
	if inv.FraudScore == nil || inv.FraudScoredAt == nil || now.Sub(*inv.FraudScoredAt) >= g.maxAge {
		g.metrics.Recomputes.Inc()
		score, err := g.compute(ctx, inv)
		if err != nil {
			return time.Time{}, err
		}
		if score.Value > g.threshold {
			g.metrics.Decisions.WithLabelValues("acceptance", "block").Inc()
			return time.Time{}, fmt.Errorf("%w: %.4f", ErrBlocked, score.Value)
		}
	}
	if *inv.FraudScore > g.threshold {
		g.metrics.Decisions.WithLabelValues("acceptance", "block").Inc()
		return time.Time{}, fmt.Errorf("%w: %.4f", ErrBlocked, *inv.FraudScore)
	}
	g.metrics.Decisions.WithLabelValues("acceptance", "allow").Inc()
	return *inv.FraudScoredAt, nil
}

// Recheck runs at the final pre-commit barrier. The stored score must carry
// the identical timestamp observed at acceptance; any recomputation during
// the critical section invalidates the acceptance.
func (g *Gate) Recheck(ctx context.Context, invoiceID string, observedAt time.Time) error {
	var inv models.Invoice
	if err := g.db.WithContext(ctx).First(&inv, "id = ?", invoiceID).Error; err != nil {
		return fmt.Errorf("fraud: recheck load: %w", err)
	}
	if inv.FraudScore == nil || inv.FraudScoredAt == nil {
		return ErrScoreMissing
	}
	if !inv.FraudScoredAt.Equal(observedAt) {
		g.metrics.Decisions.WithLabelValues("pre-commit", "block").Inc()
		return ErrScoreChanged
	}
	if *inv.FraudScore > g.threshold {
		g.metrics.Decisions.WithLabelValues("pre-commit", "block").Inc()
		return fmt.Errorf("%w: %.4f", ErrBlocked, *inv.FraudScore)
	}
	g.metrics.Decisions.WithLabelValues("pre-commit", "allow").Inc()
	return nil
}

// compute asks the oracle and persists the result on the invoice row.
func (g *Gate) compute(ctx context.Context, inv *models.Invoice) (Score, error) {
	score, err := g.oracle.Score(ctx, inv)
	if err != nil {
		return Score{}, fmt.Errorf("fraud: oracle: %w", err)
	}
	at := score.ComputedAt.UTC()
	if at.IsZero() {
		at = g.now().UTC()
	}
	inv.FraudScore = &score.Value
	inv.FraudScoredAt = &at
	err = g.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ?", inv.ID).
		Updates(map[string]any{"fraud_score": score.Value, "fraud_scored_at": at}).Error
	if err != nil {
		return Score{}, fmt.Errorf("fraud: persist score: %w", err)
	}
	return score, nil
}

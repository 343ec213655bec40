package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlenet/models"
	"settlenet/native/decision"
	"settlenet/native/events"
	"settlenet/native/invariants"
)

var (
	// ErrInvalidTransition indicates a move the table does not allow.
	ErrInvalidTransition = errors.New("invoice: transition not permitted")
	// ErrTerminalState indicates an attempt to leave an absorbing state.
	ErrTerminalState = errors.New("invoice: terminal state is absorbing")
)

// allowedTransitions is the authoritative lifecycle table. failed→rejected is
// the single administrative move out of the compensation-terminal state.
var allowedTransitions = map[models.InvoiceStatus][]models.InvoiceStatus{
	models.InvoicePending:     {models.InvoiceAccepted, models.InvoiceRejected, models.InvoiceExpired, models.InvoiceFraudReview},
	models.InvoiceFraudReview: {models.InvoiceAccepted, models.InvoiceRejected},
	models.InvoiceAccepted:    {models.InvoiceSettled, models.InvoiceFailed},
	models.InvoiceFailed:      {models.InvoiceRejected},
}

// ValidateTransition reports whether the table allows current→next.
func ValidateTransition(current, next models.InvoiceStatus) error {
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, current)
	}
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

// Machine is the only writer of the invoice status column.
type Machine struct {
	db        *gorm.DB
	decisions *decision.Ledger
	emitter   events.Emitter
	now       func() time.Time
}

// NewMachine constructs the lifecycle state machine.
func NewMachine(db *gorm.DB, decisions *decision.Ledger) *Machine {
	return &Machine{db: db, decisions: decisions, emitter: events.NoopEmitter{}, now: time.Now}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (m *Machine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (m *Machine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.now = now
}

// Transition moves an invoice to the next state under a row lock, running the
// optional hook inside the same database transaction so settlement writes and
// status changes commit or fail together. A disallowed move appends a failed
// decision record and leaves the row untouched.
func (m *Machine) Transition(ctx context.Context, invoiceID string, next models.InvoiceStatus, actor, reason string, hook func(tx *gorm.DB, inv *models.Invoice) error) error {
	var fromState models.InvoiceStatus
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&inv, "id = ?", invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, invoiceID)
			}
			return err
		}
		fromState = inv.Status
		if err := ValidateTransition(inv.Status, next); err != nil {
			return err
		}
		now := m.now().UTC()
		inv.Status = next
		inv.UpdatedAt = now
		switch next {
		case models.InvoiceAccepted:
			inv.AcceptedAt = &now
		case models.InvoiceSettled:
			inv.SettledAt = &now
		}
		if err := tx.Save(&inv).Error; err != nil {
			return err
		}
		if hook != nil {
			if err := hook(tx, &inv); err != nil {
				return err
			}
		}
		return nil
	})

	snapshot := map[string]string{
		"invoice": invoiceID,
		"from":    string(fromState),
		"to":      string(next),
		"reason":  reason,
	}
	switch {
	case errors.Is(err, ErrTerminalState):
		if _, recErr := m.decisions.Append(ctx, invariants.TerminalAbsorbing, decision.PhasePre, false, decision.ActionRollback, snapshot, actor); recErr != nil {
			return recErr
		}
		return err
	case errors.Is(err, ErrInvalidTransition):
		if _, recErr := m.decisions.Append(ctx, invariants.ValidTransitions, decision.PhasePre, false, decision.ActionRollback, snapshot, actor); recErr != nil {
			return recErr
		}
		return err
	case err != nil:
		return err
	}

	if _, recErr := m.decisions.Append(ctx, invariants.ValidTransitions, decision.PhasePre, true, decision.ActionProceed, snapshot, actor); recErr != nil {
		return recErr
	}
	m.emitter.Emit(events.Event{
		Type:      "invoice." + string(next),
		InvoiceID: invoiceID,
		Attributes: map[string]string{
			"from":   string(fromState),
			"actor":  actor,
			"reason": reason,
		},
		At: m.now().UTC(),
	})
	return nil
}

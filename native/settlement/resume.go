package settlement

import (
	"context"
	"errors"
	"fmt"

	"settlenet/models"
	"settlenet/native/invariants"
	"settlenet/native/settlement/rails"
)

// ResolveInFlight finishes settlements a crashed or interrupted run left with
// prepared legs. Each open settlement is driven to a terminal state through
// the rail's status endpoint: fully committed ones are finalized, partially
// failed ones are compensated. Returns how many settlements were resolved.
func (c *Coordinator) ResolveInFlight(ctx context.Context) (int, error) {
	ids, err := c.legs.OpenSettlements()
	if err != nil {
		return 0, err
	}
	resolved := 0
	var firstErr error
	for _, id := range ids {
		if err := c.resolveSettlement(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Warn("in-flight settlement unresolved", "settlement", id, "err", err)
			continue
		}
		resolved++
	}
	return resolved, firstErr
}

func (c *Coordinator) resolveSettlement(ctx context.Context, settlementID string) error {
	var stl models.Settlement
	if err := c.db.WithContext(ctx).First(&stl, "id = ?", settlementID).Error; err != nil {
		return fmt.Errorf("settlement: load %s: %w", settlementID, err)
	}
	records, err := c.legs.ForSettlement(settlementID)
	if err != nil {
		return err
	}

	transfers := c.transfers(&stl)
	results := make([]rails.CommitResult, len(transfers))
	for i, transfer := range transfers {
		record, found := records[transfer.Leg]
		if !found {
			// Never prepared: the crash predates this leg, nothing moved.
			results[i] = rails.CommitResult{Kind: rails.Failed, Cause: "never prepared"}
			continue
		}
		switch record.State {
		case LegCommitted:
			results[i] = rails.CommitResult{Kind: rails.Committed, TxID: record.TxID}
		case LegRolledBack, LegFailed:
			results[i] = rails.CommitResult{Kind: rails.Failed}
		case LegPrepared:
			adapter, err := c.rails.Get(record.Rail)
			if err != nil {
				return err
			}
			status, err := adapter.Status(ctx, record.Token)
			if errors.Is(err, rails.ErrTokenUnknown) {
				// The prepare never landed on the rail; safe to discard.
				status = rails.CommitResult{Kind: rails.Failed, Cause: "token unknown"}
			} else if err != nil {
				return fmt.Errorf("settlement: status %s/%s: %w", settlementID, transfer.Leg, err)
			}
			if status.Kind == rails.Indeterminate {
				return fmt.Errorf("settlement: leg %s still indeterminate", transfer.Leg)
			}
			results[i] = status
			if err := c.recordCommit(settlementID, transfer.Leg, record.Rail, record.Token, status); err != nil {
				return err
			}
		}
	}

	allCommitted := true
	for _, result := range results {
		if result.Kind != rails.Committed {
			allCommitted = false
			break
		}
	}

	var inv models.Invoice
	if err := c.db.WithContext(ctx).First(&inv, "id = ?", stl.InvoiceID).Error; err != nil {
		return fmt.Errorf("settlement: load invoice %s: %w", stl.InvoiceID, err)
	}
	ictx := invariants.Context{}

	if allCommitted {
		outcome := c.finalize(ctx, &inv, &stl, transfers, results, ictx, "sweeper")
		if !outcome.OK() {
			return fmt.Errorf("settlement: finalize on resume: %s", outcome)
		}
		return nil
	}

	adapter, err := c.rails.Get(stl.Rail)
	if err != nil {
		return err
	}
	outcome := c.recover(ctx, &inv, &stl, adapter, transfers, results, ictx, "sweeper")
	if outcome.Code == CodeConsistency {
		return fmt.Errorf("settlement: recovery on resume: %s", outcome)
	}
	if err := c.legs.Drop(settlementID); err != nil {
		c.log.Warn("leg log prune failed", "settlement", settlementID, "err", err)
	}
	return nil
}

package settlement

import "fmt"

// OutcomeKind partitions settlement results: accepted and settled, refused
// before any money moved, or aborted after the critical section began.
type OutcomeKind string

const (
	// OutcomeOK means the settlement completed and the invoice is settled.
	OutcomeOK OutcomeKind = "ok"
	// OutcomeReject means a pre-check refused admission; no ledger write
	// occurred.
	OutcomeReject OutcomeKind = "reject"
	// OutcomeAbort means the settlement started and was unwound, or is
	// still resolving.
	OutcomeAbort OutcomeKind = "abort"
)

// Failure codes surfaced to API callers.
const (
	CodeStaleQuote        = "stale-quote"
	CodeQuoteUsed         = "quote-used"
	CodePricingMismatch   = "pricing-mismatch"
	CodeCreditExceeded    = "credit-exceeded"
	CodeFraud             = "fraud"
	CodeCompliance        = "compliance"
	CodeInactiveParty     = "inactive-party"
	CodeUnauthorized      = "unauthorized"
	CodeConflict          = "conflict"
	CodeInvalidState      = "invalid-state"
	CodeRailUnavailable   = "rail-unavailable"
	CodeRailFailure       = "rail-failure"
	CodeRailIndeterminate = "rail-indeterminate"
	CodeFxStale           = "fx-stale"
	CodeConsistency       = "consistency"
	CodeSystemFrozen      = "system-frozen"
)

// Outcome is the reducer's verdict over every pre-check and leg result.
type Outcome struct {
	Kind         OutcomeKind
	Code         string
	SettlementID string
	Detail       string
}

// OK reports whether the settlement completed.
func (o Outcome) OK() bool { return o.Kind == OutcomeOK }

func (o Outcome) String() string {
	if o.Kind == OutcomeOK {
		return fmt.Sprintf("ok settlement=%s", o.SettlementID)
	}
	return fmt.Sprintf("%s code=%s %s", o.Kind, o.Code, o.Detail)
}

func ok(settlementID string) Outcome {
	return Outcome{Kind: OutcomeOK, SettlementID: settlementID}
}

func reject(code, detail string) Outcome {
	return Outcome{Kind: OutcomeReject, Code: code, Detail: detail}
}

func abort(code, settlementID, detail string) Outcome {
	return Outcome{Kind: OutcomeAbort, Code: code, SettlementID: settlementID, Detail: detail}
}

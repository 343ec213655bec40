package invariants

// Catalogue of invariant identifiers. Numbering groups: 0xx structural,
// 1xx state machine, 2xx freshness, 3xx statistical, 4xx compliance,
// 5xx financial, 6xx integrity.
const (
	UniqueInvoiceIDs    = "INV-001"
	ValidAmounts        = "INV-002"
	AccountsActive      = "INV-003"
	NoDuplicateHash     = "INV-004"
	CreditLimit         = "INV-005"
	SettleExactlyOnce   = "INV-006"
	ValidTerms          = "INV-007"
	ValidTransitions    = "INV-101"
	AtomicSettlement    = "INV-102"
	QuoteBeforeAccept   = "INV-103"
	BuyerAuthorization  = "INV-104"
	TerminalAbsorbing   = "INV-105"
	QuoteFreshness      = "INV-109"
	SettlementSpeed     = "INV-201"
	FraudScoreFresh     = "INV-202"
	AcceptanceDeadline  = "INV-203"
	FxRateFresh         = "INV-204"
	CreditLimitFresh    = "INV-205"
	RailHealth          = "INV-206"
	CapitalBidExpiry    = "INV-207"
	CapitalCompetition  = "INV-301"
	SanctionsClear      = "INV-401"
	KYCVerified         = "INV-402"
	SignatureRequired   = "INV-403"
	RateLimited         = "INV-404"
	LedgerReconciles    = "INV-501"
	PricingAccuracy     = "INV-502"
	ProviderLiquidity   = "INV-503"
	ImmutableLedger     = "INV-601"
	LineItemsSum        = "INV-602"
)

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"settlenet/native/auction"
	"settlenet/native/fraud"
	"settlenet/native/invoice"
	"settlenet/native/registry"
	"settlenet/native/settlement"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

// writeStoreError maps invoice store sentinels onto API error codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoice.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, invoice.ErrAmountRange):
		writeError(w, http.StatusUnprocessableEntity, "amount-out-of-range", err.Error())
	case errors.Is(err, invoice.ErrInvalidTerms):
		writeError(w, http.StatusUnprocessableEntity, "invalid-terms", err.Error())
	case errors.Is(err, invoice.ErrSameParty):
		writeError(w, http.StatusUnprocessableEntity, "same-party", err.Error())
	case errors.Is(err, invoice.ErrLineItems):
		writeError(w, http.StatusUnprocessableEntity, "invalid-line-items", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "invoice submission failed")
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown-party", err.Error())
	case errors.Is(err, registry.ErrNotActive):
		writeError(w, http.StatusForbidden, "inactive-party", err.Error())
	case errors.Is(err, registry.ErrKYCNotVerified):
		writeError(w, http.StatusForbidden, "kyc-not-verified", err.Error())
	case errors.Is(err, registry.ErrSanctioned):
		writeError(w, http.StatusForbidden, "sanctioned", err.Error())
	case errors.Is(err, registry.ErrSanctionsStale):
		writeError(w, http.StatusServiceUnavailable, "sanctions-stale", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "registry lookup failed")
	}
}

func writeAuctionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound), errors.Is(err, auction.ErrQuoteNotFound):
		writeError(w, http.StatusNotFound, "no-quote", err.Error())
	case errors.Is(err, auction.ErrAuctionClosed):
		writeError(w, http.StatusConflict, "auction-closed", err.Error())
	case errors.Is(err, auction.ErrBidRate):
		writeError(w, http.StatusUnprocessableEntity, "rate-out-of-range", err.Error())
	case errors.Is(err, auction.ErrBidCapacity):
		writeError(w, http.StatusUnprocessableEntity, "capacity-too-low", err.Error())
	case errors.Is(err, auction.ErrBidExpired):
		writeError(w, http.StatusUnprocessableEntity, "bid-expired", err.Error())
	case errors.Is(err, auction.ErrInsufficientLiquidity):
		writeError(w, http.StatusUnprocessableEntity, "insufficient-liquidity", err.Error())
	case errors.Is(err, auction.ErrQuoteStale):
		writeError(w, http.StatusConflict, "stale-quote", err.Error())
	case errors.Is(err, auction.ErrQuoteUsed):
		writeError(w, http.StatusConflict, "quote-used", err.Error())
	case errors.Is(err, invoice.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "auction operation failed")
	}
}

func writeFraudError(w http.ResponseWriter, err error) {
	if errors.Is(err, fraud.ErrBlocked) {
		writeError(w, http.StatusUnprocessableEntity, "fraud-blocked", "invoice held for fraud review")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", "fraud scoring failed")
}

// outcomeStatus maps a settlement verdict onto an HTTP status. Rejects are
// caller-correctable; aborts mean money may have moved and the state machine
// records the truth.
func outcomeStatus(outcome settlement.Outcome) int {
	if outcome.OK() {
		return http.StatusOK
	}
	switch outcome.Code {
	case settlement.CodeUnauthorized:
		return http.StatusUnauthorized
	case settlement.CodeSystemFrozen:
		return http.StatusServiceUnavailable
	case settlement.CodeConflict, settlement.CodeQuoteUsed, settlement.CodeInvalidState:
		return http.StatusConflict
	case settlement.CodeRailUnavailable, settlement.CodeRailFailure, settlement.CodeRailIndeterminate, settlement.CodeConsistency:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/fraud"
	"settlenet/native/invoice"
	"settlenet/native/settlement"
)

type lineItemPayload struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type submitInvoicePayload struct {
	SupplierID string            `json:"supplier_id"`
	BuyerID    string            `json:"buyer_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	Terms      int               `json:"terms"`
	LineItems  []lineItemPayload `json:"line_items"`
}

type invoiceResponse struct {
	ID         string            `json:"id"`
	SupplierID string            `json:"supplier_id"`
	BuyerID    string            `json:"buyer_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	Terms      int               `json:"terms"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	AcceptedAt *time.Time        `json:"accepted_at,omitempty"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
	LineItems  []lineItemPayload `json:"line_items,omitempty"`
}

func invoiceBody(inv *models.Invoice, items []models.LineItem) invoiceResponse {
	resp := invoiceResponse{
		ID:         inv.ID,
		SupplierID: inv.SupplierID,
		BuyerID:    inv.BuyerID,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
		Terms:      inv.Terms,
		Status:     string(inv.Status),
		CreatedAt:  inv.CreatedAt,
		AcceptedAt: inv.AcceptedAt,
		SettledAt:  inv.SettledAt,
	}
	for _, item := range items {
		resp.LineItems = append(resp.LineItems, lineItemPayload{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return resp
}

func (s *Server) handleSubmitInvoice(w http.ResponseWriter, r *http.Request) {
	var payload submitInvoicePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed-body", "request body is not valid JSON")
		return
	}
	if party := Party(r.Context()); party != payload.SupplierID {
		writeError(w, http.StatusForbidden, "party-mismatch", "only the supplier may submit its invoice")
		return
	}
	if err := s.deps.Registry.RequireActive(r.Context(), payload.SupplierID, payload.BuyerID); err != nil {
		writeRegistryError(w, err)
		return
	}
	if err := s.deps.Registry.SanctionsClear(r.Context(), payload.SupplierID, payload.BuyerID); err != nil {
		writeRegistryError(w, err)
		return
	}

	req := submitRequest(payload)
	inv, created, err := s.deps.Store.Submit(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !created {
		// Same content hash: the earlier submission stands.
		writeJSON(w, http.StatusOK, invoiceBody(inv, nil))
		return
	}

	// Scoring runs before the auction opens so a held invoice never
	// attracts bids.
	if err := s.deps.Fraud.ScoreSubmission(r.Context(), inv); err != nil {
		if !errors.Is(err, fraud.ErrBlocked) {
			writeFraudError(w, err)
			return
		}
		if terr := s.deps.Machine.Transition(r.Context(), inv.ID, models.InvoiceFraudReview, "fraud-gate", "submission score above threshold", nil); terr != nil {
			s.log.Error("fraud hold transition failed", "invoice", inv.ID, "error", terr)
		}
		inv.Status = models.InvoiceFraudReview
		writeJSON(w, http.StatusCreated, invoiceBody(inv, nil))
		return
	}

	if _, err := s.deps.Auctions.OpenAuction(r.Context(), inv.ID, s.auctionDuration); err != nil {
		s.log.Error("auction open failed", "invoice", inv.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, invoiceBody(inv, nil))
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := s.deps.Store.LineItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "line item lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, invoiceBody(inv, items))
}

type quoteResponse struct {
	ID           string          `json:"id"`
	InvoiceID    string          `json:"invoice_id"`
	ProviderID   string          `json:"provider_id"`
	Terms        int             `json:"terms"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	IssuedAt     time.Time       `json:"issued_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	terms := inv.Terms
	if raw := r.URL.Query().Get("terms"); raw != "" {
		terms, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-terms", "terms must be an integer number of days")
			return
		}
	}
	quote, err := s.deps.Auctions.GetQuote(r.Context(), id, terms)
	if err != nil {
		writeAuctionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		ID:           quote.ID,
		InvoiceID:    quote.InvoiceID,
		ProviderID:   quote.ProviderID,
		Terms:        quote.Terms,
		DiscountRate: quote.DiscountRate,
		TotalCost:    quote.TotalCost,
		IssuedAt:     quote.IssuedAt,
		ExpiresAt:    quote.ExpiresAt,
	})
}

type acceptPayload struct {
	QuoteID      string `json:"quote_id"`
	Signature    string `json:"signature"`
	SettlementID string `json:"settlement_id"`
}

type acceptResponse struct {
	Outcome      string `json:"outcome"`
	SettlementID string `json:"settlement_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var payload acceptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed-body", "request body is not valid JSON")
		return
	}
	outcome := s.deps.Coordinator.Settle(r.Context(), settlement.AcceptRequest{
		InvoiceID:    chi.URLParam(r, "id"),
		QuoteID:      payload.QuoteID,
		Signature:    payload.Signature,
		SettlementID: payload.SettlementID,
		Actor:        Party(r.Context()),
	})
	writeJSON(w, outcomeStatus(outcome), acceptResponse{
		Outcome:      string(outcome.Kind),
		SettlementID: outcome.SettlementID,
		Code:         outcome.Code,
		Detail:       outcome.Detail,
	})
}

type bidPayload struct {
	InvoiceID    string          `json:"invoice_id"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	Capacity     decimal.Decimal `json:"capacity"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

type bidResponse struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	InvoiceID    string          `json:"invoice_id"`
	ProviderID   string          `json:"provider_id"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	Capacity     decimal.Decimal `json:"capacity"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var payload bidPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed-body", "request body is not valid JSON")
		return
	}
	provider := Party(r.Context())
	if err := s.deps.Registry.RequireActive(r.Context(), provider); err != nil {
		writeRegistryError(w, err)
		return
	}
	bid, err := s.deps.Auctions.SubmitBid(r.Context(), auctionBid(provider, payload))
	if err != nil {
		writeAuctionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bidResponse{
		ID:           bid.ID,
		AuctionID:    bid.AuctionID,
		InvoiceID:    bid.InvoiceID,
		ProviderID:   bid.ProviderID,
		DiscountRate: bid.DiscountRate,
		Capacity:     bid.Capacity,
		ExpiresAt:    bid.ExpiresAt,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-window", "since must be RFC 3339")
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-window", "until must be RFC 3339")
		return
	}
	result, err := s.deps.Journal.Reconcile(r.Context(), since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type freezeStatus struct {
	Engaged bool       `json:"engaged"`
	Reason  string     `json:"reason,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Freeze freezeStatus      `json:"freeze"`
	Rails  []railStatusEntry `json:"rails"`
}

type railStatusEntry struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Priority int    `json:"priority"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	engaged, reason, at := s.deps.Freeze.State()
	resp := healthResponse{Status: "ok", Rails: []railStatusEntry{}}
	if engaged {
		resp.Status = "frozen"
		resp.Freeze = freezeStatus{Engaged: true, Reason: reason, At: &at}
	}
	for _, rail := range s.deps.Rails.Statuses(r.Context()) {
		resp.Rails = append(resp.Rails, railStatusEntry{
			Name:     rail.Name,
			Healthy:  rail.Healthy,
			Priority: rail.Priority,
		})
	}
	status := http.StatusOK
	if engaged {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func submitRequest(payload submitInvoicePayload) invoice.SubmitRequest {
	req := invoice.SubmitRequest{
		SupplierID: payload.SupplierID,
		BuyerID:    payload.BuyerID,
		Amount:     payload.Amount,
		Currency:   payload.Currency,
		Terms:      payload.Terms,
	}
	for _, item := range payload.LineItems {
		req.LineItems = append(req.LineItems, invoice.LineItemInput{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return req
}

func auctionBid(provider string, payload bidPayload) auction.BidRequest {
	return auction.BidRequest{
		ProviderID:   provider,
		InvoiceID:    payload.InvoiceID,
		DiscountRate: payload.DiscountRate,
		Capacity:     payload.Capacity,
		ExpiresAt:    payload.ExpiresAt,
	}
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

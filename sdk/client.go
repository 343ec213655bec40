// Package sdk is the Go client for the settlement network API.
package sdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settlenet/native/settlement"
)

// Client wraps the gateway REST endpoints.
type Client struct {
	baseURL    *url.URL
	token      string
	party      string
	httpClient *http.Client
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithToken sets the bearer token presented on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithParty sets the X-Party-ID header for deployments running without
// bearer authentication.
func WithParty(party string) Option {
	return func(c *Client) { c.party = strings.TrimSpace(party) }
}

// New constructs a client pointed at the supplied base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	client := &Client{baseURL: parsed, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	return client, nil
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %d: %s: %s", e.Status, e.Code, e.Message)
}

// LineItem is one invoice line.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// SubmitInvoiceRequest mirrors POST /api/v1/invoices.
type SubmitInvoiceRequest struct {
	SupplierID string          `json:"supplier_id"`
	BuyerID    string          `json:"buyer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Terms      int             `json:"terms"`
	LineItems  []LineItem      `json:"line_items"`
}

// Invoice mirrors the gateway invoice payload.
type Invoice struct {
	ID         string          `json:"id"`
	SupplierID string          `json:"supplier_id"`
	BuyerID    string          `json:"buyer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Terms      int             `json:"terms"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	AcceptedAt *time.Time      `json:"accepted_at,omitempty"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
	LineItems  []LineItem      `json:"line_items,omitempty"`
}

// Quote mirrors GET /api/v1/invoices/{id}/quote.
type Quote struct {
	ID           string          `json:"id"`
	InvoiceID    string          `json:"invoice_id"`
	ProviderID   string          `json:"provider_id"`
	Terms        int             `json:"terms"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	IssuedAt     time.Time       `json:"issued_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Acceptance mirrors POST /api/v1/invoices/{id}/accept.
type Acceptance struct {
	Outcome      string `json:"outcome"`
	SettlementID string `json:"settlement_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Bid mirrors POST /api/v1/bids.
type Bid struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	InvoiceID    string          `json:"invoice_id"`
	ProviderID   string          `json:"provider_id"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	Capacity     decimal.Decimal `json:"capacity"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// SubmitBidRequest mirrors the bid submission body. The provider is taken
// from the authenticated identity.
type SubmitBidRequest struct {
	InvoiceID    string          `json:"invoice_id"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	Capacity     decimal.Decimal `json:"capacity"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// RequestOption tweaks request metadata such as the Idempotency-Key header.
type RequestOption func(*requestOptions)

type requestOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey sets the Idempotency-Key header for the request.
func WithIdempotencyKey(key string) RequestOption {
	return func(opts *requestOptions) {
		opts.idempotencyKey = strings.TrimSpace(key)
	}
}

// SubmitInvoice registers an invoice and opens its capital auction.
func (c *Client) SubmitInvoice(ctx context.Context, req SubmitInvoiceRequest, opts ...RequestOption) (*Invoice, error) {
	var resp Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", req, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInvoice fetches an invoice with its line items.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var resp Invoice
	if err := c.do(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetQuote fetches the live quote for an invoice. terms <= 0 uses the
// invoice's own terms.
func (c *Client) GetQuote(ctx context.Context, invoiceID string, terms int) (*Quote, error) {
	endpoint := "/api/v1/invoices/" + url.PathEscape(invoiceID) + "/quote"
	if terms > 0 {
		endpoint += "?terms=" + strconv.Itoa(terms)
	}
	var resp Quote
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcceptQuote signs the acceptance with the buyer's key and triggers
// settlement.
func (c *Client) AcceptQuote(ctx context.Context, invoiceID, quoteID, buyerID string, key *ecdsa.PrivateKey, opts ...RequestOption) (*Acceptance, error) {
	sig, err := settlement.SignAcceptance(key, invoiceID, quoteID, buyerID)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{"quote_id": quoteID, "signature": sig}
	var resp Acceptance
	endpoint := "/api/v1/invoices/" + url.PathEscape(invoiceID) + "/accept"
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitBid places a capital bid on an open auction.
func (c *Client) SubmitBid(ctx context.Context, req SubmitBidRequest, opts ...RequestOption) (*Bid, error) {
	var resp Bid
	if err := c.do(ctx, http.MethodPost, "/api/v1/bids", req, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any, opts ...RequestOption) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	target, err := c.baseURL.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.party != "" {
		req.Header.Set("X-Party-ID", c.party)
	}
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", ro.idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		// Settlement verdicts carry their code in the acceptance body.
		if out != nil {
			_ = json.Unmarshal(body, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

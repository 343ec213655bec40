package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPRail drives an external settlement rail over its prepare/commit HTTP
// API. A transport error or 5xx on commit is indeterminate: the request may
// have landed, only the rail's status endpoint can say.
type HTTPRail struct {
	name     string
	baseURL  string
	apiToken string
	client   *http.Client
}

// HTTPRailOption customises the adapter.
type HTTPRailOption func(*HTTPRail)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPRailOption {
	return func(r *HTTPRail) { r.client = client }
}

// WithAPIToken sets the bearer token sent on every request.
func WithAPIToken(token string) HTTPRailOption {
	return func(r *HTTPRail) { r.apiToken = token }
}

// NewHTTPRail constructs an adapter over the rail at baseURL.
func NewHTTPRail(name, baseURL string, opts ...HTTPRailOption) *HTTPRail {
	r := &HTTPRail{
		name:    name,
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   2 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Adapter.
func (r *HTTPRail) Name() string { return r.name }

type wireTransfer struct {
	SettlementID  string `json:"settlementId"`
	Leg           string `json:"leg"`
	DebitAccount  string `json:"debitAccount,omitempty"`
	CreditAccount string `json:"creditAccount,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
}

type wireResult struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
	TxID   string `json:"txId,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// Prepare implements Adapter.
func (r *HTTPRail) Prepare(ctx context.Context, transfer Transfer) (PrepareToken, error) {
	body := wireTransfer{
		SettlementID:  transfer.SettlementID,
		Leg:           string(transfer.Leg),
		DebitAccount:  transfer.DebitAccount,
		CreditAccount: transfer.CreditAccount,
		Amount:        transfer.Amount.StringFixed(2),
		Currency:      transfer.Currency,
		Reason:        transfer.Reason,
	}
	var result wireResult
	if err := r.post(ctx, "/prepare", body, &result); err != nil {
		return PrepareToken{}, err
	}
	if result.Status != "prepared" || result.Token == "" {
		return PrepareToken{}, fmt.Errorf("rails: %s refused prepare: %s", r.name, result.Cause)
	}
	return PrepareToken{
		Rail:       r.name,
		Token:      result.Token,
		Transfer:   transfer,
		PreparedAt: time.Now().UTC(),
	}, nil
}

// Commit implements Adapter.
func (r *HTTPRail) Commit(ctx context.Context, token PrepareToken) CommitResult {
	var result wireResult
	err := r.post(ctx, "/commit", map[string]string{"token": token.Token}, &result)
	if err != nil {
		return CommitResult{Kind: Indeterminate, Cause: err.Error()}
	}
	switch result.Status {
	case "committed":
		return CommitResult{Kind: Committed, TxID: result.TxID}
	case "failed":
		return CommitResult{Kind: Failed, Cause: result.Cause}
	default:
		return CommitResult{Kind: Indeterminate, Cause: fmt.Sprintf("rail reported %q", result.Status)}
	}
}

// Rollback implements Adapter.
func (r *HTTPRail) Rollback(ctx context.Context, token PrepareToken) error {
	var result wireResult
	if err := r.post(ctx, "/rollback", map[string]string{"token": token.Token}, &result); err != nil {
		return err
	}
	if result.Status != "rolled-back" {
		return fmt.Errorf("rails: %s refused rollback: %s", r.name, result.Cause)
	}
	return nil
}

// Status implements Adapter.
func (r *HTTPRail) Status(ctx context.Context, token string) (CommitResult, error) {
	endpoint, err := url.JoinPath(r.baseURL, "/status", url.PathEscape(token))
	if err != nil {
		return CommitResult{}, fmt.Errorf("rails: status url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CommitResult{}, err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return CommitResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return CommitResult{}, ErrTokenUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return CommitResult{}, fmt.Errorf("rails: %s status returned %d", r.name, resp.StatusCode)
	}
	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return CommitResult{}, fmt.Errorf("rails: decode status: %w", err)
	}
	switch result.Status {
	case "committed":
		return CommitResult{Kind: Committed, TxID: result.TxID}, nil
	case "failed", "rolled-back":
		return CommitResult{Kind: Failed, Cause: result.Cause}, nil
	default:
		return CommitResult{Kind: Indeterminate, Cause: result.Cause}, nil
	}
}

// Health implements Adapter.
func (r *HTTPRail) Health(ctx context.Context) error {
	endpoint, err := url.JoinPath(r.baseURL, "/healthz")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rails: %s health returned %d", r.name, resp.StatusCode)
	}
	return nil
}

func (r *HTTPRail) post(ctx context.Context, path string, body, out any) error {
	endpoint, err := url.JoinPath(r.baseURL, path)
	if err != nil {
		return fmt.Errorf("rails: url: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rails: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("rails: %s returned %d", r.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rails: decode: %w", err)
	}
	return nil
}

func (r *HTTPRail) authorize(req *http.Request) {
	if r.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiToken)
	}
}

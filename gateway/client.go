// Package gateway wraps the payment provider consumed by the escrow engine.
// Only charge initialization and verification are used; the provider's own
// protocol stays behind the Client interface so the ledger never depends on
// its wire format.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/money"
)

// StatusSuccess is the only verify status that results in a ledger entry.
const StatusSuccess = "success"

var ErrGatewayUnavailable = errors.New("gateway: provider request failed")

// InitializeRequest starts a charge for a payer.
type InitializeRequest struct {
	Amount   decimal.Decimal
	Currency string
	Email    string
	Metadata map[string]string
}

// InitializeResult carries the provider reference and the redirect URL the
// payer completes the charge on.
type InitializeResult struct {
	Reference   string
	RedirectURL string
}

// VerifyResult is the provider's authoritative view of a charge.
type VerifyResult struct {
	Status   string
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
}

// Client is the collaborator surface the engines consume.
type Client interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error)
	Verify(ctx context.Context, reference string) (VerifyResult, error)
}

// HTTPClient talks JSON to the provider using a bearer secret. Amounts go
// over the wire in minor units.
type HTTPClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewHTTPClient(baseURL, secret string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type initializePayload struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Reference        string `json:"reference"`
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
}

func (c *HTTPClient) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	subunits := req.Amount.Shift(money.Scale(req.Currency)).IntPart()
	payload := initializePayload{
		Amount:   subunits,
		Currency: req.Currency,
		Email:    req.Email,
		Metadata: req.Metadata,
	}

	var resp initializeResponse
	if err := c.post(ctx, "/transaction/initialize", payload, &resp); err != nil {
		return InitializeResult{}, err
	}
	if !resp.Status || resp.Data.Reference == "" {
		return InitializeResult{}, fmt.Errorf("gateway: initialize rejected")
	}

	return InitializeResult{
		Reference:   resp.Data.Reference,
		RedirectURL: resp.Data.AuthorizationURL,
	}, nil
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Status   string            `json:"status"`
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
}

func (c *HTTPClient) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	if reference == "" {
		return VerifyResult{}, fmt.Errorf("gateway: empty reference")
	}

	var resp verifyResponse
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := c.get(ctx, path, &resp); err != nil {
		return VerifyResult{}, err
	}
	if !resp.Status {
		return VerifyResult{}, fmt.Errorf("gateway: verify rejected for %s", reference)
	}

	return VerifyResult{
		Status:   resp.Data.Status,
		Amount:   money.FromSubunits(resp.Data.Amount, resp.Data.Currency),
		Currency: resp.Data.Currency,
		Metadata: resp.Data.Metadata,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(buf)))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"escrowflow/gateway"
)

var (
	// ErrInvalidSignature is returned before any ledger access when the
	// webhook body does not match its signature.
	ErrInvalidSignature = errors.New("escrow: invalid webhook signature")
)

// EventChargeSuccess is the only webhook type that produces a ledger entry.
const EventChargeSuccess = "charge.success"

// WebhookEvent is the signed payload delivered by the payment gateway.
// Delivery is at-least-once; the gateway reference makes replays harmless.
type WebhookEvent struct {
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	Reference string            `json:"reference"`
	Amount    int64             `json:"amount"`
	Metadata  map[string]string `json:"metadata"`
}

// WebhookHandler turns gateway charge confirmations into deposits. The
// gateway round-trips (initialize, verify) happen outside any transaction so
// no row lock is ever held across network I/O.
type WebhookHandler struct {
	svc    *Service
	gw     gateway.Client
	secret []byte
}

func NewWebhookHandler(svc *Service, gw gateway.Client, secret []byte) *WebhookHandler {
	return &WebhookHandler{svc: svc, gw: gw, secret: secret}
}

// ChargeParams starts a charge for a payer funding a project.
type ChargeParams struct {
	ProjectID string
	PayerID   string
	Email     string
	Amount    decimal.Decimal
	Currency  string
}

// StartCharge initializes a gateway charge carrying the project and payer in
// its metadata. No ledger entry exists until the charge is confirmed.
func (h *WebhookHandler) StartCharge(ctx context.Context, params ChargeParams) (gateway.InitializeResult, error) {
	if params.ProjectID == "" || params.PayerID == "" {
		return gateway.InitializeResult{}, fmt.Errorf("escrow: charge missing project or payer id")
	}
	return h.gw.Initialize(ctx, gateway.InitializeRequest{
		Amount:   params.Amount,
		Currency: params.Currency,
		Email:    params.Email,
		Metadata: map[string]string{
			"project_id": params.ProjectID,
			"payer_id":   params.PayerID,
		},
	})
}

// HandleEvent processes one webhook delivery. The signature is checked over
// the raw body before anything else; the charge is then re-verified with the
// gateway, and only a successful verification writes a deposit. Replays of an
// already-recorded reference are a no-op.
func (h *WebhookHandler) HandleEvent(ctx context.Context, signature string, body []byte) error {
	if !gateway.ValidSignature(h.secret, body, signature) {
		return ErrInvalidSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("escrow: decode webhook: %w", err)
	}
	if event.Type != EventChargeSuccess {
		return nil
	}
	if event.Data.Reference == "" {
		return fmt.Errorf("escrow: webhook missing reference")
	}

	// Authoritative amount and metadata come from verify, not the webhook.
	verified, err := h.gw.Verify(ctx, event.Data.Reference)
	if err != nil {
		return fmt.Errorf("escrow: verify charge: %w", err)
	}
	if verified.Status != gateway.StatusSuccess {
		return nil
	}

	projectID := verified.Metadata["project_id"]
	payerID := verified.Metadata["payer_id"]
	if projectID == "" || payerID == "" {
		return fmt.Errorf("escrow: charge %s missing project or payer metadata", event.Data.Reference)
	}

	_, err = h.svc.Deposit(ctx, DepositParams{
		ProjectID:        projectID,
		PayerID:          payerID,
		Amount:           verified.Amount,
		Currency:         verified.Currency,
		GatewayReference: event.Data.Reference,
	})
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

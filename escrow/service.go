package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/money"
)

var (
	// ErrInsufficientFunds signals a release or refund larger than the
	// available balance at the instant it was authorized.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrInvalidPercentage signals a percentage outside [0,100].
	ErrInvalidPercentage = errors.New("escrow: percentage outside [0,100]")
	// ErrMilestoneNotReady signals a release against an unverified milestone.
	ErrMilestoneNotReady = errors.New("escrow: milestone not verified")
	// ErrAllowanceExceeded signals a milestone claim beyond the deposit's
	// remaining cumulative release allowance.
	ErrAllowanceExceeded = errors.New("escrow: release allowance exhausted")
	// ErrReasonRequired signals a refund or dispute submitted without a reason.
	ErrReasonRequired = errors.New("escrow: reason required")
	// ErrEntryNotReleasable signals the entry is not a completed deposit.
	ErrEntryNotReleasable = errors.New("escrow: entry is not a completed deposit")
	// ErrDisputeState signals an invalid dispute transition.
	ErrDisputeState = errors.New("escrow: invalid dispute state")
	// ErrCurrencyMismatch signals a deposit in a currency other than the
	// project's. A project's ledger is single-currency; summing entries
	// across currencies would be meaningless.
	ErrCurrencyMismatch = errors.New("escrow: deposit currency does not match project currency")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the ledger access required by the engine.
type Store interface {
	LockProject(ctx context.Context, tx pgx.Tx, projectID string) (string, error)
	AvailableBalance(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error)
	GetEntryForUpdate(ctx context.Context, tx pgx.Tx, entryID string) (Entry, error)
	GetEntry(ctx context.Context, entryID string) (Entry, error)
	AddReleasedPercentage(ctx context.Context, tx pgx.Tx, entryID string, claim decimal.Decimal) error
	MarkDisputed(ctx context.Context, tx pgx.Tx, entryID, reason string) error
	ResolveDispute(ctx context.Context, tx pgx.Tx, entryID string, resolution DisputeStatus, resolverID, notes string) error
	ListCompletedDeposits(ctx context.Context, projectID string) ([]Entry, error)
	Summary(ctx context.Context, projectID string) (Summary, error)
}

// Service is the escrow engine. Every mutation runs in a transaction holding
// a row lock on the entry and its project, so the balance check and the write
// are atomic.
type Service struct {
	pool TxBeginner
	repo Store
}

func NewService(pool TxBeginner, repo Store) *Service {
	return &Service{pool: pool, repo: repo}
}

// DepositParams records a gateway-confirmed charge into the ledger.
type DepositParams struct {
	ProjectID        string
	PayerID          string
	Amount           decimal.Decimal
	Currency         string
	GatewayReference string
}

// Deposit creates a completed deposit entry, increasing the available
// balance. Repeated delivery of the same gateway reference returns
// ErrDuplicateReference with no ledger effect.
func (s *Service) Deposit(ctx context.Context, params DepositParams) (Entry, error) {
	if params.ProjectID == "" || params.PayerID == "" {
		return Entry{}, fmt.Errorf("escrow: deposit missing project or payer id")
	}
	if params.GatewayReference == "" {
		return Entry{}, fmt.Errorf("escrow: deposit missing gateway reference")
	}
	if params.Currency == "" {
		return Entry{}, fmt.Errorf("escrow: deposit missing currency")
	}
	if err := money.ValidateAmount(params.Amount); err != nil {
		return Entry{}, err
	}
	if params.Amount.IsZero() {
		return Entry{}, fmt.Errorf("escrow: deposit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	projectCurrency, err := s.repo.LockProject(ctx, tx, params.ProjectID)
	if err != nil {
		return Entry{}, err
	}
	if params.Currency != projectCurrency {
		return Entry{}, fmt.Errorf("%w: %s into a %s ledger", ErrCurrencyMismatch, params.Currency, projectCurrency)
	}

	ref := params.GatewayReference
	entry, err := s.repo.InsertEntry(ctx, tx, Entry{
		ProjectID:        params.ProjectID,
		CounterpartyID:   params.PayerID,
		Type:             TypeDeposit,
		Amount:           money.Quantize(params.Amount, params.Currency),
		Currency:         params.Currency,
		Status:           StatusCompleted,
		DisputeStatus:    DisputeNone,
		GatewayReference: &ref,
	})
	if err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit deposit: %w", err)
	}
	return entry, nil
}

// ReleaseParams describes a full or percentage release of a deposit.
type ReleaseParams struct {
	EntryID    string
	Percentage *decimal.Decimal
	Milestone  *MilestoneClaim
}

// Release pays out escrowed funds from a deposit. With a percentage the
// amount is the deposit amount scaled and quantized at the currency scale;
// with a milestone claim the deposit's cumulative allowance is consumed in
// the same transaction.
func (s *Service) Release(ctx context.Context, params ReleaseParams) (Entry, error) {
	if params.EntryID == "" {
		return Entry{}, fmt.Errorf("escrow: release missing entry id")
	}
	if params.Percentage != nil {
		if err := money.ValidatePercent(*params.Percentage); err != nil {
			return Entry{}, ErrInvalidPercentage
		}
	}
	if params.Milestone != nil {
		if !params.Milestone.Verified {
			return Entry{}, ErrMilestoneNotReady
		}
		if params.Percentage == nil {
			return Entry{}, fmt.Errorf("escrow: milestone release requires a percentage")
		}
	}

	entryType := TypeRelease
	var milestoneID *string
	if params.Milestone != nil {
		entryType = TypeMilestoneRelease
		milestoneID = &params.Milestone.ID
	}

	return s.payOut(ctx, payOutParams{
		entryID:     params.EntryID,
		percentage:  params.Percentage,
		entryType:   entryType,
		milestoneID: milestoneID,
	})
}

// RefundParams describes a full or partial refund back to the depositor.
type RefundParams struct {
	EntryID    string
	Reason     string
	Percentage *decimal.Decimal
}

// Refund returns escrowed funds to the depositor. The reason is mandatory.
func (s *Service) Refund(ctx context.Context, params RefundParams) (Entry, error) {
	if params.EntryID == "" {
		return Entry{}, fmt.Errorf("escrow: refund missing entry id")
	}
	if params.Reason == "" {
		return Entry{}, ErrReasonRequired
	}
	if params.Percentage != nil {
		if err := money.ValidatePercent(*params.Percentage); err != nil {
			return Entry{}, ErrInvalidPercentage
		}
	}

	entryType := TypeRefund
	if params.Percentage != nil && params.Percentage.LessThan(decimal.NewFromInt(100)) {
		entryType = TypePartialRefund
	}

	reason := params.Reason
	return s.payOut(ctx, payOutParams{
		entryID:      params.EntryID,
		percentage:   params.Percentage,
		entryType:    entryType,
		refundReason: &reason,
	})
}

type payOutParams struct {
	entryID      string
	percentage   *decimal.Decimal
	entryType    EntryType
	milestoneID  *string
	refundReason *string
}

// payOut is the shared read-validate-write path for releases and refunds.
func (s *Service) payOut(ctx context.Context, params payOutParams) (Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deposit, err := s.repo.GetEntryForUpdate(ctx, tx, params.entryID)
	if err != nil {
		return Entry{}, err
	}
	if deposit.Type != TypeDeposit || deposit.Status != StatusCompleted {
		return Entry{}, ErrEntryNotReleasable
	}

	if _, err := s.repo.LockProject(ctx, tx, deposit.ProjectID); err != nil {
		return Entry{}, err
	}

	amount := deposit.Amount
	if params.percentage != nil {
		amount = money.Quantize(
			deposit.Amount.Mul(*params.percentage).Div(decimal.NewFromInt(100)),
			deposit.Currency,
		)
	}

	if params.milestoneID != nil {
		remaining := decimal.NewFromInt(100).Sub(deposit.ReleasedPercentage)
		if params.percentage.GreaterThan(remaining) {
			return Entry{}, ErrAllowanceExceeded
		}
	}

	available, err := s.repo.AvailableBalance(ctx, tx, deposit.ProjectID)
	if err != nil {
		return Entry{}, err
	}
	if amount.GreaterThan(available) {
		return Entry{}, ErrInsufficientFunds
	}

	entry, err := s.repo.InsertEntry(ctx, tx, Entry{
		ProjectID:         deposit.ProjectID,
		CounterpartyID:    deposit.CounterpartyID,
		Type:              params.entryType,
		Amount:            amount,
		Currency:          deposit.Currency,
		Status:            StatusCompleted,
		DisputeStatus:     DisputeNone,
		MilestoneID:       params.milestoneID,
		ReleasePercentage: params.percentage,
		ParentEntryID:     &deposit.ID,
		RefundReason:      params.refundReason,
	})
	if err != nil {
		return Entry{}, err
	}

	if params.milestoneID != nil {
		if err := s.repo.AddReleasedPercentage(ctx, tx, deposit.ID, *params.percentage); err != nil {
			return Entry{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit payout: %w", err)
	}
	return entry, nil
}

// InitiateDispute freezes a completed deposit pending resolution. The frozen
// amount drops out of the available balance immediately.
func (s *Service) InitiateDispute(ctx context.Context, entryID, reason string) (Entry, error) {
	if entryID == "" {
		return Entry{}, fmt.Errorf("escrow: dispute missing entry id")
	}
	if reason == "" {
		return Entry{}, ErrReasonRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.repo.GetEntryForUpdate(ctx, tx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Type != TypeDeposit || entry.Status != StatusCompleted || entry.DisputeStatus != DisputeNone {
		return Entry{}, ErrDisputeState
	}

	if _, err := s.repo.LockProject(ctx, tx, entry.ProjectID); err != nil {
		return Entry{}, err
	}

	// Freezing a deposit that already funded releases would drive the
	// available balance negative; the invariant wins over the dispute.
	available, err := s.repo.AvailableBalance(ctx, tx, entry.ProjectID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Amount.GreaterThan(available) {
		return Entry{}, ErrInsufficientFunds
	}

	if err := s.repo.MarkDisputed(ctx, tx, entryID, reason); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}

	entry.Status = StatusDisputed
	entry.DisputeStatus = DisputePending
	entry.DisputeReason = &reason
	return entry, nil
}

// ResolveDisputeParams settles a pending dispute one way or the other.
type ResolveDisputeParams struct {
	EntryID    string
	ResolverID string
	Resolution DisputeStatus
	Notes      string
}

// ResolveDispute restores the entry to completed and, when resolved in the
// payer's favor, writes the refund entry in the same transaction so the
// conservation invariant holds at commit.
func (s *Service) ResolveDispute(ctx context.Context, params ResolveDisputeParams) (Entry, error) {
	if params.EntryID == "" || params.ResolverID == "" {
		return Entry{}, fmt.Errorf("escrow: resolve dispute missing entry or resolver id")
	}
	if params.Resolution != DisputeResolvedRelease && params.Resolution != DisputeResolvedRefund {
		return Entry{}, ErrDisputeState
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.repo.GetEntryForUpdate(ctx, tx, params.EntryID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status != StatusDisputed || entry.DisputeStatus != DisputePending {
		return Entry{}, ErrDisputeState
	}

	if _, err := s.repo.LockProject(ctx, tx, entry.ProjectID); err != nil {
		return Entry{}, err
	}
	if err := s.repo.ResolveDispute(ctx, tx, params.EntryID, params.Resolution, params.ResolverID, params.Notes); err != nil {
		return Entry{}, err
	}

	if params.Resolution == DisputeResolvedRefund {
		reason := "dispute resolved in depositor's favor"
		if entry.DisputeReason != nil {
			reason = *entry.DisputeReason
		}
		if _, err := s.repo.InsertEntry(ctx, tx, Entry{
			ProjectID:      entry.ProjectID,
			CounterpartyID: entry.CounterpartyID,
			Type:           TypeRefund,
			Amount:         entry.Amount,
			Currency:       entry.Currency,
			Status:         StatusCompleted,
			DisputeStatus:  DisputeNone,
			ParentEntryID:  &entry.ID,
			RefundReason:   &reason,
		}); err != nil {
			return Entry{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit resolution: %w", err)
	}

	entry.Status = StatusCompleted
	entry.DisputeStatus = params.Resolution
	return entry, nil
}

// GetSummary aggregates the project ledger without side effects.
func (s *Service) GetSummary(ctx context.Context, projectID string) (Summary, error) {
	if projectID == "" {
		return Summary{}, fmt.Errorf("escrow: summary missing project id")
	}
	return s.repo.Summary(ctx, projectID)
}

// GetEntry fetches a single ledger entry.
func (s *Service) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	return s.repo.GetEntry(ctx, entryID)
}

// ListCompletedDeposits lists the deposits eligible for milestone release.
func (s *Service) ListCompletedDeposits(ctx context.Context, projectID string) ([]Entry, error) {
	return s.repo.ListCompletedDeposits(ctx, projectID)
}

package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/money"
)

var (
	// ErrNotReady signals a batch release against an unverified milestone.
	ErrNotReady = errors.New("milestone: not verified")
	// ErrInvalidTransition signals a move the state machine does not allow.
	ErrInvalidTransition = errors.New("milestone: invalid status transition")
	// ErrPercentageBudget signals the project's milestone percentages would
	// exceed 100 in total.
	ErrPercentageBudget = errors.New("milestone: project release budget exceeded")
	// ErrInvalidProgress signals a progress value outside [0,100].
	ErrInvalidProgress = errors.New("milestone: progress outside [0,100]")
)

// transitions is the full state machine. UpdateProgress is not a transition;
// it only applies while in progress.
var transitions = map[Status][]Status{
	StatusPending:               {StatusInProgress},
	StatusInProgress:            {StatusVerificationRequested},
	StatusVerificationRequested: {StatusVerified, StatusDelayed},
	StatusDelayed:               {StatusInProgress},
	StatusVerified:              {},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the milestone data access required by the gate.
type Store interface {
	LockProject(ctx context.Context, tx pgx.Tx, projectID string) error
	SumTargetPercentage(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error)
	Insert(ctx context.Context, tx pgx.Tx, m Milestone) (Milestone, error)
	GetByID(ctx context.Context, id string) (Milestone, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id string, status Status, progress int) (Milestone, error)
	ListByProject(ctx context.Context, projectID string) ([]Milestone, error)
}

// Releaser is the slice of the escrow engine the gate consumes.
type Releaser interface {
	Release(ctx context.Context, params escrow.ReleaseParams) (escrow.Entry, error)
	ListCompletedDeposits(ctx context.Context, projectID string) ([]escrow.Entry, error)
}

// Service is the milestone gate: it owns the verification state machine and
// drives percentage-based escrow releases once a milestone is verified.
type Service struct {
	pool     TxBeginner
	repo     Store
	releaser Releaser
}

func NewService(pool TxBeginner, repo Store, releaser Releaser) *Service {
	return &Service{pool: pool, repo: repo, releaser: releaser}
}

// CreateParams describes a new deliverable gating a percentage release.
type CreateParams struct {
	ProjectID               string
	Title                   string
	TargetReleasePercentage decimal.Decimal
}

// Create persists a milestone, enforcing that the project's milestones never
// pledge more than 100% in total. The check runs under the project lock.
func (s *Service) Create(ctx context.Context, params CreateParams) (Milestone, error) {
	if params.ProjectID == "" {
		return Milestone{}, fmt.Errorf("milestone: missing project id")
	}
	if params.Title == "" {
		return Milestone{}, fmt.Errorf("milestone: missing title")
	}
	if err := money.ValidatePercent(params.TargetReleasePercentage); err != nil || params.TargetReleasePercentage.IsZero() {
		return Milestone{}, fmt.Errorf("milestone: target percentage must be in (0,100]")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockProject(ctx, tx, params.ProjectID); err != nil {
		return Milestone{}, err
	}

	pledged, err := s.repo.SumTargetPercentage(ctx, tx, params.ProjectID)
	if err != nil {
		return Milestone{}, err
	}
	if pledged.Add(params.TargetReleasePercentage).GreaterThan(decimal.NewFromInt(100)) {
		return Milestone{}, ErrPercentageBudget
	}

	created, err := s.repo.Insert(ctx, tx, Milestone{
		ProjectID:               params.ProjectID,
		Title:                   params.Title,
		TargetReleasePercentage: money.QuantizePercent(params.TargetReleasePercentage),
		Status:                  StatusPending,
	})
	if err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit create: %w", err)
	}
	return created, nil
}

// Start moves a pending milestone into progress.
func (s *Service) Start(ctx context.Context, id string) (Milestone, error) {
	return s.transition(ctx, id, StatusInProgress, nil)
}

// UpdateProgress records completion progress on an in-progress milestone.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) (Milestone, error) {
	if progress < 0 || progress > 100 {
		return Milestone{}, ErrInvalidProgress
	}
	return s.transition(ctx, id, StatusInProgress, &progress)
}

// RequestVerification submits the deliverable for review.
func (s *Service) RequestVerification(ctx context.Context, id string) (Milestone, error) {
	return s.transition(ctx, id, StatusVerificationRequested, nil)
}

// Verify marks the deliverable as accepted. Terminal.
func (s *Service) Verify(ctx context.Context, id string) (Milestone, error) {
	return s.transition(ctx, id, StatusVerified, nil)
}

// MarkDelayed rejects the verification request pending rework.
func (s *Service) MarkDelayed(ctx context.Context, id string) (Milestone, error) {
	return s.transition(ctx, id, StatusDelayed, nil)
}

// Resubmit returns a delayed milestone to progress for another attempt.
func (s *Service) Resubmit(ctx context.Context, id string) (Milestone, error) {
	return s.transition(ctx, id, StatusInProgress, nil)
}

func (s *Service) transition(ctx context.Context, id string, next Status, progress *int) (Milestone, error) {
	if id == "" {
		return Milestone{}, fmt.Errorf("milestone: missing id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Milestone{}, err
	}

	if progress != nil {
		// Progress updates stay within the in-progress state.
		if m.Status != StatusInProgress {
			return Milestone{}, ErrInvalidTransition
		}
	} else if !canTransition(m.Status, next) {
		return Milestone{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}

	newProgress := m.Progress
	if progress != nil {
		newProgress = *progress
	}

	updated, err := s.repo.UpdateState(ctx, tx, id, next, newProgress)
	if err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit transition: %w", err)
	}
	return updated, nil
}

// GetByID fetches a milestone.
func (s *Service) GetByID(ctx context.Context, id string) (Milestone, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByProject lists a project's milestones.
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]Milestone, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// BatchRelease claims the milestone's percentage from every completed deposit
// of the project. Each deposit's claim is capped at its remaining allowance so
// overlapping milestones never double-count, and each release runs in its own
// transaction: one deposit's failure does not abort the batch.
func (s *Service) BatchRelease(ctx context.Context, milestoneID string) (BatchResult, error) {
	m, err := s.repo.GetByID(ctx, milestoneID)
	if err != nil {
		return BatchResult{}, err
	}
	if m.Status != StatusVerified {
		return BatchResult{}, ErrNotReady
	}

	deposits, err := s.releaser.ListCompletedDeposits(ctx, m.ProjectID)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{TotalReleased: decimal.Zero}
	hundred := decimal.NewFromInt(100)
	for _, deposit := range deposits {
		remaining := hundred.Sub(deposit.ReleasedPercentage)
		claim := decimal.Min(remaining, m.TargetReleasePercentage)
		if !claim.IsPositive() {
			result.FailedCount++
			result.Failures = append(result.Failures, BatchFailure{
				DepositID: deposit.ID,
				Err:       escrow.ErrAllowanceExceeded,
			})
			continue
		}

		entry, err := s.releaser.Release(ctx, escrow.ReleaseParams{
			EntryID:    deposit.ID,
			Percentage: &claim,
			Milestone:  &escrow.MilestoneClaim{ID: m.ID, Verified: true},
		})
		if err != nil {
			result.FailedCount++
			result.Failures = append(result.Failures, BatchFailure{DepositID: deposit.ID, Err: err})
			continue
		}

		result.SuccessCount++
		result.TotalReleased = result.TotalReleased.Add(entry.Amount)
	}

	return result, nil
}

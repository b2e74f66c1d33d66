package distribution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/money"
)

var (
	// ErrOwnershipExceeded means granting the stake would push the project
	// past 100 percent owned.
	ErrOwnershipExceeded = errors.New("distribution: total ownership would exceed 100 percent")
	// ErrNoShareholders means the project has no stakes to split revenue over.
	ErrNoShareholders = errors.New("distribution: project has no shareholders")
	// ErrIntegrity means the completed payouts do not sum to the event
	// amount. The transaction carrying them must not commit.
	ErrIntegrity = errors.New("distribution: payout sum does not match event amount")
	// ErrInvalidRetryState means retry was requested for a row that is not
	// in the failed state.
	ErrInvalidRetryState = errors.New("distribution: only failed distributions can be retried")
	// ErrInvalidPeriod means the revenue period is empty or inverted.
	ErrInvalidPeriod = errors.New("distribution: period start must precede period end")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the persistence required by the engine.
type Store interface {
	LockProject(ctx context.Context, tx pgx.Tx, projectID string) error
	SumOwnershipExcept(ctx context.Context, tx pgx.Tx, projectID, holderID string) (decimal.Decimal, error)
	UpsertOwnership(ctx context.Context, tx pgx.Tx, o ShareOwnership) (ShareOwnership, error)
	ListOwnerships(ctx context.Context, projectID string) ([]ShareOwnership, error)
	InsertRevenueEvent(ctx context.Context, ev RevenueEvent) (RevenueEvent, error)
	GetRevenueEventForUpdate(ctx context.Context, tx pgx.Tx, id string) (RevenueEvent, error)
	MarkDistributed(ctx context.Context, tx pgx.Tx, id string) error
	ListDueEvents(ctx context.Context, now time.Time) ([]RevenueEvent, error)
	InsertDistribution(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error)
	InsertFailureRecord(ctx context.Context, d Distribution) error
	UpdateDistributionStatus(ctx context.Context, tx pgx.Tx, id string, status Status, errMsg *string) error
	GetDistribution(ctx context.Context, id string) (Distribution, error)
	GetDistributionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Distribution, error)
	ListCompletedForEvent(ctx context.Context, tx pgx.Tx, eventID string) ([]Distribution, error)
	ListForEvent(ctx context.Context, eventID string) ([]Distribution, error)
}

// PayoutSender moves money to a recipient. An error aborts the distribution
// transaction the payout belongs to.
type PayoutSender interface {
	Send(ctx context.Context, p Payout) error
}

// WalletSender credits recipients on an internal wallet ledger. It is the
// default sender; external transfer rails plug in behind PayoutSender.
type WalletSender struct{}

func NewWalletSender() *WalletSender {
	return &WalletSender{}
}

func (w *WalletSender) Send(_ context.Context, p Payout) error {
	log.Printf("wallet credit: distribution=%s recipient=%s amount=%s %s",
		p.DistributionID, p.RecipientID, p.Amount, p.Currency)
	return nil
}

// Service implements share ownership and proportional revenue distribution.
type Service struct {
	pool   TxBeginner
	repo   Store
	sender PayoutSender
}

func NewService(pool TxBeginner, repo Store, sender PayoutSender) *Service {
	return &Service{pool: pool, repo: repo, sender: sender}
}

// GrantShare sets a holder's stake in a project. Regranting replaces the
// previous stake. The project's stakes may never total more than 100.
func (s *Service) GrantShare(ctx context.Context, projectID, holderID string, percentage decimal.Decimal) (ShareOwnership, error) {
	if err := money.ValidatePercent(percentage); err != nil {
		return ShareOwnership{}, err
	}
	percentage = money.QuantizePercent(percentage)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ShareOwnership{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockProject(ctx, tx, projectID); err != nil {
		return ShareOwnership{}, err
	}

	others, err := s.repo.SumOwnershipExcept(ctx, tx, projectID, holderID)
	if err != nil {
		return ShareOwnership{}, err
	}
	if others.Add(percentage).GreaterThan(decimal.NewFromInt(100)) {
		return ShareOwnership{}, ErrOwnershipExceeded
	}

	out, err := s.repo.UpsertOwnership(ctx, tx, ShareOwnership{
		ProjectID:       projectID,
		HolderID:        holderID,
		PercentageOwned: percentage,
	})
	if err != nil {
		return ShareOwnership{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ShareOwnership{}, fmt.Errorf("distribution: commit tx: %w", err)
	}
	return out, nil
}

// ListShares returns a project's stakes.
func (s *Service) ListShares(ctx context.Context, projectID string) ([]ShareOwnership, error) {
	return s.repo.ListOwnerships(ctx, projectID)
}

// RecordRevenueParams describes incoming revenue for a reporting period.
type RecordRevenueParams struct {
	ProjectID    string
	Amount       decimal.Decimal
	Currency     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	ExchangeRate decimal.Decimal
}

// RecordRevenue stores revenue to be distributed once its period has elapsed.
func (s *Service) RecordRevenue(ctx context.Context, p RecordRevenueParams) (RevenueEvent, error) {
	if err := money.ValidateAmount(p.Amount); err != nil {
		return RevenueEvent{}, err
	}
	if !p.Amount.IsPositive() {
		return RevenueEvent{}, fmt.Errorf("distribution: revenue amount must be positive")
	}
	if !p.PeriodStart.Before(p.PeriodEnd) {
		return RevenueEvent{}, ErrInvalidPeriod
	}

	rate := p.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}

	return s.repo.InsertRevenueEvent(ctx, RevenueEvent{
		ProjectID:    p.ProjectID,
		Amount:       money.Quantize(p.Amount, p.Currency),
		Currency:     p.Currency,
		PeriodStart:  p.PeriodStart,
		PeriodEnd:    p.PeriodEnd,
		ExchangeRate: rate,
	})
}

// CalculateShareDistribution splits an amount across the owned stakes.
//
// Stakes need not total 100: shares are normalized against the owned total,
// so a lone 60 percent holder receives the full amount at 100 percent. Each
// cut is the exact proportional amount rounded down at the currency scale;
// the final holder in stable holder-id order absorbs the residue. Rounding
// down keeps every cut within the amount, so the residue is never negative
// and the sum is exactly the input amount.
func (s *Service) CalculateShareDistribution(ctx context.Context, projectID string, amount decimal.Decimal, currency string) ([]Share, error) {
	ownerships, err := s.repo.ListOwnerships(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return splitShares(ownerships, amount, currency)
}

func splitShares(ownerships []ShareOwnership, amount decimal.Decimal, currency string) ([]Share, error) {
	total := decimal.Zero
	for _, o := range ownerships {
		total = total.Add(o.PercentageOwned)
	}
	if len(ownerships) == 0 || !total.IsPositive() {
		return nil, ErrNoShareholders
	}

	sorted := make([]ShareOwnership, len(ownerships))
	copy(sorted, ownerships)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HolderID < sorted[j].HolderID })

	hundred := decimal.NewFromInt(100)
	shares := make([]Share, 0, len(sorted))
	allocated := decimal.Zero
	for i, o := range sorted {
		fraction := o.PercentageOwned.Div(total)
		pct := money.QuantizePercent(fraction.Mul(hundred))

		var cut decimal.Decimal
		if i == len(sorted)-1 {
			cut = amount.Sub(allocated)
		} else {
			cut = money.QuantizeFloor(fraction.Mul(amount), currency)
		}
		allocated = allocated.Add(cut)

		shares = append(shares, Share{
			RecipientID:     o.HolderID,
			Amount:          cut,
			SharePercentage: pct,
		})
	}
	return shares, nil
}

// ProcessDistribution pays out one revenue event to every shareholder.
//
// The event row lock plus the is_distributed flag make processing
// exactly-once under concurrent callers. All recipient rows and the flag
// flip commit atomically; any payout failure rolls the whole attempt back
// and leaves a single diagnostic failed row outside the rolled-back scope.
// A retried event skips recipients whose rows already completed.
func (s *Service) ProcessDistribution(ctx context.Context, eventID string) ([]Distribution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := s.repo.GetRevenueEventForUpdate(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.IsDistributed {
		return nil, ErrAlreadyDistributed
	}

	ownerships, err := s.repo.ListOwnerships(ctx, ev.ProjectID)
	if err != nil {
		return nil, err
	}
	shares, err := splitShares(ownerships, ev.Amount, ev.Currency)
	if err != nil {
		return nil, err
	}

	prior, err := s.repo.ListCompletedForEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]Distribution, len(prior))
	for _, d := range prior {
		done[d.RecipientID] = d
	}

	out := make([]Distribution, 0, len(shares))
	for _, share := range shares {
		if d, ok := done[share.RecipientID]; ok {
			out = append(out, d)
			continue
		}

		row, err := s.repo.InsertDistribution(ctx, tx, Distribution{
			RevenueEventID:  eventID,
			RecipientID:     share.RecipientID,
			Amount:          share.Amount,
			SharePercentage: share.SharePercentage,
			Status:          StatusProcessing,
		})
		if err != nil {
			return nil, err
		}

		err = s.sender.Send(ctx, Payout{
			DistributionID: row.ID,
			RevenueEventID: eventID,
			RecipientID:    share.RecipientID,
			Amount:         share.Amount,
			Currency:       ev.Currency,
		})
		if err != nil {
			// Roll back every row from this attempt before writing
			// the diagnostic record, or it would vanish with them.
			_ = tx.Rollback(ctx)
			s.recordFailure(ctx, eventID, share, err)
			return nil, fmt.Errorf("distribution: payout to %s: %w", share.RecipientID, err)
		}

		if err := s.repo.UpdateDistributionStatus(ctx, tx, row.ID, StatusCompleted, nil); err != nil {
			return nil, err
		}
		row.Status = StatusCompleted
		out = append(out, row)
	}

	completed, err := s.repo.ListCompletedForEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	sum := decimal.Zero
	for _, d := range completed {
		sum = sum.Add(d.Amount)
	}
	if !sum.Equal(ev.Amount) {
		return nil, fmt.Errorf("%w: paid %s of %s", ErrIntegrity, sum, ev.Amount)
	}

	if err := s.repo.MarkDistributed(ctx, tx, eventID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("distribution: commit tx: %w", err)
	}
	return out, nil
}

func (s *Service) recordFailure(ctx context.Context, eventID string, share Share, cause error) {
	msg := cause.Error()
	err := s.repo.InsertFailureRecord(ctx, Distribution{
		RevenueEventID:  eventID,
		RecipientID:     share.RecipientID,
		Amount:          share.Amount,
		SharePercentage: share.SharePercentage,
		Status:          StatusFailed,
		ErrorMessage:    &msg,
	})
	if err != nil {
		log.Printf("distribution: failure record for event %s recipient %s not persisted: %v",
			eventID, share.RecipientID, err)
	}
}

// RetryFailedDistribution re-sends the payout for a single failed row. It
// does not flip the event flag; rerun ProcessDistribution for that.
//
// The event row lock is taken before the distribution row lock, the same
// order ProcessDistribution uses, so a retry and a reprocess of the same
// event serialize instead of racing each other into a double payout.
func (s *Service) RetryFailedDistribution(ctx context.Context, distributionID string) (Distribution, error) {
	peek, err := s.repo.GetDistribution(ctx, distributionID)
	if err != nil {
		return Distribution{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := s.repo.GetRevenueEventForUpdate(ctx, tx, peek.RevenueEventID)
	if err != nil {
		return Distribution{}, err
	}
	if ev.IsDistributed {
		return Distribution{}, ErrAlreadyDistributed
	}

	row, err := s.repo.GetDistributionForUpdate(ctx, tx, distributionID)
	if err != nil {
		return Distribution{}, err
	}
	if row.Status != StatusFailed {
		return Distribution{}, ErrInvalidRetryState
	}

	err = s.sender.Send(ctx, Payout{
		DistributionID: row.ID,
		RevenueEventID: row.RevenueEventID,
		RecipientID:    row.RecipientID,
		Amount:         row.Amount,
		Currency:       ev.Currency,
	})
	if err != nil {
		msg := err.Error()
		if uerr := s.repo.UpdateDistributionStatus(ctx, tx, row.ID, StatusFailed, &msg); uerr != nil {
			return Distribution{}, uerr
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return Distribution{}, fmt.Errorf("distribution: commit tx: %w", cerr)
		}
		return Distribution{}, fmt.Errorf("distribution: retry payout: %w", err)
	}

	if err := s.repo.UpdateDistributionStatus(ctx, tx, row.ID, StatusCompleted, nil); err != nil {
		return Distribution{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Distribution{}, fmt.Errorf("distribution: commit tx: %w", err)
	}

	row.Status = StatusCompleted
	row.ErrorMessage = nil
	return row, nil
}

// ListDistributions returns every payout row for a revenue event.
func (s *Service) ListDistributions(ctx context.Context, eventID string) ([]Distribution, error) {
	return s.repo.ListForEvent(ctx, eventID)
}

const scheduleConcurrency = 4

// ScheduleDistributions processes every due revenue event. Events are
// independent: one failing leaves the rest untouched.
func (s *Service) ScheduleDistributions(ctx context.Context, now time.Time) (ScheduleResult, error) {
	events, err := s.repo.ListDueEvents(ctx, now)
	if err != nil {
		return ScheduleResult{}, err
	}

	results := make([]error, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scheduleConcurrency)
	for i, ev := range events {
		g.Go(func() error {
			_, err := s.ProcessDistribution(gctx, ev.ID)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var res ScheduleResult
	for i, err := range results {
		switch {
		case err == nil, errors.Is(err, ErrAlreadyDistributed):
			res.Processed++
		default:
			res.Failed++
			log.Printf("distribution: scheduled processing of event %s failed: %v", events[i].ID, err)
		}
	}
	return res, nil
}

// Package actors holds the concurrent workloads the stress harness runs
// against a live database. Each actor loops until stopped, driving one
// service operation with randomized timing; errors the engine is specified
// to return under contention are tolerated, anything else aborts the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/milestone"
)

func pause(minMS, jitterMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(jitterMS)) * time.Millisecond)
}

// tolerable reports whether the error is an expected outcome under
// concurrent load rather than a harness failure.
func tolerable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrAllowanceExceeded),
		errors.Is(err, escrow.ErrDuplicateReference),
		errors.Is(err, escrow.ErrDisputeState),
		errors.Is(err, escrow.ErrEntryNotReleasable),
		errors.Is(err, escrow.ErrEntryNotFound),
		errors.Is(err, distribution.ErrAlreadyDistributed),
		errors.Is(err, distribution.ErrNoShareholders),
		errors.Is(err, milestone.ErrNotReady),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return db.IsLockContention(err)
	}
}

// Depositor streams deposits into the project, replaying roughly every
// tenth gateway reference to hammer the idempotency path.
func Depositor(ctx context.Context, svc *escrow.Service, projectID string, stop <-chan struct{}) error {
	var lastRef string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ref := fmt.Sprintf("stress-%s", uuid.NewString())
		replay := lastRef != "" && rand.Intn(10) == 0
		if replay {
			ref = lastRef
		}

		_, err := svc.Deposit(ctx, escrow.DepositParams{
			ProjectID:        projectID,
			PayerID:          uuid.NewString(),
			Amount:           decimal.NewFromInt(int64(100 + rand.Intn(900))),
			Currency:         "USD",
			GatewayReference: ref,
		})
		switch {
		case replay && err == nil:
			return fmt.Errorf("depositor: replayed reference %s accepted twice", ref)
		case !tolerable(err):
			return fmt.Errorf("depositor: %w", err)
		}
		if !replay {
			lastRef = ref
		}
		pause(10, 20)
	}
}

// randomDeposit picks one completed deposit of the project, if any exist.
func randomDeposit(ctx context.Context, pool *pgxpool.Pool, projectID string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		SELECT id FROM escrow_entries
		WHERE project_id = $1 AND entry_type = 'deposit' AND status = 'completed'
		ORDER BY random() LIMIT 1
	`, projectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Releaser releases random percentages of random deposits.
func Releaser(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomDeposit(ctx, pool, projectID)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("releaser pick: %w", err)
		}
		if id != "" {
			pct := decimal.NewFromInt(int64(5 + rand.Intn(45)))
			if _, err := svc.Release(ctx, escrow.ReleaseParams{EntryID: id, Percentage: &pct}); !tolerable(err) {
				return fmt.Errorf("releaser: %w", err)
			}
		}
		pause(20, 40)
	}
}

// Refunder issues partial refunds against random deposits.
func Refunder(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomDeposit(ctx, pool, projectID)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("refunder pick: %w", err)
		}
		if id != "" {
			pct := decimal.NewFromInt(int64(5 + rand.Intn(25)))
			_, err := svc.Refund(ctx, escrow.RefundParams{
				EntryID:    id,
				Reason:     "stress refund",
				Percentage: &pct,
			})
			if !tolerable(err) {
				return fmt.Errorf("refunder: %w", err)
			}
		}
		pause(30, 50)
	}
}

// Disputer freezes random deposits and resolves them either way shortly
// after, keeping frozen funds cycling through the ledger.
func Disputer(ctx context.Context, svc *escrow.Service, pool *pgxpool.Pool, projectID string, stop <-chan struct{}) error {
	resolverID := uuid.NewString()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomDeposit(ctx, pool, projectID)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("disputer pick: %w", err)
		}
		if id != "" {
			if _, err := svc.InitiateDispute(ctx, id, "stress dispute"); !tolerable(err) {
				return fmt.Errorf("disputer initiate: %w", err)
			}

			resolution := escrow.DisputeResolvedRelease
			if rand.Intn(2) == 0 {
				resolution = escrow.DisputeResolvedRefund
			}
			_, err := svc.ResolveDispute(ctx, escrow.ResolveDisputeParams{
				EntryID:    id,
				ResolverID: resolverID,
				Resolution: resolution,
				Notes:      "stress resolution",
			})
			if !tolerable(err) {
				return fmt.Errorf("disputer resolve: %w", err)
			}
		}
		pause(200, 200)
	}
}

// RevenueRecorder appends already-due revenue events for the project.
func RevenueRecorder(ctx context.Context, svc *distribution.Service, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		end := time.Now().UTC().Add(-time.Minute)
		_, err := svc.RecordRevenue(ctx, distribution.RecordRevenueParams{
			ProjectID:   projectID,
			Amount:      decimal.NewFromInt(int64(50 + rand.Intn(450))),
			Currency:    "USD",
			PeriodStart: end.Add(-time.Hour),
			PeriodEnd:   end,
		})
		if !tolerable(err) {
			return fmt.Errorf("revenue recorder: %w", err)
		}
		pause(100, 100)
	}
}

// MilestoneReleaser drives batch releases through the verified milestone's
// gate. Individual deposit failures are reported inside the batch result,
// so only infrastructure errors surface here.
func MilestoneReleaser(ctx context.Context, svc *milestone.Service, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.BatchRelease(ctx, milestoneID); !tolerable(err) {
			return fmt.Errorf("milestone releaser: %w", err)
		}
		pause(250, 250)
	}
}

// Distributor sweeps due events; several distributors racing on the same
// events is the point, the row lock must keep payouts exactly-once.
func Distributor(ctx context.Context, svc *distribution.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.ScheduleDistributions(ctx, time.Now().UTC()); !tolerable(err) {
			return fmt.Errorf("distributor: %w", err)
		}
		pause(150, 150)
	}
}

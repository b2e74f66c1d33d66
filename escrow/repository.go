package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateReference signals the gateway reference was already recorded
	// (idempotency guardrail against repeated webhook delivery).
	ErrDuplicateReference = errors.New("escrow: duplicate gateway reference")
	// ErrEntryNotFound is returned when no ledger entry exists for the id.
	ErrEntryNotFound = errors.New("escrow: entry not found")
	// ErrProjectNotFound is returned when the lock target project is missing.
	ErrProjectNotFound = errors.New("escrow: project not found")
)

const entryColumns = `
	id, project_id, counterparty_id, entry_type::text, amount::text, currency,
	status::text, dispute_status::text, milestone_id, release_percentage::text,
	released_percentage::text, parent_entry_id, gateway_reference, refund_reason,
	dispute_reason, dispute_notes, dispute_resolved_by, dispute_resolved_at,
	created_at, updated_at`

// Repository provides pgx-backed access to the escrow ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LockProject takes the row-level lock serializing balance mutations for the
// project and returns the project's ledger currency. Everything read after
// this call is stable until commit.
func (r *Repository) LockProject(ctx context.Context, tx pgx.Tx, projectID string) (string, error) {
	var currency string
	err := tx.QueryRow(ctx, `SELECT currency FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProjectNotFound
		}
		return "", fmt.Errorf("escrow: lock project: %w", err)
	}
	return currency, nil
}

// AvailableBalance recomputes the project balance by aggregation under the
// caller's transaction. Disputed entries drop out of the deposit sum while
// their dispute is pending.
func (r *Repository) AvailableBalance(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'deposit' AND status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('release','milestone_release') AND status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('refund','partial_refund') AND status = 'completed'), 0)::text
		FROM escrow_entries
		WHERE project_id = $1
	`

	var depositsRaw, releasesRaw, refundsRaw string
	if err := tx.QueryRow(ctx, query, projectID).Scan(&depositsRaw, &releasesRaw, &refundsRaw); err != nil {
		return decimal.Zero, fmt.Errorf("escrow: aggregate balance: %w", err)
	}

	deposits, err := decimal.NewFromString(depositsRaw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: parse deposits: %w", err)
	}
	releases, err := decimal.NewFromString(releasesRaw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: parse releases: %w", err)
	}
	refunds, err := decimal.NewFromString(refundsRaw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: parse refunds: %w", err)
	}

	return deposits.Sub(releases).Sub(refunds), nil
}

// InsertEntry appends a ledger entry inside the active transaction. A unique
// violation on the gateway reference maps to ErrDuplicateReference.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	const query = `
		INSERT INTO escrow_entries (
			project_id, counterparty_id, entry_type, amount, currency, status,
			dispute_status, milestone_id, release_percentage, parent_entry_id,
			gateway_reference, refund_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING` + entryColumns

	row := tx.QueryRow(ctx, query,
		e.ProjectID, e.CounterpartyID, e.Type, e.Amount, e.Currency, e.Status,
		e.DisputeStatus, e.MilestoneID, e.ReleasePercentage, e.ParentEntryID,
		e.GatewayReference, e.RefundReason,
	)
	created, err := scanEntry(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrDuplicateReference
		}
		return Entry{}, fmt.Errorf("escrow: insert entry: %w", err)
	}
	return created, nil
}

// GetEntryForUpdate loads an entry and locks its row for the transaction.
func (r *Repository) GetEntryForUpdate(ctx context.Context, tx pgx.Tx, entryID string) (Entry, error) {
	query := `SELECT` + entryColumns + ` FROM escrow_entries WHERE id = $1 FOR UPDATE`

	e, err := scanEntry(tx.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("escrow: get entry for update: %w", err)
	}
	return e, nil
}

// GetEntry loads an entry without locking.
func (r *Repository) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	query := `SELECT` + entryColumns + ` FROM escrow_entries WHERE id = $1`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("escrow: get entry: %w", err)
	}
	return e, nil
}

// AddReleasedPercentage accumulates a milestone claim onto the parent deposit.
func (r *Repository) AddReleasedPercentage(ctx context.Context, tx pgx.Tx, entryID string, claim decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_entries
		SET released_percentage = released_percentage + $2,
		    updated_at = now()
		WHERE id = $1
	`, entryID, claim)
	if err != nil {
		return fmt.Errorf("escrow: add released percentage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// MarkDisputed flips a completed entry into the disputed state.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, entryID, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_entries
		SET status = 'disputed',
		    dispute_status = 'pending',
		    dispute_reason = $2,
		    updated_at = now()
		WHERE id = $1
	`, entryID, reason)
	if err != nil {
		return fmt.Errorf("escrow: mark disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ResolveDispute restores the entry to completed and records the resolution.
func (r *Repository) ResolveDispute(ctx context.Context, tx pgx.Tx, entryID string, resolution DisputeStatus, resolverID, notes string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_entries
		SET status = 'completed',
		    dispute_status = $2,
		    dispute_notes = $3,
		    dispute_resolved_by = $4,
		    dispute_resolved_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, entryID, resolution, notes, resolverID)
	if err != nil {
		return fmt.Errorf("escrow: resolve dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ListCompletedDeposits returns the completed deposits for a project ordered
// by creation time. Used by the milestone gate's batch release.
func (r *Repository) ListCompletedDeposits(ctx context.Context, projectID string) ([]Entry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM escrow_entries
		WHERE project_id = $1 AND entry_type = 'deposit' AND status = 'completed'
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list deposits: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan deposit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate deposits: %w", err)
	}
	return out, nil
}

// Summary aggregates the project ledger without side effects.
func (r *Repository) Summary(ctx context.Context, projectID string) (Summary, error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'deposit' AND status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('release','milestone_release') AND status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('refund','partial_refund') AND status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status = 'disputed' AND dispute_status = 'pending'), 0)::text
		FROM escrow_entries
		WHERE project_id = $1
	`

	var depositsRaw, releasesRaw, refundsRaw, disputedRaw string
	err := r.pool.QueryRow(ctx, query, projectID).Scan(&depositsRaw, &releasesRaw, &refundsRaw, &disputedRaw)
	if err != nil {
		return Summary{}, fmt.Errorf("escrow: summary: %w", err)
	}

	var s Summary
	if s.Deposits, err = decimal.NewFromString(depositsRaw); err != nil {
		return Summary{}, fmt.Errorf("escrow: parse deposits: %w", err)
	}
	if s.Releases, err = decimal.NewFromString(releasesRaw); err != nil {
		return Summary{}, fmt.Errorf("escrow: parse releases: %w", err)
	}
	if s.Refunds, err = decimal.NewFromString(refundsRaw); err != nil {
		return Summary{}, fmt.Errorf("escrow: parse refunds: %w", err)
	}
	if s.Disputed, err = decimal.NewFromString(disputedRaw); err != nil {
		return Summary{}, fmt.Errorf("escrow: parse disputed: %w", err)
	}
	s.Available = s.Deposits.Sub(s.Releases).Sub(s.Refunds)
	return s, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e           Entry
		amountRaw   string
		releaseRaw  *string
		releasedRaw string
	)
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.CounterpartyID, &e.Type, &amountRaw, &e.Currency,
		&e.Status, &e.DisputeStatus, &e.MilestoneID, &releaseRaw,
		&releasedRaw, &e.ParentEntryID, &e.GatewayReference, &e.RefundReason,
		&e.DisputeReason, &e.DisputeNotes, &e.DisputeResolvedBy, &e.DisputeResolvedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}

	if e.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return Entry{}, fmt.Errorf("parse amount: %w", err)
	}
	if releaseRaw != nil {
		pct, err := decimal.NewFromString(*releaseRaw)
		if err != nil {
			return Entry{}, fmt.Errorf("parse release percentage: %w", err)
		}
		e.ReleasePercentage = &pct
	}
	if e.ReleasedPercentage, err = decimal.NewFromString(releasedRaw); err != nil {
		return Entry{}, fmt.Errorf("parse released percentage: %w", err)
	}
	return e, nil
}

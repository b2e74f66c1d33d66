package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrEventNotFound is returned when no revenue event exists for the id.
	ErrEventNotFound = errors.New("distribution: revenue event not found")
	// ErrNotFound is returned when no distribution row exists for the id.
	ErrNotFound = errors.New("distribution: not found")
	// ErrProjectNotFound is returned when the lock target project is missing.
	ErrProjectNotFound = errors.New("distribution: project not found")
	// ErrAlreadyDistributed signals a second processing attempt on a
	// distributed revenue event.
	ErrAlreadyDistributed = errors.New("distribution: revenue event already distributed")
	// ErrRecipientPaid signals a write attempt over a completed payout row.
	ErrRecipientPaid = errors.New("distribution: recipient already paid for this event")
)

const eventColumns = `
	id, project_id, amount::text, currency, period_start, period_end,
	is_distributed, exchange_rate::text, created_at`

const distributionColumns = `
	id, revenue_event_id, recipient_id, amount::text, share_percentage::text,
	status::text, error_message, created_at, updated_at`

// Repository provides pgx-backed access to ownerships, revenue events, and
// distribution rows.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LockProject serializes ownership mutations per project.
func (r *Repository) LockProject(ctx context.Context, tx pgx.Tx, projectID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("distribution: lock project: %w", err)
	}
	return nil
}

// SumOwnershipExcept totals the project's stakes excluding one holder, read
// under the caller's transaction.
func (r *Repository) SumOwnershipExcept(ctx context.Context, tx pgx.Tx, projectID, holderID string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(percentage_owned), 0)::text
		FROM share_ownerships
		WHERE project_id = $1 AND holder_id <> $2
	`, projectID, holderID).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("distribution: sum ownership: %w", err)
	}
	sum, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("distribution: parse ownership sum: %w", err)
	}
	return sum, nil
}

// UpsertOwnership writes a holder's stake, replacing any previous value.
func (r *Repository) UpsertOwnership(ctx context.Context, tx pgx.Tx, o ShareOwnership) (ShareOwnership, error) {
	const query = `
		INSERT INTO share_ownerships (project_id, holder_id, percentage_owned)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, holder_id)
		DO UPDATE SET percentage_owned = EXCLUDED.percentage_owned, updated_at = now()
		RETURNING id, project_id, holder_id, percentage_owned::text, created_at, updated_at
	`

	var (
		out    ShareOwnership
		pctRaw string
	)
	err := tx.QueryRow(ctx, query, o.ProjectID, o.HolderID, o.PercentageOwned).
		Scan(&out.ID, &out.ProjectID, &out.HolderID, &pctRaw, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return ShareOwnership{}, fmt.Errorf("distribution: upsert ownership: %w", err)
	}
	if out.PercentageOwned, err = decimal.NewFromString(pctRaw); err != nil {
		return ShareOwnership{}, fmt.Errorf("distribution: parse ownership: %w", err)
	}
	return out, nil
}

// ListOwnerships returns the project's stakes ordered by holder id.
func (r *Repository) ListOwnerships(ctx context.Context, projectID string) ([]ShareOwnership, error) {
	const query = `
		SELECT id, project_id, holder_id, percentage_owned::text, created_at, updated_at
		FROM share_ownerships
		WHERE project_id = $1
		ORDER BY holder_id ASC
	`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("distribution: list ownerships: %w", err)
	}
	defer rows.Close()

	out := make([]ShareOwnership, 0, 8)
	for rows.Next() {
		var (
			o      ShareOwnership
			pctRaw string
		)
		if err := rows.Scan(&o.ID, &o.ProjectID, &o.HolderID, &pctRaw, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("distribution: scan ownership: %w", err)
		}
		if o.PercentageOwned, err = decimal.NewFromString(pctRaw); err != nil {
			return nil, fmt.Errorf("distribution: parse ownership: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate ownerships: %w", err)
	}
	return out, nil
}

// InsertRevenueEvent records externally received revenue.
func (r *Repository) InsertRevenueEvent(ctx context.Context, ev RevenueEvent) (RevenueEvent, error) {
	query := `
		INSERT INTO revenue_events (project_id, amount, currency, period_start, period_end, exchange_rate)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING` + eventColumns

	created, err := scanEvent(r.pool.QueryRow(ctx, query,
		ev.ProjectID, ev.Amount, ev.Currency, ev.PeriodStart, ev.PeriodEnd, ev.ExchangeRate))
	if err != nil {
		return RevenueEvent{}, fmt.Errorf("distribution: insert revenue event: %w", err)
	}
	return created, nil
}

// GetRevenueEventForUpdate loads the event and takes the row lock that
// serializes distribution of it.
func (r *Repository) GetRevenueEventForUpdate(ctx context.Context, tx pgx.Tx, id string) (RevenueEvent, error) {
	query := `SELECT` + eventColumns + ` FROM revenue_events WHERE id = $1 FOR UPDATE`

	ev, err := scanEvent(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RevenueEvent{}, ErrEventNotFound
		}
		return RevenueEvent{}, fmt.Errorf("distribution: get event for update: %w", err)
	}
	return ev, nil
}

// MarkDistributed flips the exactly-once flag. A row already flipped means a
// concurrent processor won.
func (r *Repository) MarkDistributed(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE revenue_events
		SET is_distributed = true, updated_at = now()
		WHERE id = $1 AND is_distributed = false
	`, id)
	if err != nil {
		return fmt.Errorf("distribution: mark distributed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyDistributed
	}
	return nil
}

// ListDueEvents returns undistributed events whose period has elapsed.
func (r *Repository) ListDueEvents(ctx context.Context, now time.Time) ([]RevenueEvent, error) {
	query := `
		SELECT` + eventColumns + `
		FROM revenue_events
		WHERE is_distributed = false AND period_end <= $1
		ORDER BY period_end ASC
	`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("distribution: list due events: %w", err)
	}
	defer rows.Close()

	out := make([]RevenueEvent, 0, 16)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("distribution: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate events: %w", err)
	}
	return out, nil
}

// InsertDistribution writes one recipient row inside the processing tx. At
// most one row exists per (event, recipient): a leftover failed diagnostic
// row for the recipient is reclaimed in place. Completed rows are never
// overwritten.
func (r *Repository) InsertDistribution(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error) {
	query := `
		INSERT INTO distributions (revenue_event_id, recipient_id, amount, share_percentage, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (revenue_event_id, recipient_id) DO UPDATE
		SET amount = EXCLUDED.amount,
		    share_percentage = EXCLUDED.share_percentage,
		    status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    updated_at = now()
		WHERE distributions.status <> 'completed'
		RETURNING` + distributionColumns

	created, err := scanDistribution(tx.QueryRow(ctx, query,
		d.RevenueEventID, d.RecipientID, d.Amount, d.SharePercentage, d.Status, d.ErrorMessage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, ErrRecipientPaid
		}
		return Distribution{}, fmt.Errorf("distribution: insert row: %w", err)
	}
	return created, nil
}

// InsertFailureRecord persists the diagnostic FAILED row after the processing
// transaction rolled back. Runs on the pool, outside any transaction. An
// existing non-completed row for the recipient is overwritten, never joined
// by a second one.
func (r *Repository) InsertFailureRecord(ctx context.Context, d Distribution) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO distributions (revenue_event_id, recipient_id, amount, share_percentage, status, error_message)
		VALUES ($1, $2, $3, $4, 'failed', $5)
		ON CONFLICT (revenue_event_id, recipient_id) DO UPDATE
		SET amount = EXCLUDED.amount,
		    share_percentage = EXCLUDED.share_percentage,
		    status = 'failed',
		    error_message = EXCLUDED.error_message,
		    updated_at = now()
		WHERE distributions.status <> 'completed'
	`, d.RevenueEventID, d.RecipientID, d.Amount, d.SharePercentage, d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("distribution: record failure: %w", err)
	}
	return nil
}

// UpdateDistributionStatus writes a row's status and error message.
func (r *Repository) UpdateDistributionStatus(ctx context.Context, tx pgx.Tx, id string, status Status, errMsg *string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE distributions
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("distribution: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDistribution fetches one distribution row without locking.
func (r *Repository) GetDistribution(ctx context.Context, id string) (Distribution, error) {
	query := `SELECT` + distributionColumns + ` FROM distributions WHERE id = $1`

	d, err := scanDistribution(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, ErrNotFound
		}
		return Distribution{}, fmt.Errorf("distribution: get row: %w", err)
	}
	return d, nil
}

// GetDistributionForUpdate loads and locks one distribution row.
func (r *Repository) GetDistributionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Distribution, error) {
	query := `SELECT` + distributionColumns + ` FROM distributions WHERE id = $1 FOR UPDATE`

	d, err := scanDistribution(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, ErrNotFound
		}
		return Distribution{}, fmt.Errorf("distribution: get for update: %w", err)
	}
	return d, nil
}

// ListCompletedForEvent returns the completed rows for an event under the
// caller's transaction.
func (r *Repository) ListCompletedForEvent(ctx context.Context, tx pgx.Tx, eventID string) ([]Distribution, error) {
	query := `
		SELECT` + distributionColumns + `
		FROM distributions
		WHERE revenue_event_id = $1 AND status = 'completed'
		ORDER BY recipient_id ASC
	`

	rows, err := tx.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("distribution: list completed: %w", err)
	}
	defer rows.Close()

	out := make([]Distribution, 0, 8)
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("distribution: scan row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate rows: %w", err)
	}
	return out, nil
}

// ListForEvent returns every distribution row for an event.
func (r *Repository) ListForEvent(ctx context.Context, eventID string) ([]Distribution, error) {
	query := `
		SELECT` + distributionColumns + `
		FROM distributions
		WHERE revenue_event_id = $1
		ORDER BY created_at ASC, recipient_id ASC
	`

	rows, err := r.pool.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("distribution: list for event: %w", err)
	}
	defer rows.Close()

	out := make([]Distribution, 0, 8)
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("distribution: scan row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate rows: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (RevenueEvent, error) {
	var (
		ev        RevenueEvent
		amountRaw string
		rateRaw   string
	)
	err := row.Scan(&ev.ID, &ev.ProjectID, &amountRaw, &ev.Currency,
		&ev.PeriodStart, &ev.PeriodEnd, &ev.IsDistributed, &rateRaw, &ev.CreatedAt)
	if err != nil {
		return RevenueEvent{}, err
	}
	if ev.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return RevenueEvent{}, fmt.Errorf("parse amount: %w", err)
	}
	if ev.ExchangeRate, err = decimal.NewFromString(rateRaw); err != nil {
		return RevenueEvent{}, fmt.Errorf("parse exchange rate: %w", err)
	}
	return ev, nil
}

func scanDistribution(row pgx.Row) (Distribution, error) {
	var (
		d         Distribution
		amountRaw string
		pctRaw    string
	)
	err := row.Scan(&d.ID, &d.RevenueEventID, &d.RecipientID, &amountRaw, &pctRaw,
		&d.Status, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Distribution{}, err
	}
	if d.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return Distribution{}, fmt.Errorf("parse amount: %w", err)
	}
	if d.SharePercentage, err = decimal.NewFromString(pctRaw); err != nil {
		return Distribution{}, fmt.Errorf("parse share percentage: %w", err)
	}
	return d, nil
}

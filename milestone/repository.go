package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no milestone exists for the identifier.
	ErrNotFound = errors.New("milestone: not found")
	// ErrProjectNotFound is returned when the lock target project is missing.
	ErrProjectNotFound = errors.New("milestone: project not found")
)

const milestoneColumns = `
	id, project_id, title, target_release_percentage::text, status::text,
	progress, created_at, updated_at`

// Repository provides pgx-backed access to milestones.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LockProject serializes milestone-budget mutations per project.
func (r *Repository) LockProject(ctx context.Context, tx pgx.Tx, projectID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("milestone: lock project: %w", err)
	}
	return nil
}

// SumTargetPercentage totals the release percentage already pledged to
// milestones of the project, read under the caller's transaction.
func (r *Repository) SumTargetPercentage(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(target_release_percentage), 0)::text
		FROM milestones
		WHERE project_id = $1
	`, projectID).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("milestone: sum target percentage: %w", err)
	}
	sum, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("milestone: parse percentage sum: %w", err)
	}
	return sum, nil
}

// Insert persists a new milestone inside the active transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, m Milestone) (Milestone, error) {
	query := `
		INSERT INTO milestones (project_id, title, target_release_percentage, status, progress)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING` + milestoneColumns

	created, err := scanMilestone(tx.QueryRow(ctx, query,
		m.ProjectID, m.Title, m.TargetReleasePercentage, m.Status, m.Progress))
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: insert: %w", err)
	}
	return created, nil
}

// GetByID fetches a milestone without locking.
func (r *Repository) GetByID(ctx context.Context, id string) (Milestone, error) {
	query := `SELECT` + milestoneColumns + ` FROM milestones WHERE id = $1`

	m, err := scanMilestone(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get: %w", err)
	}
	return m, nil
}

// GetForUpdate loads a milestone and locks its row for the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	query := `SELECT` + milestoneColumns + ` FROM milestones WHERE id = $1 FOR UPDATE`

	m, err := scanMilestone(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get for update: %w", err)
	}
	return m, nil
}

// UpdateState writes the milestone's status and progress.
func (r *Repository) UpdateState(ctx context.Context, tx pgx.Tx, id string, status Status, progress int) (Milestone, error) {
	query := `
		UPDATE milestones
		SET status = $2, progress = $3, updated_at = now()
		WHERE id = $1
		RETURNING` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, query, id, status, progress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: update state: %w", err)
	}
	return m, nil
}

// ListByProject returns the project's milestones ordered by creation time.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]Milestone, error) {
	query := `SELECT` + milestoneColumns + ` FROM milestones WHERE project_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m      Milestone
		pctRaw string
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.Title, &pctRaw, &m.Status,
		&m.Progress, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Milestone{}, err
	}
	if m.TargetReleasePercentage, err = decimal.NewFromString(pctRaw); err != nil {
		return Milestone{}, fmt.Errorf("parse target percentage: %w", err)
	}
	return m, nil
}

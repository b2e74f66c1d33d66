package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound signals the requested project does not exist.
var ErrNotFound = errors.New("project: not found")

// Repository provides access to project rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new project and returns the stored row.
func (r *Repository) Create(ctx context.Context, p Project) (Project, error) {
	const query = `
		INSERT INTO projects (owner_id, title, funding_target, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, title, funding_target::text, currency, created_at
	`

	row := r.pool.QueryRow(ctx, query, p.OwnerID, p.Title, p.FundingTarget, p.Currency)
	created, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("project: create: %w", err)
	}
	return created, nil
}

// GetByID fetches a project by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Project, error) {
	const query = `
		SELECT id, owner_id, title, funding_target::text, currency, created_at
		FROM projects
		WHERE id = $1
	`

	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit projects ordered by creation time.
func (r *Repository) List(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, owner_id, title, funding_target::text, currency, created_at
		FROM projects
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0, limit)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("project: scan: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate: %w", err)
	}

	return projects, nil
}

func scanProject(row pgx.Row) (Project, error) {
	var (
		p      Project
		target string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &target, &p.Currency, &p.CreatedAt); err != nil {
		return Project{}, err
	}
	var err error
	p.FundingTarget, err = decimal.NewFromString(target)
	if err != nil {
		return Project{}, fmt.Errorf("parse funding target: %w", err)
	}
	return p, nil
}

package project

import (
	"context"
	"fmt"

	"escrowflow/money"
)

// Store abstracts repository operations for the service.
type Store interface {
	Create(ctx context.Context, p Project) (Project, error)
	GetByID(ctx context.Context, id string) (Project, error)
	List(ctx context.Context, limit int) ([]Project, error)
}

// Service exposes business-level project operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Create validates and persists a new project.
func (s *Service) Create(ctx context.Context, p Project) (Project, error) {
	if p.OwnerID == "" {
		return Project{}, fmt.Errorf("project: missing owner id")
	}
	if p.Title == "" {
		return Project{}, fmt.Errorf("project: missing title")
	}
	if p.Currency == "" {
		return Project{}, fmt.Errorf("project: missing currency")
	}
	if err := money.ValidateAmount(p.FundingTarget); err != nil {
		return Project{}, fmt.Errorf("project: funding target: %w", err)
	}
	p.FundingTarget = money.Quantize(p.FundingTarget, p.Currency)
	return s.repo.Create(ctx, p)
}

// GetByID returns the project for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Project, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit projects.
func (s *Service) List(ctx context.Context, limit int) ([]Project, error) {
	return s.repo.List(ctx, limit)
}

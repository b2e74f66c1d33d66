package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/project"
)

type stubProjectService struct {
	project  project.Project
	projects []project.Project
	err      error
}

func (s *stubProjectService) Create(_ context.Context, p project.Project) (project.Project, error) {
	if s.err != nil {
		return project.Project{}, s.err
	}
	p.ID = s.project.ID
	p.CreatedAt = s.project.CreatedAt
	return p, nil
}

func (s *stubProjectService) GetByID(_ context.Context, _ string) (project.Project, error) {
	return s.project, s.err
}

func (s *stubProjectService) List(_ context.Context, limit int) ([]project.Project, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.projects) {
		limit = len(s.projects)
	}
	out := make([]project.Project, limit)
	copy(out, s.projects[:limit])
	return out, nil
}

type stubEscrowService struct {
	entry   escrow.Entry
	summary escrow.Summary
	err     error
}

func (s *stubEscrowService) Release(_ context.Context, _ escrow.ReleaseParams) (escrow.Entry, error) {
	return s.entry, s.err
}

func (s *stubEscrowService) Refund(_ context.Context, _ escrow.RefundParams) (escrow.Entry, error) {
	return s.entry, s.err
}

func (s *stubEscrowService) InitiateDispute(_ context.Context, _, _ string) (escrow.Entry, error) {
	return s.entry, s.err
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, _ escrow.ResolveDisputeParams) (escrow.Entry, error) {
	return s.entry, s.err
}

func (s *stubEscrowService) GetSummary(_ context.Context, _ string) (escrow.Summary, error) {
	return s.summary, s.err
}

func (s *stubEscrowService) GetEntry(_ context.Context, _ string) (escrow.Entry, error) {
	return s.entry, s.err
}

type stubChargeService struct {
	result   gateway.InitializeResult
	startErr error
	eventErr error
}

func (s *stubChargeService) StartCharge(_ context.Context, _ escrow.ChargeParams) (gateway.InitializeResult, error) {
	return s.result, s.startErr
}

func (s *stubChargeService) HandleEvent(_ context.Context, _ string, _ []byte) error {
	return s.eventErr
}

type stubMilestoneService struct {
	milestone  milestone.Milestone
	milestones []milestone.Milestone
	batch      milestone.BatchResult
	err        error
}

func (s *stubMilestoneService) Create(_ context.Context, _ milestone.CreateParams) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) Start(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) UpdateProgress(_ context.Context, _ string, _ int) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) RequestVerification(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) Verify(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) MarkDelayed(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) Resubmit(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) GetByID(_ context.Context, _ string) (milestone.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubMilestoneService) ListByProject(_ context.Context, _ string) ([]milestone.Milestone, error) {
	return s.milestones, s.err
}

func (s *stubMilestoneService) BatchRelease(_ context.Context, _ string) (milestone.BatchResult, error) {
	return s.batch, s.err
}

type stubDistributionService struct {
	ownership distribution.ShareOwnership
	shares    []distribution.Share
	rows      []distribution.Distribution
	row       distribution.Distribution
	event     distribution.RevenueEvent
	err       error
}

func (s *stubDistributionService) GrantShare(_ context.Context, _, _ string, _ decimal.Decimal) (distribution.ShareOwnership, error) {
	return s.ownership, s.err
}

func (s *stubDistributionService) ListShares(_ context.Context, _ string) ([]distribution.ShareOwnership, error) {
	return nil, s.err
}

func (s *stubDistributionService) RecordRevenue(_ context.Context, _ distribution.RecordRevenueParams) (distribution.RevenueEvent, error) {
	return s.event, s.err
}

func (s *stubDistributionService) CalculateShareDistribution(_ context.Context, _ string, _ decimal.Decimal, _ string) ([]distribution.Share, error) {
	return s.shares, s.err
}

func (s *stubDistributionService) ProcessDistribution(_ context.Context, _ string) ([]distribution.Distribution, error) {
	return s.rows, s.err
}

func (s *stubDistributionService) RetryFailedDistribution(_ context.Context, _ string) (distribution.Distribution, error) {
	return s.row, s.err
}

func (s *stubDistributionService) ListDistributions(_ context.Context, _ string) ([]distribution.Distribution, error) {
	return s.rows, s.err
}

func TestHandleProject_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	server := &Server{
		projectService: &stubProjectService{
			project: project.Project{
				ID:            "p1",
				OwnerID:       "owner-1",
				Title:         "Harbor Renovation",
				FundingTarget: decimal.RequireFromString("50000.00"),
				Currency:      "USD",
				CreatedAt:     now,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handleProject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "p1" || resp.Title != "Harbor Renovation" || resp.FundingTarget != "50000.00" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleProject_NotFound(t *testing.T) {
	server := &Server{
		projectService: &stubProjectService{err: project.ErrNotFound},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()

	server.handleProject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProject_UnexpectedError(t *testing.T) {
	server := &Server{
		projectService: &stubProjectService{err: errors.New("boom")},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handleProject(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleListProjects_Limit(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		projectService: &stubProjectService{
			projects: []project.Project{
				{ID: "p1", OwnerID: "o1", Title: "Alpha", FundingTarget: decimal.New(1, 0), Currency: "USD", CreatedAt: now},
				{ID: "p2", OwnerID: "o2", Title: "Beta", FundingTarget: decimal.New(1, 0), Currency: "USD", CreatedAt: now},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects?limit=1", nil)
	rec := httptest.NewRecorder()

	server.handleListProjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []projectResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "p1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleEscrowSummary(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{
			summary: escrow.Summary{
				Deposits:  decimal.RequireFromString("1500.00"),
				Releases:  decimal.RequireFromString("250.00"),
				Refunds:   decimal.Zero,
				Disputed:  decimal.RequireFromString("500.00"),
				Available: decimal.RequireFromString("1250.00"),
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/escrow", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handleEscrowSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp summaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Available != "1250.00" || resp.Disputed != "500.00" {
		t.Fatalf("unexpected summary: %+v", resp)
	}
}

func TestHandleRelease_InsufficientFunds(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{err: escrow.ErrInsufficientFunds},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/escrow/entries/e1/release", strings.NewReader(`{"percentage":"50"}`))
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()

	server.handleRelease(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRelease_EmptyBodyIsFullRelease(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{
			entry: escrow.Entry{
				ID:        "e2",
				ProjectID: "p1",
				Type:      escrow.TypeRelease,
				Amount:    decimal.RequireFromString("1000.00"),
				Currency:  "USD",
				Status:    escrow.StatusCompleted,
			},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/escrow/entries/e1/release", nil)
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()

	server.handleRelease(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp entryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != string(escrow.TypeRelease) || resp.Amount != "1000.00" {
		t.Fatalf("unexpected entry: %+v", resp)
	}
}

func TestHandleRefund_DuplicateConflict(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{err: escrow.ErrDisputeState},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/escrow/entries/e1/refund", strings.NewReader(`{"reason":"cancelled"}`))
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()

	server.handleRefund(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleResolveDispute_BadResolution(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrow/entries/e1/resolve",
		strings.NewReader(`{"resolverId":"admin-1","resolution":"pending"}`))
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()

	server.handleResolveDispute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGatewayWebhook_InvalidSignature(t *testing.T) {
	server := &Server{
		chargeService: &stubChargeService{eventErr: escrow.ErrInvalidSignature},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleGatewayWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGatewayWebhook_Success(t *testing.T) {
	server := &Server{chargeService: &stubChargeService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", strings.NewReader(`{"event":"charge.success"}`))
	rec := httptest.NewRecorder()

	server.handleGatewayWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleStartCharge(t *testing.T) {
	server := &Server{
		chargeService: &stubChargeService{
			result: gateway.InitializeResult{Reference: "chg-1", RedirectURL: "https://pay.example/chg-1"},
		},
	}

	body := strings.NewReader(`{"payerId":"payer-1","email":"payer@example.com","amount":"250.00","currency":"USD"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/charges", body)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handleStartCharge(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["reference"] != "chg-1" || payload["redirectUrl"] == "" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestHandleMilestoneTransition_UnknownAction(t *testing.T) {
	server := &Server{milestoneService: &stubMilestoneService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/milestones/m1/transition", strings.NewReader(`{"action":"teleport"}`))
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()

	server.handleMilestoneTransition(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMilestoneTransition_InvalidTransition(t *testing.T) {
	server := &Server{
		milestoneService: &stubMilestoneService{err: milestone.ErrInvalidTransition},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/milestones/m1/transition", strings.NewReader(`{"action":"verify"}`))
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()

	server.handleMilestoneTransition(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleMilestoneRelease(t *testing.T) {
	server := &Server{
		milestoneService: &stubMilestoneService{
			batch: milestone.BatchResult{
				SuccessCount:  2,
				FailedCount:   1,
				TotalReleased: decimal.RequireFromString("400.00"),
				Failures: []milestone.BatchFailure{
					{DepositID: "e3", Err: escrow.ErrAllowanceExceeded},
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/milestones/m1/release", nil)
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()

	server.handleMilestoneRelease(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		SuccessCount  int                 `json:"successCount"`
		FailedCount   int                 `json:"failedCount"`
		TotalReleased string              `json:"totalReleased"`
		Failures      []map[string]string `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.SuccessCount != 2 || payload.TotalReleased != "400.00" || len(payload.Failures) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleGrantShare_OwnershipExceeded(t *testing.T) {
	server := &Server{
		distributionService: &stubDistributionService{err: distribution.ErrOwnershipExceeded},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/shares", strings.NewReader(`{"holderId":"h1","percentage":"60"}`))
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handleGrantShare(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePreviewSplit(t *testing.T) {
	server := &Server{
		distributionService: &stubDistributionService{
			shares: []distribution.Share{
				{RecipientID: "h1", Amount: decimal.RequireFromString("600.00"), SharePercentage: decimal.RequireFromString("60.00")},
				{RecipientID: "h2", Amount: decimal.RequireFromString("400.00"), SharePercentage: decimal.RequireFromString("40.00")},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/revenue/preview?amount=1000.00&currency=USD", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()

	server.handlePreviewSplit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []map[string]string `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0]["amount"] != "600.00" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleDistribute_AlreadyDistributed(t *testing.T) {
	server := &Server{
		distributionService: &stubDistributionService{err: distribution.ErrAlreadyDistributed},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/revenue/ev1/distribute", nil)
	req.SetPathValue("id", "ev1")
	rec := httptest.NewRecorder()

	server.handleDistribute(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRetryDistribution_InvalidState(t *testing.T) {
	server := &Server{
		distributionService: &stubDistributionService{err: distribution.ErrInvalidRetryState},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/distributions/d1/retry", nil)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()

	server.handleRetryDistribution(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	server := &Server{projectService: &stubProjectService{}}
	mux := server.routes()

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/p1", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

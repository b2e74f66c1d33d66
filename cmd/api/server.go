package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/money"
	"escrowflow/project"
)

type projectService interface {
	Create(ctx context.Context, p project.Project) (project.Project, error)
	GetByID(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context, limit int) ([]project.Project, error)
}

type escrowService interface {
	Release(ctx context.Context, params escrow.ReleaseParams) (escrow.Entry, error)
	Refund(ctx context.Context, params escrow.RefundParams) (escrow.Entry, error)
	InitiateDispute(ctx context.Context, entryID, reason string) (escrow.Entry, error)
	ResolveDispute(ctx context.Context, params escrow.ResolveDisputeParams) (escrow.Entry, error)
	GetSummary(ctx context.Context, projectID string) (escrow.Summary, error)
	GetEntry(ctx context.Context, entryID string) (escrow.Entry, error)
}

type chargeService interface {
	StartCharge(ctx context.Context, params escrow.ChargeParams) (gateway.InitializeResult, error)
	HandleEvent(ctx context.Context, signature string, body []byte) error
}

type milestoneService interface {
	Create(ctx context.Context, params milestone.CreateParams) (milestone.Milestone, error)
	Start(ctx context.Context, id string) (milestone.Milestone, error)
	UpdateProgress(ctx context.Context, id string, progress int) (milestone.Milestone, error)
	RequestVerification(ctx context.Context, id string) (milestone.Milestone, error)
	Verify(ctx context.Context, id string) (milestone.Milestone, error)
	MarkDelayed(ctx context.Context, id string) (milestone.Milestone, error)
	Resubmit(ctx context.Context, id string) (milestone.Milestone, error)
	GetByID(ctx context.Context, id string) (milestone.Milestone, error)
	ListByProject(ctx context.Context, projectID string) ([]milestone.Milestone, error)
	BatchRelease(ctx context.Context, milestoneID string) (milestone.BatchResult, error)
}

type distributionService interface {
	GrantShare(ctx context.Context, projectID, holderID string, percentage decimal.Decimal) (distribution.ShareOwnership, error)
	ListShares(ctx context.Context, projectID string) ([]distribution.ShareOwnership, error)
	RecordRevenue(ctx context.Context, p distribution.RecordRevenueParams) (distribution.RevenueEvent, error)
	CalculateShareDistribution(ctx context.Context, projectID string, amount decimal.Decimal, currency string) ([]distribution.Share, error)
	ProcessDistribution(ctx context.Context, eventID string) ([]distribution.Distribution, error)
	RetryFailedDistribution(ctx context.Context, distributionID string) (distribution.Distribution, error)
	ListDistributions(ctx context.Context, eventID string) ([]distribution.Distribution, error)
}

// Server routes the HTTP surface onto the domain services.
type Server struct {
	projectService      projectService
	escrowService       escrowService
	chargeService       chargeService
	milestoneService    milestoneService
	distributionService distributionService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleProject)
	mux.HandleFunc("GET /api/projects/{id}/escrow", s.handleEscrowSummary)
	mux.HandleFunc("POST /api/projects/{id}/charges", s.handleStartCharge)
	mux.HandleFunc("POST /api/webhooks/gateway", s.handleGatewayWebhook)

	mux.HandleFunc("GET /api/escrow/entries/{id}", s.handleEntry)
	mux.HandleFunc("POST /api/escrow/entries/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /api/escrow/entries/{id}/refund", s.handleRefund)
	mux.HandleFunc("POST /api/escrow/entries/{id}/dispute", s.handleDispute)
	mux.HandleFunc("POST /api/escrow/entries/{id}/resolve", s.handleResolveDispute)

	mux.HandleFunc("POST /api/projects/{id}/milestones", s.handleCreateMilestone)
	mux.HandleFunc("GET /api/projects/{id}/milestones", s.handleListMilestones)
	mux.HandleFunc("POST /api/milestones/{id}/transition", s.handleMilestoneTransition)
	mux.HandleFunc("POST /api/milestones/{id}/release", s.handleMilestoneRelease)

	mux.HandleFunc("POST /api/projects/{id}/shares", s.handleGrantShare)
	mux.HandleFunc("GET /api/projects/{id}/shares", s.handleListShares)
	mux.HandleFunc("POST /api/projects/{id}/revenue", s.handleRecordRevenue)
	mux.HandleFunc("GET /api/projects/{id}/revenue/preview", s.handlePreviewSplit)
	mux.HandleFunc("POST /api/revenue/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("GET /api/revenue/{id}/distributions", s.handleListDistributions)
	mux.HandleFunc("POST /api/distributions/{id}/retry", s.handleRetryDistribution)

	return mux
}

type projectResponse struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	Title         string `json:"title"`
	FundingTarget string `json:"fundingTarget"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"createdAt"`
}

func toProjectResponse(p project.Project) projectResponse {
	return projectResponse{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Title:         p.Title,
		FundingTarget: p.FundingTarget.String(),
		Currency:      p.Currency,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

type entryResponse struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"projectId"`
	CounterpartyID     string  `json:"counterpartyId"`
	Type               string  `json:"type"`
	Amount             string  `json:"amount"`
	Currency           string  `json:"currency"`
	Status             string  `json:"status"`
	DisputeStatus      string  `json:"disputeStatus"`
	ReleasedPercentage string  `json:"releasedPercentage"`
	MilestoneID        *string `json:"milestoneId,omitempty"`
	ParentEntryID      *string `json:"parentEntryId,omitempty"`
	GatewayReference   *string `json:"gatewayReference,omitempty"`
	RefundReason       *string `json:"refundReason,omitempty"`
	CreatedAt          string  `json:"createdAt"`
}

func toEntryResponse(e escrow.Entry) entryResponse {
	return entryResponse{
		ID:                 e.ID,
		ProjectID:          e.ProjectID,
		CounterpartyID:     e.CounterpartyID,
		Type:               string(e.Type),
		Amount:             e.Amount.String(),
		Currency:           e.Currency,
		Status:             string(e.Status),
		DisputeStatus:      string(e.DisputeStatus),
		ReleasedPercentage: e.ReleasedPercentage.String(),
		MilestoneID:        e.MilestoneID,
		ParentEntryID:      e.ParentEntryID,
		GatewayReference:   e.GatewayReference,
		RefundReason:       e.RefundReason,
		CreatedAt:          e.CreatedAt.Format(time.RFC3339),
	}
}

type summaryResponse struct {
	Deposits  string `json:"deposits"`
	Releases  string `json:"releases"`
	Refunds   string `json:"refunds"`
	Disputed  string `json:"disputed"`
	Available string `json:"available"`
}

type milestoneResponse struct {
	ID                      string `json:"id"`
	ProjectID               string `json:"projectId"`
	Title                   string `json:"title"`
	TargetReleasePercentage string `json:"targetReleasePercentage"`
	Status                  string `json:"status"`
	Progress                int    `json:"progress"`
}

func toMilestoneResponse(m milestone.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:                      m.ID,
		ProjectID:               m.ProjectID,
		Title:                   m.Title,
		TargetReleasePercentage: m.TargetReleasePercentage.String(),
		Status:                  string(m.Status),
		Progress:                m.Progress,
	}
}

type distributionResponse struct {
	ID              string  `json:"id"`
	RevenueEventID  string  `json:"revenueEventId"`
	RecipientID     string  `json:"recipientId"`
	Amount          string  `json:"amount"`
	SharePercentage string  `json:"sharePercentage"`
	Status          string  `json:"status"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
}

func toDistributionResponse(d distribution.Distribution) distributionResponse {
	return distributionResponse{
		ID:              d.ID,
		RevenueEventID:  d.RevenueEventID,
		RecipientID:     d.RecipientID,
		Amount:          d.Amount.String(),
		SharePercentage: d.SharePercentage.String(),
		Status:          string(d.Status),
		ErrorMessage:    d.ErrorMessage,
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID       string `json:"ownerId"`
		Title         string `json:"title"`
		FundingTarget string `json:"fundingTarget"`
		Currency      string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := decimal.NewFromString(req.FundingTarget)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid funding target")
		return
	}

	created, err := s.projectService.Create(r.Context(), project.Project{
		OwnerID:       req.OwnerID,
		Title:         req.Title,
		FundingTarget: target,
		Currency:      req.Currency,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(created))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	projects, err := s.projectService.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		items = append(items, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projectService.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(p))
}

func (s *Server) handleEscrowSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.escrowService.GetSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Deposits:  sum.Deposits.String(),
		Releases:  sum.Releases.String(),
		Refunds:   sum.Refunds.String(),
		Disputed:  sum.Disputed.String(),
		Available: sum.Available.String(),
	})
}

func (s *Server) handleStartCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayerID  string `json:"payerId"`
		Email    string `json:"email"`
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	res, err := s.chargeService.StartCharge(r.Context(), escrow.ChargeParams{
		ProjectID: r.PathValue("id"),
		PayerID:   req.PayerID,
		Email:     req.Email,
		Amount:    amount,
		Currency:  req.Currency,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reference":   res.Reference,
		"redirectUrl": res.RedirectURL,
	})
}

func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = s.chargeService.HandleEvent(r.Context(), r.Header.Get("X-Webhook-Signature"), body)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		// The provider retries anything but 200.
		log.Printf("webhook: %v", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrowService.GetEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

func parseOptionalPercent(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	pct, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &pct, nil
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percentage *string `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pct, err := parseOptionalPercent(req.Percentage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid percentage")
		return
	}

	e, err := s.escrowService.Release(r.Context(), escrow.ReleaseParams{
		EntryID:    r.PathValue("id"),
		Percentage: pct,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(e))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason     string  `json:"reason"`
		Percentage *string `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pct, err := parseOptionalPercent(req.Percentage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid percentage")
		return
	}

	e, err := s.escrowService.Refund(r.Context(), escrow.RefundParams{
		EntryID:    r.PathValue("id"),
		Reason:     req.Reason,
		Percentage: pct,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(e))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, err := s.escrowService.InitiateDispute(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolverID string `json:"resolverId"`
		Resolution string `json:"resolution"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resolution := escrow.DisputeStatus(req.Resolution)
	if resolution != escrow.DisputeResolvedRelease && resolution != escrow.DisputeResolvedRefund {
		writeError(w, http.StatusBadRequest, "resolution must be resolved_release or resolved_refund")
		return
	}

	e, err := s.escrowService.ResolveDispute(r.Context(), escrow.ResolveDisputeParams{
		EntryID:    r.PathValue("id"),
		ResolverID: req.ResolverID,
		Resolution: resolution,
		Notes:      req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title                   string `json:"title"`
		TargetReleasePercentage string `json:"targetReleasePercentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := decimal.NewFromString(req.TargetReleasePercentage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target percentage")
		return
	}

	m, err := s.milestoneService.Create(r.Context(), milestone.CreateParams{
		ProjectID:               r.PathValue("id"),
		Title:                   req.Title,
		TargetReleasePercentage: target,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestoneResponse(m))
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	milestones, err := s.milestoneService.ListByProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]milestoneResponse, 0, len(milestones))
	for _, m := range milestones {
		items = append(items, toMilestoneResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMilestoneTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		Progress *int   `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := r.PathValue("id")
	var (
		m   milestone.Milestone
		err error
	)
	switch req.Action {
	case "start":
		m, err = s.milestoneService.Start(r.Context(), id)
	case "progress":
		if req.Progress == nil {
			writeError(w, http.StatusBadRequest, "progress action requires a progress value")
			return
		}
		m, err = s.milestoneService.UpdateProgress(r.Context(), id, *req.Progress)
	case "request_verification":
		m, err = s.milestoneService.RequestVerification(r.Context(), id)
	case "verify":
		m, err = s.milestoneService.Verify(r.Context(), id)
	case "delay":
		m, err = s.milestoneService.MarkDelayed(r.Context(), id)
	case "resubmit":
		m, err = s.milestoneService.Resubmit(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleMilestoneRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.milestoneService.BatchRelease(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	failures := make([]map[string]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, map[string]string{
			"depositId": f.DepositID,
			"error":     f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"successCount":  res.SuccessCount,
		"failedCount":   res.FailedCount,
		"totalReleased": res.TotalReleased.String(),
		"failures":      failures,
	})
}

func (s *Server) handleGrantShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HolderID   string `json:"holderId"`
		Percentage string `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pct, err := decimal.NewFromString(req.Percentage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid percentage")
		return
	}

	o, err := s.distributionService.GrantShare(r.Context(), r.PathValue("id"), req.HolderID, pct)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":              o.ID,
		"projectId":       o.ProjectID,
		"holderId":        o.HolderID,
		"percentageOwned": o.PercentageOwned.String(),
	})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.distributionService.ListShares(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]map[string]string, 0, len(shares))
	for _, o := range shares {
		items = append(items, map[string]string{
			"holderId":        o.HolderID,
			"percentageOwned": o.PercentageOwned.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRecordRevenue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount       string    `json:"amount"`
		Currency     string    `json:"currency"`
		PeriodStart  time.Time `json:"periodStart"`
		PeriodEnd    time.Time `json:"periodEnd"`
		ExchangeRate string    `json:"exchangeRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	rate := decimal.Zero
	if req.ExchangeRate != "" {
		if rate, err = decimal.NewFromString(req.ExchangeRate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid exchange rate")
			return
		}
	}

	ev, err := s.distributionService.RecordRevenue(r.Context(), distribution.RecordRevenueParams{
		ProjectID:    r.PathValue("id"),
		Amount:       amount,
		Currency:     req.Currency,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		ExchangeRate: rate,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":        ev.ID,
		"projectId": ev.ProjectID,
		"amount":    ev.Amount.String(),
		"currency":  ev.Currency,
	})
}

func (s *Server) handlePreviewSplit(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}

	shares, err := s.distributionService.CalculateShareDistribution(r.Context(), r.PathValue("id"), amount, currency)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]map[string]string, 0, len(shares))
	for _, share := range shares {
		items = append(items, map[string]string{
			"recipientId":     share.RecipientID,
			"amount":          share.Amount.String(),
			"sharePercentage": share.SharePercentage.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	rows, err := s.distributionService.ProcessDistribution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]distributionResponse, 0, len(rows))
	for _, d := range rows {
		items = append(items, toDistributionResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.distributionService.ListDistributions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]distributionResponse, 0, len(rows))
	for _, d := range rows {
		items = append(items, toDistributionResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := s.distributionService.RetryFailedDistribution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionResponse(d))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain sentinels onto HTTP statuses. Anything
// unrecognized is a 500 with the detail kept server-side.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound),
		errors.Is(err, escrow.ErrEntryNotFound),
		errors.Is(err, escrow.ErrProjectNotFound),
		errors.Is(err, milestone.ErrNotFound),
		errors.Is(err, milestone.ErrProjectNotFound),
		errors.Is(err, distribution.ErrEventNotFound),
		errors.Is(err, distribution.ErrNotFound),
		errors.Is(err, distribution.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrDuplicateReference),
		errors.Is(err, escrow.ErrDisputeState),
		errors.Is(err, distribution.ErrAlreadyDistributed),
		errors.Is(err, distribution.ErrRecipientPaid),
		errors.Is(err, distribution.ErrInvalidRetryState),
		errors.Is(err, milestone.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrInvalidPercentage),
		errors.Is(err, escrow.ErrMilestoneNotReady),
		errors.Is(err, escrow.ErrAllowanceExceeded),
		errors.Is(err, escrow.ErrReasonRequired),
		errors.Is(err, escrow.ErrEntryNotReleasable),
		errors.Is(err, escrow.ErrCurrencyMismatch),
		errors.Is(err, milestone.ErrNotReady),
		errors.Is(err, milestone.ErrPercentageBudget),
		errors.Is(err, milestone.ErrInvalidProgress),
		errors.Is(err, distribution.ErrOwnershipExceeded),
		errors.Is(err, distribution.ErrNoShareholders),
		errors.Is(err, distribution.ErrInvalidPeriod),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrPercentOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

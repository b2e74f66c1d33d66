package milestone

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the deliverable verification lifecycle. DELAYED returns to
// IN_PROGRESS on resubmission; VERIFIED is terminal.
type Status string

const (
	StatusPending               Status = "pending"
	StatusInProgress            Status = "in_progress"
	StatusVerificationRequested Status = "verification_requested"
	StatusVerified              Status = "verified"
	StatusDelayed               Status = "delayed"
)

// Milestone mirrors the milestones table.
type Milestone struct {
	ID                      string
	ProjectID               string
	Title                   string
	TargetReleasePercentage decimal.Decimal
	Status                  Status
	Progress                int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// BatchResult aggregates a batch release over a project's deposits. One
// deposit's failure never aborts the batch.
type BatchResult struct {
	SuccessCount  int
	FailedCount   int
	TotalReleased decimal.Decimal
	Failures      []BatchFailure
}

// BatchFailure records why one deposit's claim did not go through.
type BatchFailure struct {
	DepositID string
	Err       error
}

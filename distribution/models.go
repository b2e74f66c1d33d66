package distribution

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShareOwnership is one holder's equity stake in a project. Per project the
// stakes sum to at most 100.
type ShareOwnership struct {
	ID              string
	ProjectID       string
	HolderID        string
	PercentageOwned decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RevenueEvent is externally recorded revenue awaiting distribution. It is
// distributed exactly once: IsDistributed flips false to true a single time.
type RevenueEvent struct {
	ID            string
	ProjectID     string
	Amount        decimal.Decimal
	Currency      string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	IsDistributed bool
	ExchangeRate  decimal.Decimal
	CreatedAt     time.Time
}

// Status is the payout lifecycle of a single distribution row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Distribution is one recipient's computed share of a revenue event. Rows
// are created in bulk during processing and mutated only by retry logic.
type Distribution struct {
	ID              string
	RevenueEventID  string
	RecipientID     string
	Amount          decimal.Decimal
	SharePercentage decimal.Decimal
	Status          Status
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Share is a computed split before any row exists.
type Share struct {
	RecipientID     string
	Amount          decimal.Decimal
	SharePercentage decimal.Decimal
}

// Payout is the instruction handed to the payout sender for one recipient.
type Payout struct {
	DistributionID string
	RevenueEventID string
	RecipientID    string
	Amount         decimal.Decimal
	Currency       string
}

// ScheduleResult aggregates one scheduler sweep over due revenue events.
type ScheduleResult struct {
	Processed int
	Failed    int
}

package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType distinguishes the ledger movements recorded against a project.
type EntryType string

const (
	TypeDeposit          EntryType = "deposit"
	TypeRelease          EntryType = "release"
	TypeMilestoneRelease EntryType = "milestone_release"
	TypeRefund           EntryType = "refund"
	TypePartialRefund    EntryType = "partial_refund"
)

// EntryStatus is the lifecycle of a ledger entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusDisputed  EntryStatus = "disputed"
	StatusFailed    EntryStatus = "failed"
)

// DisputeStatus tracks the dispute workflow on a disputed entry.
type DisputeStatus string

const (
	DisputeNone            DisputeStatus = "none"
	DisputePending         DisputeStatus = "pending"
	DisputeResolvedRelease DisputeStatus = "resolved_release"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
)

// Entry mirrors the escrow_entries table. Entries are append-mostly: once
// completed only the status and dispute fields may change. ParentEntryID is
// an audit back-reference; balances are always recomputed by aggregation.
type Entry struct {
	ID                  string
	ProjectID           string
	CounterpartyID      string
	Type                EntryType
	Amount              decimal.Decimal
	Currency            string
	Status              EntryStatus
	DisputeStatus       DisputeStatus
	MilestoneID         *string
	ReleasePercentage   *decimal.Decimal
	ReleasedPercentage  decimal.Decimal
	ParentEntryID       *string
	GatewayReference    *string
	RefundReason        *string
	DisputeReason       *string
	DisputeNotes        *string
	DisputeResolvedBy   *string
	DisputeResolvedAt   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Summary is the read-only aggregation exposed per project.
type Summary struct {
	Deposits  decimal.Decimal
	Releases  decimal.Decimal
	Refunds   decimal.Decimal
	Disputed  decimal.Decimal
	Available decimal.Decimal
}

// MilestoneClaim identifies the verified milestone a release executes under.
// The gate package constructs it from its own model; the escrow engine only
// checks that the milestone reached its terminal verified state.
type MilestoneClaim struct {
	ID       string
	Verified bool
}

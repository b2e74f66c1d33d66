package project

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project is the funded aggregate every escrow entry, milestone, and
// revenue event hangs off. Its row is the lock target for balance mutations.
type Project struct {
	ID            string
	OwnerID       string
	Title         string
	FundingTarget decimal.Decimal
	Currency      string
	CreatedAt     time.Time
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ContributionStatus string

const (
	ContributionStatusUnpaid  ContributionStatus = "unpaid"
	ContributionStatusOverdue ContributionStatus = "overdue"
	ContributionStatusPaid    ContributionStatus = "paid"
)

// MonthLayout is the period key format used by Contribution.Month.
const MonthLayout = "2006-01"

type Contribution struct {
	ID        uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	GroupID   uuid.UUID          `json:"group_id" gorm:"type:uuid;index"`
	MemberID  uuid.UUID          `json:"member_id" gorm:"type:uuid;uniqueIndex:idx_contribution_member_month"`
	Amount    decimal.Decimal    `json:"amount" gorm:"type:numeric(20,2)"`
	Month     string             `json:"month" gorm:"size:7;uniqueIndex:idx_contribution_member_month"`
	DueDate   time.Time          `json:"due_date"`
	Status    ContributionStatus `json:"status" gorm:"index"`
	PaidAt    *time.Time         `json:"paid_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// IsOutstanding reports whether the contribution still waits for payment.
func (c *Contribution) IsOutstanding() bool {
	return c.Status == ContributionStatusUnpaid || c.Status == ContributionStatusOverdue
}

// Year returns the calendar year of the contribution's period key.
func (c *Contribution) Year() int {
	t, err := time.Parse(MonthLayout, c.Month)
	if err != nil {
		return 0
	}
	return t.Year()
}

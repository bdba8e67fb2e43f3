package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PenaltyStatus string

const (
	PenaltyStatusUnpaid PenaltyStatus = "unpaid"
	PenaltyStatusPaid   PenaltyStatus = "paid"
)

type Penalty struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	GroupID        uuid.UUID       `json:"group_id" gorm:"type:uuid;index"`
	MemberID       uuid.UUID       `json:"member_id" gorm:"type:uuid;index"`
	LoanID         *uuid.UUID      `json:"loan_id,omitempty" gorm:"type:uuid"`
	InstallmentID  *uuid.UUID      `json:"installment_id,omitempty" gorm:"type:uuid;index"`
	ContributionID *uuid.UUID      `json:"contribution_id,omitempty" gorm:"type:uuid;index"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(20,2)"`
	Reason         string          `json:"reason"`
	Status         PenaltyStatus   `json:"status"`
	IsPaid         bool            `json:"is_paid"`
	DueDate        time.Time       `json:"due_date"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

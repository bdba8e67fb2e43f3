package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DistributionStatus string

const (
	DistributionStatusPending   DistributionStatus = "pending"
	DistributionStatusCompleted DistributionStatus = "completed"
	DistributionStatusCancelled DistributionStatus = "cancelled"
)

// Distribution is the year-end split of a group's profit pool.
type Distribution struct {
	ID                 uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	GroupID            uuid.UUID          `json:"group_id" gorm:"type:uuid;index"`
	Year               int                `json:"year" gorm:"index"`
	TotalContributions decimal.Decimal    `json:"total_contributions" gorm:"type:numeric(20,2)"`
	TotalProfitPool    decimal.Decimal    `json:"total_profit_pool" gorm:"type:numeric(20,2)"`
	TotalLoanInterest  decimal.Decimal    `json:"total_loan_interest" gorm:"type:numeric(20,2)"`
	TotalPenalties     decimal.Decimal    `json:"total_penalties" gorm:"type:numeric(20,2)"`
	NumberOfMembers    int                `json:"number_of_members"`
	ProfitPerMember    decimal.Decimal    `json:"profit_per_member" gorm:"type:numeric(20,2)"`
	Status             DistributionStatus `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	DistributedAt      *time.Time         `json:"distributed_at,omitempty"`
}

// MemberDistribution is one member's cached share of a Distribution.
type MemberDistribution struct {
	ID                 uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	DistributionID     uuid.UUID       `json:"distribution_id" gorm:"type:uuid;uniqueIndex:idx_member_distribution"`
	MemberID           uuid.UUID       `json:"member_id" gorm:"type:uuid;uniqueIndex:idx_member_distribution"`
	TotalContributions decimal.Decimal `json:"total_contributions" gorm:"type:numeric(20,2)"`
	ProfitShare        decimal.Decimal `json:"profit_share" gorm:"type:numeric(20,2)"`
	TotalPayout        decimal.Decimal `json:"total_payout" gorm:"type:numeric(20,2)"`
	CreatedAt          time.Time       `json:"created_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
}

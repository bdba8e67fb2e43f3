package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MemberStatus string

const (
	MemberStatusPending  MemberStatus = "pending"
	MemberStatusActive   MemberStatus = "active"
	MemberStatusRejected MemberStatus = "rejected"
)

// GroupSettings holds the policy knobs an admin can change until the year's cycle is locked.
type GroupSettings struct {
	ContributionAmount        decimal.Decimal `json:"contribution_amount" gorm:"type:numeric(20,2)"`
	LoanInterestRate          decimal.Decimal `json:"loan_interest_rate" gorm:"type:numeric(10,6)"`
	PenaltyRate               decimal.Decimal `json:"penalty_rate" gorm:"type:numeric(10,6)"`
	ContributionPenaltyRate   decimal.Decimal `json:"contribution_penalty_rate" gorm:"type:numeric(10,6)"`
	CompulsoryInterestRate    decimal.Decimal `json:"compulsory_interest_rate" gorm:"type:numeric(10,6)"` // stored and validated only
	MinimumContributionMonths int             `json:"minimum_contribution_months"`
	LoanToSavingsRatio        decimal.Decimal `json:"loan_to_savings_ratio" gorm:"type:numeric(10,4)"`
	AutomaticPenaltiesEnabled bool            `json:"automatic_penalties_enabled"`
}

type Group struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Name         string          `json:"name"`
	Settings     GroupSettings   `json:"settings" gorm:"embedded;embeddedPrefix:setting_"`
	TotalSavings decimal.Decimal `json:"total_savings" gorm:"type:numeric(20,2)"`
	TotalIncome  decimal.Decimal `json:"total_income" gorm:"type:numeric(20,2)"`
	Cash         decimal.Decimal `json:"cash" gorm:"type:numeric(20,2)"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Member struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	GroupID        uuid.UUID       `json:"group_id" gorm:"type:uuid;index"`
	Name           string          `json:"name"`
	Status         MemberStatus    `json:"status"`
	Balance        decimal.Decimal `json:"balance" gorm:"type:numeric(20,2)"`
	PenaltiesTotal decimal.Decimal `json:"penalties_total" gorm:"type:numeric(20,2)"`
	JoinedAt       time.Time       `json:"joined_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (m *Member) IsActive() bool {
	return m.Status == MemberStatusActive
}

func (Group) TableName() string {
	return "savings_groups"
}

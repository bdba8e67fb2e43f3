package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeContribution       TransactionType = "contribution"
	TransactionTypeLoanDisbursement   TransactionType = "loan_disbursement"
	TransactionTypeLoanRepayment      TransactionType = "loan_repayment"
	TransactionTypePenaltyCharged     TransactionType = "penalty_charged"
	TransactionTypePenaltyPayment     TransactionType = "penalty_payment"
	TransactionTypeCycleDistribution  TransactionType = "cycle_distribution"
	TransactionTypeSeedDeposit        TransactionType = "seed_deposit"
	TransactionTypeSharePurchase      TransactionType = "share_purchase"
	TransactionTypeCompulsoryInterest TransactionType = "compulsory_interest" // accepted as a filter, never posted
	TransactionTypeInitialDeposit     TransactionType = "initial_deposit"
)

// Valid reports whether t is one of the known ledger entry types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeContribution, TransactionTypeLoanDisbursement, TransactionTypeLoanRepayment,
		TransactionTypePenaltyCharged, TransactionTypePenaltyPayment, TransactionTypeCycleDistribution,
		TransactionTypeSeedDeposit, TransactionTypeSharePurchase, TransactionTypeCompulsoryInterest,
		TransactionTypeInitialDeposit:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. The delta fields record how the entry moved the
// member balance and the group's savings, income and cash counters.
type Transaction struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Seq            int64           `json:"-" gorm:"autoIncrement;index"` // append order, breaks created_at ties
	GroupID        uuid.UUID       `json:"group_id" gorm:"type:uuid;index"`
	MemberID       *uuid.UUID      `json:"member_id,omitempty" gorm:"type:uuid;index"`
	Type           TransactionType `json:"type" gorm:"index"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(20,2)"`
	BalanceDelta   decimal.Decimal `json:"balance_delta" gorm:"type:numeric(20,2)"`
	SavingsDelta   decimal.Decimal `json:"savings_delta" gorm:"type:numeric(20,2)"`
	IncomeDelta    decimal.Decimal `json:"income_delta" gorm:"type:numeric(20,2)"`
	CashDelta      decimal.Decimal `json:"cash_delta" gorm:"type:numeric(20,2)"`
	ContributionID *uuid.UUID      `json:"contribution_id,omitempty" gorm:"type:uuid"`
	LoanID         *uuid.UUID      `json:"loan_id,omitempty" gorm:"type:uuid"`
	InstallmentID  *uuid.UUID      `json:"installment_id,omitempty" gorm:"type:uuid"`
	PenaltyID      *uuid.UUID      `json:"penalty_id,omitempty" gorm:"type:uuid"`
	DistributionID *uuid.UUID      `json:"distribution_id,omitempty" gorm:"type:uuid"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at" gorm:"index"`
	CreatedBy      string          `json:"created_by"`
}

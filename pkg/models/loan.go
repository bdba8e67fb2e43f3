package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending  LoanStatus = "pending"
	LoanStatusApproved LoanStatus = "approved"
	LoanStatusRejected LoanStatus = "rejected"
	LoanStatusClosed   LoanStatus = "closed"
)

type InstallmentStatus string

const (
	InstallmentStatusDue  InstallmentStatus = "due"
	InstallmentStatusPaid InstallmentStatus = "paid"
	InstallmentStatusLate InstallmentStatus = "late" // settled after its due date
)

type Loan struct {
	ID               uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	GroupID          uuid.UUID         `json:"group_id" gorm:"type:uuid;index"`
	MemberID         uuid.UUID         `json:"member_id" gorm:"type:uuid;index"`
	Principal        decimal.Decimal   `json:"principal" gorm:"type:numeric(20,2)"`
	InterestRate     decimal.Decimal   `json:"interest_rate" gorm:"type:numeric(10,6)"` // snapshot taken at approval
	TotalInterest    decimal.Decimal   `json:"total_interest" gorm:"type:numeric(20,2)"`
	TotalDue         decimal.Decimal   `json:"total_due" gorm:"type:numeric(20,2)"`
	Balance          decimal.Decimal   `json:"balance" gorm:"type:numeric(20,2)"`
	InstallmentCount int               `json:"installment_count"`
	Reason           string            `json:"reason"`
	Status           LoanStatus        `json:"status" gorm:"index"`
	RequestedAt      time.Time         `json:"requested_at"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	RejectedAt       *time.Time        `json:"rejected_at,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	Installments     []LoanInstallment `json:"installments" gorm:"foreignKey:LoanID"`
}

type LoanInstallment struct {
	ID              uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID          uuid.UUID         `json:"loan_id" gorm:"type:uuid;index"`
	Sequence        int               `json:"sequence"`
	DueDate         time.Time         `json:"due_date"`
	Amount          decimal.Decimal   `json:"amount" gorm:"type:numeric(20,2)"`
	PrincipalAmount decimal.Decimal   `json:"principal_amount" gorm:"type:numeric(20,2)"`
	InterestAmount  decimal.Decimal   `json:"interest_amount" gorm:"type:numeric(20,2)"`
	Status          InstallmentStatus `json:"status"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
}

// IsSettled reports whether the installment has been paid, on time or late.
func (i *LoanInstallment) IsSettled() bool {
	return i.Status == InstallmentStatusPaid || i.Status == InstallmentStatusLate
}

// Installment returns the installment with the given id, or nil.
func (l *Loan) Installment(id uuid.UUID) *LoanInstallment {
	for i := range l.Installments {
		if l.Installments[i].ID == id {
			return &l.Installments[i]
		}
	}
	return nil
}

// AllSettled reports whether every installment of an approved loan has been paid.
func (l *Loan) AllSettled() bool {
	if len(l.Installments) == 0 {
		return false
	}
	for i := range l.Installments {
		if !l.Installments[i].IsSettled() {
			return false
		}
	}
	return true
}

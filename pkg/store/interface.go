package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by every repository lookup that matches no record.
var ErrNotFound = errors.New("record not found")

// Storage runs units of work against the repositories. Everything fn does through r is
// committed together or not at all, and fn observes its own writes.
type Storage interface {
	Atomic(ctx context.Context, fn func(r Repositories) error) error
	Close() error
}

// Repositories is the transactional view handed to an Atomic unit.
type Repositories interface {
	Groups() GroupRepository
	Members() MemberRepository
	Contributions() ContributionRepository
	Loans() LoanRepository
	Penalties() PenaltyRepository
	Transactions() TransactionRepository
	Distributions() DistributionRepository
}

type GroupRepository interface {
	Create(ctx context.Context, group *models.Group) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error)
	List(ctx context.Context) ([]*models.Group, error)
	Update(ctx context.Context, id uuid.UUID, u GroupUpdate) error
}

type MemberRepository interface {
	Create(ctx context.Context, member *models.Member) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error)
	// ListByGroup returns the group's members; an empty status matches every status.
	ListByGroup(ctx context.Context, groupID uuid.UUID, status models.MemberStatus) ([]*models.Member, error)
	Update(ctx context.Context, id uuid.UUID, u MemberUpdate) error
}

type ContributionRepository interface {
	Create(ctx context.Context, c *models.Contribution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contribution, error)
	ListByMemberAndMonth(ctx context.Context, memberID uuid.UUID, month string) ([]*models.Contribution, error)
	// ListOutstandingByGroup returns unpaid and overdue contributions.
	ListOutstandingByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Contribution, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Contribution, error)
	// ListByGroupAndYear returns contributions whose period key falls in year.
	ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Contribution, error)
	Update(ctx context.Context, id uuid.UUID, u ContributionUpdate) error
}

type LoanRepository interface {
	// Create stores the loan together with its installments.
	Create(ctx context.Context, loan *models.Loan) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Loan, error)
	Update(ctx context.Context, id uuid.UUID, u LoanUpdate) error
	UpdateInstallment(ctx context.Context, loanID, installmentID uuid.UUID, u InstallmentUpdate) error
	// ListInstallmentsPaidBetween returns settled installments of the group's loans with from <= paid_at < to.
	ListInstallmentsPaidBetween(ctx context.Context, groupID uuid.UUID, from, to time.Time) ([]*models.LoanInstallment, error)
}

type PenaltyRepository interface {
	Create(ctx context.Context, p *models.Penalty) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Penalty, error)
	GetByContribution(ctx context.Context, contributionID uuid.UUID) (*models.Penalty, error)
	GetByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.Penalty, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Penalty, error)
	ListByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Penalty, error)
	// ListByGroupAndYear returns penalties created within the calendar year.
	ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Penalty, error)
	Update(ctx context.Context, id uuid.UUID, u PenaltyUpdate) error
}

// TransactionRepository is append-only.
type TransactionRepository interface {
	Append(ctx context.Context, tx *models.Transaction) error
	// List returns matching entries newest first, at most f.Limit of them when f.Limit > 0.
	List(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error)
}

type DistributionRepository interface {
	Create(ctx context.Context, d *models.Distribution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Distribution, error)
	// GetActiveByGroupAndYear returns the non-cancelled distribution for the year.
	GetActiveByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error)
	Update(ctx context.Context, id uuid.UUID, u DistributionUpdate) error
	CreateMemberDistribution(ctx context.Context, md *models.MemberDistribution) error
	ListMemberDistributions(ctx context.Context, distributionID uuid.UUID) ([]*models.MemberDistribution, error)
	UpdateMemberDistribution(ctx context.Context, id uuid.UUID, u MemberDistributionUpdate) error
}

// Update structs name the fields an operation may change. Nil fields are left untouched.

type GroupUpdate struct {
	Name         *string
	Settings     *models.GroupSettings
	TotalSavings *decimal.Decimal
	TotalIncome  *decimal.Decimal
	Cash         *decimal.Decimal
	UpdatedAt    time.Time
}

type MemberUpdate struct {
	Status         *models.MemberStatus
	Balance        *decimal.Decimal
	PenaltiesTotal *decimal.Decimal
	UpdatedAt      time.Time
}

type ContributionUpdate struct {
	Status *models.ContributionStatus
	PaidAt *time.Time
}

type LoanUpdate struct {
	Status           *models.LoanStatus
	InterestRate     *decimal.Decimal
	TotalInterest    *decimal.Decimal
	TotalDue         *decimal.Decimal
	Balance          *decimal.Decimal
	InstallmentCount *int
	ApprovedAt       *time.Time
	RejectedAt       *time.Time
	ClosedAt         *time.Time
	// Installments, when non-nil, replaces the loan's schedule.
	Installments []models.LoanInstallment
}

type InstallmentUpdate struct {
	Status *models.InstallmentStatus
	PaidAt *time.Time
}

type PenaltyUpdate struct {
	Status *models.PenaltyStatus
	IsPaid *bool
	PaidAt *time.Time
}

type DistributionUpdate struct {
	Status        *models.DistributionStatus
	DistributedAt *time.Time
}

type MemberDistributionUpdate struct {
	PaidAt *time.Time
}

type TransactionFilter struct {
	GroupID  uuid.UUID
	MemberID *uuid.UUID
	Type     models.TransactionType
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Matches reports whether tx satisfies every set field of the filter except Limit.
func (f TransactionFilter) Matches(tx *models.Transaction) bool {
	if tx.GroupID != f.GroupID {
		return false
	}
	if f.MemberID != nil && (tx.MemberID == nil || *tx.MemberID != *f.MemberID) {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// YearBounds returns [Jan 1 of year, Jan 1 of year+1) in UTC.
func YearBounds(year int) (time.Time, time.Time) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(1, 0, 0)
}

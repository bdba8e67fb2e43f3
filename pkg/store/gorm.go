package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore persists the ledger in PostgreSQL through gorm. Single-entity reads inside an
// Atomic unit take a row lock (SELECT ... FOR UPDATE), so concurrent units touching the same
// contribution, loan, member or distribution are serialized by the database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already opened gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string, verbose bool) (*GormStore, error) {
	gormLogger := logger.Default.LogMode(logger.Silent)
	if verbose {
		gormLogger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	s := NewGormStore(db)
	if err := s.AutoMigrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}
	return s, nil
}

func (s *GormStore) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&models.Group{},
		&models.Member{},
		&models.Contribution{},
		&models.Loan{},
		&models.LoanInstallment{},
		&models.Penalty{},
		&models.Transaction{},
		&models.Distribution{},
		&models.MemberDistribution{},
	)
	if err != nil {
		return err
	}
	// At most one non-cancelled distribution per group and year.
	return s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_distributions_active
		ON distributions (group_id, year) WHERE status <> 'cancelled'`).Error
}

// Atomic implements Storage.
func (s *GormStore) Atomic(ctx context.Context, fn func(r Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormRepos{db: tx})
	})
}

// Close implements Storage.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormRepos struct {
	db *gorm.DB
}

func (r gormRepos) Groups() GroupRepository               { return gormGroups(r) }
func (r gormRepos) Members() MemberRepository             { return gormMembers(r) }
func (r gormRepos) Contributions() ContributionRepository { return gormContributions(r) }
func (r gormRepos) Loans() LoanRepository                 { return gormLoans(r) }
func (r gormRepos) Penalties() PenaltyRepository          { return gormPenalties(r) }
func (r gormRepos) Transactions() TransactionRepository   { return gormTransactions(r) }
func (r gormRepos) Distributions() DistributionRepository { return gormDistributions(r) }

func (r gormRepos) with(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r gormRepos) locked(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// updates applies a column map to the row with the given id.
func (r gormRepos) updates(ctx context.Context, model any, id uuid.UUID, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	result := r.with(ctx).Model(model).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Groups

type gormGroups gormRepos

func (r gormGroups) Create(ctx context.Context, g *models.Group) error {
	return gormRepos(r).with(ctx).Create(g).Error
}

func (r gormGroups) GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var g models.Group
	if err := gormRepos(r).locked(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

func (r gormGroups) List(ctx context.Context) ([]*models.Group, error) {
	var groups []*models.Group
	err := gormRepos(r).with(ctx).Order("created_at").Find(&groups).Error
	return groups, err
}

func (r gormGroups) Update(ctx context.Context, id uuid.UUID, u GroupUpdate) error {
	cols := map[string]any{"updated_at": u.UpdatedAt}
	if u.Name != nil {
		cols["name"] = *u.Name
	}
	if st := u.Settings; st != nil {
		cols["setting_contribution_amount"] = st.ContributionAmount
		cols["setting_loan_interest_rate"] = st.LoanInterestRate
		cols["setting_penalty_rate"] = st.PenaltyRate
		cols["setting_contribution_penalty_rate"] = st.ContributionPenaltyRate
		cols["setting_compulsory_interest_rate"] = st.CompulsoryInterestRate
		cols["setting_minimum_contribution_months"] = st.MinimumContributionMonths
		cols["setting_loan_to_savings_ratio"] = st.LoanToSavingsRatio
		cols["setting_automatic_penalties_enabled"] = st.AutomaticPenaltiesEnabled
	}
	if u.TotalSavings != nil {
		cols["total_savings"] = *u.TotalSavings
	}
	if u.TotalIncome != nil {
		cols["total_income"] = *u.TotalIncome
	}
	if u.Cash != nil {
		cols["cash"] = *u.Cash
	}
	return gormRepos(r).updates(ctx, &models.Group{}, id, cols)
}

// Members

type gormMembers gormRepos

func (r gormMembers) Create(ctx context.Context, m *models.Member) error {
	return gormRepos(r).with(ctx).Create(m).Error
}

func (r gormMembers) GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	var m models.Member
	if err := gormRepos(r).locked(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r gormMembers) ListByGroup(ctx context.Context, groupID uuid.UUID, status models.MemberStatus) ([]*models.Member, error) {
	q := gormRepos(r).with(ctx).Where("group_id = ?", groupID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var members []*models.Member
	err := q.Order("joined_at, id").Find(&members).Error
	return members, err
}

func (r gormMembers) Update(ctx context.Context, id uuid.UUID, u MemberUpdate) error {
	cols := map[string]any{"updated_at": u.UpdatedAt}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.Balance != nil {
		cols["balance"] = *u.Balance
	}
	if u.PenaltiesTotal != nil {
		cols["penalties_total"] = *u.PenaltiesTotal
	}
	return gormRepos(r).updates(ctx, &models.Member{}, id, cols)
}

// Contributions

type gormContributions gormRepos

func (r gormContributions) find(ctx context.Context, query string, args ...any) ([]*models.Contribution, error) {
	var out []*models.Contribution
	err := gormRepos(r).with(ctx).Where(query, args...).Order("month, created_at").Find(&out).Error
	return out, err
}

func (r gormContributions) Create(ctx context.Context, c *models.Contribution) error {
	return gormRepos(r).with(ctx).Create(c).Error
}

func (r gormContributions) GetByID(ctx context.Context, id uuid.UUID) (*models.Contribution, error) {
	var c models.Contribution
	if err := gormRepos(r).locked(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r gormContributions) ListByMemberAndMonth(ctx context.Context, memberID uuid.UUID, month string) ([]*models.Contribution, error) {
	return r.find(ctx, "member_id = ? AND month = ?", memberID, month)
}

func (r gormContributions) ListOutstandingByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Contribution, error) {
	statuses := []models.ContributionStatus{models.ContributionStatusUnpaid, models.ContributionStatusOverdue}
	return r.find(ctx, "group_id = ? AND status IN ?", groupID, statuses)
}

func (r gormContributions) ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Contribution, error) {
	if memberID != nil {
		return r.find(ctx, "group_id = ? AND member_id = ?", groupID, *memberID)
	}
	return r.find(ctx, "group_id = ?", groupID)
}

func (r gormContributions) ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Contribution, error) {
	return r.find(ctx, "group_id = ? AND month LIKE ?", groupID, fmt.Sprintf("%04d-%%", year))
}

func (r gormContributions) Update(ctx context.Context, id uuid.UUID, u ContributionUpdate) error {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	return gormRepos(r).updates(ctx, &models.Contribution{}, id, cols)
}

// Loans

type gormLoans gormRepos

func orderedInstallments(db *gorm.DB) *gorm.DB {
	return db.Order("sequence")
}

func (r gormLoans) Create(ctx context.Context, l *models.Loan) error {
	return gormRepos(r).with(ctx).Create(l).Error
}

func (r gormLoans) GetByID(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var l models.Loan
	err := gormRepos(r).locked(ctx).Preload("Installments", orderedInstallments).First(&l, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (r gormLoans) ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Loan, error) {
	q := gormRepos(r).with(ctx).Preload("Installments", orderedInstallments).Where("group_id = ?", groupID)
	if memberID != nil {
		q = q.Where("member_id = ?", *memberID)
	}
	var loans []*models.Loan
	err := q.Order("requested_at").Find(&loans).Error
	return loans, err
}

func (r gormLoans) Update(ctx context.Context, id uuid.UUID, u LoanUpdate) error {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.InterestRate != nil {
		cols["interest_rate"] = *u.InterestRate
	}
	if u.TotalInterest != nil {
		cols["total_interest"] = *u.TotalInterest
	}
	if u.TotalDue != nil {
		cols["total_due"] = *u.TotalDue
	}
	if u.Balance != nil {
		cols["balance"] = *u.Balance
	}
	if u.InstallmentCount != nil {
		cols["installment_count"] = *u.InstallmentCount
	}
	if u.ApprovedAt != nil {
		cols["approved_at"] = *u.ApprovedAt
	}
	if u.RejectedAt != nil {
		cols["rejected_at"] = *u.RejectedAt
	}
	if u.ClosedAt != nil {
		cols["closed_at"] = *u.ClosedAt
	}
	if err := gormRepos(r).updates(ctx, &models.Loan{}, id, cols); err != nil {
		return err
	}
	if u.Installments == nil {
		return nil
	}

	db := gormRepos(r).with(ctx)
	if err := db.Where("loan_id = ?", id).Delete(&models.LoanInstallment{}).Error; err != nil {
		return fmt.Errorf("failed to replace installments: %w", err)
	}
	if len(u.Installments) == 0 {
		return nil
	}
	installments := make([]models.LoanInstallment, len(u.Installments))
	copy(installments, u.Installments)
	for i := range installments {
		installments[i].LoanID = id
	}
	return db.Create(&installments).Error
}

func (r gormLoans) UpdateInstallment(ctx context.Context, loanID, installmentID uuid.UUID, u InstallmentUpdate) error {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	if len(cols) == 0 {
		return nil
	}
	result := gormRepos(r).with(ctx).Model(&models.LoanInstallment{}).
		Where("id = ? AND loan_id = ?", installmentID, loanID).Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r gormLoans) ListInstallmentsPaidBetween(ctx context.Context, groupID uuid.UUID, from, to time.Time) ([]*models.LoanInstallment, error) {
	statuses := []models.InstallmentStatus{models.InstallmentStatusPaid, models.InstallmentStatusLate}
	var out []*models.LoanInstallment
	err := gormRepos(r).with(ctx).
		Select("loan_installments.*").
		Joins("JOIN loans ON loans.id = loan_installments.loan_id").
		Where("loans.group_id = ? AND loan_installments.status IN ?", groupID, statuses).
		Where("loan_installments.paid_at >= ? AND loan_installments.paid_at < ?", from, to).
		Order("loan_installments.paid_at").
		Find(&out).Error
	return out, err
}

// Penalties

type gormPenalties gormRepos

func (r gormPenalties) first(ctx context.Context, query string, args ...any) (*models.Penalty, error) {
	var p models.Penalty
	if err := gormRepos(r).locked(ctx).Where(query, args...).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r gormPenalties) find(ctx context.Context, query string, args ...any) ([]*models.Penalty, error) {
	var out []*models.Penalty
	err := gormRepos(r).with(ctx).Where(query, args...).Order("created_at").Find(&out).Error
	return out, err
}

func (r gormPenalties) Create(ctx context.Context, p *models.Penalty) error {
	return gormRepos(r).with(ctx).Create(p).Error
}

func (r gormPenalties) GetByID(ctx context.Context, id uuid.UUID) (*models.Penalty, error) {
	return r.first(ctx, "id = ?", id)
}

func (r gormPenalties) GetByContribution(ctx context.Context, contributionID uuid.UUID) (*models.Penalty, error) {
	return r.first(ctx, "contribution_id = ?", contributionID)
}

func (r gormPenalties) GetByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.Penalty, error) {
	return r.first(ctx, "installment_id = ?", installmentID)
}

func (r gormPenalties) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Penalty, error) {
	return r.find(ctx, "group_id = ?", groupID)
}

func (r gormPenalties) ListByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Penalty, error) {
	return r.find(ctx, "member_id = ?", memberID)
}

func (r gormPenalties) ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Penalty, error) {
	from, to := YearBounds(year)
	return r.find(ctx, "group_id = ? AND created_at >= ? AND created_at < ?", groupID, from, to)
}

func (r gormPenalties) Update(ctx context.Context, id uuid.UUID, u PenaltyUpdate) error {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.IsPaid != nil {
		cols["is_paid"] = *u.IsPaid
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	return gormRepos(r).updates(ctx, &models.Penalty{}, id, cols)
}

// Transactions

type gormTransactions gormRepos

func (r gormTransactions) Append(ctx context.Context, tx *models.Transaction) error {
	return gormRepos(r).with(ctx).Create(tx).Error
}

func (r gormTransactions) List(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error) {
	q := gormRepos(r).with(ctx).Where("group_id = ?", f.GroupID)
	if f.MemberID != nil {
		q = q.Where("member_id = ?", *f.MemberID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*models.Transaction
	err := q.Order("created_at DESC, seq DESC").Find(&out).Error
	return out, err
}

// Distributions

type gormDistributions gormRepos

func (r gormDistributions) Create(ctx context.Context, d *models.Distribution) error {
	return gormRepos(r).with(ctx).Create(d).Error
}

func (r gormDistributions) GetByID(ctx context.Context, id uuid.UUID) (*models.Distribution, error) {
	var d models.Distribution
	if err := gormRepos(r).locked(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r gormDistributions) GetActiveByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	var d models.Distribution
	err := gormRepos(r).locked(ctx).
		Where("group_id = ? AND year = ? AND status <> ?", groupID, year, models.DistributionStatusCancelled).
		First(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r gormDistributions) Update(ctx context.Context, id uuid.UUID, u DistributionUpdate) error {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.DistributedAt != nil {
		cols["distributed_at"] = *u.DistributedAt
	}
	return gormRepos(r).updates(ctx, &models.Distribution{}, id, cols)
}

func (r gormDistributions) CreateMemberDistribution(ctx context.Context, md *models.MemberDistribution) error {
	return gormRepos(r).with(ctx).Create(md).Error
}

func (r gormDistributions) ListMemberDistributions(ctx context.Context, distributionID uuid.UUID) ([]*models.MemberDistribution, error) {
	var out []*models.MemberDistribution
	err := gormRepos(r).with(ctx).Where("distribution_id = ?", distributionID).Order("member_id").Find(&out).Error
	return out, err
}

func (r gormDistributions) UpdateMemberDistribution(ctx context.Context, id uuid.UUID, u MemberDistributionUpdate) error {
	cols := map[string]any{}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	return gormRepos(r).updates(ctx, &models.MemberDistribution{}, id, cols)
}

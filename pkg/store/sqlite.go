package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema.
// Every Atomic unit runs in a BEGIN IMMEDIATE transaction on a single connection, so units
// never interleave.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withDefaultParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("sqlite store ready", "dsn", dataSourceName)
	return s, nil
}

func withDefaultParams(dsn string) string {
	params := []string{"_txlock=immediate", "_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are stored as TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS savings_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		setting_contribution_amount TEXT NOT NULL DEFAULT '0',
		setting_loan_interest_rate TEXT NOT NULL DEFAULT '0',
		setting_penalty_rate TEXT NOT NULL DEFAULT '0',
		setting_contribution_penalty_rate TEXT NOT NULL DEFAULT '0',
		setting_compulsory_interest_rate TEXT NOT NULL DEFAULT '0',
		setting_minimum_contribution_months INTEGER NOT NULL DEFAULT 0,
		setting_loan_to_savings_ratio TEXT NOT NULL DEFAULT '0',
		setting_automatic_penalties_enabled INTEGER NOT NULL DEFAULT 0,
		total_savings TEXT NOT NULL DEFAULT '0',
		total_income TEXT NOT NULL DEFAULT '0',
		cash TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		penalties_total TEXT NOT NULL DEFAULT '0',
		joined_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(group_id) REFERENCES savings_groups(id)
	);
	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		month TEXT NOT NULL,
		due_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		paid_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE(member_id, month),
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL DEFAULT '0',
		total_interest TEXT NOT NULL DEFAULT '0',
		total_due TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL DEFAULT '0',
		installment_count INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		approved_at DATETIME,
		rejected_at DATETIME,
		closed_at DATETIME,
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS loan_installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		loan_id TEXT,
		installment_id TEXT,
		contribution_id TEXT,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		is_paid INTEGER NOT NULL DEFAULT 0,
		due_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		paid_at DATETIME,
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		group_id TEXT NOT NULL,
		member_id TEXT,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_delta TEXT NOT NULL DEFAULT '0',
		savings_delta TEXT NOT NULL DEFAULT '0',
		income_delta TEXT NOT NULL DEFAULT '0',
		cash_delta TEXT NOT NULL DEFAULT '0',
		contribution_id TEXT,
		loan_id TEXT,
		installment_id TEXT,
		penalty_id TEXT,
		distribution_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS distributions (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		total_contributions TEXT NOT NULL,
		total_profit_pool TEXT NOT NULL,
		total_loan_interest TEXT NOT NULL,
		total_penalties TEXT NOT NULL,
		number_of_members INTEGER NOT NULL,
		profit_per_member TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		distributed_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS member_distributions (
		id TEXT PRIMARY KEY,
		distribution_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		total_contributions TEXT NOT NULL,
		profit_share TEXT NOT NULL,
		total_payout TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		paid_at DATETIME,
		UNIQUE(distribution_id, member_id),
		FOREIGN KEY(distribution_id) REFERENCES distributions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_contributions_group ON contributions(group_id, status);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON loan_installments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_penalties_group ON penalties(group_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_group ON transactions(group_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_distributions_active ON distributions(group_id, year) WHERE status != 'cancelled';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Atomic implements Storage.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(r Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqliteRepos{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type sqliteRepos struct {
	q querier
}

func (r sqliteRepos) Groups() GroupRepository               { return sqliteGroups(r) }
func (r sqliteRepos) Members() MemberRepository             { return sqliteMembers(r) }
func (r sqliteRepos) Contributions() ContributionRepository { return sqliteContributions(r) }
func (r sqliteRepos) Loans() LoanRepository                 { return sqliteLoans(r) }
func (r sqliteRepos) Penalties() PenaltyRepository          { return sqlitePenalties(r) }
func (r sqliteRepos) Transactions() TransactionRepository   { return sqliteTransactions(r) }
func (r sqliteRepos) Distributions() DistributionRepository { return sqliteDistributions(r) }

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// checkAffected turns a zero-row update into ErrNotFound.
func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// setClause accumulates "col = ?" fragments for partial updates.
type setClause struct {
	cols []string
	args []any
}

func (c *setClause) add(col string, v any) {
	c.cols = append(c.cols, col+" = ?")
	c.args = append(c.args, v)
}

func (c *setClause) exec(ctx context.Context, q querier, table string, id uuid.UUID) error {
	if len(c.cols) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(c.cols, ", "))
	result, err := q.ExecContext(ctx, query, append(c.args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return checkAffected(result)
}

// Groups

type sqliteGroups sqliteRepos

const groupColumns = `id, name, setting_contribution_amount, setting_loan_interest_rate, setting_penalty_rate,
	setting_contribution_penalty_rate, setting_compulsory_interest_rate, setting_minimum_contribution_months,
	setting_loan_to_savings_ratio, setting_automatic_penalties_enabled, total_savings, total_income, cash,
	created_at, updated_at`

func scanGroup(row scanner) (*models.Group, error) {
	var g models.Group
	st := &g.Settings
	err := row.Scan(&g.ID, &g.Name, &st.ContributionAmount, &st.LoanInterestRate, &st.PenaltyRate,
		&st.ContributionPenaltyRate, &st.CompulsoryInterestRate, &st.MinimumContributionMonths,
		&st.LoanToSavingsRatio, &st.AutomaticPenaltiesEnabled, &g.TotalSavings, &g.TotalIncome, &g.Cash,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r sqliteGroups) Create(ctx context.Context, g *models.Group) error {
	st := g.Settings
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO savings_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, st.ContributionAmount, st.LoanInterestRate, st.PenaltyRate, st.ContributionPenaltyRate,
		st.CompulsoryInterestRate, st.MinimumContributionMonths, st.LoanToSavingsRatio, st.AutomaticPenaltiesEnabled,
		g.TotalSavings, g.TotalIncome, g.Cash, g.CreatedAt.UTC(), g.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (r sqliteGroups) GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, err := scanGroup(r.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM savings_groups WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func (r sqliteGroups) List(ctx context.Context) ([]*models.Group, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+groupColumns+` FROM savings_groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r sqliteGroups) Update(ctx context.Context, id uuid.UUID, u GroupUpdate) error {
	var c setClause
	if u.Name != nil {
		c.add("name", *u.Name)
	}
	if st := u.Settings; st != nil {
		c.add("setting_contribution_amount", st.ContributionAmount)
		c.add("setting_loan_interest_rate", st.LoanInterestRate)
		c.add("setting_penalty_rate", st.PenaltyRate)
		c.add("setting_contribution_penalty_rate", st.ContributionPenaltyRate)
		c.add("setting_compulsory_interest_rate", st.CompulsoryInterestRate)
		c.add("setting_minimum_contribution_months", st.MinimumContributionMonths)
		c.add("setting_loan_to_savings_ratio", st.LoanToSavingsRatio)
		c.add("setting_automatic_penalties_enabled", st.AutomaticPenaltiesEnabled)
	}
	if u.TotalSavings != nil {
		c.add("total_savings", *u.TotalSavings)
	}
	if u.TotalIncome != nil {
		c.add("total_income", *u.TotalIncome)
	}
	if u.Cash != nil {
		c.add("cash", *u.Cash)
	}
	c.add("updated_at", u.UpdatedAt.UTC())
	return c.exec(ctx, r.q, "savings_groups", id)
}

// Members

type sqliteMembers sqliteRepos

const memberColumns = `id, group_id, name, status, balance, penalties_total, joined_at, updated_at`

func scanMember(row scanner) (*models.Member, error) {
	var m models.Member
	if err := row.Scan(&m.ID, &m.GroupID, &m.Name, &m.Status, &m.Balance, &m.PenaltiesTotal, &m.JoinedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r sqliteMembers) Create(ctx context.Context, m *models.Member) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.Name, m.Status, m.Balance, m.PenaltiesTotal, m.JoinedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

func (r sqliteMembers) GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	m, err := scanMember(r.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (r sqliteMembers) ListByGroup(ctx context.Context, groupID uuid.UUID, status models.MemberStatus) ([]*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE group_id = ?`
	args := []any{groupID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	rows, err := r.q.QueryContext(ctx, query+` ORDER BY joined_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r sqliteMembers) Update(ctx context.Context, id uuid.UUID, u MemberUpdate) error {
	var c setClause
	if u.Status != nil {
		c.add("status", *u.Status)
	}
	if u.Balance != nil {
		c.add("balance", *u.Balance)
	}
	if u.PenaltiesTotal != nil {
		c.add("penalties_total", *u.PenaltiesTotal)
	}
	c.add("updated_at", u.UpdatedAt.UTC())
	return c.exec(ctx, r.q, "members", id)
}

// Contributions

type sqliteContributions sqliteRepos

const contributionColumns = `id, group_id, member_id, amount, month, due_date, status, paid_at, created_at`

func scanContribution(row scanner) (*models.Contribution, error) {
	var c models.Contribution
	var paidAt sql.NullTime
	if err := row.Scan(&c.ID, &c.GroupID, &c.MemberID, &c.Amount, &c.Month, &c.DueDate, &c.Status, &paidAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.PaidAt = timePtr(paidAt)
	return &c, nil
}

func (r sqliteContributions) query(ctx context.Context, where string, args ...any) ([]*models.Contribution, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE `+where+` ORDER BY month, created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var out []*models.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r sqliteContributions) Create(ctx context.Context, c *models.Contribution) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO contributions (`+contributionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GroupID, c.MemberID, c.Amount, c.Month, c.DueDate.UTC(), c.Status, utcPtr(c.PaidAt), c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create contribution: %w", err)
	}
	return nil
}

func (r sqliteContributions) GetByID(ctx context.Context, id uuid.UUID) (*models.Contribution, error) {
	c, err := scanContribution(r.q.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return c, nil
}

func (r sqliteContributions) ListByMemberAndMonth(ctx context.Context, memberID uuid.UUID, month string) ([]*models.Contribution, error) {
	return r.query(ctx, `member_id = ? AND month = ?`, memberID, month)
}

func (r sqliteContributions) ListOutstandingByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Contribution, error) {
	return r.query(ctx, `group_id = ? AND status IN (?, ?)`, groupID, models.ContributionStatusUnpaid, models.ContributionStatusOverdue)
}

func (r sqliteContributions) ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Contribution, error) {
	if memberID != nil {
		return r.query(ctx, `group_id = ? AND member_id = ?`, groupID, *memberID)
	}
	return r.query(ctx, `group_id = ?`, groupID)
}

func (r sqliteContributions) ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Contribution, error) {
	return r.query(ctx, `group_id = ? AND month LIKE ?`, groupID, fmt.Sprintf("%04d-%%", year))
}

func (r sqliteContributions) Update(ctx context.Context, id uuid.UUID, u ContributionUpdate) error {
	var c setClause
	if u.Status != nil {
		c.add("status", *u.Status)
	}
	if u.PaidAt != nil {
		c.add("paid_at", u.PaidAt.UTC())
	}
	return c.exec(ctx, r.q, "contributions", id)
}

// Loans

type sqliteLoans sqliteRepos

const loanColumns = `id, group_id, member_id, principal, interest_rate, total_interest, total_due, balance,
	installment_count, reason, status, requested_at, approved_at, rejected_at, closed_at`

const installmentColumns = `id, loan_id, sequence, due_date, amount, principal_amount, interest_amount, status, paid_at`

func scanLoan(row scanner) (*models.Loan, error) {
	var l models.Loan
	var approvedAt, rejectedAt, closedAt sql.NullTime
	err := row.Scan(&l.ID, &l.GroupID, &l.MemberID, &l.Principal, &l.InterestRate, &l.TotalInterest, &l.TotalDue,
		&l.Balance, &l.InstallmentCount, &l.Reason, &l.Status, &l.RequestedAt, &approvedAt, &rejectedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	l.ApprovedAt = timePtr(approvedAt)
	l.RejectedAt = timePtr(rejectedAt)
	l.ClosedAt = timePtr(closedAt)
	return &l, nil
}

func scanInstallment(row scanner) (*models.LoanInstallment, error) {
	var inst models.LoanInstallment
	var paidAt sql.NullTime
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.Sequence, &inst.DueDate, &inst.Amount, &inst.PrincipalAmount,
		&inst.InterestAmount, &inst.Status, &paidAt)
	if err != nil {
		return nil, err
	}
	inst.PaidAt = timePtr(paidAt)
	return &inst, nil
}

func (r sqliteLoans) insertInstallments(ctx context.Context, loanID uuid.UUID, installments []models.LoanInstallment) error {
	for _, inst := range installments {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO loan_installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, loanID, inst.Sequence, inst.DueDate.UTC(), inst.Amount, inst.PrincipalAmount, inst.InterestAmount,
			inst.Status, utcPtr(inst.PaidAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create installment: %w", err)
		}
	}
	return nil
}

func (r sqliteLoans) loadInstallments(ctx context.Context, loans ...*models.Loan) error {
	for _, l := range loans {
		rows, err := r.q.QueryContext(ctx, `SELECT `+installmentColumns+` FROM loan_installments WHERE loan_id = ? ORDER BY sequence`, l.ID)
		if err != nil {
			return fmt.Errorf("failed to get installments for loan %s: %w", l.ID, err)
		}
		l.Installments = nil
		for rows.Next() {
			inst, err := scanInstallment(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan installment row: %w", err)
			}
			l.Installments = append(l.Installments, *inst)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error during installment iteration: %w", err)
		}
	}
	return nil
}

func (r sqliteLoans) Create(ctx context.Context, l *models.Loan) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.GroupID, l.MemberID, l.Principal, l.InterestRate, l.TotalInterest, l.TotalDue, l.Balance,
		l.InstallmentCount, l.Reason, l.Status, l.RequestedAt.UTC(), utcPtr(l.ApprovedAt), utcPtr(l.RejectedAt), utcPtr(l.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return r.insertInstallments(ctx, l.ID, l.Installments)
}

func (r sqliteLoans) GetByID(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := scanLoan(r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if err := r.loadInstallments(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (r sqliteLoans) ListByGroup(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE group_id = ?`
	args := []any{groupID}
	if memberID != nil {
		query += ` AND member_id = ?`
		args = append(args, *memberID)
	}
	rows, err := r.q.QueryContext(ctx, query+` ORDER BY requested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	if err := r.loadInstallments(ctx, loans...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r sqliteLoans) Update(ctx context.Context, id uuid.UUID, u LoanUpdate) error {
	var c setClause
	if u.Status != nil {
		c.add("status", *u.Status)
	}
	if u.InterestRate != nil {
		c.add("interest_rate", *u.InterestRate)
	}
	if u.TotalInterest != nil {
		c.add("total_interest", *u.TotalInterest)
	}
	if u.TotalDue != nil {
		c.add("total_due", *u.TotalDue)
	}
	if u.Balance != nil {
		c.add("balance", *u.Balance)
	}
	if u.InstallmentCount != nil {
		c.add("installment_count", *u.InstallmentCount)
	}
	if u.ApprovedAt != nil {
		c.add("approved_at", u.ApprovedAt.UTC())
	}
	if u.RejectedAt != nil {
		c.add("rejected_at", u.RejectedAt.UTC())
	}
	if u.ClosedAt != nil {
		c.add("closed_at", u.ClosedAt.UTC())
	}
	if len(c.cols) > 0 {
		if err := c.exec(ctx, r.q, "loans", id); err != nil {
			return err
		}
	}
	if u.Installments != nil {
		if _, err := r.q.ExecContext(ctx, `DELETE FROM loan_installments WHERE loan_id = ?`, id); err != nil {
			return fmt.Errorf("failed to replace installments: %w", err)
		}
		return r.insertInstallments(ctx, id, u.Installments)
	}
	return nil
}

func (r sqliteLoans) UpdateInstallment(ctx context.Context, loanID, installmentID uuid.UUID, u InstallmentUpdate) error {
	var cols []string
	var args []any
	if u.Status != nil {
		cols = append(cols, "status = ?")
		args = append(args, *u.Status)
	}
	if u.PaidAt != nil {
		cols = append(cols, "paid_at = ?")
		args = append(args, u.PaidAt.UTC())
	}
	if len(cols) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE loan_installments SET %s WHERE id = ? AND loan_id = ?", strings.Join(cols, ", "))
	result, err := r.q.ExecContext(ctx, query, append(args, installmentID, loanID)...)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return checkAffected(result)
}

func (r sqliteLoans) ListInstallmentsPaidBetween(ctx context.Context, groupID uuid.UUID, from, to time.Time) ([]*models.LoanInstallment, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT i.id, i.loan_id, i.sequence, i.due_date, i.amount, i.principal_amount, i.interest_amount, i.status, i.paid_at
		FROM loan_installments i JOIN loans l ON l.id = i.loan_id
		WHERE l.group_id = ? AND i.status IN (?, ?) AND i.paid_at >= ? AND i.paid_at < ?
		ORDER BY i.paid_at`,
		groupID, models.InstallmentStatusPaid, models.InstallmentStatusLate, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list paid installments: %w", err)
	}
	defer rows.Close()

	var out []*models.LoanInstallment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Penalties

type sqlitePenalties sqliteRepos

const penaltyColumns = `id, group_id, member_id, loan_id, installment_id, contribution_id, amount, reason, status,
	is_paid, due_date, created_at, paid_at`

func scanPenalty(row scanner) (*models.Penalty, error) {
	var p models.Penalty
	var loanID, installmentID, contributionID uuid.NullUUID
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.GroupID, &p.MemberID, &loanID, &installmentID, &contributionID, &p.Amount, &p.Reason,
		&p.Status, &p.IsPaid, &p.DueDate, &p.CreatedAt, &paidAt)
	if err != nil {
		return nil, err
	}
	p.LoanID = uuidPtr(loanID)
	p.InstallmentID = uuidPtr(installmentID)
	p.ContributionID = uuidPtr(contributionID)
	p.PaidAt = timePtr(paidAt)
	return &p, nil
}

func (r sqlitePenalties) get(ctx context.Context, where string, args ...any) (*models.Penalty, error) {
	p, err := scanPenalty(r.q.QueryRowContext(ctx, `SELECT `+penaltyColumns+` FROM penalties WHERE `+where+` LIMIT 1`, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get penalty: %w", err)
	}
	return p, nil
}

func (r sqlitePenalties) query(ctx context.Context, where string, args ...any) ([]*models.Penalty, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+penaltyColumns+` FROM penalties WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list penalties: %w", err)
	}
	defer rows.Close()

	var out []*models.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan penalty row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r sqlitePenalties) Create(ctx context.Context, p *models.Penalty) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO penalties (`+penaltyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GroupID, p.MemberID, nullUUID(p.LoanID), nullUUID(p.InstallmentID), nullUUID(p.ContributionID),
		p.Amount, p.Reason, p.Status, p.IsPaid, p.DueDate.UTC(), p.CreatedAt.UTC(), utcPtr(p.PaidAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create penalty: %w", err)
	}
	return nil
}

func (r sqlitePenalties) GetByID(ctx context.Context, id uuid.UUID) (*models.Penalty, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r sqlitePenalties) GetByContribution(ctx context.Context, contributionID uuid.UUID) (*models.Penalty, error) {
	return r.get(ctx, `contribution_id = ?`, contributionID)
}

func (r sqlitePenalties) GetByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.Penalty, error) {
	return r.get(ctx, `installment_id = ?`, installmentID)
}

func (r sqlitePenalties) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Penalty, error) {
	return r.query(ctx, `group_id = ?`, groupID)
}

func (r sqlitePenalties) ListByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Penalty, error) {
	return r.query(ctx, `member_id = ?`, memberID)
}

func (r sqlitePenalties) ListByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) ([]*models.Penalty, error) {
	from, to := YearBounds(year)
	return r.query(ctx, `group_id = ? AND created_at >= ? AND created_at < ?`, groupID, from, to)
}

func (r sqlitePenalties) Update(ctx context.Context, id uuid.UUID, u PenaltyUpdate) error {
	var c setClause
	if u.Status != nil {
		c.add("status", *u.Status)
	}
	if u.IsPaid != nil {
		c.add("is_paid", *u.IsPaid)
	}
	if u.PaidAt != nil {
		c.add("paid_at", u.PaidAt.UTC())
	}
	return c.exec(ctx, r.q, "penalties", id)
}

// Transactions

type sqliteTransactions sqliteRepos

const transactionColumns = `id, group_id, member_id, type, amount, balance_delta, savings_delta, income_delta,
	cash_delta, contribution_id, loan_id, installment_id, penalty_id, distribution_id, description, created_at, created_by`

func (r sqliteTransactions) Append(ctx context.Context, tx *models.Transaction) error {
	result, err := r.q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.GroupID, nullUUID(tx.MemberID), tx.Type, tx.Amount, tx.BalanceDelta, tx.SavingsDelta, tx.IncomeDelta,
		tx.CashDelta, nullUUID(tx.ContributionID), nullUUID(tx.LoanID), nullUUID(tx.InstallmentID), nullUUID(tx.PenaltyID),
		nullUUID(tx.DistributionID), tx.Description, tx.CreatedAt.UTC(), tx.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	if tx.Seq, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read transaction sequence: %w", err)
	}
	return nil
}

func (r sqliteTransactions) List(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error) {
	where := []string{"group_id = ?"}
	args := []any{f.GroupID}
	if f.MemberID != nil {
		where = append(where, "member_id = ?")
		args = append(args, *f.MemberID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UTC())
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var memberID, contributionID, loanID, installmentID, penaltyID, distributionID uuid.NullUUID
		err := rows.Scan(&tx.ID, &tx.GroupID, &memberID, &tx.Type, &tx.Amount, &tx.BalanceDelta, &tx.SavingsDelta,
			&tx.IncomeDelta, &tx.CashDelta, &contributionID, &loanID, &installmentID, &penaltyID, &distributionID,
			&tx.Description, &tx.CreatedAt, &tx.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		tx.MemberID = uuidPtr(memberID)
		tx.ContributionID = uuidPtr(contributionID)
		tx.LoanID = uuidPtr(loanID)
		tx.InstallmentID = uuidPtr(installmentID)
		tx.PenaltyID = uuidPtr(penaltyID)
		tx.DistributionID = uuidPtr(distributionID)
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// Distributions

type sqliteDistributions sqliteRepos

const distributionColumns = `id, group_id, year, total_contributions, total_profit_pool, total_loan_interest,
	total_penalties, number_of_members, profit_per_member, status, created_at, distributed_at`

const memberDistributionColumns = `id, distribution_id, member_id, total_contributions, profit_share, total_payout,
	created_at, paid_at`

func scanDistribution(row scanner) (*models.Distribution, error) {
	var d models.Distribution
	var distributedAt sql.NullTime
	err := row.Scan(&d.ID, &d.GroupID, &d.Year, &d.TotalContributions, &d.TotalProfitPool, &d.TotalLoanInterest,
		&d.TotalPenalties, &d.NumberOfMembers, &d.ProfitPerMember, &d.Status, &d.CreatedAt, &distributedAt)
	if err != nil {
		return nil, err
	}
	d.DistributedAt = timePtr(distributedAt)
	return &d, nil
}

func (r sqliteDistributions) get(ctx context.Context, where string, args ...any) (*models.Distribution, error) {
	d, err := scanDistribution(r.q.QueryRowContext(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return d, nil
}

func (r sqliteDistributions) Create(ctx context.Context, d *models.Distribution) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO distributions (`+distributionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.GroupID, d.Year, d.TotalContributions, d.TotalProfitPool, d.TotalLoanInterest, d.TotalPenalties,
		d.NumberOfMembers, d.ProfitPerMember, d.Status, d.CreatedAt.UTC(), utcPtr(d.DistributedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create distribution: %w", err)
	}
	return nil
}

func (r sqliteDistributions) GetByID(ctx context.Context, id uuid.UUID) (*models.Distribution, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r sqliteDistributions) GetActiveByGroupAndYear(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	return r.get(ctx, `group_id = ? AND year = ? AND status != ?`, groupID, year, models.DistributionStatusCancelled)
}

func (r sqliteDistributions) Update(ctx context.Context, id uuid.UUID, u DistributionUpdate) error {
	var c setClause
	if u.Status != nil {
		c.add("status", *u.Status)
	}
	if u.DistributedAt != nil {
		c.add("distributed_at", u.DistributedAt.UTC())
	}
	return c.exec(ctx, r.q, "distributions", id)
}

func (r sqliteDistributions) CreateMemberDistribution(ctx context.Context, md *models.MemberDistribution) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO member_distributions (`+memberDistributionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		md.ID, md.DistributionID, md.MemberID, md.TotalContributions, md.ProfitShare, md.TotalPayout,
		md.CreatedAt.UTC(), utcPtr(md.PaidAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create member distribution: %w", err)
	}
	return nil
}

func (r sqliteDistributions) ListMemberDistributions(ctx context.Context, distributionID uuid.UUID) ([]*models.MemberDistribution, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+memberDistributionColumns+` FROM member_distributions WHERE distribution_id = ? ORDER BY member_id`,
		distributionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list member distributions: %w", err)
	}
	defer rows.Close()

	var out []*models.MemberDistribution
	for rows.Next() {
		var md models.MemberDistribution
		var paidAt sql.NullTime
		err := rows.Scan(&md.ID, &md.DistributionID, &md.MemberID, &md.TotalContributions, &md.ProfitShare,
			&md.TotalPayout, &md.CreatedAt, &paidAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member distribution row: %w", err)
		}
		md.PaidAt = timePtr(paidAt)
		out = append(out, &md)
	}
	return out, rows.Err()
}

func (r sqliteDistributions) UpdateMemberDistribution(ctx context.Context, id uuid.UUID, u MemberDistributionUpdate) error {
	var c setClause
	if u.PaidAt != nil {
		c.add("paid_at", u.PaidAt.UTC())
	}
	return c.exec(ctx, r.q, "member_distributions", id)
}

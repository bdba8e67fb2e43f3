package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
	"github.com/shopspring/decimal"
)

// RequestLoan files a pending loan. Interest is left at zero until approval so the rate in force
// at approval time applies.
func (l *Ledger) RequestLoan(ctx context.Context, groupID, memberID uuid.UUID, principal decimal.Decimal, installmentCount int, reason string) (*models.Loan, error) {
	if !principal.IsPositive() {
		return nil, invalid("loan principal must be positive")
	}
	if installmentCount <= 0 {
		return nil, invalid("installment count must be positive")
	}
	principal = round2(principal)

	var loan *models.Loan
	err := l.atomic(ctx, []string{lock.MemberKey(memberID)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, memberID)
		if err != nil {
			return err
		}
		if err := checkEligibility(ctx, r, g, m, principal); err != nil {
			return err
		}

		loan = &models.Loan{
			ID:               uuid.New(),
			GroupID:          groupID,
			MemberID:         memberID,
			Principal:        principal,
			InterestRate:     decimal.Zero,
			TotalInterest:    decimal.Zero,
			TotalDue:         principal,
			Balance:          principal,
			InstallmentCount: installmentCount,
			Reason:           strings.TrimSpace(reason),
			Status:           models.LoanStatusPending,
			RequestedAt:      l.clock(),
		}
		if err := r.Loans().Create(ctx, loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan requested", "group_id", groupID, "member_id", memberID, "loan_id", loan.ID, "principal", principal.StringFixed(2))
	return loan, nil
}

func checkEligibility(ctx context.Context, r store.Repositories, g *models.Group, m *models.Member, principal decimal.Decimal) error {
	if !m.IsActive() {
		return invalid("member %s is not active", m.ID)
	}
	if minMonths := g.Settings.MinimumContributionMonths; minMonths > 0 {
		contributions, err := r.Contributions().ListByGroup(ctx, g.ID, &m.ID)
		if err != nil {
			return fmt.Errorf("failed to list contributions: %w", err)
		}
		paid := 0
		for _, c := range contributions {
			if c.Status == models.ContributionStatusPaid {
				paid++
			}
		}
		if paid < minMonths {
			return invalid("member %s has %d paid contributions, %d required", m.ID, paid, minMonths)
		}
	}
	if ratio := g.Settings.LoanToSavingsRatio; ratio.IsPositive() {
		limit := round2(m.Balance.Mul(ratio))
		if principal.GreaterThan(limit) {
			return invalid("principal %s exceeds the member's limit of %s", principal.StringFixed(2), limit.StringFixed(2))
		}
	}
	return nil
}

// buildSchedule splits totalDue into n monthly installments, the first due one month after start.
// Every installment carries round2(totalDue/n) except the last, which takes the rounding remainder
// so the schedule sums to totalDue and totalInterest exactly.
func buildSchedule(loanID uuid.UUID, totalInterest, totalDue decimal.Decimal, n int, start time.Time) []models.LoanInstallment {
	count := decimal.NewFromInt(int64(n))
	amount := round2(totalDue.Div(count))
	interest := round2(totalInterest.Div(count))
	lastAmount := totalDue.Sub(amount.Mul(decimal.NewFromInt(int64(n - 1))))
	lastInterest := totalInterest.Sub(interest.Mul(decimal.NewFromInt(int64(n - 1))))

	schedule := make([]models.LoanInstallment, n)
	for i := range schedule {
		a, in := amount, interest
		if i == n-1 {
			a, in = lastAmount, lastInterest
		}
		schedule[i] = models.LoanInstallment{
			ID:              uuid.New(),
			LoanID:          loanID,
			Sequence:        i + 1,
			DueDate:         start.AddDate(0, i+1, 0),
			Amount:          a,
			PrincipalAmount: a.Sub(in),
			InterestAmount:  in,
			Status:          models.InstallmentStatusDue,
		}
	}
	return schedule
}

// ApproveLoan snapshots the group's interest rate, builds the repayment schedule and disburses
// the principal from the group's cash. An installmentCount of 0 keeps the requested count.
func (l *Ledger) ApproveLoan(ctx context.Context, groupID, loanID uuid.UUID, installmentCount int) (*models.Loan, error) {
	if installmentCount < 0 {
		return nil, invalid("installment count must not be negative")
	}

	var loan *models.Loan
	err := l.atomic(ctx, []string{lock.LoanKey(loanID)}, func(r store.Repositories) error {
		var err error
		if loan, err = loadLoan(ctx, r, groupID, loanID); err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return conflict("loan %s is %s, not pending", loanID, loan.Status)
		}
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}

		n := installmentCount
		if n == 0 {
			n = loan.InstallmentCount
		}
		now := l.clock()
		rate := g.Settings.LoanInterestRate
		totalInterest := round2(loan.Principal.Mul(rate))
		totalDue := loan.Principal.Add(totalInterest)
		schedule := buildSchedule(loan.ID, totalInterest, totalDue, n, now)

		err = r.Loans().Update(ctx, loanID, store.LoanUpdate{
			Status:           ptr(models.LoanStatusApproved),
			InterestRate:     &rate,
			TotalInterest:    &totalInterest,
			TotalDue:         &totalDue,
			Balance:          &totalDue,
			InstallmentCount: &n,
			ApprovedAt:       &now,
			Installments:     schedule,
		})
		if err != nil {
			return fmt.Errorf("failed to approve loan: %w", err)
		}
		loan.Status = models.LoanStatusApproved
		loan.InterestRate, loan.TotalInterest, loan.TotalDue, loan.Balance = rate, totalInterest, totalDue, totalDue
		loan.InstallmentCount, loan.ApprovedAt, loan.Installments = n, &now, schedule

		return l.post(ctx, r, g, nil, &models.Transaction{
			MemberID:    ptr(loan.MemberID),
			Type:        models.TransactionTypeLoanDisbursement,
			Amount:      loan.Principal,
			CashDelta:   loan.Principal.Neg(),
			LoanID:      ptr(loan.ID),
			Description: "loan disbursement",
			CreatedBy:   "admin",
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan approved", "group_id", groupID, "loan_id", loanID, "total_due", loan.TotalDue.StringFixed(2), "installments", loan.InstallmentCount)
	return loan, nil
}

// RejectLoan ends a pending loan.
func (l *Ledger) RejectLoan(ctx context.Context, groupID, loanID uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.atomic(ctx, []string{lock.LoanKey(loanID)}, func(r store.Repositories) error {
		var err error
		if loan, err = loadLoan(ctx, r, groupID, loanID); err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return conflict("loan %s is %s, not pending", loanID, loan.Status)
		}
		now := l.clock()
		if err := r.Loans().Update(ctx, loanID, store.LoanUpdate{Status: ptr(models.LoanStatusRejected), RejectedAt: &now}); err != nil {
			return fmt.Errorf("failed to reject loan: %w", err)
		}
		loan.Status, loan.RejectedAt = models.LoanStatusRejected, &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan rejected", "group_id", groupID, "loan_id", loanID)
	return loan, nil
}

// RepayInstallment settles one installment. Paying after the due date leaves the installment
// late and charges a penalty of the loan's total due times the group penalty rate; if that
// penalty cannot be charged nothing is repaid. The loan closes once every installment is settled.
func (l *Ledger) RepayInstallment(ctx context.Context, groupID, loanID, installmentID uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.atomic(ctx, []string{lock.LoanKey(loanID)}, func(r store.Repositories) error {
		var err error
		if loan, err = loadLoan(ctx, r, groupID, loanID); err != nil {
			return err
		}
		if loan.Status != models.LoanStatusApproved {
			return conflict("loan %s is %s, not approved", loanID, loan.Status)
		}
		inst := loan.Installment(installmentID)
		if inst == nil {
			return notFound("installment", installmentID)
		}
		if inst.IsSettled() {
			return conflict("installment %d of loan %s is already paid", inst.Sequence, loanID)
		}
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, loan.MemberID)
		if err != nil {
			return err
		}

		now := l.clock()
		status := models.InstallmentStatusPaid
		if IsLate(now, inst.DueDate) {
			status = models.InstallmentStatusLate
			if err := l.chargeLatePenalty(ctx, r, g, loan, inst); err != nil {
				return fmt.Errorf("repayment aborted: %w", err)
			}
		}
		if err := r.Loans().UpdateInstallment(ctx, loanID, installmentID, store.InstallmentUpdate{Status: &status, PaidAt: &now}); err != nil {
			return fmt.Errorf("failed to update installment: %w", err)
		}
		inst.Status, inst.PaidAt = status, &now

		update := store.LoanUpdate{}
		balance := loan.Balance.Sub(inst.Amount)
		if balance.IsNegative() {
			balance = decimal.Zero
		}
		if loan.AllSettled() {
			balance = decimal.Zero
			update.Status = ptr(models.LoanStatusClosed)
			update.ClosedAt = &now
			loan.Status, loan.ClosedAt = models.LoanStatusClosed, &now
		}
		update.Balance = &balance
		loan.Balance = balance
		if err := r.Loans().Update(ctx, loanID, update); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}

		return l.post(ctx, r, g, m, &models.Transaction{
			Type:          models.TransactionTypeLoanRepayment,
			Amount:        inst.Amount,
			IncomeDelta:   inst.InterestAmount,
			CashDelta:     inst.Amount,
			LoanID:        ptr(loan.ID),
			InstallmentID: ptr(inst.ID),
			Description:   fmt.Sprintf("installment %d of %d", inst.Sequence, loan.InstallmentCount),
			CreatedBy:     m.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("installment repaid", "group_id", groupID, "loan_id", loanID, "installment_id", installmentID, "loan_status", loan.Status)
	return loan, nil
}

func (l *Ledger) chargeLatePenalty(ctx context.Context, r store.Repositories, g *models.Group, loan *models.Loan, inst *models.LoanInstallment) error {
	amount := round2(loan.TotalDue.Mul(g.Settings.PenaltyRate))
	if !amount.IsPositive() {
		return nil
	}
	exists, err := penaltyExists(func() (*models.Penalty, error) {
		return r.Penalties().GetByInstallment(ctx, inst.ID)
	})
	if err != nil || exists {
		return err
	}
	return l.chargePenalty(ctx, r, g, &models.Penalty{
		MemberID:      loan.MemberID,
		LoanID:        ptr(loan.ID),
		InstallmentID: ptr(inst.ID),
		Amount:        amount,
		Reason:        fmt.Sprintf("late payment of installment %d", inst.Sequence),
	})
}

func loadLoan(ctx context.Context, r store.Repositories, groupID, loanID uuid.UUID) (*models.Loan, error) {
	loan, err := r.Loans().GetByID(ctx, loanID)
	if err != nil {
		return nil, loadErr("loan", loanID, err)
	}
	if loan.GroupID != groupID {
		return nil, accessDenied("loan", loanID)
	}
	return loan, nil
}

func (l *Ledger) GetLoan(ctx context.Context, groupID, loanID uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.read(ctx, func(r store.Repositories) (err error) {
		loan, err = loadLoan(ctx, r, groupID, loanID)
		return err
	})
	return loan, err
}

// ListLoans returns the group's loans, optionally for one member only.
func (l *Ledger) ListLoans(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		var err error
		loans, err = r.Loans().ListByGroup(ctx, groupID, memberID)
		return err
	})
	return loans, err
}

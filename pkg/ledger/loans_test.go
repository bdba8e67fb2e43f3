package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) approvedLoan(g *models.Group, m *models.Member, principal string, n int) *models.Loan {
	f.t.Helper()
	loan, err := f.l.RequestLoan(f.ctx, g.ID, m.ID, dec(principal), n, "school fees")
	require.NoError(f.t, err)
	loan, err = f.l.ApproveLoan(f.ctx, g.ID, loan.ID, 0)
	require.NoError(f.t, err)
	return loan
}

func TestLoanScenario(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	loan, err := f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("150000"), 6, "school fees")
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.True(t, loan.TotalInterest.IsZero())
	assert.Empty(t, loan.Installments)

	loan, err = f.l.ApproveLoan(f.ctx, g.ID, loan.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusApproved, loan.Status)
	assertDecimal(t, "0.05", loan.InterestRate)
	assertDecimal(t, "7500", loan.TotalInterest)
	assertDecimal(t, "157500", loan.TotalDue)
	require.Len(t, loan.Installments, 6)
	for i, inst := range loan.Installments {
		assertDecimal(t, "26250", inst.Amount)
		assertDecimal(t, "1250", inst.InterestAmount)
		assert.Equal(t, i+1, inst.Sequence)
		assert.Equal(t, start.AddDate(0, i+1, 0), inst.DueDate)
	}
	assertDecimal(t, "-150000", f.reloadGroup(g.ID).Cash, "principal leaves the treasury")
	assert.True(t, f.reloadMember(g, m.ID).Balance.IsZero(), "disbursement does not debit the member")

	for _, inst := range loan.Installments {
		loan, err = f.l.RepayInstallment(f.ctx, g.ID, loan.ID, inst.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, models.LoanStatusClosed, loan.Status)
	assert.True(t, loan.Balance.IsZero())
	require.NotNil(t, loan.ClosedAt)

	stored, err := f.l.GetLoan(f.ctx, g.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusClosed, stored.Status)
	for _, inst := range stored.Installments {
		assert.Equal(t, models.InstallmentStatusPaid, inst.Status)
	}

	g = f.reloadGroup(g.ID)
	assertDecimal(t, "7500", g.TotalIncome)
	assertDecimal(t, "7500", g.Cash)

	penalties, err := f.l.ListPenaltiesByGroup(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, penalties)
}

func TestInstallmentSumMatchesTotalDue(t *testing.T) {
	cases := []struct {
		principal string
		rate      string
		n         int
	}{
		{"100", "0", 3},
		{"150000", "0.05", 6},
		{"1000", "0.07", 7},
		{"99.99", "0.125", 11},
		{"250000", "0.033", 12},
	}
	for _, tc := range cases {
		f := newFixture(t)
		settings := defaultSettings()
		settings.LoanInterestRate = dec(tc.rate)
		g := f.group(settings)
		m := f.member(g, "Amina")

		loan := f.approvedLoan(g, m, tc.principal, tc.n)
		sum, interest := decimal.Zero, decimal.Zero
		for _, inst := range loan.Installments {
			sum = sum.Add(inst.Amount)
			interest = interest.Add(inst.InterestAmount)
		}
		assert.True(t, sum.Equal(loan.TotalDue), "principal %s over %d: sum %s, total due %s", tc.principal, tc.n, sum, loan.TotalDue)
		assert.True(t, interest.Equal(loan.TotalInterest), "principal %s over %d: interest %s, total %s", tc.principal, tc.n, interest, loan.TotalInterest)
	}
}

func TestLastInstallmentTakesRoundingRemainder(t *testing.T) {
	f := newFixture(t)
	settings := defaultSettings()
	settings.LoanInterestRate = dec("0.1")
	g := f.group(settings)
	m := f.member(g, "Amina")

	loan := f.approvedLoan(g, m, "1000", 3)
	require.Len(t, loan.Installments, 3)
	assertDecimal(t, "366.67", loan.Installments[0].Amount)
	assertDecimal(t, "366.67", loan.Installments[1].Amount)
	assertDecimal(t, "366.66", loan.Installments[2].Amount)
	assertDecimal(t, "33.33", loan.Installments[0].InterestAmount)
	assertDecimal(t, "33.34", loan.Installments[2].InterestAmount)

	var err error
	for _, inst := range loan.Installments {
		loan, err = f.l.RepayInstallment(f.ctx, g.ID, loan.ID, inst.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, models.LoanStatusClosed, loan.Status)

	g = f.reloadGroup(g.ID)
	assertDecimal(t, "100", g.TotalIncome, "income matches the loan's total interest")
	assertDecimal(t, "100", g.Cash, "repayments return exactly principal plus interest")
}

func TestApproveUsesRateAtApproval(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	loan, err := f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("1000"), 4, "")
	require.NoError(t, err)

	settings := defaultSettings()
	settings.LoanInterestRate = dec("0.1")
	_, err = f.l.UpdateSettings(f.ctx, g.ID, settings)
	require.NoError(t, err)

	loan, err = f.l.ApproveLoan(f.ctx, g.ID, loan.ID, 2)
	require.NoError(t, err)
	assertDecimal(t, "100", loan.TotalInterest)
	assert.Equal(t, 2, loan.InstallmentCount, "approval may override the requested count")
	assert.Len(t, loan.Installments, 2)
}

func TestLoanStateMachine(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	loan, err := f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("1000"), 2, "")
	require.NoError(t, err)

	other := f.group(defaultSettings())
	_, err = f.l.ApproveLoan(f.ctx, other.ID, loan.ID, 0)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = f.l.ApproveLoan(f.ctx, g.ID, uuid.New(), 0)
	assert.ErrorIs(t, err, ErrNotFound)

	rejected, err := f.l.RejectLoan(f.ctx, g.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectedAt)

	_, err = f.l.ApproveLoan(f.ctx, g.ID, loan.ID, 0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.l.RejectLoan(f.ctx, g.ID, loan.ID)
	assert.ErrorIs(t, err, ErrConflict)

	approved := f.approvedLoan(g, m, "1000", 2)
	_, err = f.l.ApproveLoan(f.ctx, g.ID, approved.ID, 0)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.l.RepayInstallment(f.ctx, g.ID, approved.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	first := approved.Installments[0].ID
	_, err = f.l.RepayInstallment(f.ctx, g.ID, approved.ID, first)
	require.NoError(t, err)
	_, err = f.l.RepayInstallment(f.ctx, g.ID, approved.ID, first)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.l.RepayInstallment(f.ctx, g.ID, loan.ID, first)
	assert.ErrorIs(t, err, ErrConflict, "rejected loans take no repayments")

	loans, err := f.l.ListLoans(f.ctx, g.ID, &m.ID)
	require.NoError(t, err)
	assert.Len(t, loans, 2)
}

func TestRequestLoanValidation(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	_, err := f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("0"), 2, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("100"), 0, "")
	assert.ErrorIs(t, err, ErrValidation)

	pending, err := f.l.AddMember(f.ctx, g.ID, "Pending")
	require.NoError(t, err)
	_, err = f.l.RequestLoan(f.ctx, g.ID, pending.ID, dec("100"), 2, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.l.RequestLoan(f.ctx, g.ID, uuid.New(), dec("100"), 2, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestLoanEligibility(t *testing.T) {
	f := newFixture(t)
	settings := defaultSettings()
	settings.MinimumContributionMonths = 2
	settings.LoanToSavingsRatio = dec("3")
	g := f.group(settings)
	m := f.member(g, "Amina")

	_, err := f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-01", dec("50000"), "admin")
	require.NoError(t, err)
	_, err = f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("1000"), 2, "")
	assert.ErrorIs(t, err, ErrValidation, "one paid month is not enough")

	_, err = f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-02", dec("50000"), "admin")
	require.NoError(t, err)

	_, err = f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("300000.01"), 2, "")
	assert.ErrorIs(t, err, ErrValidation, "principal above three times savings")

	_, err = f.l.RequestLoan(f.ctx, g.ID, m.ID, dec("300000"), 2, "")
	assert.NoError(t, err)
}

func TestLateRepaymentChargesTotalDuePenalty(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")
	loan := f.approvedLoan(g, m, "150000", 6)

	f.now = loan.Installments[0].DueDate.Add(time.Hour)
	loan, err := f.l.RepayInstallment(f.ctx, g.ID, loan.ID, loan.Installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusLate, loan.Installments[0].Status)

	penalties, err := f.l.ListPenaltiesByMember(f.ctx, g.ID, m.ID)
	require.NoError(t, err)
	require.Len(t, penalties, 1)
	assertDecimal(t, "15750", penalties[0].Amount, "10% of the whole loan")
	require.NotNil(t, penalties[0].InstallmentID)
	assert.Equal(t, loan.Installments[0].ID, *penalties[0].InstallmentID)
	assertDecimal(t, "15750", f.reloadMember(g, m.ID).PenaltiesTotal)

	// the remaining installments are also paid late; late still counts towards closure
	f.now = loan.Installments[5].DueDate.Add(time.Hour)
	for _, inst := range loan.Installments[1:] {
		loan, err = f.l.RepayInstallment(f.ctx, g.ID, loan.ID, inst.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, models.LoanStatusClosed, loan.Status)

	penalties, err = f.l.ListPenaltiesByMember(f.ctx, g.ID, m.ID)
	require.NoError(t, err)
	assert.Len(t, penalties, 6, "one penalty per late installment")
}

func TestFailedPenaltyAbortsRepayment(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")
	loan := f.approvedLoan(g, m, "150000", 6)
	cashBefore := f.reloadGroup(g.ID).Cash

	entriesBefore, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin})
	require.NoError(t, err)

	broken := f.ledgerOver(failingStorage{f.store})
	f.now = loan.Installments[0].DueDate.Add(time.Hour)
	_, err = broken.RepayInstallment(f.ctx, g.ID, loan.ID, loan.Installments[0].ID)
	require.ErrorIs(t, err, errDiskFull)

	stored, err := f.l.GetLoan(f.ctx, g.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusDue, stored.Installments[0].Status)
	assert.True(t, stored.Balance.Equal(loan.Balance))
	assert.True(t, f.reloadGroup(g.ID).Cash.Equal(cashBefore))
	assert.True(t, f.reloadMember(g, m.ID).PenaltiesTotal.IsZero())

	entriesAfter, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entriesBefore))

	// on-time repayments need no penalty and go through
	f.now = start
	_, err = broken.RepayInstallment(f.ctx, g.ID, loan.ID, loan.Installments[1].ID)
	assert.NoError(t, err)
}

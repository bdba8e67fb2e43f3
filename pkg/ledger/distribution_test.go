package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// profitableYear sets up four members who each paid one contribution, 7500 of repaid loan
// interest and 2500 of paid penalties in 2026.
func profitableYear(f *fixture) (*models.Group, []*models.Member) {
	f.t.Helper()
	g := f.group(defaultSettings())
	var members []*models.Member
	for _, name := range []string{"Amina", "Baraka", "Chausiku", "Daudi"} {
		m := f.member(g, name)
		_, err := f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-01", dec("50000"), "admin")
		require.NoError(f.t, err)
		members = append(members, m)
	}

	loan := f.approvedLoan(g, members[0], "150000", 6)
	for _, inst := range loan.Installments {
		_, err := f.l.RepayInstallment(f.ctx, g.ID, loan.ID, inst.ID)
		require.NoError(f.t, err)
	}

	p, err := f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: members[1].ID, Amount: dec("2500"), Reason: "late"})
	require.NoError(f.t, err)
	_, err = f.l.PayPenalty(f.ctx, g.ID, p.ID)
	require.NoError(f.t, err)

	// unpaid penalties are not profit
	_, err = f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: members[2].ID, Amount: dec("999"), Reason: "late"})
	require.NoError(f.t, err)
	return g, members
}

func TestDistributionScenario(t *testing.T) {
	f := newFixture(t)
	g, members := profitableYear(f)

	d, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusPending, d.Status)
	assertDecimal(t, "7500", d.TotalLoanInterest)
	assertDecimal(t, "2500", d.TotalPenalties)
	assertDecimal(t, "10000", d.TotalProfitPool)
	assertDecimal(t, "200000", d.TotalContributions)
	assert.Equal(t, 4, d.NumberOfMembers)
	assertDecimal(t, "2500", d.ProfitPerMember)

	shares, err := f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	require.Len(t, shares, 4)
	for _, md := range shares {
		assertDecimal(t, "50000", md.TotalContributions)
		assertDecimal(t, "2500", md.ProfitShare)
		assertDecimal(t, "52500", md.TotalPayout)
		assert.Nil(t, md.PaidAt)
	}

	executed, err := f.l.Execute(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusCompleted, executed.Status)
	require.NotNil(t, executed.DistributedAt)

	for _, m := range members {
		// 50000 credited when the contribution was paid, plus the 52500 payout
		assertDecimal(t, "102500", f.reloadMember(g, m.ID).Balance, m.Name)
	}

	_, err = f.l.Execute(f.ctx, g.ID, 2026)
	assert.ErrorIs(t, err, ErrConflict)
	for _, m := range members {
		assertDecimal(t, "102500", f.reloadMember(g, m.ID).Balance, "no double payout for %s", m.Name)
	}

	payouts, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Type: models.TransactionTypeCycleDistribution})
	require.NoError(t, err)
	assert.Len(t, payouts, 4)

	_, err = f.l.Calculate(f.ctx, g.ID, 2026)
	assert.ErrorIs(t, err, ErrConflict)

	paidShares, err := f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	require.Len(t, paidShares, 4)
	for _, md := range paidShares {
		assert.NotNil(t, md.PaidAt)
	}
}

func TestBreakdownIsCached(t *testing.T) {
	f := newFixture(t)
	g, members := profitableYear(f)

	first, err := f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	require.Len(t, first, 4)

	// a member activated after the calculation is not in the pool and gets no share
	late := f.member(g, "Late Joiner")
	_, err = f.l.AddContribution(f.ctx, g.ID, late.ID, "2026-02", dec("50000"), "admin")
	require.NoError(t, err)

	second, err := f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	require.Len(t, second, len(members))

	ids := make(map[uuid.UUID]*models.MemberDistribution)
	shared := decimal.Zero
	for _, md := range second {
		ids[md.ID] = md
		shared = shared.Add(md.ProfitShare)
		assert.NotEqual(t, late.ID, md.MemberID)
	}
	for _, md := range first {
		got, ok := ids[md.ID]
		require.True(t, ok, "stored share %s must be returned again", md.ID)
		assert.True(t, got.TotalPayout.Equal(md.TotalPayout))
	}

	d, err := f.l.GetDistribution(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.True(t, shared.Equal(d.TotalProfitPool), "shares %s must add up to the pool %s", shared, d.TotalProfitPool)

	_, err = f.l.Execute(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assertDecimal(t, "50000", f.reloadMember(g, late.ID).Balance, "no payout for the late joiner")
}

func TestSharesNeverExceedPool(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	f.member(g, "Amina")
	baraka := f.member(g, "Baraka")

	p, err := f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: baraka.ID, Amount: dec("99.99")})
	require.NoError(t, err)
	_, err = f.l.PayPenalty(f.ctx, g.ID, p.ID)
	require.NoError(t, err)

	d, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	f.member(g, "Chausiku")

	shares, err := f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	require.Len(t, shares, d.NumberOfMembers)

	shared := decimal.Zero
	for _, md := range shares {
		shared = shared.Add(md.ProfitShare)
	}
	tolerance := dec("0.01").Mul(decimal.NewFromInt(int64(d.NumberOfMembers)))
	assert.True(t, shared.Sub(d.TotalProfitPool).Abs().LessThanOrEqual(tolerance), "shares %s, pool %s", shared, d.TotalProfitPool)

	// recalculating picks up the new member
	_, err = f.l.Cancel(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	shares, err = f.l.Breakdown(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Len(t, shares, 3)
}

func TestCalculateConservation(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	members := []*models.Member{f.member(g, "A"), f.member(g, "B"), f.member(g, "C")}

	p, err := f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: members[0].ID, Amount: dec("10000")})
	require.NoError(t, err)
	_, err = f.l.PayPenalty(f.ctx, g.ID, p.ID)
	require.NoError(t, err)

	d, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assertDecimal(t, "3333.33", d.ProfitPerMember)

	diff := d.ProfitPerMember.Mul(decimal.NewFromInt(int64(d.NumberOfMembers))).Sub(d.TotalProfitPool).Abs()
	assert.True(t, diff.LessThanOrEqual(dec("0.01").Mul(decimal.NewFromInt(int64(d.NumberOfMembers)))))
}

func TestCalculateFailures(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())

	_, err := f.l.Calculate(f.ctx, g.ID, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.l.Calculate(f.ctx, g.ID, 2026)
	assert.ErrorIs(t, err, ErrValidation, "no active members")

	_, err = f.l.Execute(f.ctx, g.ID, 2026)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.l.Calculate(f.ctx, uuid.New(), 2026)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalculateReturnsPendingAndCancel(t *testing.T) {
	f := newFixture(t)
	g, _ := profitableYear(f)

	first, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	again, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	cancelled, err := f.l.Cancel(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusCancelled, cancelled.Status)

	fresh, err := f.l.Calculate(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)

	_, err = f.l.Execute(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	_, err = f.l.Cancel(f.ctx, g.ID, 2026)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := f.l.GetDistribution(f.ctx, g.ID, 2026)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestCalculateIgnoresOtherYears(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	_, err := f.l.AddContribution(f.ctx, g.ID, m.ID, "2025-12", dec("50000"), "admin")
	require.NoError(t, err)
	_, err = f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-01", dec("40000"), "admin")
	require.NoError(t, err)

	d, err := f.l.Calculate(f.ctx, g.ID, 2025)
	require.NoError(t, err)
	assertDecimal(t, "50000", d.TotalContributions)
	assert.True(t, d.TotalLoanInterest.IsZero())
}

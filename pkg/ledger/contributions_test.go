package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var marchDue = time.Date(2026, time.March, 31, 23, 59, 59, 0, time.UTC)

func TestContributionScenario(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	created, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
	require.NoError(t, err)
	require.Len(t, created, 1)
	c := created[0]
	assert.Equal(t, models.ContributionStatusUnpaid, c.Status)
	assertDecimal(t, "50000", c.Amount)
	assert.Equal(t, m.ID, c.MemberID)

	paid, err := f.l.RecordPayment(f.ctx, c.ID, m.ID, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, start, *paid.PaidAt)

	assertDecimal(t, "50000", f.reloadMember(g, m.ID).Balance)
	g = f.reloadGroup(g.ID)
	assertDecimal(t, "50000", g.TotalSavings)
	assertDecimal(t, "50000", g.Cash)

	entries, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionTypeContribution, entries[0].Type)
	require.NotNil(t, entries[0].ContributionID)
	assert.Equal(t, c.ID, *entries[0].ContributionID)
}

func TestGenerateMonthlyObligationsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	f.member(g, "Amina")
	f.member(g, "Baraka")
	_, err := f.l.AddMember(f.ctx, g.ID, "Pending")
	require.NoError(t, err)

	first, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
	require.NoError(t, err)
	assert.Len(t, first, 2, "pending members get no obligation")

	second, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
	require.NoError(t, err)
	assert.Empty(t, second)

	all, err := f.l.ListContributions(f.ctx, g.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGenerateMonthlyObligationsValidation(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())

	for _, month := range []string{"2026-3", "March", "2026-13", ""} {
		_, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, month, dec("50000"), marchDue)
		assert.ErrorIs(t, err, ErrValidation, month)
	}
	_, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("0"), marchDue)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.l.GenerateMonthlyObligations(f.ctx, uuid.New(), "2026-03", dec("1"), marchDue)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordPaymentFailures(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")
	other := f.member(g, "Baraka")

	created, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
	require.NoError(t, err)
	var c *models.Contribution
	for _, candidate := range created {
		if candidate.MemberID == m.ID {
			c = candidate
		}
	}
	require.NotNil(t, c)

	_, err = f.l.RecordPayment(f.ctx, uuid.New(), m.ID, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.l.RecordPayment(f.ctx, c.ID, other.ID, g.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.l.RecordPayment(f.ctx, c.ID, m.ID, uuid.New())
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.l.RecordPayment(f.ctx, c.ID, m.ID, g.ID)
	require.NoError(t, err)
	_, err = f.l.RecordPayment(f.ctx, c.ID, m.ID, g.ID)
	assert.ErrorIs(t, err, ErrConflict)

	assertDecimal(t, "50000", f.reloadMember(g, m.ID).Balance)
	assert.True(t, f.reloadMember(g, other.ID).Balance.IsZero())
}

func TestMarkOverdue(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")
	payer := f.member(g, "Baraka")

	due := start.AddDate(0, 0, 4)
	created, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), due)
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, c := range created {
		if c.MemberID == payer.ID {
			_, err := f.l.RecordPayment(f.ctx, c.ID, payer.ID, g.ID)
			require.NoError(t, err)
		}
	}

	res, err := f.l.MarkOverdue(f.ctx, g.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OverdueResult{}, res, "nothing is late before the due date")

	f.advance(5 * 24 * time.Hour)
	res, err = f.l.MarkOverdue(f.ctx, g.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OverdueResult{Marked: 1, PenaltiesGenerated: 1}, res)

	res, err = f.l.MarkOverdue(f.ctx, g.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OverdueResult{}, res, "a second run charges nothing")

	penalties, err := f.l.ListPenaltiesByMember(f.ctx, g.ID, m.ID)
	require.NoError(t, err)
	require.Len(t, penalties, 1)
	p := penalties[0]
	assertDecimal(t, "2500", p.Amount)
	assert.Equal(t, f.now.Add(7*24*time.Hour), p.DueDate)
	assert.False(t, p.IsPaid)
	require.NotNil(t, p.ContributionID)

	assertDecimal(t, "2500", f.reloadMember(g, m.ID).PenaltiesTotal)
	assert.True(t, f.reloadMember(g, payer.ID).PenaltiesTotal.IsZero())

	contributions, err := f.l.ListContributions(f.ctx, g.ID, &m.ID)
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	assert.Equal(t, models.ContributionStatusOverdue, contributions[0].Status)

	// overdue contributions can still be paid
	paid, err := f.l.RecordPayment(f.ctx, contributions[0].ID, m.ID, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPaid, paid.Status)
}

func TestMarkOverduePenalizesLater(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	f.member(g, "Amina")

	_, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), start.Add(time.Hour))
	require.NoError(t, err)
	f.advance(2 * time.Hour)

	res, err := f.l.MarkOverdue(f.ctx, g.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OverdueResult{Marked: 1}, res)

	res, err = f.l.MarkOverdue(f.ctx, g.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OverdueResult{PenaltiesGenerated: 1}, res)

	penalties, err := f.l.ListPenaltiesByGroup(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, penalties, 1)
}

func TestAddContribution(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	c, err := f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-02", dec("50000"), "admin")
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPaid, c.Status)
	assert.Equal(t, time.Date(2026, time.February, 28, 23, 59, 59, 999999999, time.UTC), c.DueDate)
	assertDecimal(t, "50000", f.reloadMember(g, m.ID).Balance)

	_, err = f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-02", dec("50000"), "admin")
	assert.ErrorIs(t, err, ErrConflict)

	// the scheduled path and the manual path share duplicate prevention
	_, err = f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
	require.NoError(t, err)
	_, err = f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-03", dec("50000"), "admin")
	assert.ErrorIs(t, err, ErrConflict)

	created, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-02", dec("50000"), marchDue)
	require.NoError(t, err)
	assert.Empty(t, created)

	assertDecimal(t, "50000", f.reloadMember(g, m.ID).Balance)
}

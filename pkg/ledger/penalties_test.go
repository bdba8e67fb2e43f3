package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndPayPenalty(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	p, err := f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: m.ID, Amount: dec("1200"), Reason: "missed meeting"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, models.PenaltyStatusUnpaid, p.Status)
	assert.Equal(t, start.Add(penaltyGrace), p.DueDate)
	assertDecimal(t, "1200", f.reloadMember(g, m.ID).PenaltiesTotal)

	g = f.reloadGroup(g.ID)
	assert.True(t, g.TotalIncome.IsZero(), "charging a penalty moves no money")

	paid, err := f.l.PayPenalty(f.ctx, g.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, models.PenaltyStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	g = f.reloadGroup(g.ID)
	assertDecimal(t, "1200", g.TotalIncome)
	assertDecimal(t, "1200", g.Cash)
	assertDecimal(t, "1200", f.reloadMember(g, m.ID).PenaltiesTotal, "paying keeps the running total")

	_, err = f.l.PayPenalty(f.ctx, g.ID, p.ID)
	assert.ErrorIs(t, err, ErrConflict)

	byGroup, err := f.l.ListPenaltiesByGroup(f.ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, byGroup, 1, "paid penalties are kept")

	entries, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.TransactionTypePenaltyPayment, entries[0].Type)
	assert.Equal(t, models.TransactionTypePenaltyCharged, entries[1].Type)
}

func TestCreatePenaltyFailures(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	_, err := f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: uuid.New(), Amount: dec("10")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: m.ID, Amount: dec("0")})
	assert.ErrorIs(t, err, ErrValidation)

	other := f.group(defaultSettings())
	_, err = f.l.CreatePenalty(f.ctx, &models.Penalty{GroupID: other.ID, MemberID: m.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.l.PayPenalty(f.ctx, g.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	broken := f.ledgerOver(failingStorage{f.store})
	_, err = broken.CreatePenalty(f.ctx, &models.Penalty{GroupID: g.ID, MemberID: m.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, errDiskFull)
	assert.True(t, f.reloadMember(g, m.ID).PenaltiesTotal.IsZero())
}

package ledger

import (
	"testing"
	"time"

	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 100, -5: 1, 1: 1, 50: 50, 500: 500, 501: 500, 10000: 500}
	for in, want := range cases {
		assert.Equal(t, want, ClampLimit(in), "limit %d", in)
	}
}

func TestListEntriesRoleScoping(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	amina := f.member(g, "Amina")
	baraka := f.member(g, "Baraka")

	for _, m := range []*models.Member{amina, baraka} {
		_, err := f.l.AddContribution(f.ctx, g.ID, m.ID, "2026-01", dec("50000"), "admin")
		require.NoError(t, err)
		f.advance(time.Minute)
	}
	_, err := f.l.Deposit(f.ctx, g.ID, amina.ID, models.TransactionTypeSharePurchase, dec("5000"), "admin")
	require.NoError(t, err)

	// a member asking for someone else's entries still only sees their own
	mine, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleMember, ActorID: baraka.ID, MemberID: &amina.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, baraka.ID, *mine[0].MemberID)

	aminas, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, MemberID: &amina.ID})
	require.NoError(t, err)
	require.Len(t, aminas, 2)
	assert.Equal(t, models.TransactionTypeSharePurchase, aminas[0].Type, "newest first")

	all, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	contributions, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Type: models.TransactionTypeContribution})
	require.NoError(t, err)
	assert.Len(t, contributions, 2)

	from, to := start, start.Add(30*time.Second)
	window, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, amina.ID, *window[0].MemberID)

	one, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Limit: -3})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestListEntriesValidation(t *testing.T) {
	f := newFixture(t)
	g := f.group(defaultSettings())
	m := f.member(g, "Amina")

	_, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: "auditor"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Type: "bonus"})
	assert.ErrorIs(t, err, ErrValidation)

	from, to := start, start.Add(-time.Hour)
	_, err = f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, From: &from, To: &to})
	assert.ErrorIs(t, err, ErrValidation)

	other := f.group(defaultSettings())
	_, err = f.l.ListEntries(f.ctx, EntryQuery{GroupID: other.ID, Role: RoleMember, ActorID: m.ID})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
)

func loadGroup(ctx context.Context, r store.Repositories, id uuid.UUID) (*models.Group, error) {
	g, err := r.Groups().GetByID(ctx, id)
	if err != nil {
		return nil, loadErr("group", id, err)
	}
	return g, nil
}

// loadMember fetches a member and checks it belongs to groupID.
func loadMember(ctx context.Context, r store.Repositories, groupID, memberID uuid.UUID) (*models.Member, error) {
	m, err := r.Members().GetByID(ctx, memberID)
	if err != nil {
		return nil, loadErr("member", memberID, err)
	}
	if m.GroupID != groupID {
		return nil, accessDenied("member", memberID)
	}
	return m, nil
}

// post appends tx to the ledger and applies its deltas to the group counters and, when m is
// given, to the member balance. g and m are updated in place to the new values.
func (l *Ledger) post(ctx context.Context, r store.Repositories, g *models.Group, m *models.Member, tx *models.Transaction) error {
	now := l.clock()
	tx.ID = uuid.New()
	tx.GroupID = g.ID
	tx.CreatedAt = now
	if m != nil {
		tx.MemberID = ptr(m.ID)
	}
	tx.Amount = round2(tx.Amount)

	if err := r.Transactions().Append(ctx, tx); err != nil {
		return fmt.Errorf("failed to record %s transaction: %w", tx.Type, err)
	}

	if !tx.SavingsDelta.IsZero() || !tx.IncomeDelta.IsZero() || !tx.CashDelta.IsZero() {
		savings := g.TotalSavings.Add(tx.SavingsDelta)
		income := g.TotalIncome.Add(tx.IncomeDelta)
		cash := g.Cash.Add(tx.CashDelta)
		err := r.Groups().Update(ctx, g.ID, store.GroupUpdate{
			TotalSavings: &savings,
			TotalIncome:  &income,
			Cash:         &cash,
			UpdatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to update group %s totals: %w", g.ID, err)
		}
		g.TotalSavings, g.TotalIncome, g.Cash, g.UpdatedAt = savings, income, cash, now
	}

	if m != nil && !tx.BalanceDelta.IsZero() {
		balance := m.Balance.Add(tx.BalanceDelta)
		if err := r.Members().Update(ctx, m.ID, store.MemberUpdate{Balance: &balance, UpdatedAt: now}); err != nil {
			return fmt.Errorf("failed to update member %s balance: %w", m.ID, err)
		}
		m.Balance, m.UpdatedAt = balance, now
	}
	return nil
}

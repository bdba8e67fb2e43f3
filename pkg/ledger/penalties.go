package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
)

// CreatePenalty charges a penalty to a member. The record and the member's penalty total are
// written in the same unit of work.
func (l *Ledger) CreatePenalty(ctx context.Context, p *models.Penalty) (*models.Penalty, error) {
	if !p.Amount.IsPositive() {
		return nil, invalid("penalty amount must be positive")
	}
	err := l.atomic(ctx, []string{lock.MemberKey(p.MemberID)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, p.GroupID)
		if err != nil {
			return err
		}
		return l.chargePenalty(ctx, r, g, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// chargePenalty persists p, rolls its amount into the member's penalty total and records a
// penalty_charged entry. Charging moves no money, so the entry carries no deltas.
func (l *Ledger) chargePenalty(ctx context.Context, r store.Repositories, g *models.Group, p *models.Penalty) error {
	m, err := loadMember(ctx, r, g.ID, p.MemberID)
	if err != nil {
		return err
	}

	now := l.clock()
	p.ID = uuid.New()
	p.GroupID = g.ID
	p.Amount = round2(p.Amount)
	p.Status = models.PenaltyStatusUnpaid
	p.IsPaid = false
	p.PaidAt = nil
	p.CreatedAt = now
	if p.DueDate.IsZero() {
		p.DueDate = now.Add(penaltyGrace)
	}

	if err := r.Penalties().Create(ctx, p); err != nil {
		return fmt.Errorf("failed to store penalty: %w", err)
	}
	total := m.PenaltiesTotal.Add(p.Amount)
	if err := r.Members().Update(ctx, m.ID, store.MemberUpdate{PenaltiesTotal: &total, UpdatedAt: now}); err != nil {
		return fmt.Errorf("failed to update member %s penalty total: %w", m.ID, err)
	}
	m.PenaltiesTotal = total

	err = l.post(ctx, r, g, m, &models.Transaction{
		Type:           models.TransactionTypePenaltyCharged,
		Amount:         p.Amount,
		LoanID:         p.LoanID,
		InstallmentID:  p.InstallmentID,
		ContributionID: p.ContributionID,
		PenaltyID:      ptr(p.ID),
		Description:    p.Reason,
		CreatedBy:      "system",
	})
	if err != nil {
		return err
	}
	l.logger.Info("penalty charged", "group_id", g.ID, "member_id", m.ID, "penalty_id", p.ID, "amount", p.Amount.StringFixed(2))
	return nil
}

// penaltyExists reports whether find already returns a penalty for the cause.
func penaltyExists(find func() (*models.Penalty, error)) (bool, error) {
	_, err := find()
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up penalty: %w", err)
	}
	return true, nil
}

func (l *Ledger) ListPenaltiesByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Penalty, error) {
	var penalties []*models.Penalty
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		var err error
		penalties, err = r.Penalties().ListByGroup(ctx, groupID)
		return err
	})
	return penalties, err
}

func (l *Ledger) ListPenaltiesByMember(ctx context.Context, groupID, memberID uuid.UUID) ([]*models.Penalty, error) {
	var penalties []*models.Penalty
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadMember(ctx, r, groupID, memberID); err != nil {
			return err
		}
		var err error
		penalties, err = r.Penalties().ListByMember(ctx, memberID)
		return err
	})
	return penalties, err
}

// PayPenalty settles a penalty. The record is kept and flipped to paid; the amount becomes group income.
func (l *Ledger) PayPenalty(ctx context.Context, groupID, penaltyID uuid.UUID) (*models.Penalty, error) {
	var p *models.Penalty
	err := l.atomic(ctx, []string{lock.PenaltyKey(penaltyID)}, func(r store.Repositories) error {
		var err error
		if p, err = r.Penalties().GetByID(ctx, penaltyID); err != nil {
			return loadErr("penalty", penaltyID, err)
		}
		if p.GroupID != groupID {
			return accessDenied("penalty", penaltyID)
		}
		if p.IsPaid {
			return conflict("penalty %s is already paid", penaltyID)
		}
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, p.MemberID)
		if err != nil {
			return err
		}

		now := l.clock()
		err = r.Penalties().Update(ctx, penaltyID, store.PenaltyUpdate{
			Status: ptr(models.PenaltyStatusPaid),
			IsPaid: ptr(true),
			PaidAt: &now,
		})
		if err != nil {
			return fmt.Errorf("failed to update penalty: %w", err)
		}
		p.Status, p.IsPaid, p.PaidAt = models.PenaltyStatusPaid, true, &now

		return l.post(ctx, r, g, m, &models.Transaction{
			Type:        models.TransactionTypePenaltyPayment,
			Amount:      p.Amount,
			IncomeDelta: p.Amount,
			CashDelta:   p.Amount,
			PenaltyID:   ptr(p.ID),
			Description: "penalty payment: " + p.Reason,
			CreatedBy:   m.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("penalty paid", "group_id", groupID, "penalty_id", penaltyID)
	return p, nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
	"github.com/shopspring/decimal"
)

// OverdueResult counts what a MarkOverdue run changed.
type OverdueResult struct {
	Marked             int `json:"marked"`
	PenaltiesGenerated int `json:"penalties_generated"`
}

func parseMonth(month string) (time.Time, error) {
	t, err := time.Parse(models.MonthLayout, month)
	if err != nil || t.Format(models.MonthLayout) != month {
		return time.Time{}, invalid("month %q must look like YYYY-MM", month)
	}
	return t, nil
}

// EndOfMonth returns the last instant of the month in UTC.
func EndOfMonth(month time.Time) time.Time {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// GenerateMonthlyObligations creates one unpaid contribution for month for every active member
// that has none yet. Running it again for the same month creates nothing.
func (l *Ledger) GenerateMonthlyObligations(ctx context.Context, groupID uuid.UUID, month string, amount decimal.Decimal, dueDate time.Time) ([]*models.Contribution, error) {
	if _, err := parseMonth(month); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, invalid("contribution amount must be positive")
	}
	amount = round2(amount)

	var created []*models.Contribution
	err := l.atomic(ctx, []string{lock.GroupKey(groupID, "obligations:"+month)}, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		members, err := r.Members().ListByGroup(ctx, groupID, models.MemberStatusActive)
		if err != nil {
			return fmt.Errorf("failed to list active members: %w", err)
		}

		now := l.clock()
		for _, m := range members {
			existing, err := r.Contributions().ListByMemberAndMonth(ctx, m.ID, month)
			if err != nil {
				return fmt.Errorf("failed to check contributions of member %s: %w", m.ID, err)
			}
			if len(existing) > 0 {
				continue
			}
			c := &models.Contribution{
				ID:        uuid.New(),
				GroupID:   groupID,
				MemberID:  m.ID,
				Amount:    amount,
				Month:     month,
				DueDate:   dueDate.UTC(),
				Status:    models.ContributionStatusUnpaid,
				CreatedAt: now,
			}
			if err := r.Contributions().Create(ctx, c); err != nil {
				return fmt.Errorf("failed to store contribution for member %s: %w", m.ID, err)
			}
			created = append(created, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("monthly obligations generated", "group_id", groupID, "month", month, "created", len(created))
	return created, nil
}

// RecordPayment marks a contribution paid and credits the member.
func (l *Ledger) RecordPayment(ctx context.Context, contributionID, memberID, groupID uuid.UUID) (*models.Contribution, error) {
	keys := []string{lock.ContributionKey(contributionID), lock.MemberKey(memberID)}

	var c *models.Contribution
	err := l.atomic(ctx, keys, func(r store.Repositories) error {
		var err error
		if c, err = r.Contributions().GetByID(ctx, contributionID); err != nil {
			return loadErr("contribution", contributionID, err)
		}
		if c.GroupID != groupID || c.MemberID != memberID {
			return fmt.Errorf("contribution %s does not belong to member %s in group %s: %w", contributionID, memberID, groupID, ErrAccessDenied)
		}
		if c.Status == models.ContributionStatusPaid {
			return conflict("contribution %s is already paid", contributionID)
		}
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, memberID)
		if err != nil {
			return err
		}

		now := l.clock()
		err = r.Contributions().Update(ctx, contributionID, store.ContributionUpdate{
			Status: ptr(models.ContributionStatusPaid),
			PaidAt: &now,
		})
		if err != nil {
			return fmt.Errorf("failed to update contribution: %w", err)
		}
		c.Status, c.PaidAt = models.ContributionStatusPaid, &now

		return l.post(ctx, r, g, m, contributionTx(c, memberID.String()))
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("contribution paid", "group_id", groupID, "member_id", memberID, "contribution_id", contributionID, "amount", c.Amount.StringFixed(2))
	return c, nil
}

func contributionTx(c *models.Contribution, createdBy string) *models.Transaction {
	return &models.Transaction{
		Type:           models.TransactionTypeContribution,
		Amount:         c.Amount,
		BalanceDelta:   c.Amount,
		SavingsDelta:   c.Amount,
		CashDelta:      c.Amount,
		ContributionID: ptr(c.ID),
		Description:    "contribution for " + c.Month,
		CreatedBy:      createdBy,
	}
}

// MarkOverdue flags outstanding contributions past their due date. With autoPenalize it also
// charges one penalty per overdue contribution that has none yet.
func (l *Ledger) MarkOverdue(ctx context.Context, groupID uuid.UUID, autoPenalize bool) (OverdueResult, error) {
	var res OverdueResult
	err := l.atomic(ctx, []string{lock.GroupKey(groupID, "overdue")}, func(r store.Repositories) error {
		res = OverdueResult{}
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		outstanding, err := r.Contributions().ListOutstandingByGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("failed to list outstanding contributions: %w", err)
		}

		now := l.clock()
		for _, candidate := range outstanding {
			if !IsLate(now, candidate.DueDate) {
				continue
			}
			// Re-read so a payment committed since the listing wins.
			c, err := r.Contributions().GetByID(ctx, candidate.ID)
			if err != nil {
				return loadErr("contribution", candidate.ID, err)
			}
			if !c.IsOutstanding() {
				continue
			}

			if c.Status == models.ContributionStatusUnpaid {
				if err := r.Contributions().Update(ctx, c.ID, store.ContributionUpdate{Status: ptr(models.ContributionStatusOverdue)}); err != nil {
					return fmt.Errorf("failed to mark contribution %s overdue: %w", c.ID, err)
				}
				res.Marked++
			}

			if !autoPenalize {
				continue
			}
			amount := round2(c.Amount.Mul(g.Settings.ContributionPenaltyRate))
			if !amount.IsPositive() {
				continue
			}
			exists, err := penaltyExists(func() (*models.Penalty, error) {
				return r.Penalties().GetByContribution(ctx, c.ID)
			})
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			err = l.chargePenalty(ctx, r, g, &models.Penalty{
				MemberID:       c.MemberID,
				ContributionID: ptr(c.ID),
				Amount:         amount,
				Reason:         fmt.Sprintf("overdue contribution for %s", c.Month),
				DueDate:        now.Add(penaltyGrace),
			})
			if err != nil {
				return err
			}
			res.PenaltiesGenerated++
		}
		return nil
	})
	if err != nil {
		return OverdueResult{}, err
	}
	l.logger.Info("overdue contributions processed", "group_id", groupID, "marked", res.Marked, "penalties", res.PenaltiesGenerated)
	return res, nil
}

// AddContribution records a contribution entered by an admin and paid on the spot.
func (l *Ledger) AddContribution(ctx context.Context, groupID, memberID uuid.UUID, month string, amount decimal.Decimal, createdBy string) (*models.Contribution, error) {
	period, err := parseMonth(month)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, invalid("contribution amount must be positive")
	}
	amount = round2(amount)

	var c *models.Contribution
	err = l.atomic(ctx, []string{lock.MemberKey(memberID), lock.GroupKey(groupID, "obligations:"+month)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, memberID)
		if err != nil {
			return err
		}
		existing, err := r.Contributions().ListByMemberAndMonth(ctx, memberID, month)
		if err != nil {
			return fmt.Errorf("failed to check contributions: %w", err)
		}
		if len(existing) > 0 {
			return conflict("member %s already has a contribution for %s", memberID, month)
		}

		now := l.clock()
		c = &models.Contribution{
			ID:        uuid.New(),
			GroupID:   groupID,
			MemberID:  memberID,
			Amount:    amount,
			Month:     month,
			DueDate:   EndOfMonth(period),
			Status:    models.ContributionStatusPaid,
			PaidAt:    &now,
			CreatedAt: now,
		}
		if err := r.Contributions().Create(ctx, c); err != nil {
			return fmt.Errorf("failed to store contribution: %w", err)
		}
		return l.post(ctx, r, g, m, contributionTx(c, createdBy))
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("contribution added", "group_id", groupID, "member_id", memberID, "month", month)
	return c, nil
}

// ListContributions returns the group's contributions, optionally for one member only.
func (l *Ledger) ListContributions(ctx context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Contribution, error) {
	var out []*models.Contribution
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		var err error
		out, err = r.Contributions().ListByGroup(ctx, groupID, memberID)
		return err
	})
	return out, err
}

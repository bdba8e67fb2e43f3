package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
	"github.com/shopspring/decimal"
)

func checkYear(year int) error {
	if year <= 0 {
		return invalid("year must be positive")
	}
	return nil
}

// Calculate computes and stores the pending distribution of the year's profit pool. A pending
// distribution that already exists is returned as is.
func (l *Ledger) Calculate(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	if err := checkYear(year); err != nil {
		return nil, err
	}
	var d *models.Distribution
	err := l.atomic(ctx, []string{lock.DistributionKey(groupID, year)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		d, err = l.calculate(ctx, r, g, year)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func activeDistribution(ctx context.Context, r store.Repositories, groupID uuid.UUID, year int) (*models.Distribution, error) {
	d, err := r.Distributions().GetActiveByGroupAndYear(ctx, groupID, year)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no %d distribution for group %s: %w", year, groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %d distribution: %w", year, err)
	}
	return d, nil
}

func (l *Ledger) calculate(ctx context.Context, r store.Repositories, g *models.Group, year int) (*models.Distribution, error) {
	existing, err := activeDistribution(ctx, r, g.ID, year)
	switch {
	case err == nil && existing.Status == models.DistributionStatusCompleted:
		return nil, conflict("%d distribution of group %s is already completed", year, g.ID)
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	members, err := r.Members().ListByGroup(ctx, g.ID, models.MemberStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active members: %w", err)
	}
	if len(members) == 0 {
		return nil, invalid("group %s has no active members", g.ID)
	}

	contributions, err := paidContributionsByMember(ctx, r, g.ID, year)
	if err != nil {
		return nil, err
	}
	totalContributions := decimal.Zero
	for _, amount := range contributions {
		totalContributions = totalContributions.Add(amount)
	}

	from, to := store.YearBounds(year)
	installments, err := r.Loans().ListInstallmentsPaidBetween(ctx, g.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list repaid installments: %w", err)
	}
	loanInterest := decimal.Zero
	for _, inst := range installments {
		loanInterest = loanInterest.Add(inst.InterestAmount)
	}

	penalties, err := r.Penalties().ListByGroupAndYear(ctx, g.ID, year)
	if err != nil {
		return nil, fmt.Errorf("failed to list penalties: %w", err)
	}
	penaltyTotal := decimal.Zero
	for _, p := range penalties {
		if p.IsPaid {
			penaltyTotal = penaltyTotal.Add(p.Amount)
		}
	}

	pool := loanInterest.Add(penaltyTotal)
	d := &models.Distribution{
		ID:                 uuid.New(),
		GroupID:            g.ID,
		Year:               year,
		TotalContributions: totalContributions,
		TotalProfitPool:    pool,
		TotalLoanInterest:  loanInterest,
		TotalPenalties:     penaltyTotal,
		NumberOfMembers:    len(members),
		ProfitPerMember:    round2(pool.Div(decimal.NewFromInt(int64(len(members))))),
		Status:             models.DistributionStatusPending,
		CreatedAt:          l.clock(),
	}
	if err := r.Distributions().Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to store distribution: %w", err)
	}
	if err := l.createShares(ctx, r, d, members, contributions); err != nil {
		return nil, err
	}
	l.logger.Info("distribution calculated", "group_id", g.ID, "year", year, "profit_pool", pool.StringFixed(2), "members", len(members))
	return d, nil
}

func paidContributionsByMember(ctx context.Context, r store.Repositories, groupID uuid.UUID, year int) (map[uuid.UUID]decimal.Decimal, error) {
	contributions, err := r.Contributions().ListByGroupAndYear(ctx, groupID, year)
	if err != nil {
		return nil, fmt.Errorf("failed to list %d contributions: %w", year, err)
	}
	totals := make(map[uuid.UUID]decimal.Decimal)
	for _, c := range contributions {
		if c.Status == models.ContributionStatusPaid {
			totals[c.MemberID] = totals[c.MemberID].Add(c.Amount)
		}
	}
	return totals, nil
}

// Breakdown returns each member's share of the year's distribution, calculating the
// distribution first if needed. Shares are fixed when the distribution is calculated; members who
// become active later get none until the distribution is cancelled and calculated again.
func (l *Ledger) Breakdown(ctx context.Context, groupID uuid.UUID, year int) ([]*models.MemberDistribution, error) {
	if err := checkYear(year); err != nil {
		return nil, err
	}
	var shares []*models.MemberDistribution
	err := l.atomic(ctx, []string{lock.DistributionKey(groupID, year)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		d, err := activeDistribution(ctx, r, groupID, year)
		if errors.Is(err, ErrNotFound) {
			d, err = l.calculate(ctx, r, g, year)
		}
		if err != nil {
			return err
		}
		shares, err = listShares(ctx, r, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// createShares stores one share per member counted in d.NumberOfMembers, so the profit shares
// always add up to ProfitPerMember times the member count.
func (l *Ledger) createShares(ctx context.Context, r store.Repositories, d *models.Distribution, members []*models.Member, contributions map[uuid.UUID]decimal.Decimal) error {
	now := l.clock()
	for _, m := range members {
		paid := contributions[m.ID]
		md := &models.MemberDistribution{
			ID:                 uuid.New(),
			DistributionID:     d.ID,
			MemberID:           m.ID,
			TotalContributions: paid,
			ProfitShare:        d.ProfitPerMember,
			TotalPayout:        paid.Add(d.ProfitPerMember),
			CreatedAt:          now,
		}
		if err := r.Distributions().CreateMemberDistribution(ctx, md); err != nil {
			return fmt.Errorf("failed to store member distribution: %w", err)
		}
	}
	return nil
}

func listShares(ctx context.Context, r store.Repositories, d *models.Distribution) ([]*models.MemberDistribution, error) {
	shares, err := r.Distributions().ListMemberDistributions(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list member distributions: %w", err)
	}
	if len(shares) != d.NumberOfMembers {
		return nil, conflict("distribution %s has %d shares for %d members", d.ID, len(shares), d.NumberOfMembers)
	}
	return shares, nil
}

// Execute pays every member share of the year's pending distribution and completes it. A
// completed distribution is never paid again.
func (l *Ledger) Execute(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	if err := checkYear(year); err != nil {
		return nil, err
	}
	var (
		d    *models.Distribution
		paid int
	)
	err := l.atomic(ctx, []string{lock.DistributionKey(groupID, year)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		if d, err = activeDistribution(ctx, r, groupID, year); err != nil {
			return err
		}
		if d.Status == models.DistributionStatusCompleted {
			return conflict("%d distribution of group %s is already completed", year, groupID)
		}
		shares, err := listShares(ctx, r, d)
		if err != nil {
			return err
		}

		now := l.clock()
		paid = 0
		for _, md := range shares {
			if md.PaidAt != nil {
				continue
			}
			m, err := loadMember(ctx, r, groupID, md.MemberID)
			if err != nil {
				return err
			}
			err = l.post(ctx, r, g, m, &models.Transaction{
				Type:           models.TransactionTypeCycleDistribution,
				Amount:         md.TotalPayout,
				BalanceDelta:   md.TotalPayout,
				SavingsDelta:   md.TotalPayout,
				DistributionID: ptr(d.ID),
				Description:    fmt.Sprintf("%d cycle distribution", year),
				CreatedBy:      "system",
			})
			if err != nil {
				return err
			}
			if err := r.Distributions().UpdateMemberDistribution(ctx, md.ID, store.MemberDistributionUpdate{PaidAt: &now}); err != nil {
				return fmt.Errorf("failed to stamp member distribution: %w", err)
			}
			md.PaidAt = &now
			paid++
		}

		err = r.Distributions().Update(ctx, d.ID, store.DistributionUpdate{
			Status:        ptr(models.DistributionStatusCompleted),
			DistributedAt: &now,
		})
		if err != nil {
			return fmt.Errorf("failed to complete distribution: %w", err)
		}
		d.Status, d.DistributedAt = models.DistributionStatusCompleted, &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("distribution executed", "group_id", groupID, "year", year, "payouts", paid)
	return d, nil
}

// Cancel drops a pending distribution so the year can be calculated again.
func (l *Ledger) Cancel(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	if err := checkYear(year); err != nil {
		return nil, err
	}
	var d *models.Distribution
	err := l.atomic(ctx, []string{lock.DistributionKey(groupID, year)}, func(r store.Repositories) error {
		var err error
		if d, err = activeDistribution(ctx, r, groupID, year); err != nil {
			return err
		}
		if d.Status == models.DistributionStatusCompleted {
			return conflict("%d distribution of group %s is already completed", year, groupID)
		}
		if err := r.Distributions().Update(ctx, d.ID, store.DistributionUpdate{Status: ptr(models.DistributionStatusCancelled)}); err != nil {
			return fmt.Errorf("failed to cancel distribution: %w", err)
		}
		d.Status = models.DistributionStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("distribution cancelled", "group_id", groupID, "year", year)
	return d, nil
}

// GetDistribution returns the year's pending or completed distribution.
func (l *Ledger) GetDistribution(ctx context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	var d *models.Distribution
	err := l.read(ctx, func(r store.Repositories) (err error) {
		d, err = activeDistribution(ctx, r, groupID, year)
		return err
	})
	return d, err
}

// IsCycleLocked reports whether the year's distribution has been completed, which freezes the
// group's settings.
func (l *Ledger) IsCycleLocked(ctx context.Context, groupID uuid.UUID, year int) (bool, error) {
	var locked bool
	err := l.read(ctx, func(r store.Repositories) (err error) {
		locked, err = cycleLocked(ctx, r, groupID, year)
		return err
	})
	return locked, err
}

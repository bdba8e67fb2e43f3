package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
	"github.com/shopspring/decimal"
)

func validateSettings(s models.GroupSettings) error {
	rates := map[string]decimal.Decimal{
		"contribution amount":       s.ContributionAmount,
		"loan interest rate":        s.LoanInterestRate,
		"penalty rate":              s.PenaltyRate,
		"contribution penalty rate": s.ContributionPenaltyRate,
		"compulsory interest rate":  s.CompulsoryInterestRate,
		"loan to savings ratio":     s.LoanToSavingsRatio,
	}
	for name, v := range rates {
		if v.IsNegative() {
			return invalid("%s must not be negative", name)
		}
	}
	if s.MinimumContributionMonths < 0 {
		return invalid("minimum contribution months must not be negative")
	}
	return nil
}

// CreateGroup opens a new group with empty treasury counters.
func (l *Ledger) CreateGroup(ctx context.Context, name string, settings models.GroupSettings) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("group name is required")
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	now := l.clock()
	g := &models.Group{
		ID:           uuid.New(),
		Name:         name,
		Settings:     settings,
		TotalSavings: decimal.Zero,
		TotalIncome:  decimal.Zero,
		Cash:         decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := l.atomic(ctx, nil, func(r store.Repositories) error {
		return r.Groups().Create(ctx, g)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store group: %w", err)
	}
	l.logger.Info("group created", "group_id", g.ID, "name", g.Name)
	return g, nil
}

func (l *Ledger) GetGroup(ctx context.Context, groupID uuid.UUID) (*models.Group, error) {
	var g *models.Group
	err := l.read(ctx, func(r store.Repositories) (err error) {
		g, err = loadGroup(ctx, r, groupID)
		return err
	})
	return g, err
}

func (l *Ledger) ListGroups(ctx context.Context) ([]*models.Group, error) {
	var groups []*models.Group
	err := l.read(ctx, func(r store.Repositories) (err error) {
		groups, err = r.Groups().List(ctx)
		return err
	})
	return groups, err
}

// UpdateSettings replaces the group's settings unless the current year's cycle is locked.
func (l *Ledger) UpdateSettings(ctx context.Context, groupID uuid.UUID, settings models.GroupSettings) (*models.Group, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	now := l.clock()
	year := now.Year()

	var g *models.Group
	err := l.atomic(ctx, []string{lock.DistributionKey(groupID, year)}, func(r store.Repositories) error {
		var err error
		if g, err = loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		locked, err := cycleLocked(ctx, r, groupID, year)
		if err != nil {
			return err
		}
		if locked {
			return conflict("settings of group %s are locked: %d distribution is completed", groupID, year)
		}
		if err := r.Groups().Update(ctx, groupID, store.GroupUpdate{Settings: &settings, UpdatedAt: now}); err != nil {
			return fmt.Errorf("failed to update group settings: %w", err)
		}
		g.Settings, g.UpdatedAt = settings, now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("group settings updated", "group_id", groupID)
	return g, nil
}

// AddMember registers a pending member in the group.
func (l *Ledger) AddMember(ctx context.Context, groupID uuid.UUID, name string) (*models.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("member name is required")
	}
	now := l.clock()
	m := &models.Member{
		ID:             uuid.New(),
		GroupID:        groupID,
		Name:           name,
		Status:         models.MemberStatusPending,
		Balance:        decimal.Zero,
		PenaltiesTotal: decimal.Zero,
		JoinedAt:       now,
		UpdatedAt:      now,
	}
	err := l.atomic(ctx, nil, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		if err := r.Members().Create(ctx, m); err != nil {
			return fmt.Errorf("failed to store member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetMemberStatus approves or rejects a member. Rejected members cannot be re-activated.
func (l *Ledger) SetMemberStatus(ctx context.Context, groupID, memberID uuid.UUID, status models.MemberStatus) (*models.Member, error) {
	switch status {
	case models.MemberStatusPending, models.MemberStatusActive, models.MemberStatusRejected:
	default:
		return nil, invalid("unknown member status %q", status)
	}

	var m *models.Member
	err := l.atomic(ctx, []string{lock.MemberKey(memberID)}, func(r store.Repositories) error {
		var err error
		if m, err = loadMember(ctx, r, groupID, memberID); err != nil {
			return err
		}
		if m.Status == status {
			return nil
		}
		if m.Status == models.MemberStatusRejected {
			return conflict("member %s was rejected", memberID)
		}
		now := l.clock()
		if err := r.Members().Update(ctx, memberID, store.MemberUpdate{Status: &status, UpdatedAt: now}); err != nil {
			return fmt.Errorf("failed to update member status: %w", err)
		}
		m.Status, m.UpdatedAt = status, now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("member status changed", "group_id", groupID, "member_id", memberID, "status", status)
	return m, nil
}

func (l *Ledger) GetMember(ctx context.Context, groupID, memberID uuid.UUID) (*models.Member, error) {
	var m *models.Member
	err := l.read(ctx, func(r store.Repositories) (err error) {
		m, err = loadMember(ctx, r, groupID, memberID)
		return err
	})
	return m, err
}

// ListMembers returns the group's members; an empty status lists all of them.
func (l *Ledger) ListMembers(ctx context.Context, groupID uuid.UUID, status models.MemberStatus) ([]*models.Member, error) {
	var members []*models.Member
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, groupID); err != nil {
			return err
		}
		var err error
		members, err = r.Members().ListByGroup(ctx, groupID, status)
		return err
	})
	return members, err
}

var depositTypes = map[models.TransactionType]string{
	models.TransactionTypeSeedDeposit:    "seed deposit",
	models.TransactionTypeSharePurchase:  "share purchase",
	models.TransactionTypeInitialDeposit: "initial deposit",
}

// Deposit credits money a member paid in outside the monthly contribution cycle.
func (l *Ledger) Deposit(ctx context.Context, groupID, memberID uuid.UUID, typ models.TransactionType, amount decimal.Decimal, createdBy string) (*models.Transaction, error) {
	label, ok := depositTypes[typ]
	if !ok {
		return nil, invalid("%q is not a deposit type", typ)
	}
	if !amount.IsPositive() {
		return nil, invalid("deposit amount must be positive")
	}
	amount = round2(amount)

	var tx *models.Transaction
	err := l.atomic(ctx, []string{lock.MemberKey(memberID)}, func(r store.Repositories) error {
		g, err := loadGroup(ctx, r, groupID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, r, groupID, memberID)
		if err != nil {
			return err
		}
		if m.Status == models.MemberStatusRejected {
			return invalid("member %s was rejected", memberID)
		}
		tx = &models.Transaction{
			Type:         typ,
			Amount:       amount,
			BalanceDelta: amount,
			SavingsDelta: amount,
			CashDelta:    amount,
			Description:  fmt.Sprintf("%s by %s", label, m.Name),
			CreatedBy:    createdBy,
		}
		return l.post(ctx, r, g, m, tx)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("deposit recorded", "group_id", groupID, "member_id", memberID, "type", typ, "amount", amount.StringFixed(2))
	return tx, nil
}

func cycleLocked(ctx context.Context, r store.Repositories, groupID uuid.UUID, year int) (bool, error) {
	d, err := r.Distributions().GetActiveByGroupAndYear(ctx, groupID, year)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %d distribution: %w", year, err)
	}
	return d.Status == models.DistributionStatusCompleted, nil
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
)

// MemoryStore keeps every table in process memory. Atomic units are serialized by a single
// mutex and rolled back by restoring a snapshot taken before the unit started.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	groups              map[uuid.UUID]models.Group
	members             map[uuid.UUID]models.Member
	contributions       map[uuid.UUID]models.Contribution
	loans               map[uuid.UUID]models.Loan
	penalties           map[uuid.UUID]models.Penalty
	transactions        []models.Transaction
	distributions       map[uuid.UUID]models.Distribution
	memberDistributions map[uuid.UUID]models.MemberDistribution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

func newMemoryData() *memoryData {
	return &memoryData{
		groups:              make(map[uuid.UUID]models.Group),
		members:             make(map[uuid.UUID]models.Member),
		contributions:       make(map[uuid.UUID]models.Contribution),
		loans:               make(map[uuid.UUID]models.Loan),
		penalties:           make(map[uuid.UUID]models.Penalty),
		distributions:       make(map[uuid.UUID]models.Distribution),
		memberDistributions: make(map[uuid.UUID]models.MemberDistribution),
	}
}

func (d *memoryData) clone() *memoryData {
	c := newMemoryData()
	for k, v := range d.groups {
		c.groups[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.contributions {
		c.contributions[k] = v
	}
	for k, v := range d.loans {
		c.loans[k] = copyLoan(v)
	}
	for k, v := range d.penalties {
		c.penalties[k] = v
	}
	c.transactions = append([]models.Transaction(nil), d.transactions...)
	for k, v := range d.distributions {
		c.distributions[k] = v
	}
	for k, v := range d.memberDistributions {
		c.memberDistributions[k] = v
	}
	return c
}

func copyLoan(l models.Loan) models.Loan {
	l.Installments = append([]models.LoanInstallment(nil), l.Installments...)
	return l
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Atomic implements Storage.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(r Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	committed := false
	defer func() {
		if !committed {
			s.data = snapshot
		}
	}()

	if err := fn(memoryRepos{d: s.data}); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close implements Storage.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryRepos struct {
	d *memoryData
}

func (r memoryRepos) Groups() GroupRepository               { return memoryGroups(r) }
func (r memoryRepos) Members() MemberRepository             { return memoryMembers(r) }
func (r memoryRepos) Contributions() ContributionRepository { return memoryContributions(r) }
func (r memoryRepos) Loans() LoanRepository                 { return memoryLoans(r) }
func (r memoryRepos) Penalties() PenaltyRepository          { return memoryPenalties(r) }
func (r memoryRepos) Transactions() TransactionRepository   { return memoryTransactions(r) }
func (r memoryRepos) Distributions() DistributionRepository { return memoryDistributions(r) }

// Groups

type memoryGroups memoryRepos

func (r memoryGroups) Create(_ context.Context, g *models.Group) error {
	if _, ok := r.d.groups[g.ID]; ok {
		return fmt.Errorf("group %s already exists", g.ID)
	}
	r.d.groups[g.ID] = *g
	return nil
}

func (r memoryGroups) GetByID(_ context.Context, id uuid.UUID) (*models.Group, error) {
	g, ok := r.d.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (r memoryGroups) List(_ context.Context) ([]*models.Group, error) {
	groups := make([]*models.Group, 0, len(r.d.groups))
	for _, g := range r.d.groups {
		g := g
		groups = append(groups, &g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })
	return groups, nil
}

func (r memoryGroups) Update(_ context.Context, id uuid.UUID, u GroupUpdate) error {
	g, ok := r.d.groups[id]
	if !ok {
		return ErrNotFound
	}
	if u.Name != nil {
		g.Name = *u.Name
	}
	if u.Settings != nil {
		g.Settings = *u.Settings
	}
	if u.TotalSavings != nil {
		g.TotalSavings = *u.TotalSavings
	}
	if u.TotalIncome != nil {
		g.TotalIncome = *u.TotalIncome
	}
	if u.Cash != nil {
		g.Cash = *u.Cash
	}
	g.UpdatedAt = u.UpdatedAt
	r.d.groups[id] = g
	return nil
}

// Members

type memoryMembers memoryRepos

func (r memoryMembers) Create(_ context.Context, m *models.Member) error {
	if _, ok := r.d.members[m.ID]; ok {
		return fmt.Errorf("member %s already exists", m.ID)
	}
	r.d.members[m.ID] = *m
	return nil
}

func (r memoryMembers) GetByID(_ context.Context, id uuid.UUID) (*models.Member, error) {
	m, ok := r.d.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r memoryMembers) ListByGroup(_ context.Context, groupID uuid.UUID, status models.MemberStatus) ([]*models.Member, error) {
	var members []*models.Member
	for _, m := range r.d.members {
		if m.GroupID != groupID || (status != "" && m.Status != status) {
			continue
		}
		m := m
		members = append(members, &m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID.String() < members[j].ID.String()
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r memoryMembers) Update(_ context.Context, id uuid.UUID, u MemberUpdate) error {
	m, ok := r.d.members[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.Balance != nil {
		m.Balance = *u.Balance
	}
	if u.PenaltiesTotal != nil {
		m.PenaltiesTotal = *u.PenaltiesTotal
	}
	m.UpdatedAt = u.UpdatedAt
	r.d.members[id] = m
	return nil
}

// Contributions

type memoryContributions memoryRepos

func (r memoryContributions) Create(_ context.Context, c *models.Contribution) error {
	for _, existing := range r.d.contributions {
		if existing.MemberID == c.MemberID && existing.Month == c.Month {
			return fmt.Errorf("contribution for member %s month %s already exists", c.MemberID, c.Month)
		}
	}
	r.d.contributions[c.ID] = *c
	return nil
}

func (r memoryContributions) GetByID(_ context.Context, id uuid.UUID) (*models.Contribution, error) {
	c, ok := r.d.contributions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r memoryContributions) list(match func(c *models.Contribution) bool) []*models.Contribution {
	var out []*models.Contribution
	for _, c := range r.d.contributions {
		c := c
		if match(&c) {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r memoryContributions) ListByMemberAndMonth(_ context.Context, memberID uuid.UUID, month string) ([]*models.Contribution, error) {
	return r.list(func(c *models.Contribution) bool {
		return c.MemberID == memberID && c.Month == month
	}), nil
}

func (r memoryContributions) ListOutstandingByGroup(_ context.Context, groupID uuid.UUID) ([]*models.Contribution, error) {
	return r.list(func(c *models.Contribution) bool {
		return c.GroupID == groupID && c.IsOutstanding()
	}), nil
}

func (r memoryContributions) ListByGroup(_ context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Contribution, error) {
	return r.list(func(c *models.Contribution) bool {
		return c.GroupID == groupID && (memberID == nil || c.MemberID == *memberID)
	}), nil
}

func (r memoryContributions) ListByGroupAndYear(_ context.Context, groupID uuid.UUID, year int) ([]*models.Contribution, error) {
	return r.list(func(c *models.Contribution) bool {
		return c.GroupID == groupID && c.Year() == year
	}), nil
}

func (r memoryContributions) Update(_ context.Context, id uuid.UUID, u ContributionUpdate) error {
	c, ok := r.d.contributions[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.PaidAt != nil {
		c.PaidAt = copyTime(u.PaidAt)
	}
	r.d.contributions[id] = c
	return nil
}

// Loans

type memoryLoans memoryRepos

func (r memoryLoans) Create(_ context.Context, loan *models.Loan) error {
	if _, ok := r.d.loans[loan.ID]; ok {
		return fmt.Errorf("loan %s already exists", loan.ID)
	}
	r.d.loans[loan.ID] = copyLoan(*loan)
	return nil
}

func (r memoryLoans) GetByID(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	l, ok := r.d.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	l = copyLoan(l)
	return &l, nil
}

func (r memoryLoans) ListByGroup(_ context.Context, groupID uuid.UUID, memberID *uuid.UUID) ([]*models.Loan, error) {
	var loans []*models.Loan
	for _, l := range r.d.loans {
		if l.GroupID != groupID || (memberID != nil && l.MemberID != *memberID) {
			continue
		}
		l = copyLoan(l)
		loans = append(loans, &l)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].RequestedAt.Before(loans[j].RequestedAt) })
	return loans, nil
}

func (r memoryLoans) Update(_ context.Context, id uuid.UUID, u LoanUpdate) error {
	l, ok := r.d.loans[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.InterestRate != nil {
		l.InterestRate = *u.InterestRate
	}
	if u.TotalInterest != nil {
		l.TotalInterest = *u.TotalInterest
	}
	if u.TotalDue != nil {
		l.TotalDue = *u.TotalDue
	}
	if u.Balance != nil {
		l.Balance = *u.Balance
	}
	if u.InstallmentCount != nil {
		l.InstallmentCount = *u.InstallmentCount
	}
	if u.ApprovedAt != nil {
		l.ApprovedAt = copyTime(u.ApprovedAt)
	}
	if u.RejectedAt != nil {
		l.RejectedAt = copyTime(u.RejectedAt)
	}
	if u.ClosedAt != nil {
		l.ClosedAt = copyTime(u.ClosedAt)
	}
	if u.Installments != nil {
		l.Installments = append([]models.LoanInstallment(nil), u.Installments...)
	}
	r.d.loans[id] = l
	return nil
}

func (r memoryLoans) UpdateInstallment(_ context.Context, loanID, installmentID uuid.UUID, u InstallmentUpdate) error {
	l, ok := r.d.loans[loanID]
	if !ok {
		return ErrNotFound
	}
	l = copyLoan(l)
	inst := l.Installment(installmentID)
	if inst == nil {
		return ErrNotFound
	}
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.PaidAt != nil {
		inst.PaidAt = copyTime(u.PaidAt)
	}
	r.d.loans[loanID] = l
	return nil
}

func (r memoryLoans) ListInstallmentsPaidBetween(_ context.Context, groupID uuid.UUID, from, to time.Time) ([]*models.LoanInstallment, error) {
	var out []*models.LoanInstallment
	for _, l := range r.d.loans {
		if l.GroupID != groupID {
			continue
		}
		for _, inst := range l.Installments {
			if !inst.IsSettled() || inst.PaidAt == nil {
				continue
			}
			if inst.PaidAt.Before(from) || !inst.PaidAt.Before(to) {
				continue
			}
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	return out, nil
}

// Penalties

type memoryPenalties memoryRepos

func (r memoryPenalties) Create(_ context.Context, p *models.Penalty) error {
	if _, ok := r.d.penalties[p.ID]; ok {
		return fmt.Errorf("penalty %s already exists", p.ID)
	}
	r.d.penalties[p.ID] = *p
	return nil
}

func (r memoryPenalties) GetByID(_ context.Context, id uuid.UUID) (*models.Penalty, error) {
	p, ok := r.d.penalties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r memoryPenalties) find(match func(p *models.Penalty) bool) (*models.Penalty, error) {
	for _, p := range r.d.penalties {
		p := p
		if match(&p) {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryPenalties) GetByContribution(_ context.Context, contributionID uuid.UUID) (*models.Penalty, error) {
	return r.find(func(p *models.Penalty) bool {
		return p.ContributionID != nil && *p.ContributionID == contributionID
	})
}

func (r memoryPenalties) GetByInstallment(_ context.Context, installmentID uuid.UUID) (*models.Penalty, error) {
	return r.find(func(p *models.Penalty) bool {
		return p.InstallmentID != nil && *p.InstallmentID == installmentID
	})
}

func (r memoryPenalties) list(match func(p *models.Penalty) bool) []*models.Penalty {
	var out []*models.Penalty
	for _, p := range r.d.penalties {
		p := p
		if match(&p) {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r memoryPenalties) ListByGroup(_ context.Context, groupID uuid.UUID) ([]*models.Penalty, error) {
	return r.list(func(p *models.Penalty) bool { return p.GroupID == groupID }), nil
}

func (r memoryPenalties) ListByMember(_ context.Context, memberID uuid.UUID) ([]*models.Penalty, error) {
	return r.list(func(p *models.Penalty) bool { return p.MemberID == memberID }), nil
}

func (r memoryPenalties) ListByGroupAndYear(_ context.Context, groupID uuid.UUID, year int) ([]*models.Penalty, error) {
	from, to := YearBounds(year)
	return r.list(func(p *models.Penalty) bool {
		return p.GroupID == groupID && !p.CreatedAt.Before(from) && p.CreatedAt.Before(to)
	}), nil
}

func (r memoryPenalties) Update(_ context.Context, id uuid.UUID, u PenaltyUpdate) error {
	p, ok := r.d.penalties[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.IsPaid != nil {
		p.IsPaid = *u.IsPaid
	}
	if u.PaidAt != nil {
		p.PaidAt = copyTime(u.PaidAt)
	}
	r.d.penalties[id] = p
	return nil
}

// Transactions

type memoryTransactions memoryRepos

func (r memoryTransactions) Append(_ context.Context, tx *models.Transaction) error {
	tx.Seq = int64(len(r.d.transactions) + 1)
	r.d.transactions = append(r.d.transactions, *tx)
	return nil
}

func (r memoryTransactions) List(_ context.Context, f TransactionFilter) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for i := range r.d.transactions {
		tx := r.d.transactions[i]
		if f.Matches(&tx) {
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Distributions

type memoryDistributions memoryRepos

func (r memoryDistributions) Create(_ context.Context, d *models.Distribution) error {
	if d.Status != models.DistributionStatusCancelled {
		for _, existing := range r.d.distributions {
			if existing.GroupID == d.GroupID && existing.Year == d.Year && existing.Status != models.DistributionStatusCancelled {
				return fmt.Errorf("distribution for group %s year %d already exists", d.GroupID, d.Year)
			}
		}
	}
	r.d.distributions[d.ID] = *d
	return nil
}

func (r memoryDistributions) GetByID(_ context.Context, id uuid.UUID) (*models.Distribution, error) {
	d, ok := r.d.distributions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r memoryDistributions) GetActiveByGroupAndYear(_ context.Context, groupID uuid.UUID, year int) (*models.Distribution, error) {
	for _, d := range r.d.distributions {
		if d.GroupID == groupID && d.Year == year && d.Status != models.DistributionStatusCancelled {
			d := d
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryDistributions) Update(_ context.Context, id uuid.UUID, u DistributionUpdate) error {
	d, ok := r.d.distributions[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.DistributedAt != nil {
		d.DistributedAt = copyTime(u.DistributedAt)
	}
	r.d.distributions[id] = d
	return nil
}

func (r memoryDistributions) CreateMemberDistribution(_ context.Context, md *models.MemberDistribution) error {
	for _, existing := range r.d.memberDistributions {
		if existing.DistributionID == md.DistributionID && existing.MemberID == md.MemberID {
			return fmt.Errorf("member distribution for member %s already exists", md.MemberID)
		}
	}
	r.d.memberDistributions[md.ID] = *md
	return nil
}

func (r memoryDistributions) ListMemberDistributions(_ context.Context, distributionID uuid.UUID) ([]*models.MemberDistribution, error) {
	var out []*models.MemberDistribution
	for _, md := range r.d.memberDistributions {
		if md.DistributionID == distributionID {
			md := md
			out = append(out, &md)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

func (r memoryDistributions) UpdateMemberDistribution(_ context.Context, id uuid.UUID, u MemberDistributionUpdate) error {
	md, ok := r.d.memberDistributions[id]
	if !ok {
		return ErrNotFound
	}
	if u.PaidAt != nil {
		md.PaidAt = copyTime(u.PaidAt)
	}
	r.d.memberDistributions[id] = md
	return nil
}

package ledger

import (
	"sync"
	"testing"

	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = map[string]func(t *testing.T) *fixture{
	"memory": newFixture,
	"sqlite": newSQLiteFixture,
}

// concurrently runs fn from n goroutines at once and returns how many calls succeeded. Every
// failure must be a Conflict.
func concurrently(t *testing.T, n int, fn func() error) int {
	t.Helper()
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			errs <- fn()
		}()
	}
	close(ready)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	return succeeded
}

func TestConcurrentRepaymentSettlesOnce(t *testing.T) {
	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			g := f.group(defaultSettings())
			m := f.member(g, "Amina")
			loan := f.approvedLoan(g, m, "150000", 6)
			inst := loan.Installments[0]

			succeeded := concurrently(t, 8, func() error {
				_, err := f.l.RepayInstallment(f.ctx, g.ID, loan.ID, inst.ID)
				return err
			})
			assert.Equal(t, 1, succeeded)

			loan, err := f.l.GetLoan(f.ctx, g.ID, loan.ID)
			require.NoError(t, err)
			assertDecimal(t, "131250", loan.Balance)

			g = f.reloadGroup(g.ID)
			assertDecimal(t, "-123750", g.Cash)
			assertDecimal(t, "1250", g.TotalIncome)

			repayments, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Type: models.TransactionTypeLoanRepayment})
			require.NoError(t, err)
			assert.Len(t, repayments, 1)
		})
	}
}

func TestConcurrentPaymentCreditsOnce(t *testing.T) {
	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			g := f.group(defaultSettings())
			m := f.member(g, "Amina")
			created, err := f.l.GenerateMonthlyObligations(f.ctx, g.ID, "2026-03", dec("50000"), marchDue)
			require.NoError(t, err)
			require.Len(t, created, 1)

			succeeded := concurrently(t, 8, func() error {
				_, err := f.l.RecordPayment(f.ctx, created[0].ID, m.ID, g.ID)
				return err
			})
			assert.Equal(t, 1, succeeded)
			assertDecimal(t, "50000", f.reloadMember(g, m.ID).Balance)
			assertDecimal(t, "50000", f.reloadGroup(g.ID).TotalSavings)
		})
	}
}

func TestConcurrentExecutePaysOnce(t *testing.T) {
	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			g, members := profitableYear(f)
			_, err := f.l.Calculate(f.ctx, g.ID, 2026)
			require.NoError(t, err)

			succeeded := concurrently(t, 8, func() error {
				_, err := f.l.Execute(f.ctx, g.ID, 2026)
				return err
			})
			assert.Equal(t, 1, succeeded)

			for _, m := range members {
				assertDecimal(t, "102500", f.reloadMember(g, m.ID).Balance, m.Name)
			}
			payouts, err := f.l.ListEntries(f.ctx, EntryQuery{GroupID: g.ID, Role: RoleAdmin, Type: models.TransactionTypeCycleDistribution})
			require.NoError(t, err)
			assert.Len(t, payouts, len(members))
		})
	}
}

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcclellann/groupfund/pkg/ledger"
	"github.com/mcclellann/groupfund/pkg/models"
)

// runScheduledJobs raises this month's contribution obligations and marks late ones overdue for every group.
// A failing group is logged and skipped so the others still run.
func runScheduledJobs(ctx context.Context, l *ledger.Ledger, now time.Time, logger *slog.Logger) {
	groups, err := l.ListGroups(ctx)
	if err != nil {
		logger.Error("scheduler: listing groups", "error", err)
		return
	}

	month := now.UTC().Format(models.MonthLayout)
	due := ledger.EndOfMonth(now.UTC())
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		log := logger.With("group_id", g.ID, "month", month)

		if g.Settings.ContributionAmount.IsPositive() {
			created, err := l.GenerateMonthlyObligations(ctx, g.ID, month, g.Settings.ContributionAmount, due)
			if err != nil {
				log.Error("scheduler: generating obligations", "error", err)
			} else if len(created) > 0 {
				log.Info("scheduler: obligations generated", "count", len(created))
			}
		}

		res, err := l.MarkOverdue(ctx, g.ID, g.Settings.AutomaticPenaltiesEnabled)
		if err != nil {
			log.Error("scheduler: marking overdue", "error", err)
			continue
		}
		if res.Marked > 0 || res.PenaltiesGenerated > 0 {
			log.Info("scheduler: overdue contributions processed", "marked", res.Marked, "penalties", res.PenaltiesGenerated)
		}
	}
}

// startScheduler runs the jobs once immediately and then on every tick until ctx is cancelled.
func startScheduler(ctx context.Context, l *ledger.Ledger, interval time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runScheduledJobs(ctx, l, time.Now(), logger)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				runScheduledJobs(ctx, l, now, logger)
			}
		}
	}()
}

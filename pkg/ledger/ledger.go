package ledger

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/store"
	"github.com/shopspring/decimal"
)

// penaltyGrace is how long a member has to settle a freshly charged penalty.
const penaltyGrace = 7 * 24 * time.Hour

// Ledger handles the business logic for contributions, loans, penalties and distributions.
type Ledger struct {
	storage store.Storage
	locker  lock.Locker
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Ledger)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithLocker sets the keyed lock used to serialize work on one entity. Defaults to an in-process lock.
func WithLocker(locker lock.Locker) Option {
	return func(l *Ledger) { l.locker = locker }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		locker:  lock.NewLocal(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// atomic holds every key lock, in sorted order, for the duration of one storage unit of work.
func (l *Ledger) atomic(ctx context.Context, keys []string, fn func(r store.Repositories) error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		release, err := l.locker.Lock(ctx, key)
		if err != nil {
			return err
		}
		defer release()
	}
	return l.storage.Atomic(ctx, fn)
}

// read runs a unit of work that takes no key locks.
func (l *Ledger) read(ctx context.Context, fn func(r store.Repositories) error) error {
	return l.storage.Atomic(ctx, fn)
}

// IsLate reports whether a payment made at now misses dueDate.
func IsLate(now, dueDate time.Time) bool {
	return now.After(dueDate)
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func ptr[T any](v T) *T {
	return &v
}

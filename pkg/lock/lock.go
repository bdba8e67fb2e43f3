// Package lock serializes work on a single ledger entity across goroutines or processes.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Locker hands out exclusive locks by key. The returned release func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

func ContributionKey(id uuid.UUID) string { return "contribution:" + id.String() }
func LoanKey(id uuid.UUID) string         { return "loan:" + id.String() }
func MemberKey(id uuid.UUID) string       { return "member:" + id.String() }
func PenaltyKey(id uuid.UUID) string      { return "penalty:" + id.String() }

// GroupKey scopes a group-wide job such as obligation generation for one month.
func GroupKey(groupID uuid.UUID, job string) string {
	return "group:" + groupID.String() + ":" + job
}

func DistributionKey(groupID uuid.UUID, year int) string {
	return fmt.Sprintf("distribution:%s:%d", groupID, year)
}

// Local is an in-process Locker. Keys are dropped from the table once nobody holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Noop never blocks. It suits stores that already serialize every unit of work.
type Noop struct{}

func (Noop) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

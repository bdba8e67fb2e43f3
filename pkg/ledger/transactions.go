package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/groupfund/pkg/models"
	"github.com/mcclellann/groupfund/pkg/store"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	DefaultEntryLimit = 100
	MaxEntryLimit     = 500
)

// EntryQuery selects ledger entries of one group as seen by an actor.
type EntryQuery struct {
	GroupID uuid.UUID
	Role    Role
	ActorID uuid.UUID // the member making the request
	// MemberID narrows an admin's view to one member. Ignored for the member role.
	MemberID *uuid.UUID
	Type     models.TransactionType
	From     *time.Time
	To       *time.Time
	Limit    int
}

// ClampLimit maps a requested page size into [1, MaxEntryLimit]; zero means DefaultEntryLimit.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultEntryLimit
	case limit < 1:
		return 1
	case limit > MaxEntryLimit:
		return MaxEntryLimit
	}
	return limit
}

// ListEntries returns matching entries newest first. Members only ever see their own entries.
func (l *Ledger) ListEntries(ctx context.Context, q EntryQuery) ([]*models.Transaction, error) {
	filter := store.TransactionFilter{
		GroupID: q.GroupID,
		Type:    q.Type,
		From:    q.From,
		To:      q.To,
		Limit:   ClampLimit(q.Limit),
	}
	switch q.Role {
	case RoleAdmin:
		filter.MemberID = q.MemberID
	case RoleMember:
		filter.MemberID = ptr(q.ActorID)
	default:
		return nil, invalid("unknown role %q", q.Role)
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, invalid("unknown transaction type %q", q.Type)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, invalid("from must not be after to")
	}

	var entries []*models.Transaction
	err := l.read(ctx, func(r store.Repositories) error {
		if _, err := loadGroup(ctx, r, q.GroupID); err != nil {
			return err
		}
		if q.Role == RoleMember {
			if _, err := loadMember(ctx, r, q.GroupID, q.ActorID); err != nil {
				return err
			}
		}
		var err error
		if entries, err = r.Transactions().List(ctx, filter); err != nil {
			return fmt.Errorf("failed to list transactions: %w", err)
		}
		return nil
	})
	return entries, err
}

package rooms

import (
	"context"
	"database/sql"
	"errors"

	"github.com/npezzotti/gochat-rooms/internal/database"
)

// ledger is the membership record of one room as seen through a store or an
// open transaction. It carries no policy.
type ledger struct {
	q database.Querier
}

func newLedger(q database.Querier) ledger {
	return ledger{q: q}
}

func (l ledger) add(ctx context.Context, roomId, userId int, role database.Role) (database.Membership, error) {
	return l.q.CreateMembership(ctx, roomId, userId, role)
}

// find reports whether userId holds a membership in roomId.
func (l ledger) find(ctx context.Context, roomId, userId int) (database.Membership, bool, error) {
	m, err := l.q.GetMembership(ctx, roomId, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Membership{}, false, nil
	}
	if err != nil {
		return database.Membership{}, false, err
	}

	return m, true, nil
}

func (l ledger) list(ctx context.Context, roomId int) ([]database.Membership, error) {
	return l.q.ListMemberships(ctx, roomId)
}

func (l ledger) count(ctx context.Context, roomId int) (int, error) {
	return l.q.CountMemberships(ctx, roomId)
}

func (l ledger) setRole(ctx context.Context, m database.Membership, role database.Role) error {
	return l.q.UpdateMembershipRole(ctx, m.Id, role)
}

func (l ledger) remove(ctx context.Context, roomId, userId int) error {
	return l.q.DeleteMembership(ctx, roomId, userId)
}

func (l ledger) clear(ctx context.Context, roomId int) error {
	return l.q.DeleteMembershipsForRoom(ctx, roomId)
}

// successor picks the member who joined first, breaking ties on membership
// id. members must not be empty.
func successor(members []database.Membership) database.Membership {
	next := members[0]
	for _, m := range members[1:] {
		if m.JoinedAt.Before(next.JoinedAt) ||
			(m.JoinedAt.Equal(next.JoinedAt) && m.Id < next.Id) {
			next = m
		}
	}

	return next
}

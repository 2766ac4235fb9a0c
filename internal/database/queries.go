package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	roomColumns       = "r.id, r.name, r.description, r.code, r.owner_id, r.max_members, r.created_at, r.updated_at"
	membershipColumns = "m.id, m.room_id, m.user_id, u.username, m.role, m.joined_at"
	messageColumns    = "msg.id, msg.room_id, msg.user_id, u.username, msg.content, msg.created_at"

	defaultMessageLimit = 20
	maxMessageLimit     = 100
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	db      dbtx
	dialect *dialect
}

func (q *queries) checkUnique(err error) error {
	if err != nil && q.dialect.isUniqueViolation(err) {
		return duplicateError(err)
	}
	return err
}

func (q *queries) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	var id int
	err := q.db.QueryRowContext(ctx,
		"INSERT INTO users (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return User{}, q.checkUnique(err)
	}

	return q.GetAccountById(ctx, id)
}

func (q *queries) GetAccountById(ctx context.Context, userId int) (User, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, avatar, created_at, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	return scanUser(row)
}

func (q *queries) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, avatar, created_at, updated_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	return scanUser(row)
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.Avatar,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (q *queries) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	var id int
	err := q.db.QueryRowContext(ctx,
		"INSERT INTO rooms (name, description, code, owner_id, max_members, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		params.Name,
		params.Description,
		params.Code,
		params.OwnerId,
		params.MaxMembers,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return Room{}, q.checkUnique(err)
	}

	return q.GetRoomById(ctx, id)
}

func (q *queries) GetRoomById(ctx context.Context, roomId int) (Room, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.id = $1 LIMIT 1",
		roomId,
	)

	return scanRoom(row)
}

func (q *queries) GetRoomByCode(ctx context.Context, code string) (Room, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.code = $1 LIMIT 1",
		code,
	)

	return scanRoom(row)
}

// LockRoom reads the room row and, on backends with row locks, holds a write
// lock on it until the surrounding transaction ends.
func (q *queries) LockRoom(ctx context.Context, roomId int) (Room, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.id = $1"+q.dialect.lockRow,
		roomId,
	)

	return scanRoom(row)
}

func (q *queries) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)",
		code,
	).Scan(&exists)

	return exists, err
}

func (q *queries) UpdateRoomName(ctx context.Context, roomId int, name string) (Room, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE rooms SET name = $2, updated_at = $3 WHERE id = $1",
		roomId,
		name,
		time.Now().UTC(),
	)
	if err := expectRows(res, err); err != nil {
		return Room{}, err
	}

	return q.GetRoomById(ctx, roomId)
}

func (q *queries) UpdateRoomOwner(ctx context.Context, roomId, ownerId int) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE rooms SET owner_id = $2, updated_at = $3 WHERE id = $1",
		roomId,
		ownerId,
		time.Now().UTC(),
	)

	return expectRows(res, err)
}

func (q *queries) DeleteRoom(ctx context.Context, roomId int) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomId)
	return err
}

func (q *queries) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r "+
			"JOIN room_members m ON m.room_id = r.id "+
			"WHERE m.user_id = $1 ORDER BY m.joined_at ASC, m.id ASC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func scanRoom(row scanner) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.Description,
		&room.Code,
		&room.OwnerId,
		&room.MaxMembers,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (q *queries) CreateMembership(ctx context.Context, roomId, userId int, role Role) (Membership, error) {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)",
		roomId,
		userId,
		role,
		time.Now().UTC(),
	)
	if err != nil {
		return Membership{}, q.checkUnique(err)
	}

	return q.GetMembership(ctx, roomId, userId)
}

func (q *queries) GetMembership(ctx context.Context, roomId, userId int) (Membership, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM room_members m "+
			"JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	return scanMembership(row)
}

// ListMemberships returns the room's memberships oldest first. Ties on
// joined_at are broken by membership id.
func (q *queries) ListMemberships(ctx context.Context, roomId int) ([]Membership, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+membershipColumns+" FROM room_members m "+
			"JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 ORDER BY m.joined_at ASC, m.id ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func (q *queries) CountMemberships(ctx context.Context, roomId int) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_members WHERE room_id = $1",
		roomId,
	).Scan(&count)

	return count, err
}

func (q *queries) UpdateMembershipRole(ctx context.Context, membershipId int, role Role) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE room_members SET role = $2 WHERE id = $1",
		membershipId,
		role,
	)

	return expectRows(res, q.checkUnique(err))
}

func (q *queries) DeleteMembership(ctx context.Context, roomId, userId int) error {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
	)

	return expectRows(res, err)
}

func (q *queries) DeleteMembershipsForRoom(ctx context.Context, roomId int) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = $1", roomId)
	return err
}

func scanMembership(row scanner) (Membership, error) {
	var m Membership
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Username,
		&m.Role,
		&m.JoinedAt,
	)

	return m, err
}

func (q *queries) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var id int
	err := q.db.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id",
		params.RoomId,
		params.UserId,
		params.Content,
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return Message{}, err
	}

	row := q.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages msg "+
			"JOIN users u ON u.id = msg.user_id WHERE msg.id = $1",
		id,
	)

	return scanMessage(row)
}

// GetMessages returns up to limit messages of the room with an id lower than
// before, newest first. A before of zero or less starts from the latest message.
func (q *queries) GetMessages(ctx context.Context, roomId, before, limit int) ([]Message, error) {
	upper := 1<<31 - 1
	if before > 0 {
		upper = before
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	rows, err := q.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages msg "+
			"JOIN users u ON u.id = msg.user_id "+
			"WHERE msg.room_id = $1 AND msg.id < $2 ORDER BY msg.id DESC LIMIT $3",
		roomId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (q *queries) DeleteMessagesForRoom(ctx context.Context, roomId int) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", roomId)
	return err
}

func scanMessage(row scanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.Content,
		&msg.CreatedAt,
	)

	return msg, err
}

// expectRows turns an update or delete that matched nothing into sql.ErrNoRows.
func expectRows(res sql.Result, err error) error {
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

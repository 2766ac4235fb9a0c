package rooms

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxMembers   = 50
	DefaultStoreTimeout = 5 * time.Second

	maxNameLength        = 128
	maxDescriptionLength = 1024
	MaxContentLength     = 4096
)

type Options struct {
	// StoreTimeout bounds every operation's use of the store. Zero disables it.
	StoreTimeout time.Duration
	// MaxMembers is the capacity given to rooms created without one.
	MaxMembers int
	// CodeAttempts bounds the candidate codes drawn for one room. A candidate
	// that is already taken and an insert that loses a uniqueness race each
	// use up one attempt.
	CodeAttempts int
}

// Manager owns room lifecycle: creation, membership changes, ownership
// transfer and deletion of the room with its last member. Every mutation of
// a room runs under that room's lock and inside one store transaction.
type Manager struct {
	db           database.GoChatRepository
	codes        *CodeGenerator
	locks        *roomLocks
	log          zerolog.Logger
	storeTimeout time.Duration
	maxMembers   int
}

func NewManager(db database.GoChatRepository, logger zerolog.Logger, opts Options) *Manager {
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = DefaultMaxMembers
	}

	logger = logger.With().Str("component", "rooms").Logger()
	return &Manager{
		db:           db,
		codes:        NewCodeGenerator(db, logger, opts.CodeAttempts),
		locks:        newRoomLocks(),
		log:          logger,
		storeTimeout: opts.StoreTimeout,
		maxMembers:   opts.MaxMembers,
	}
}

type CreateParams struct {
	Name        string
	Description string
	OwnerId     int
	// MaxMembers of zero selects the manager default.
	MaxMembers int
}

type JoinResult struct {
	Room       database.Room
	Membership database.Membership
	// Joined is false when the user already held the membership.
	Joined bool
}

type LeaveOutcome int

const (
	Left LeaveOutcome = iota + 1
	OwnershipTransferred
	Deleted
)

func (o LeaveOutcome) String() string {
	switch o {
	case Left:
		return "left"
	case OwnershipTransferred:
		return "ownership_transferred"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type LeaveResult struct {
	Outcome LeaveOutcome
	// Room is the room as it stands after the leave. For Deleted it is the
	// last state before deletion.
	Room database.Room
	// NewOwner is set when Outcome is OwnershipTransferred.
	NewOwner database.Membership
}

type Details struct {
	Room database.Room
	// Members are ordered by join time, oldest first.
	Members    []database.Membership
	Membership database.Membership
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.storeTimeout > 0 {
		return context.WithTimeout(ctx, m.storeTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) lockRoom(ctx context.Context, op string, roomId int) (func(), error) {
	unlock, err := m.locks.lock(ctx, roomId)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindTimeout, Err: err}
	}
	return unlock, nil
}

func (m *Manager) fail(ctx context.Context, op string, err error) error {
	err = storeError(ctx, op, err)
	m.log.Debug().Str("op", op).Stringer("kind", KindOf(err)).Msg("operation failed")
	return err
}

func (m *Manager) Create(ctx context.Context, params CreateParams) (database.Room, error) {
	const op = "create room"

	name := strings.TrimSpace(params.Name)
	description := strings.TrimSpace(params.Description)
	switch {
	case name == "":
		return database.Room{}, newError(op, KindValidation, "room name is required")
	case utf8.RuneCountInString(name) > maxNameLength:
		return database.Room{}, newError(op, KindValidation, "room name is too long")
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		return database.Room{}, newError(op, KindValidation, "room description is too long")
	case params.MaxMembers < 0:
		return database.Room{}, newError(op, KindValidation, "room capacity must be positive")
	}

	maxMembers := params.MaxMembers
	if maxMembers == 0 {
		maxMembers = m.maxMembers
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	for attempt := 1; attempt <= m.codes.maxAttempts; attempt++ {
		code, free, err := m.codes.candidate(ctx, op)
		if err != nil {
			return database.Room{}, m.fail(ctx, op, err)
		}
		if !free {
			m.log.Debug().Str("op", op).Int("attempt", attempt).Msg("room code collision")
			continue
		}

		var room database.Room
		err = m.db.WithTx(ctx, func(q database.Querier) error {
			if _, err := q.GetAccountById(ctx, params.OwnerId); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return newError(op, KindNotFound, "owner not found")
				}
				return err
			}

			var err error
			room, err = q.CreateRoom(ctx, database.CreateRoomParams{
				Name:        name,
				Description: description,
				Code:        code,
				OwnerId:     params.OwnerId,
				MaxMembers:  maxMembers,
			})
			if err != nil {
				return err
			}

			_, err = newLedger(q).add(ctx, room.Id, params.OwnerId, database.RoleOwner)
			return err
		})
		if errors.Is(err, database.ErrDuplicate) {
			// another creator claimed the code between the check and the insert
			m.log.Warn().Str("op", op).Int("attempt", attempt).Msg("room code taken at insert, retrying")
			continue
		}
		if err != nil {
			return database.Room{}, m.fail(ctx, op, err)
		}

		m.log.Info().Str("op", op).Int("room_id", room.Id).Str("room_code", room.Code).Int("user_id", params.OwnerId).Msg("room created")
		return room, nil
	}

	m.log.Error().Str("op", op).Int("attempts", m.codes.maxAttempts).Msg("room code space exhausted")
	return database.Room{}, newError(op, KindExhausted, "no free room code found")
}

func (m *Manager) JoinByCode(ctx context.Context, code string, userId int) (JoinResult, error) {
	const op = "join room by code"

	code = NormalizeCode(code)
	if code == "" {
		return JoinResult{}, newError(op, KindValidation, "room code is required")
	}
	if !ValidCode(code) {
		return JoinResult{}, newError(op, KindNotFound, "room not found")
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	room, err := m.db.GetRoomByCode(ctx, code)
	if err != nil {
		return JoinResult{}, m.fail(ctx, op, err)
	}

	return m.join(ctx, op, room.Id, userId)
}

func (m *Manager) JoinById(ctx context.Context, roomId, userId int) (JoinResult, error) {
	const op = "join room"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	return m.join(ctx, op, roomId, userId)
}

func (m *Manager) join(ctx context.Context, op string, roomId, userId int) (JoinResult, error) {
	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return JoinResult{}, err
	}
	defer unlock()

	var res JoinResult
	err = m.db.WithTx(ctx, func(q database.Querier) error {
		room, err := q.LockRoom(ctx, roomId)
		if err != nil {
			return err
		}
		res.Room = room

		l := newLedger(q)
		existing, ok, err := l.find(ctx, roomId, userId)
		if err != nil {
			return err
		}
		if ok {
			res.Membership = existing
			return nil
		}

		count, err := l.count(ctx, roomId)
		if err != nil {
			return err
		}
		if count >= room.MaxMembers {
			return newError(op, KindFull, "room is full")
		}

		if _, err := q.GetAccountById(ctx, userId); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newError(op, KindNotFound, "user not found")
			}
			return err
		}

		res.Membership, err = l.add(ctx, roomId, userId, database.RoleMember)
		res.Joined = err == nil
		return err
	})
	if err != nil {
		return JoinResult{}, m.fail(ctx, op, err)
	}

	if res.Joined {
		m.log.Info().Str("op", op).Int("room_id", roomId).Int("user_id", userId).Msg("member joined")
	}
	return res, nil
}

func (m *Manager) Leave(ctx context.Context, roomId, userId int) (LeaveResult, error) {
	return m.Depart(ctx, roomId, userId, nil)
}

// Depart is Leave with a commit hook. settle runs after the leave is
// committed and before the room lock is released, so a message posted after
// the leave can never reach a connection that settle detaches from the room.
// settle must not block.
func (m *Manager) Depart(ctx context.Context, roomId, userId int, settle func(LeaveResult)) (LeaveResult, error) {
	const op = "leave room"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return LeaveResult{}, err
	}
	defer unlock()

	var res LeaveResult
	err = m.db.WithTx(ctx, func(q database.Querier) error {
		room, err := q.LockRoom(ctx, roomId)
		if err != nil {
			return err
		}
		res.Room = room

		l := newLedger(q)
		members, err := l.list(ctx, roomId)
		if err != nil {
			return err
		}

		var (
			leaving database.Membership
			found   bool
			others  = make([]database.Membership, 0, len(members))
		)
		for _, mem := range members {
			if mem.UserId == userId {
				leaving, found = mem, true
				continue
			}
			others = append(others, mem)
		}
		if !found {
			return newError(op, KindNotMember, "not a member of this room")
		}

		switch {
		case len(others) == 0:
			res.Outcome = Deleted
			if err := q.DeleteMessagesForRoom(ctx, roomId); err != nil {
				return err
			}
			if err := l.clear(ctx, roomId); err != nil {
				return err
			}
			return q.DeleteRoom(ctx, roomId)
		case room.OwnerId == userId:
			res.Outcome = OwnershipTransferred
			next := successor(others)
			// the leaving row goes first so the room never has two owner rows
			if err := l.remove(ctx, roomId, leaving.UserId); err != nil {
				return err
			}
			if err := q.UpdateRoomOwner(ctx, roomId, next.UserId); err != nil {
				return err
			}
			if err := l.setRole(ctx, next, database.RoleOwner); err != nil {
				return err
			}
			next.Role = database.RoleOwner
			res.NewOwner = next
			res.Room.OwnerId = next.UserId
			return nil
		default:
			res.Outcome = Left
			return l.remove(ctx, roomId, userId)
		}
	})
	if err != nil {
		return LeaveResult{}, m.fail(ctx, op, err)
	}

	evt := m.log.Info().Str("op", op).Int("room_id", roomId).Int("user_id", userId).Stringer("outcome", res.Outcome)
	if res.Outcome == OwnershipTransferred {
		evt = evt.Int("new_owner_id", res.NewOwner.UserId)
	}
	evt.Msg("member left")

	if settle != nil {
		settle(res)
	}
	return res, nil
}

func (m *Manager) Rename(ctx context.Context, roomId, requesterId int, newName string) (database.Room, error) {
	const op = "rename room"

	name := strings.TrimSpace(newName)
	if name == "" {
		return database.Room{}, newError(op, KindValidation, "room name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return database.Room{}, newError(op, KindValidation, "room name is too long")
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return database.Room{}, err
	}
	defer unlock()

	var room database.Room
	err = m.db.WithTx(ctx, func(q database.Querier) error {
		current, err := q.LockRoom(ctx, roomId)
		if err != nil {
			return err
		}
		// Room.OwnerId is the only authority for ownership checks
		if current.OwnerId != requesterId {
			return newError(op, KindForbidden, "only the owner can rename the room")
		}

		room, err = q.UpdateRoomName(ctx, roomId, name)
		return err
	})
	if err != nil {
		return database.Room{}, m.fail(ctx, op, err)
	}

	m.log.Info().Str("op", op).Int("room_id", roomId).Int("user_id", requesterId).Msg("room renamed")
	return room, nil
}

func (m *Manager) Details(ctx context.Context, roomId, requesterId int) (Details, error) {
	const op = "room details"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return Details{}, err
	}
	defer unlock()

	var d Details
	err = m.db.WithTx(ctx, func(q database.Querier) error {
		room, err := q.GetRoomById(ctx, roomId)
		if err != nil {
			return err
		}
		d.Room = room

		members, err := newLedger(q).list(ctx, roomId)
		if err != nil {
			return err
		}
		d.Members = members

		for _, mem := range members {
			if mem.UserId == requesterId {
				d.Membership = mem
				return nil
			}
		}
		return newError(op, KindForbidden, "not a member of this room")
	})
	if err != nil {
		return Details{}, m.fail(ctx, op, err)
	}

	return d, nil
}

// PostMessage validates and persists a message from userId to roomId. It is
// serialized with the room's other mutations, so a message can never land
// in a room that is being deleted.
func (m *Manager) PostMessage(ctx context.Context, roomId, userId int, content string) (database.Message, error) {
	return m.Post(ctx, roomId, userId, content, nil)
}

// Post is PostMessage with a delivery hook. deliver runs after the message is
// committed and before the room lock is released, so deliveries of one room
// happen in message id order. deliver must not block.
func (m *Manager) Post(ctx context.Context, roomId, userId int, content string, deliver func(database.Message)) (database.Message, error) {
	const op = "post message"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return database.Message{}, err
	}
	defer unlock()

	var msg database.Message
	err = m.db.WithTx(ctx, func(q database.Querier) error {
		if _, err := q.LockRoom(ctx, roomId); err != nil {
			return err
		}

		_, ok, err := newLedger(q).find(ctx, roomId, userId)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, KindNotMember, "not a member of this room")
		}

		content = strings.TrimSpace(content)
		if content == "" {
			return newError(op, KindValidation, "message content is required")
		}
		if len(content) > MaxContentLength {
			return newError(op, KindValidation, "message content is too long")
		}

		msg, err = q.CreateMessage(ctx, database.CreateMessageParams{
			RoomId:  roomId,
			UserId:  userId,
			Content: content,
		})
		return err
	})
	if err != nil {
		return database.Message{}, m.fail(ctx, op, err)
	}

	m.log.Debug().Str("op", op).Int("room_id", roomId).Int("user_id", userId).Int("message_id", msg.Id).Msg("message stored")
	if deliver != nil {
		deliver(msg)
	}
	return msg, nil
}

// History returns persisted messages of the room newest first, with ids
// lower than before when before is positive.
func (m *Manager) History(ctx context.Context, roomId, userId, before, limit int) ([]database.Message, error) {
	const op = "message history"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if _, err := m.db.GetRoomById(ctx, roomId); err != nil {
		return nil, m.fail(ctx, op, err)
	}

	ok, err := m.isMember(ctx, roomId, userId)
	if err != nil {
		return nil, m.fail(ctx, op, err)
	}
	if !ok {
		return nil, newError(op, KindNotMember, "not a member of this room")
	}

	messages, err := m.db.GetMessages(ctx, roomId, before, limit)
	if err != nil {
		return nil, m.fail(ctx, op, err)
	}

	return messages, nil
}

func (m *Manager) IsMember(ctx context.Context, roomId, userId int) (bool, error) {
	const op = "check membership"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	ok, err := m.isMember(ctx, roomId, userId)
	if err != nil {
		return false, m.fail(ctx, op, err)
	}
	return ok, nil
}

// Attach runs attach under the room lock when userId is a member of roomId
// and reports whether it ran. A concurrent leave either completes before the
// check or waits until attach has returned.
func (m *Manager) Attach(ctx context.Context, roomId, userId int, attach func()) (bool, error) {
	const op = "attach to room"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.lockRoom(ctx, op, roomId)
	if err != nil {
		return false, err
	}
	defer unlock()

	ok, err := m.isMember(ctx, roomId, userId)
	if err != nil {
		return false, m.fail(ctx, op, err)
	}
	if ok {
		attach()
	}
	return ok, nil
}

func (m *Manager) isMember(ctx context.Context, roomId, userId int) (bool, error) {
	_, ok, err := newLedger(m.db).find(ctx, roomId, userId)
	return ok, err
}

func (m *Manager) ListRooms(ctx context.Context, userId int) ([]database.Room, error) {
	const op = "list rooms"

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rooms, err := m.db.ListRoomsForUser(ctx, userId)
	if err != nil {
		return nil, m.fail(ctx, op, err)
	}
	return rooms, nil
}

package database

import "context"

// Querier is the set of statements available both on the store and inside a
// transaction started with WithTx.
type Querier interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, userId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomById(ctx context.Context, roomId int) (Room, error)
	GetRoomByCode(ctx context.Context, code string) (Room, error)
	LockRoom(ctx context.Context, roomId int) (Room, error)
	RoomCodeExists(ctx context.Context, code string) (bool, error)
	UpdateRoomName(ctx context.Context, roomId int, name string) (Room, error)
	UpdateRoomOwner(ctx context.Context, roomId, ownerId int) error
	DeleteRoom(ctx context.Context, roomId int) error
	ListRoomsForUser(ctx context.Context, userId int) ([]Room, error)

	CreateMembership(ctx context.Context, roomId, userId int, role Role) (Membership, error)
	GetMembership(ctx context.Context, roomId, userId int) (Membership, error)
	ListMemberships(ctx context.Context, roomId int) ([]Membership, error)
	CountMemberships(ctx context.Context, roomId int) (int, error)
	UpdateMembershipRole(ctx context.Context, membershipId int, role Role) error
	DeleteMembership(ctx context.Context, roomId, userId int) error
	DeleteMembershipsForRoom(ctx context.Context, roomId int) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, roomId, before, limit int) ([]Message, error)
	DeleteMessagesForRoom(ctx context.Context, roomId int) error
}

type GoChatRepository interface {
	Querier
	Ping(ctx context.Context) error
	// WithTx runs fn inside a single transaction. The transaction is committed
	// when fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(q Querier) error) error
	Close() error
}

package database

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	// RoleModerator is accepted by the schema but not granted by any operation.
	RoleModerator Role = "moderator"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Avatar       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id          int
	Name        string
	Description string
	Code        string
	OwnerId     int
	MaxMembers  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Membership struct {
	Id       int
	RoomId   int
	UserId   int
	Username string
	Role     Role
	JoinedAt time.Time
}

type Message struct {
	Id        int
	RoomId    int
	UserId    int
	Username  string
	Content   string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string
	Description string
	Code        string
	OwnerId     int
	MaxMembers  int
}

type CreateMessageParams struct {
	RoomId  int
	UserId  int
	Content string
}

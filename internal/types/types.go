package types

import (
	"time"

	"github.com/npezzotti/gochat-rooms/internal/database"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	OwnerId     int       `json:"owner_id"`
	MaxMembers  int       `json:"max_members"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	UserId   int       `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	// Present is true while the user has a live connection subscribed to the room.
	Present bool `json:"present"`
}

type RoomDetails struct {
	Room       Room     `json:"room"`
	Members    []Member `json:"members"`
	Membership Member   `json:"membership"`
}

type JoinResult struct {
	Room       Room   `json:"room"`
	Membership Member `json:"membership"`
}

type LeaveResult struct {
	Outcome    string `json:"outcome"`
	NewOwnerId int    `json:"new_owner_id,omitempty"`
}

type Message struct {
	Id        int       `json:"id"`
	RoomId    int       `json:"room_id"`
	UserId    int       `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewUser(u database.User) User {
	return User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Avatar:       u.Avatar,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func NewRoom(r database.Room) Room {
	return Room{
		Id:          r.Id,
		Name:        r.Name,
		Description: r.Description,
		Code:        r.Code,
		OwnerId:     r.OwnerId,
		MaxMembers:  r.MaxMembers,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func NewMember(m database.Membership) Member {
	return Member{
		UserId:   m.UserId,
		Username: m.Username,
		Role:     string(m.Role),
		JoinedAt: m.JoinedAt,
	}
}

func NewMessage(m database.Message) Message {
	return Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		UserId:    m.UserId,
		Username:  m.Username,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}

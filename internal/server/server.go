package server

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/stats"
	"github.com/npezzotti/gochat-rooms/internal/types"
	"github.com/rs/zerolog"
)

const (
	metricActiveClients = "NumActiveClients"
	metricSubscriptions = "NumSubscriptions"
)

// RoomService is the part of the room lifecycle the chat server drives.
type RoomService interface {
	MessagePoster
	JoinByCode(ctx context.Context, code string, userId int) (rooms.JoinResult, error)
	JoinById(ctx context.Context, roomId, userId int) (rooms.JoinResult, error)
	Depart(ctx context.Context, roomId, userId int, settle func(rooms.LeaveResult)) (rooms.LeaveResult, error)
	Rename(ctx context.Context, roomId, requesterId int, name string) (database.Room, error)
	Details(ctx context.Context, roomId, requesterId int) (rooms.Details, error)
	Attach(ctx context.Context, roomId, userId int, attach func()) (bool, error)
}

type stopReq struct {
	done chan struct{}
}

// ChatServer tracks live connections and turns room lifecycle changes into
// events for the connections subscribed to the affected room.
type ChatServer struct {
	log            zerolog.Logger
	rooms          RoomService
	registry       *Registry
	dispatcher     *Dispatcher
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	registerChan   chan *Client
	deregisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger zerolog.Logger, rs RoomService, su stats.StatsProvider) (*ChatServer, error) {
	if rs == nil {
		return nil, errors.New("room service is required")
	}

	for _, name := range []string{metricActiveClients, metricSubscriptions, metricMessagesSent, metricDeliveriesDropped} {
		su.RegisterMetric(name)
	}

	registry := NewRegistry()
	return &ChatServer{
		log:            logger,
		rooms:          rs,
		registry:       registry,
		dispatcher:     NewDispatcher(rs, registry, su, logger),
		stats:          su,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.log.Debug().Str("conn_id", c.id).Str("username", c.user.Username).Msg("adding connection")
			cs.addClient(c)
		case c := <-cs.deregisterChan:
			cs.log.Debug().Str("conn_id", c.id).Str("username", c.user.Username).Msg("removing connection")
			cs.removeClient(c)
		case req := <-cs.stop:
			cs.log.Info().Int("clients", cs.NumClients()).Msg("closing connections")
			cs.clientsLock.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Shutdown stops the run loop and asks every connection to close.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient hands c to the run loop. It returns false once the server
// is shutting down.
func (cs *ChatServer) RegisterClient(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

// DeregisterClient removes c from every room it subscribed to before
// returning, then drops it from the set of live connections.
func (cs *ChatServer) DeregisterClient(c *Client) {
	for _, roomId := range cs.registry.UnsubscribeAll(c) {
		cs.stats.Decr(metricSubscriptions)
		cs.notifyAbsent(roomId, c.user.Id)
	}

	select {
	case cs.deregisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(metricActiveClients)
	}
}

func (cs *ChatServer) NumClients() int {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return len(cs.clients)
}

// Subscribe routes deliveries of roomId to c. Only members may subscribe.
func (cs *ChatServer) Subscribe(ctx context.Context, c *Client, roomId int) (types.RoomDetails, error) {
	const op = "subscribe"

	if _, err := cs.rooms.Details(ctx, roomId, c.user.Id); err != nil {
		if errors.Is(err, rooms.ErrForbidden) {
			return types.RoomDetails{}, &rooms.Error{Op: op, Kind: rooms.KindNotMember, Err: err}
		}
		return types.RoomDetails{}, err
	}

	// registering under the room lock keeps a concurrent leave from slipping
	// in between the membership check and the subscription
	var added, wasPresent bool
	ok, err := cs.rooms.Attach(ctx, roomId, c.user.Id, func() {
		wasPresent = cs.registry.userConnected(roomId, c.user.Id)
		added = cs.registry.Subscribe(c, roomId)
	})
	if err != nil {
		return types.RoomDetails{}, err
	}
	if !ok {
		return types.RoomDetails{}, &rooms.Error{Op: op, Kind: rooms.KindNotMember}
	}

	if added {
		cs.stats.Incr(metricSubscriptions)
		c.log.Debug().Int("room_id", roomId).Msg("subscribed")
		if !wasPresent {
			cs.dispatcher.Broadcast(roomId, presenceEvent(roomId, c.user.Id, true), c)
		}
	}

	return cs.Details(ctx, roomId, c.user.Id)
}

// Unsubscribe stops deliveries of roomId to c.
func (cs *ChatServer) Unsubscribe(c *Client, roomId int) bool {
	if !cs.registry.Unsubscribe(c, roomId) {
		return false
	}

	cs.stats.Decr(metricSubscriptions)
	c.log.Debug().Int("room_id", roomId).Msg("unsubscribed")
	cs.notifyAbsent(roomId, c.user.Id)
	return true
}

func (cs *ChatServer) notifyAbsent(roomId, userId int) {
	if !cs.registry.userConnected(roomId, userId) {
		cs.dispatcher.Broadcast(roomId, presenceEvent(roomId, userId, false), nil)
	}
}

func (cs *ChatServer) JoinByCode(ctx context.Context, code string, user types.User) (types.JoinResult, error) {
	res, err := cs.rooms.JoinByCode(ctx, code, user.Id)
	if err != nil {
		return types.JoinResult{}, err
	}

	return cs.joined(res, user), nil
}

func (cs *ChatServer) JoinById(ctx context.Context, roomId int, user types.User) (types.JoinResult, error) {
	res, err := cs.rooms.JoinById(ctx, roomId, user.Id)
	if err != nil {
		return types.JoinResult{}, err
	}

	return cs.joined(res, user), nil
}

func (cs *ChatServer) joined(res rooms.JoinResult, user types.User) types.JoinResult {
	if res.Joined {
		cs.dispatcher.Broadcast(res.Room.Id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MemberJoined: &MemberChange{RoomId: res.Room.Id, User: user},
			},
		}, nil)
	}

	return types.JoinResult{
		Room:       types.NewRoom(res.Room),
		Membership: types.NewMember(res.Membership),
	}
}

// Leave removes user from roomId and updates the room's subscribers. The
// leaver's own connections are unsubscribed and told so.
func (cs *ChatServer) Leave(ctx context.Context, roomId int, user types.User) (types.LeaveResult, error) {
	var out types.LeaveResult
	_, err := cs.rooms.Depart(ctx, roomId, user.Id, func(res rooms.LeaveResult) {
		out = cs.departed(roomId, user, res)
	})
	if err != nil {
		return types.LeaveResult{}, err
	}

	return out, nil
}

// departed detaches the leaver's connections and notifies the room. It runs
// while the room is still locked.
func (cs *ChatServer) departed(roomId int, user types.User, res rooms.LeaveResult) types.LeaveResult {
	if res.Outcome == rooms.Deleted {
		dropped := cs.registry.DropRoom(roomId)
		for range dropped {
			cs.stats.Decr(metricSubscriptions)
		}
		cs.dispatcher.deliver(dropped, &ServerMessage{
			BaseMessage:  BaseMessage{Timestamp: Now()},
			Notification: &Notification{RoomDeleted: &RoomDeleted{RoomId: roomId}},
		})
		return types.LeaveResult{Outcome: res.Outcome.String()}
	}

	removed := cs.registry.UnsubscribeUser(roomId, user.Id)
	for range removed {
		cs.stats.Decr(metricSubscriptions)
	}

	left := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			MemberLeft: &MemberChange{RoomId: roomId, User: user},
		},
	}
	cs.dispatcher.deliver(removed, left)
	cs.dispatcher.Broadcast(roomId, left, nil)

	out := types.LeaveResult{Outcome: res.Outcome.String()}
	if res.Outcome == rooms.OwnershipTransferred {
		out.NewOwnerId = res.NewOwner.UserId
		cs.dispatcher.Broadcast(roomId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				OwnerChanged: &OwnerChanged{RoomId: roomId, NewOwnerId: res.NewOwner.UserId},
			},
		}, nil)
	}

	return out
}

func (cs *ChatServer) Rename(ctx context.Context, roomId int, user types.User, name string) (types.Room, error) {
	room, err := cs.rooms.Rename(ctx, roomId, user.Id, name)
	if err != nil {
		return types.Room{}, err
	}

	cs.dispatcher.Broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			RoomRenamed: &RoomRenamed{RoomId: roomId, Name: room.Name},
		},
	}, nil)

	return types.NewRoom(room), nil
}

// Details returns the room with its members in join order, each marked with
// whether it currently has a live subscription to the room.
func (cs *ChatServer) Details(ctx context.Context, roomId, requesterId int) (types.RoomDetails, error) {
	d, err := cs.rooms.Details(ctx, roomId, requesterId)
	if err != nil {
		return types.RoomDetails{}, err
	}

	present := cs.registry.PresentUsers(roomId)
	out := types.RoomDetails{
		Room:       types.NewRoom(d.Room),
		Members:    make([]types.Member, 0, len(d.Members)),
		Membership: types.NewMember(d.Membership),
	}
	for _, m := range d.Members {
		member := types.NewMember(m)
		member.Present = present[m.UserId]
		out.Members = append(out.Members, member)
	}
	out.Membership.Present = present[requesterId]

	return out, nil
}

func (cs *ChatServer) SendMessage(ctx context.Context, roomId, authorId int, content string) (types.Message, error) {
	return cs.dispatcher.SendMessage(ctx, roomId, authorId, content)
}

func presenceEvent(roomId, userId int, present bool) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{RoomId: roomId, UserId: userId, Present: present},
		},
	}
}

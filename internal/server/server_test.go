package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/stats"
	"github.com/npezzotti/gochat-rooms/internal/testutil"
	"github.com/npezzotti/gochat-rooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a ChatServer backed by a room manager on an
// in-memory store. The run loop is started and shut down with the test.
func newTestChatServer(t *testing.T) (*ChatServer, *rooms.Manager, *database.Store) {
	t.Helper()

	su := (&stats.MockStatsUpdater{}).AllowUpdates()
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	store := testutil.NewStore(t)
	logger := testutil.TestLogger(t)
	manager := rooms.NewManager(store, logger, rooms.Options{})

	cs, err := NewChatServer(logger, manager, su)
	require.NoError(t, err, "failed to create test ChatServer")

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return cs, manager, store
}

func newTestClient(t *testing.T, cs *ChatServer, u database.User) *Client {
	return &Client{
		id:         fmt.Sprintf("conn-%d-%d", u.Id, time.Now().UnixNano()),
		chatServer: cs,
		log:        testutil.TestLogger(t),
		user:       types.NewUser(u),
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

// drain returns every message queued on c without blocking.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func deliveredMessages(msgs []*ServerMessage) []*types.Message {
	var out []*types.Message
	for _, m := range msgs {
		if m.Message != nil {
			out = append(out, m.Message)
		}
	}
	return out
}

func notifications(msgs []*ServerMessage) []*Notification {
	var out []*Notification
	for _, m := range msgs {
		if m.Notification != nil && m.Notification.Presence == nil {
			out = append(out, m.Notification)
		}
	}
	return out
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", metricActiveClients).Once()
	su.On("RegisterMetric", metricSubscriptions).Once()
	su.On("RegisterMetric", metricMessagesSent).Once()
	su.On("RegisterMetric", metricDeliveriesDropped).Once()

	logger := testutil.TestLogger(t)
	manager := rooms.NewManager(&database.MockGoChatRepository{}, logger, rooms.Options{})
	cs, err := NewChatServer(logger, manager, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs.registry, "expected registry to be initialized")
	assert.NotNil(t, cs.dispatcher, "expected dispatcher to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")

	_, err = NewChatServer(logger, nil, su)
	assert.Error(t, err, "expected an error without a room service")
}

func TestChatServerShutdown(t *testing.T) {
	newServer := func(t *testing.T) *ChatServer {
		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything).Times(4)
		logger := testutil.TestLogger(t)
		cs, err := NewChatServer(logger, rooms.NewManager(&database.MockGoChatRepository{}, logger, rooms.Options{}), su)
		require.NoError(t, err)
		return cs
	}

	t.Run("successful shutdown", func(t *testing.T) {
		cs := newServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})

	t.Run("stops live connections", func(t *testing.T) {
		cs, _, store := newTestChatServer(t)
		users := testutil.CreateUsers(t, store, "alice")
		c := newTestClient(t, cs, users[0])
		require.True(t, cs.RegisterClient(c))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx))

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped on shutdown")
		}

		assert.False(t, cs.RegisterClient(newTestClient(t, cs, users[0])), "expected registration to fail after shutdown")
		assert.NotPanics(t, func() { cs.DeregisterClient(c) }, "expected deregistration after shutdown not to block")
	})
}

func TestChatServer_RegisterDeregister(t *testing.T) {
	cs, manager, store := newTestChatServer(t)
	users := testutil.CreateUsers(t, store, "alice", "bob")
	ctx := context.Background()

	room, err := manager.Create(ctx, rooms.CreateParams{Name: "room", OwnerId: users[0].Id})
	require.NoError(t, err)
	other, err := manager.Create(ctx, rooms.CreateParams{Name: "other", OwnerId: users[0].Id})
	require.NoError(t, err)
	for _, id := range []int{room.Id, other.Id} {
		_, err = cs.JoinById(ctx, id, types.NewUser(users[1]))
		require.NoError(t, err)
	}

	alice := newTestClient(t, cs, users[0])
	bob := newTestClient(t, cs, users[1])
	require.True(t, cs.RegisterClient(alice))
	require.True(t, cs.RegisterClient(bob))
	assert.Eventually(t, func() bool { return cs.NumClients() == 2 }, time.Second, 10*time.Millisecond)

	for _, id := range []int{room.Id, other.Id} {
		_, err = cs.Subscribe(ctx, alice, id)
		require.NoError(t, err)
		_, err = cs.Subscribe(ctx, bob, id)
		require.NoError(t, err)
	}
	require.ElementsMatch(t, []int{room.Id, other.Id}, cs.registry.Rooms(bob))
	drain(alice)

	cs.DeregisterClient(bob)
	assert.Empty(t, cs.registry.Rooms(bob), "expected closed connection to leave every room")
	for _, id := range []int{room.Id, other.Id} {
		conns := cs.registry.ConnectionsFor(id)
		assert.Len(t, conns, 1, "expected only alice left in room %d", id)
		assert.NotContains(t, conns, bob)
	}
	assert.Eventually(t, func() bool { return cs.NumClients() == 1 }, time.Second, 10*time.Millisecond)

	msgs := drain(alice)
	require.Len(t, msgs, 2, "expected a presence update per room for the closed connection")
	var absentIn []int
	for _, msg := range msgs {
		require.NotNil(t, msg.Notification.Presence)
		assert.Equal(t, users[1].Id, msg.Notification.Presence.UserId)
		assert.False(t, msg.Notification.Presence.Present)
		absentIn = append(absentIn, msg.Notification.Presence.RoomId)
	}
	assert.ElementsMatch(t, []int{room.Id, other.Id}, absentIn)
}

func TestChatServer_Subscribe(t *testing.T) {
	cs, manager, store := newTestChatServer(t)
	users := testutil.CreateUsers(t, store, "alice", "bob", "carol")
	ctx := context.Background()

	room, err := manager.Create(ctx, rooms.CreateParams{Name: "room", OwnerId: users[0].Id})
	require.NoError(t, err)
	_, err = manager.JoinById(ctx, room.Id, users[1].Id)
	require.NoError(t, err)

	alice := newTestClient(t, cs, users[0])
	bob := newTestClient(t, cs, users[1])
	carol := newTestClient(t, cs, users[2])

	t.Run("member subscribes", func(t *testing.T) {
		details, err := cs.Subscribe(ctx, alice, room.Id)
		require.NoError(t, err)
		assert.Equal(t, room.Id, details.Room.Id)
		require.Len(t, details.Members, 2)
		assert.True(t, details.Members[0].Present, "expected subscriber to be present")
		assert.False(t, details.Members[1].Present, "expected unsubscribed member to be absent")
		assert.True(t, details.Membership.Present)
	})

	t.Run("second subscription is a no-op", func(t *testing.T) {
		_, err := cs.Subscribe(ctx, alice, room.Id)
		require.NoError(t, err)
		assert.Len(t, cs.registry.ConnectionsFor(room.Id), 1)
	})

	t.Run("presence is announced to others", func(t *testing.T) {
		drain(alice)
		_, err := cs.Subscribe(ctx, bob, room.Id)
		require.NoError(t, err)

		msgs := drain(alice)
		require.Len(t, msgs, 1)
		require.NotNil(t, msgs[0].Notification.Presence)
		assert.Equal(t, Presence{RoomId: room.Id, UserId: users[1].Id, Present: true}, *msgs[0].Notification.Presence)
		assert.Empty(t, drain(bob), "expected no presence event for own subscription")
	})

	t.Run("non member is rejected", func(t *testing.T) {
		_, err := cs.Subscribe(ctx, carol, room.Id)
		assert.ErrorIs(t, err, rooms.ErrNotMember)
		assert.Empty(t, cs.registry.Rooms(carol))
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := cs.Subscribe(ctx, alice, 9999)
		assert.ErrorIs(t, err, rooms.ErrNotFound)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		drain(alice)
		assert.True(t, cs.Unsubscribe(bob, room.Id))
		assert.False(t, cs.Unsubscribe(bob, room.Id), "expected second unsubscribe to report false")

		msgs := drain(alice)
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].Notification.Presence.Present)
	})
}

func TestChatServer_FanoutScope(t *testing.T) {
	cs, manager, store := newTestChatServer(t)
	users := testutil.CreateUsers(t, store, "alice", "bob", "carol")
	ctx := context.Background()

	roomA, err := manager.Create(ctx, rooms.CreateParams{Name: "A", OwnerId: users[0].Id})
	require.NoError(t, err)
	_, err = manager.JoinById(ctx, roomA.Id, users[1].Id)
	require.NoError(t, err)
	roomB, err := manager.Create(ctx, rooms.CreateParams{Name: "B", OwnerId: users[2].Id})
	require.NoError(t, err)

	alice := newTestClient(t, cs, users[0])
	aliceTab := newTestClient(t, cs, users[0])
	bob := newTestClient(t, cs, users[1])
	carol := newTestClient(t, cs, users[2])
	for _, c := range []*Client{alice, aliceTab, bob} {
		_, err := cs.Subscribe(ctx, c, roomA.Id)
		require.NoError(t, err)
	}
	_, err = cs.Subscribe(ctx, carol, roomB.Id)
	require.NoError(t, err)
	for _, c := range []*Client{alice, aliceTab, bob, carol} {
		drain(c)
	}

	sent, err := cs.SendMessage(ctx, roomA.Id, users[1].Id, "hello A")
	require.NoError(t, err)
	assert.Equal(t, "bob", sent.Username, "expected author display fields to be resolved")

	for _, c := range []*Client{alice, aliceTab, bob} {
		got := deliveredMessages(drain(c))
		require.Len(t, got, 1, "expected one delivery on %s", c.id)
		assert.Equal(t, sent, *got[0])
	}
	assert.Empty(t, drain(carol), "expected no delivery to another room's subscribers")

	t.Run("room without subscribers", func(t *testing.T) {
		cs.Unsubscribe(carol, roomB.Id)
		_, err := cs.SendMessage(ctx, roomB.Id, users[2].Id, "anyone?")
		assert.NoError(t, err, "expected send to succeed with zero live connections")
	})

	t.Run("full buffer does not fail the send", func(t *testing.T) {
		for i := 0; i < sendBufferSize; i++ {
			bob.send <- &ServerMessage{}
		}

		_, err := cs.SendMessage(ctx, roomA.Id, users[0].Id, "still delivered")
		require.NoError(t, err)
		assert.Len(t, deliveredMessages(drain(alice)), 1)
		drain(bob)
	})

	t.Run("non member cannot send", func(t *testing.T) {
		_, err := cs.SendMessage(ctx, roomA.Id, users[2].Id, "let me in")
		assert.ErrorIs(t, err, rooms.ErrNotMember)
		assert.Empty(t, drain(alice))
	})
}

func TestChatServer_Lifecycle(t *testing.T) {
	cs, manager, store := newTestChatServer(t)
	users := testutil.CreateUsers(t, store, "u1", "u2", "u3")
	ctx := context.Background()
	u1, u2, u3 := types.NewUser(users[0]), types.NewUser(users[1]), types.NewUser(users[2])

	room, err := manager.Create(ctx, rooms.CreateParams{Name: "room", OwnerId: u1.Id})
	require.NoError(t, err)

	c1 := newTestClient(t, cs, users[0])
	_, err = cs.Subscribe(ctx, c1, room.Id)
	require.NoError(t, err)

	res, err := cs.JoinByCode(ctx, room.Code, u2)
	require.NoError(t, err)
	assert.Equal(t, "member", res.Membership.Role)

	n := notifications(drain(c1))
	require.Len(t, n, 1)
	require.NotNil(t, n[0].MemberJoined)
	assert.Equal(t, u2.Id, n[0].MemberJoined.User.Id)

	_, err = cs.JoinByCode(ctx, room.Code, u2)
	require.NoError(t, err)
	assert.Empty(t, notifications(drain(c1)), "expected no event for a repeated join")

	_, err = cs.JoinById(ctx, room.Id, u3)
	require.NoError(t, err)
	drain(c1)

	c2 := newTestClient(t, cs, users[1])
	_, err = cs.Subscribe(ctx, c2, room.Id)
	require.NoError(t, err)
	c3 := newTestClient(t, cs, users[2])
	_, err = cs.Subscribe(ctx, c3, room.Id)
	require.NoError(t, err)
	drain(c1)
	drain(c2)
	drain(c3)

	t.Run("rename", func(t *testing.T) {
		_, err := cs.Rename(ctx, room.Id, u2, "nope")
		assert.ErrorIs(t, err, rooms.ErrForbidden)

		renamed, err := cs.Rename(ctx, room.Id, u1, "renamed")
		require.NoError(t, err)
		assert.Equal(t, "renamed", renamed.Name)

		for _, c := range []*Client{c1, c2, c3} {
			n := notifications(drain(c))
			require.Len(t, n, 1)
			assert.Equal(t, &RoomRenamed{RoomId: room.Id, Name: "renamed"}, n[0].RoomRenamed)
		}
	})

	t.Run("owner leaves", func(t *testing.T) {
		out, err := cs.Leave(ctx, room.Id, u1)
		require.NoError(t, err)
		assert.Equal(t, "ownership_transferred", out.Outcome)
		assert.Equal(t, u2.Id, out.NewOwnerId)

		assert.NotContains(t, cs.registry.ConnectionsFor(room.Id), c1, "expected leaver to be unsubscribed")

		n := notifications(drain(c1))
		require.Len(t, n, 1)
		assert.NotNil(t, n[0].MemberLeft, "expected leaver to be told it left")

		for _, c := range []*Client{c2, c3} {
			n := notifications(drain(c))
			require.Len(t, n, 2)
			assert.Equal(t, u1.Id, n[0].MemberLeft.User.Id)
			assert.Equal(t, &OwnerChanged{RoomId: room.Id, NewOwnerId: u2.Id}, n[1].OwnerChanged)
		}

		details, err := cs.Details(ctx, room.Id, u2.Id)
		require.NoError(t, err)
		assert.Equal(t, u2.Id, details.Room.OwnerId)
		assert.Equal(t, "owner", details.Membership.Role)
	})

	t.Run("member leaves", func(t *testing.T) {
		out, err := cs.Leave(ctx, room.Id, u3)
		require.NoError(t, err)
		assert.Equal(t, "left", out.Outcome)
		assert.Zero(t, out.NewOwnerId)

		n := notifications(drain(c2))
		require.Len(t, n, 1)
		assert.Equal(t, u3.Id, n[0].MemberLeft.User.Id)
		drain(c3)
	})

	t.Run("last member leaves", func(t *testing.T) {
		out, err := cs.Leave(ctx, room.Id, u2)
		require.NoError(t, err)
		assert.Equal(t, "deleted", out.Outcome)

		n := notifications(drain(c2))
		require.Len(t, n, 1)
		assert.Equal(t, &RoomDeleted{RoomId: room.Id}, n[0].RoomDeleted)
		assert.Empty(t, cs.registry.ConnectionsFor(room.Id))
		assert.Zero(t, cs.registry.NumRooms())

		_, err = cs.Details(ctx, room.Id, u2.Id)
		assert.ErrorIs(t, err, rooms.ErrNotFound)
	})

	t.Run("leave by non member", func(t *testing.T) {
		other, err := manager.Create(ctx, rooms.CreateParams{Name: "other", OwnerId: u1.Id})
		require.NoError(t, err)

		_, err = cs.Leave(ctx, other.Id, u3)
		assert.ErrorIs(t, err, rooms.ErrNotMember)
	})
}

// sendOnLeave posts a message to the room right after a leave has committed
// and released the room lock, before the chat server gets the result back.
type sendOnLeave struct {
	*rooms.Manager
	send func(roomId int)
}

func (s *sendOnLeave) Depart(ctx context.Context, roomId, userId int, settle func(rooms.LeaveResult)) (rooms.LeaveResult, error) {
	res, err := s.Manager.Depart(ctx, roomId, userId, settle)
	if err == nil && s.send != nil {
		s.send(roomId)
	}
	return res, err
}

// leaveOnAttach removes the user from the room just before the subscription
// is attached, after the membership lookup has already passed.
type leaveOnAttach struct {
	*rooms.Manager
}

func (l *leaveOnAttach) Attach(ctx context.Context, roomId, userId int, attach func()) (bool, error) {
	if _, err := l.Manager.Leave(ctx, roomId, userId); err != nil {
		return false, err
	}
	return l.Manager.Attach(ctx, roomId, userId, attach)
}

func newChatServerWith(t *testing.T, wrap func(*rooms.Manager) RoomService) (*ChatServer, *rooms.Manager, *database.Store) {
	t.Helper()

	su := (&stats.MockStatsUpdater{}).AllowUpdates()
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	store := testutil.NewStore(t)
	logger := testutil.TestLogger(t)
	manager := rooms.NewManager(store, logger, rooms.Options{})

	cs, err := NewChatServer(logger, wrap(manager), su)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs, manager, store
}

func TestChatServer_NoDeliveryAfterLeave(t *testing.T) {
	rs := &sendOnLeave{}
	cs, manager, store := newChatServerWith(t, func(m *rooms.Manager) RoomService {
		rs.Manager = m
		return rs
	})
	users := testutil.CreateUsers(t, store, "alice", "bob")
	ctx := context.Background()

	room, err := manager.Create(ctx, rooms.CreateParams{Name: "room", OwnerId: users[0].Id})
	require.NoError(t, err)
	_, err = manager.JoinById(ctx, room.Id, users[1].Id)
	require.NoError(t, err)

	alice := newTestClient(t, cs, users[0])
	bob := newTestClient(t, cs, users[1])
	for _, c := range []*Client{alice, bob} {
		_, err := cs.Subscribe(ctx, c, room.Id)
		require.NoError(t, err)
	}
	drain(alice)
	drain(bob)

	var sent types.Message
	rs.send = func(roomId int) {
		var err error
		sent, err = cs.SendMessage(ctx, roomId, users[0].Id, "after bob left")
		require.NoError(t, err)
	}

	out, err := cs.Leave(ctx, room.Id, types.NewUser(users[1]))
	require.NoError(t, err)
	assert.Equal(t, "left", out.Outcome)

	bobMsgs := drain(bob)
	assert.Empty(t, deliveredMessages(bobMsgs), "expected no delivery to a user whose leave has committed")
	n := notifications(bobMsgs)
	require.Len(t, n, 1)
	assert.NotNil(t, n[0].MemberLeft)

	got := deliveredMessages(drain(alice))
	require.Len(t, got, 1)
	assert.Equal(t, sent, *got[0])
}

func TestChatServer_SubscribeRacesLeave(t *testing.T) {
	cs, manager, store := newChatServerWith(t, func(m *rooms.Manager) RoomService {
		return &leaveOnAttach{Manager: m}
	})
	users := testutil.CreateUsers(t, store, "alice", "bob")
	ctx := context.Background()

	room, err := manager.Create(ctx, rooms.CreateParams{Name: "room", OwnerId: users[0].Id})
	require.NoError(t, err)
	_, err = manager.JoinById(ctx, room.Id, users[1].Id)
	require.NoError(t, err)

	bob := newTestClient(t, cs, users[1])
	_, err = cs.Subscribe(ctx, bob, room.Id)
	assert.ErrorIs(t, err, rooms.ErrNotMember)
	assert.Empty(t, cs.registry.Rooms(bob), "expected no subscription for a user who left")
	assert.Empty(t, cs.registry.ConnectionsFor(room.Id))
}

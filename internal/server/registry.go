package server

import "sync"

// Registry maps rooms to the live connections subscribed to them. It is
// process-local delivery routing only; membership lives in the store.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[int]map[*Client]struct{}
	clients map[*Client]map[int]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[int]map[*Client]struct{}),
		clients: make(map[*Client]map[int]struct{}),
	}
}

// Subscribe adds c to roomId and reports whether it was not subscribed yet.
func (r *Registry) Subscribe(c *Client, roomId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.rooms[roomId]
	if !ok {
		subs = make(map[*Client]struct{})
		r.rooms[roomId] = subs
	}
	if _, ok := subs[c]; ok {
		return false
	}
	subs[c] = struct{}{}

	if r.clients[c] == nil {
		r.clients[c] = make(map[int]struct{})
	}
	r.clients[c][roomId] = struct{}{}

	return true
}

// Unsubscribe removes c from roomId and reports whether it was subscribed.
func (r *Registry) Unsubscribe(c *Client, roomId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unsubscribeLocked(c, roomId)
}

func (r *Registry) unsubscribeLocked(c *Client, roomId int) bool {
	subs, ok := r.rooms[roomId]
	if !ok {
		return false
	}
	if _, ok := subs[c]; !ok {
		return false
	}

	delete(subs, c)
	if len(subs) == 0 {
		delete(r.rooms, roomId)
	}

	if joined, ok := r.clients[c]; ok {
		delete(joined, roomId)
		if len(joined) == 0 {
			delete(r.clients, c)
		}
	}

	return true
}

// UnsubscribeAll drops every subscription of c and returns the rooms it had.
func (r *Registry) UnsubscribeAll(c *Client) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.clients[c]
	roomIds := make([]int, 0, len(joined))
	for roomId := range joined {
		roomIds = append(roomIds, roomId)
	}
	for _, roomId := range roomIds {
		r.unsubscribeLocked(c, roomId)
	}

	return roomIds
}

// UnsubscribeUser drops every connection of userId from roomId.
func (r *Registry) UnsubscribeUser(roomId, userId int) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Client
	for c := range r.rooms[roomId] {
		if c.user.Id == userId {
			removed = append(removed, c)
		}
	}
	for _, c := range removed {
		r.unsubscribeLocked(c, roomId)
	}

	return removed
}

// DropRoom removes every subscription to roomId.
func (r *Registry) DropRoom(roomId int) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		removed = append(removed, c)
	}
	for _, c := range removed {
		r.unsubscribeLocked(c, roomId)
	}

	return removed
}

// ConnectionsFor returns a snapshot of the connections subscribed to roomId.
func (r *Registry) ConnectionsFor(roomId int) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		conns = append(conns, c)
	}

	return conns
}

// PresentUsers returns the users with at least one connection subscribed to roomId.
func (r *Registry) PresentUsers(roomId int) map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	present := make(map[int]bool, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		present[c.user.Id] = true
	}

	return present
}

func (r *Registry) userConnected(roomId, userId int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[roomId] {
		if c.user.Id == userId {
			return true
		}
	}
	return false
}

// Rooms returns the ids of the rooms c is subscribed to.
func (r *Registry) Rooms(c *Client) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomIds := make([]int, 0, len(r.clients[c]))
	for roomId := range r.clients[c] {
		roomIds = append(roomIds, roomId)
	}
	return roomIds
}

func (r *Registry) NumRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

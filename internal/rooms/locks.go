package rooms

import (
	"context"
	"sync"
)

// roomLocks hands out one mutual-exclusion slot per room id. Entries are
// reference counted and dropped once nobody holds or waits for them, so
// rooms never share a lock and the map does not grow with deleted rooms.
type roomLocks struct {
	mu    sync.Mutex
	slots map[int]*roomSlot
}

type roomSlot struct {
	ch   chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{slots: make(map[int]*roomSlot)}
}

// lock blocks until the room's slot is free or ctx is done. On success the
// returned func must be called to release the slot.
func (l *roomLocks) lock(ctx context.Context, roomId int) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[roomId]
	if !ok {
		slot = &roomSlot{ch: make(chan struct{}, 1)}
		l.slots[roomId] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(roomId, slot)
		}, nil
	case <-ctx.Done():
		l.release(roomId, slot)
		return nil, ctx.Err()
	}
}

func (l *roomLocks) release(roomId int, slot *roomSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, roomId)
	}
}

func (l *roomLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

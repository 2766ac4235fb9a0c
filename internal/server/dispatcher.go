package server

import (
	"context"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/npezzotti/gochat-rooms/internal/stats"
	"github.com/npezzotti/gochat-rooms/internal/types"
	"github.com/rs/zerolog"
)

const (
	metricMessagesSent      = "MessagesSent"
	metricDeliveriesDropped = "DeliveriesDropped"
)

// MessagePoster persists a message and calls deliver with it while the
// room's order is still held.
type MessagePoster interface {
	Post(ctx context.Context, roomId, userId int, content string, deliver func(database.Message)) (database.Message, error)
}

// Dispatcher pushes persisted messages and room events to the connections
// subscribed to a room.
type Dispatcher struct {
	poster   MessagePoster
	registry *Registry
	stats    stats.StatsProvider
	log      zerolog.Logger
}

func NewDispatcher(poster MessagePoster, registry *Registry, su stats.StatsProvider, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		poster:   poster,
		registry: registry,
		stats:    su,
		log:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SendMessage persists content as a message of authorId in roomId and fans it
// out to the room's subscribers. Delivery failures never fail the call.
func (d *Dispatcher) SendMessage(ctx context.Context, roomId, authorId int, content string) (types.Message, error) {
	stored, err := d.poster.Post(ctx, roomId, authorId, content, func(m database.Message) {
		msg := types.NewMessage(m)
		d.Broadcast(roomId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Message:     &msg,
		}, nil)
	})
	if err != nil {
		return types.Message{}, err
	}

	d.stats.Incr(metricMessagesSent)
	return types.NewMessage(stored), nil
}

// Broadcast queues msg on every connection subscribed to roomId except skip
// and returns how many accepted it.
func (d *Dispatcher) Broadcast(roomId int, msg *ServerMessage, skip *Client) int {
	delivered := 0
	for _, c := range d.registry.ConnectionsFor(roomId) {
		if c == skip {
			continue
		}
		if !c.queueMessage(msg) {
			d.stats.Incr(metricDeliveriesDropped)
			d.log.Warn().Int("room_id", roomId).Str("conn_id", c.id).Msg("delivery dropped")
			continue
		}
		delivered++
	}

	return delivered
}

// deliver queues msg on each of conns, used for connections that were just
// removed from a room and no longer show up in the registry.
func (d *Dispatcher) deliver(conns []*Client, msg *ServerMessage) {
	for _, c := range conns {
		if !c.queueMessage(msg) {
			d.stats.Incr(metricDeliveriesDropped)
		}
	}
}

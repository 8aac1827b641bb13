// Package gateway is the realtime endpoint: it authenticates connections,
// dispatches inbound events to the chat services and pushes outbound events
// through the presence registry.
package gateway

import (
	"context"
	"sync"
	"time"

	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/internal/services"
)

type Options struct {
	// OpTimeout bounds each inbound operation, store calls included.
	OpTimeout time.Duration
	// TypingInterval is the minimum gap between typing broadcasts per connection.
	TypingInterval time.Duration
	// ReadTimeout closes a socket that sent nothing for this long.
	ReadTimeout time.Duration
}

type Gateway struct {
	registry *presence.Registry
	rooms    *services.RoomService
	messages *services.MessageService
	reads    *services.ReadTracker
	users    *services.UserService
	opts     Options

	presenceMu sync.Mutex
	announced  map[string]*announcement
}

// announcement is the last presence state broadcast for one user. Its mutex
// serializes that user's broadcasts.
type announcement struct {
	mu     sync.Mutex
	sent   bool
	online bool
}

func New(registry *presence.Registry, rooms *services.RoomService, messages *services.MessageService,
	reads *services.ReadTracker, users *services.UserService, opts Options) *Gateway {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 8 * time.Second
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	g := &Gateway{
		registry:  registry,
		rooms:     rooms,
		messages:  messages,
		reads:     reads,
		users:     users,
		opts:      opts,
		announced: make(map[string]*announcement),
	}
	registry.SetListener(g.onPresence)
	return g
}

// onPresence announces a transition to everyone viewing a room shared with
// userID. Transitions may be observed out of order, so the broadcast carries
// the registry's current state and is skipped when viewers already have it.
func (g *Gateway) onPresence(userID string, _ bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.OpTimeout)
		defer cancel()

		roomIDs, err := g.rooms.RoomIDsForUser(ctx, userID)
		if err != nil {
			logger.Warn("[gateway] presence rooms for %s: %v", userID, err)
			return
		}

		a := g.announcementFor(userID)
		a.mu.Lock()
		defer a.mu.Unlock()

		online := g.registry.IsOnline(userID)
		if a.sent && a.online == online {
			return
		}
		a.sent, a.online = true, online
		g.registry.BroadcastRooms(roomIDs, models.OutboundEvent{
			Event: models.EventPresence,
			Data:  models.PresenceData{UserID: userID, Online: online},
		}, userID)
	}()
}

func (g *Gateway) announcementFor(userID string) *announcement {
	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()
	a, ok := g.announced[userID]
	if !ok {
		a = &announcement{}
		g.announced[userID] = a
	}
	return a
}

// PublishMessage fans a stored message out to the room's viewers and nudges the
// counterpart when they are online elsewhere. Both send paths call it.
func (g *Gateway) PublishMessage(ctx context.Context, msg models.Message) {
	room, err := g.rooms.GetRoomForUser(ctx, msg.RoomID, msg.SenderID)
	if err != nil {
		logger.Warn("[gateway] publish %s: %v", msg.ID, err)
		return
	}

	g.registry.Broadcast(room.ID, models.OutboundEvent{Event: models.EventChatMessage, Data: msg}, "")

	counterpart := room.Counterpart(msg.SenderID)
	if !g.registry.IsOnline(counterpart) || g.registry.IsUserInRoom(counterpart, room.ID) {
		return
	}
	go g.notifyUnread(room.ID, counterpart)
}

// PublishReadReceipt tells the counterpart that userID has read the room, and
// refreshes the reader's own badge on every tab.
func (g *Gateway) PublishReadReceipt(ctx context.Context, roomID, userID string, readAt time.Time) {
	room, err := g.rooms.GetRoomForUser(ctx, roomID, userID)
	if err != nil {
		logger.Warn("[gateway] read receipt %s: %v", roomID, err)
		return
	}

	g.registry.NotifyUser(room.Counterpart(userID), models.OutboundEvent{
		Event: models.EventReadReceipt,
		Data:  models.ReadReceiptData{RoomID: room.ID, UserID: userID, ReadAt: readAt},
	})
	if g.registry.IsOnline(userID) {
		go g.notifyUnread(room.ID, userID)
	}
}

func (g *Gateway) notifyUnread(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.OpTimeout)
	defer cancel()

	data := models.ChatNotifyData{RoomID: roomID}
	if total, err := g.reads.TotalUnread(ctx, userID); err == nil {
		data.Unread = &total
	} else {
		logger.Warn("[gateway] total unread for %s: %v", userID, err)
	}
	g.registry.NotifyUser(userID, models.OutboundEvent{Event: models.EventChatNotify, Data: data})
}

// ConnectionCount reports live realtime connections.
func (g *Gateway) ConnectionCount() int {
	return g.registry.ConnectionCount()
}

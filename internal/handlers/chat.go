package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/models"
	"listing-chat/internal/services"
)

// Publisher pushes HTTP-originated changes to realtime subscribers.
type Publisher interface {
	PublishMessage(ctx context.Context, msg models.Message)
	PublishReadReceipt(ctx context.Context, roomID, userID string, readAt time.Time)
}

type ChatHandler struct {
	rooms     *services.RoomService
	messages  *services.MessageService
	reads     *services.ReadTracker
	publisher Publisher
	timeout   time.Duration
}

func NewChatHandler(rooms *services.RoomService, messages *services.MessageService, reads *services.ReadTracker,
	publisher Publisher, timeout time.Duration) *ChatHandler {
	return &ChatHandler{rooms: rooms, messages: messages, reads: reads, publisher: publisher, timeout: timeout}
}

func (h *ChatHandler) context(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

// EnsureRoom handles POST /chat/room/:propertyId.
func (h *ChatHandler) EnsureRoom(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	var req models.EnsureRoomRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}

	ctx, cancel := h.context(c)
	defer cancel()

	room, err := h.rooms.EnsureRoom(ctx, identity.UserID, c.Params("propertyId"), req.RenterID)
	if err != nil {
		return err
	}
	return c.JSON(room)
}

// ListRooms handles GET /chat/rooms/list?filter=all|owner|renter.
func (h *ChatHandler) ListRooms(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	rooms, err := h.rooms.ListRooms(ctx, identity.UserID, models.ParseRoleFilter(c.Query("filter")))
	if err != nil {
		return err
	}
	return c.JSON(rooms)
}

// GetRoom handles GET /chat/rooms/:roomId.
func (h *ChatHandler) GetRoom(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	room, err := h.rooms.RoomDetails(ctx, c.Params("roomId"), identity.UserID)
	if err != nil {
		return err
	}
	return c.JSON(room)
}

// GetMessages handles GET /chat/:roomId/messages?limit=N&before=cursor.
func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	page, err := h.messages.FetchPage(ctx, c.Params("roomId"), identity.UserID, c.QueryInt("limit", 0), c.Query("before"))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// SendMessage handles POST /chat/:roomId/messages.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	var req models.SendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	msg, created, err := h.messages.Append(ctx, c.Params("roomId"), identity.UserID, req.Text, req.ClientMsgID)
	if err != nil {
		return err
	}
	if !created {
		return c.JSON(msg)
	}
	h.publisher.PublishMessage(ctx, msg)
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkRead handles POST /chat/:roomId/read.
func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	marker, err := h.reads.MarkRead(ctx, c.Params("roomId"), identity.UserID)
	if err != nil {
		return err
	}
	h.publisher.PublishReadReceipt(ctx, marker.RoomID, identity.UserID, marker.LastReadAt)
	return c.SendStatus(fiber.StatusNoContent)
}

// TotalUnread handles GET /chat/unread.
func (h *ChatHandler) TotalUnread(c *fiber.Ctx) error {
	identity, err := identityFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.context(c)
	defer cancel()

	total, err := h.reads.TotalUnread(ctx, identity.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"total": total})
}

package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

const maxClientMsgIDLength = 64

type MessageLimits struct {
	MaxLength    int
	DefaultLimit int
	MaxLimit     int
}

// MessageService is the only write path for messages; HTTP and realtime both call Append.
type MessageService struct {
	store  store.MessageStore
	rooms  *RoomService
	limits MessageLimits
}

func NewMessageService(messages store.MessageStore, rooms *RoomService, limits MessageLimits) *MessageService {
	return &MessageService{store: messages, rooms: rooms, limits: limits}
}

// Append validates and stores a message. created is false when clientMsgID
// matched an earlier send from the same sender, in which case the earlier
// message is returned unchanged.
func (s *MessageService) Append(ctx context.Context, roomID, senderID, text, clientMsgID string) (models.Message, bool, error) {
	room, err := s.rooms.GetRoomForUser(ctx, roomID, senderID)
	if err != nil {
		return models.Message{}, false, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, false, apperrors.InvalidMessage("message text is empty")
	}
	if s.limits.MaxLength > 0 && utf8.RuneCountInString(text) > s.limits.MaxLength {
		return models.Message{}, false, apperrors.InvalidMessage("message text is too long")
	}
	if len(clientMsgID) > maxClientMsgIDLength {
		return models.Message{}, false, apperrors.InvalidMessage("clientMsgId is too long")
	}

	msg, created, err := s.store.InsertMessage(ctx, models.Message{
		RoomID:      room.ID,
		SenderID:    senderID,
		Text:        text,
		ClientMsgID: clientMsgID,
	})
	if err != nil {
		return models.Message{}, false, storeError(err, "Room")
	}
	if !created {
		logger.Debug("[messages] dedup hit room=%s sender=%s clientMsgId=%s", roomID, senderID, clientMsgID)
	}
	return msg, created, nil
}

// FetchPage returns up to limit messages older than the before cursor (a
// message id), oldest first. An empty cursor starts from the newest message.
func (s *MessageService) FetchPage(ctx context.Context, roomID, userID string, limit int, before string) (models.MessagePage, error) {
	if _, err := s.rooms.GetRoomForUser(ctx, roomID, userID); err != nil {
		return models.MessagePage{}, err
	}
	limit = s.clampLimit(limit)

	var beforeSeq int64
	if before != "" {
		var cursor models.Message
		err := retryRead(ctx, "GetMessage", func(ctx context.Context) error {
			var err error
			cursor, err = s.store.GetMessage(ctx, roomID, before)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return models.MessagePage{}, apperrors.BadRequest("unknown cursor", err)
		}
		if err != nil {
			return models.MessagePage{}, storeError(err, "Message")
		}
		beforeSeq = cursor.Seq
	}

	var newestFirst []models.Message
	err := retryRead(ctx, "MessagesBefore", func(ctx context.Context) error {
		var err error
		newestFirst, err = s.store.MessagesBefore(ctx, roomID, beforeSeq, limit+1)
		return err
	})
	if err != nil {
		return models.MessagePage{}, storeError(err, "Message")
	}

	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}

	data := make([]models.Message, len(newestFirst))
	for i, msg := range newestFirst {
		data[len(newestFirst)-1-i] = msg
	}
	return models.MessagePage{Data: data, HasMore: hasMore}, nil
}

func (s *MessageService) clampLimit(limit int) int {
	if limit <= 0 {
		return s.limits.DefaultLimit
	}
	if limit > s.limits.MaxLimit {
		return s.limits.MaxLimit
	}
	return limit
}

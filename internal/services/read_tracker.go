package services

import (
	"context"
	"errors"
	"time"

	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

// ReadTracker keeps per-room read markers. Unread counts are always derived
// from the marker and the message log, never stored.
type ReadTracker struct {
	store store.Store
	rooms *RoomService
	now   func() time.Time
}

func NewReadTracker(st store.Store, rooms *RoomService) *ReadTracker {
	return &ReadTracker{store: st, rooms: rooms, now: time.Now}
}

// MarkRead advances the caller's marker to the room head. Not retried.
func (t *ReadTracker) MarkRead(ctx context.Context, roomID, userID string) (models.ReadMarker, error) {
	room, err := t.rooms.GetRoomForUser(ctx, roomID, userID)
	if err != nil {
		return models.ReadMarker{}, err
	}

	head, err := t.store.LatestSeq(ctx, room.ID)
	if err != nil {
		return models.ReadMarker{}, storeError(err, "Room")
	}

	marker, err := t.store.AdvanceReadMarker(ctx, models.ReadMarker{
		RoomID:      room.ID,
		UserID:      userID,
		LastReadSeq: head,
		LastReadAt:  t.now().UTC(),
	})
	if err != nil {
		return models.ReadMarker{}, storeError(err, "Room")
	}
	return marker, nil
}

func (t *ReadTracker) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	if _, err := t.rooms.GetRoomForUser(ctx, roomID, userID); err != nil {
		return 0, err
	}
	return unreadFor(ctx, t.store, roomID, userID)
}

// TotalUnread sums unread counts across every room of userID.
func (t *ReadTracker) TotalUnread(ctx context.Context, userID string) (int, error) {
	roomIDs, err := t.rooms.RoomIDsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, roomID := range roomIDs {
		n, err := unreadFor(ctx, t.store, roomID, userID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// unreadFor counts counterpart messages past the user's marker. Callers have
// already checked participation.
func unreadFor(ctx context.Context, st store.Store, roomID, userID string) (int, error) {
	var n int
	err := retryRead(ctx, "CountUnread", func(ctx context.Context) error {
		marker, err := st.GetReadMarker(ctx, roomID, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		n, err = st.CountUnread(ctx, roomID, userID, marker.LastReadSeq)
		return err
	})
	if err != nil {
		return 0, storeError(err, "Room")
	}
	return n, nil
}

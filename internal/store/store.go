// Package store defines the storage ports behind the chat services.
//
// Two invariants are owned by implementations rather than callers: a room
// triple maps to exactly one row even under concurrent creation, and message
// order keys are strictly increasing per room in commit order.
package store

import (
	"context"
	"errors"
	"time"

	"listing-chat/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type RoomStore interface {
	// GetOrCreateRoom inserts room unless its triple already exists. It returns
	// the stored row and whether this call created it.
	GetOrCreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	// ListRoomsForUser returns rooms where userID holds the given role
	// (RoleAll for either).
	ListRoomsForUser(ctx context.Context, userID string, role models.Role) ([]models.Room, error)
	UpdatePropertyTitle(ctx context.Context, propertyID, title string) error
}

type MessageStore interface {
	// InsertMessage assigns ID, Seq and CreatedAt. When ClientMsgID is set and
	// already stored for the same room and sender, the existing row is
	// returned with created=false.
	InsertMessage(ctx context.Context, msg models.Message) (stored models.Message, created bool, err error)
	// MessagesBefore returns up to limit messages with Seq < beforeSeq, newest
	// first. beforeSeq <= 0 means "from the head".
	MessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, roomID, messageID string) (models.Message, error)
	LastMessage(ctx context.Context, roomID string) (*models.Message, error)
	// LatestSeq returns the head order key of the room, 0 when empty.
	LatestSeq(ctx context.Context, roomID string) (int64, error)
	// CountUnread counts messages with Seq > afterSeq not sent by userID.
	CountUnread(ctx context.Context, roomID, userID string, afterSeq int64) (int, error)
}

type ReadMarkerStore interface {
	// AdvanceReadMarker moves the marker forward; it never moves it back.
	AdvanceReadMarker(ctx context.Context, marker models.ReadMarker) (models.ReadMarker, error)
	GetReadMarker(ctx context.Context, roomID, userID string) (models.ReadMarker, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
}

type PropertyStore interface {
	GetProperty(ctx context.Context, propertyID string) (models.Property, error)
}

type EntitlementStore interface {
	// ActiveUntil returns when the user's chat entitlement lapses.
	ActiveUntil(ctx context.Context, userID string) (time.Time, error)
}

// Store bundles every port; both the postgres and memory drivers satisfy it.
type Store interface {
	RoomStore
	MessageStore
	ReadMarkerStore
	UserStore
	PropertyStore
	EntitlementStore
	Ping(ctx context.Context) error
	Close()
}

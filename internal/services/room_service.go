package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

// roomNamespace seeds the name-based room ids.
var roomNamespace = uuid.MustParse("6f1c1b52-3d0e-4a8e-9a53-0c2f6e7d9b41")

// RoomID derives the stable room id of a (property, owner, renter) triple.
func RoomID(propertyID, ownerID, renterID string) string {
	name := strings.Join([]string{propertyID, ownerID, renterID}, "\x00")
	return uuid.NewSHA1(roomNamespace, []byte(name)).String()
}

// RoomService is the room directory: lazy room creation and per-user listings.
type RoomService struct {
	store   store.Store
	catalog *Catalog
	users   *UserService
	gate    *EntitlementGate
}

func NewRoomService(st store.Store, catalog *Catalog, users *UserService, gate *EntitlementGate) *RoomService {
	return &RoomService{store: st, catalog: catalog, users: users, gate: gate}
}

// EnsureRoom gets or creates the room for callerID and counterpartID about
// propertyID. The property owner is always the room's owner. When the caller is
// the renter, counterpartID may be empty.
func (s *RoomService) EnsureRoom(ctx context.Context, callerID, propertyID, counterpartID string) (models.RoomDetails, error) {
	if callerID == "" {
		return models.RoomDetails{}, apperrors.Unauthenticated("missing caller identity", nil)
	}
	if propertyID == "" {
		return models.RoomDetails{}, apperrors.BadRequest("propertyId is required", nil)
	}
	if callerID == counterpartID {
		return models.RoomDetails{}, apperrors.InvalidParticipants("cannot open a chat with yourself")
	}

	property, err := s.catalog.GetProperty(ctx, propertyID)
	if err != nil {
		return models.RoomDetails{}, err
	}

	ownerID, renterID, err := participants(property.OwnerID, callerID, counterpartID)
	if err != nil {
		return models.RoomDetails{}, err
	}

	if err := s.gate.Check(ctx, callerID); err != nil {
		return models.RoomDetails{}, err
	}

	room, created, err := s.store.GetOrCreateRoom(ctx, models.Room{
		ID:            RoomID(property.ID, ownerID, renterID),
		PropertyID:    property.ID,
		PropertyTitle: property.Title,
		OwnerID:       ownerID,
		RenterID:      renterID,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.RoomDetails{}, apperrors.Internal("room id collision", err)
		}
		return models.RoomDetails{}, storeError(err, "Room")
	}

	if created {
		logger.Info("[rooms] created room %s for property %s", room.ID, room.PropertyID)
	} else if property.Title != "" && room.PropertyTitle != property.Title {
		if err := s.store.UpdatePropertyTitle(ctx, property.ID, property.Title); err != nil {
			logger.Warn("[rooms] refresh title for property %s: %v", property.ID, err)
		} else {
			room.PropertyTitle = property.Title
		}
	}

	return s.details(ctx, room), nil
}

// participants resolves the (owner, renter) pair and checks the caller is one of them.
func participants(ownerID, callerID, counterpartID string) (string, string, error) {
	if ownerID == "" {
		return "", "", apperrors.NotFound("Property owner", nil)
	}
	if callerID == ownerID {
		if counterpartID == "" {
			return "", "", apperrors.InvalidParticipants("renterId is required when the owner opens a chat")
		}
		return ownerID, counterpartID, nil
	}
	if counterpartID != "" && counterpartID != ownerID {
		return "", "", apperrors.InvalidParticipants("counterpart must be the property owner")
	}
	return ownerID, callerID, nil
}

// GetRoomForUser loads a room and checks userID participates in it.
func (s *RoomService) GetRoomForUser(ctx context.Context, roomID, userID string) (models.Room, error) {
	var room models.Room
	err := retryRead(ctx, "GetRoom", func(ctx context.Context) error {
		var err error
		room, err = s.store.GetRoom(ctx, roomID)
		return err
	})
	if err != nil {
		return models.Room{}, storeError(err, "Room")
	}
	if !room.HasParticipant(userID) {
		return models.Room{}, apperrors.Forbidden("you do not have access to this conversation")
	}
	return room, nil
}

// AuthorizeJoin is GetRoomForUser plus the entitlement gate, for realtime joins.
func (s *RoomService) AuthorizeJoin(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, err := s.GetRoomForUser(ctx, roomID, userID)
	if err != nil {
		return models.Room{}, err
	}
	if err := s.gate.Check(ctx, userID); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// RoomDetails is GetRoomForUser enriched with participant names.
func (s *RoomService) RoomDetails(ctx context.Context, roomID, userID string) (models.RoomDetails, error) {
	room, err := s.GetRoomForUser(ctx, roomID, userID)
	if err != nil {
		return models.RoomDetails{}, err
	}
	return s.details(ctx, room), nil
}

func (s *RoomService) details(ctx context.Context, room models.Room) models.RoomDetails {
	return models.RoomDetails{
		RoomID:        room.ID,
		PropertyID:    room.PropertyID,
		PropertyTitle: room.PropertyTitle,
		OwnerID:       room.OwnerID,
		OwnerName:     s.users.DisplayName(ctx, room.OwnerID),
		RenterID:      room.RenterID,
		RenterName:    s.users.DisplayName(ctx, room.RenterID),
	}
}

// ListRooms returns every room userID participates in, newest activity first.
// Rooms without messages come last, newest room first.
func (s *RoomService) ListRooms(ctx context.Context, userID string, role models.Role) ([]models.RoomSummary, error) {
	rooms, err := s.roomsFor(ctx, userID, role)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		var last *models.Message
		err := retryRead(ctx, "LastMessage", func(ctx context.Context) error {
			var err error
			last, err = s.store.LastMessage(ctx, room.ID)
			return err
		})
		if err != nil {
			return nil, storeError(err, "Message")
		}

		unread, err := unreadFor(ctx, s.store, room.ID, userID)
		if err != nil {
			return nil, err
		}

		other := room.Counterpart(userID)
		summaries = append(summaries, models.RoomSummary{
			RoomID:        room.ID,
			PropertyID:    room.PropertyID,
			PropertyTitle: room.PropertyTitle,
			Role:          room.RoleOf(userID),
			OtherUserID:   other,
			OtherUserName: s.users.DisplayName(ctx, other),
			LastMessage:   last,
			UnreadCount:   unread,
			CreatedAt:     room.CreatedAt,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessage, summaries[j].LastMessage
		switch {
		case a != nil && b != nil:
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.Seq > b.Seq
			}
			return a.CreatedAt.After(b.CreatedAt)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
	})
	return summaries, nil
}

// RoomIDsForUser lists the ids of every room userID participates in.
func (s *RoomService) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.roomsFor(ctx, userID, models.RoleAll)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rooms))
	for _, room := range rooms {
		ids = append(ids, room.ID)
	}
	return ids, nil
}

// roomsFor lists rooms deduplicated by id.
func (s *RoomService) roomsFor(ctx context.Context, userID string, role models.Role) ([]models.Room, error) {
	var rooms []models.Room
	err := retryRead(ctx, "ListRoomsForUser", func(ctx context.Context) error {
		var err error
		rooms, err = s.store.ListRoomsForUser(ctx, userID, role)
		return err
	})
	if err != nil {
		return nil, storeError(err, "Room")
	}

	seen := make(map[string]struct{}, len(rooms))
	out := rooms[:0]
	for _, room := range rooms {
		if _, dup := seen[room.ID]; dup {
			continue
		}
		seen[room.ID] = struct{}{}
		out = append(out, room)
	}
	return out, nil
}

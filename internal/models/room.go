package models

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleRenter Role = "renter"
	RoleAll    Role = "all"
)

// ParseRoleFilter maps a query value to a filter; unknown values mean RoleAll.
func ParseRoleFilter(s string) Role {
	switch Role(s) {
	case RoleOwner:
		return RoleOwner
	case RoleRenter:
		return RoleRenter
	default:
		return RoleAll
	}
}

// Room is the conversation scope for one (property, owner, renter) triple.
type Room struct {
	ID            string    `json:"roomId"`
	PropertyID    string    `json:"propertyId"`
	PropertyTitle string    `json:"propertyTitle"`
	OwnerID       string    `json:"ownerId"`
	RenterID      string    `json:"renterId"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (r Room) HasParticipant(userID string) bool {
	return userID != "" && (r.OwnerID == userID || r.RenterID == userID)
}

// Counterpart returns the other participant, or "" if userID is not in the room.
func (r Room) Counterpart(userID string) string {
	switch userID {
	case r.OwnerID:
		return r.RenterID
	case r.RenterID:
		return r.OwnerID
	}
	return ""
}

func (r Room) RoleOf(userID string) Role {
	if userID == r.OwnerID {
		return RoleOwner
	}
	return RoleRenter
}

// RoomDetails is the response of the room ensure endpoint.
type RoomDetails struct {
	RoomID        string `json:"roomId"`
	PropertyID    string `json:"propertyId"`
	PropertyTitle string `json:"propertyTitle"`
	OwnerID       string `json:"ownerId"`
	OwnerName     string `json:"ownerName"`
	RenterID      string `json:"renterId"`
	RenterName    string `json:"renterName"`
}

// RoomSummary is one entry of a user's room list.
type RoomSummary struct {
	RoomID        string    `json:"roomId"`
	PropertyID    string    `json:"propertyId"`
	PropertyTitle string    `json:"propertyTitle"`
	Role          Role      `json:"role"`
	OtherUserID   string    `json:"otherUserId"`
	OtherUserName string    `json:"otherUserName"`
	LastMessage   *Message  `json:"lastMessage"`
	UnreadCount   int       `json:"unreadCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

type EnsureRoomRequest struct {
	RenterID string `json:"renterId" validate:"omitempty,max=64"`
}

package models

import "time"

// Message is the single canonical message shape for HTTP and realtime payloads.
type Message struct {
	ID          string    `json:"_id"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"time"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	// Seq is the store-assigned order key within the room.
	Seq int64 `json:"-"`
}

type MessagePage struct {
	Data    []Message `json:"data"`
	HasMore bool      `json:"hasMore"`
}

type SendMessageRequest struct {
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId" validate:"omitempty,max=64"`
}

// ReadMarker is the per-room, per-user read watermark.
type ReadMarker struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	LastReadSeq int64     `json:"-"`
	LastReadAt  time.Time `json:"lastReadAt"`
}

package models

import (
	"encoding/json"
	"time"
)

// Inbound realtime events.
const (
	EventJoinUser     = "join_user"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventReadMessages = "read_messages"
	EventPing         = "ping"
)

// Outbound realtime events.
const (
	EventConnected   = "connected"
	EventChatMessage = "chat_message"
	EventChatNotify  = "chat_notify"
	EventReadReceipt = "read_receipt"
	EventPresence    = "presence"
	EventAck         = "ack"
	EventError       = "error"
	EventPong        = "pong"
)

// InboundFrame is a client frame; Data is decoded per event.
type InboundFrame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is a server frame.
type OutboundEvent struct {
	Event string      `json:"event"`
	Ref   string      `json:"ref,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type JoinUserData struct {
	UserID string `json:"userId"`
}

type JoinRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

type LeaveRoomData struct {
	RoomID string `json:"roomId"`
}

type SendMessageData struct {
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type TypingData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type ReadMessagesData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type ChatNotifyData struct {
	RoomID string `json:"roomId"`
	Unread *int   `json:"unread,omitempty"`
}

type ReadReceiptData struct {
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type PresenceData struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

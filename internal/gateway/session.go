package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
)

// Session is one authenticated connection. Its methods run on the
// connection's read goroutine only.
type Session struct {
	g        *Gateway
	conn     *presence.Conn
	identity models.Identity
	typing   *rate.Limiter
}

// Open registers an authenticated connection and greets it.
func (g *Gateway) Open(identity models.Identity, t presence.Transport) *Session {
	if identity.DisplayName == "" {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.OpTimeout)
		identity.DisplayName = g.users.DisplayName(ctx, identity.UserID)
		cancel()
	}
	s := &Session{
		g:        g,
		conn:     g.registry.Connect(identity.UserID, identity.DisplayName, t),
		identity: identity,
		typing:   rate.NewLimiter(rate.Every(g.opts.TypingInterval), 1),
	}
	s.send(models.OutboundEvent{
		Event: models.EventConnected,
		Data: models.ConnectedData{
			ConnectionID: s.conn.ID,
			UserID:       identity.UserID,
			Name:         identity.DisplayName,
		},
	})
	logger.Info("[gateway] user %s connected (%s)", identity.UserID, s.conn.ID)
	return s
}

// Close unregisters the connection and drops its room memberships.
func (s *Session) Close() {
	s.g.registry.Disconnect(s.conn.ID)
	s.conn.Wait(time.Second)
	logger.Info("[gateway] user %s disconnected (%s)", s.identity.UserID, s.conn.ID)
}

func (s *Session) ConnectionID() string {
	return s.conn.ID
}

// Closed reports whether the registry shut the connection down.
func (s *Session) Closed() bool {
	return s.conn.Closed()
}

// HandleFrame decodes and dispatches one inbound frame. Failures are reported
// to this connection only and never end the session.
func (s *Session) HandleFrame(raw []byte) {
	var in models.InboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		s.replyError("", apperrors.BadRequest("malformed frame", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.g.opts.OpTimeout)
	defer cancel()

	var (
		ack interface{}
		err error
	)
	switch in.Event {
	case models.EventJoinUser:
		ack, err = s.handleJoinUser(in)
	case models.EventJoinRoom:
		ack, err = s.handleJoinRoom(ctx, in)
	case models.EventLeaveRoom:
		err = s.handleLeaveRoom(in)
	case models.EventSendMessage:
		ack, err = s.handleSendMessage(ctx, in)
	case models.EventTyping:
		err = s.handleTyping(in)
	case models.EventReadMessages:
		ack, err = s.handleReadMessages(ctx, in)
	case models.EventPing:
		s.send(models.OutboundEvent{Event: models.EventPong, Ref: in.Ref})
		return
	default:
		err = apperrors.BadRequest("unknown event "+in.Event, nil)
	}

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		s.replyError(in.Ref, err)
		return
	}
	if in.Ref != "" {
		s.send(models.OutboundEvent{Event: models.EventAck, Ref: in.Ref, Data: ack})
	}
}

func decode(in models.InboundFrame, dest interface{}) error {
	if len(in.Data) == 0 {
		return apperrors.BadRequest("missing data for "+in.Event, nil)
	}
	if err := json.Unmarshal(in.Data, dest); err != nil {
		return apperrors.BadRequest("invalid data for "+in.Event, err)
	}
	return nil
}

// checkSelf rejects payloads that claim to act as another user.
func (s *Session) checkSelf(userID string) error {
	if userID != "" && userID != s.identity.UserID {
		return apperrors.Forbidden("cannot act on behalf of another user")
	}
	return nil
}

func requireRoom(roomID string) error {
	if roomID == "" {
		return apperrors.BadRequest("roomId is required", nil)
	}
	return nil
}

func (s *Session) handleJoinUser(in models.InboundFrame) (interface{}, error) {
	var data models.JoinUserData
	if len(in.Data) > 0 {
		if err := decode(in, &data); err != nil {
			return nil, err
		}
	}
	if err := s.checkSelf(data.UserID); err != nil {
		return nil, err
	}
	return models.ConnectedData{ConnectionID: s.conn.ID, UserID: s.identity.UserID, Name: s.identity.DisplayName}, nil
}

func (s *Session) handleJoinRoom(ctx context.Context, in models.InboundFrame) (interface{}, error) {
	var data models.JoinRoomData
	if err := decode(in, &data); err != nil {
		return nil, err
	}
	if err := requireRoom(data.RoomID); err != nil {
		return nil, err
	}
	if err := s.checkSelf(data.UserID); err != nil {
		return nil, err
	}

	room, err := s.g.rooms.AuthorizeJoin(ctx, data.RoomID, s.identity.UserID)
	if err != nil {
		return nil, err
	}
	// Past the deadline the caller is told TIMEOUT, so the join is not applied.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.g.registry.Join(s.conn.ID, room.ID); err != nil {
		return nil, apperrors.Unavailable("connection closed", err)
	}

	counterpart := room.Counterpart(s.identity.UserID)
	s.send(models.OutboundEvent{
		Event: models.EventPresence,
		Data:  models.PresenceData{UserID: counterpart, Online: s.g.registry.IsOnline(counterpart)},
	})
	return room, nil
}

func (s *Session) handleLeaveRoom(in models.InboundFrame) error {
	var data models.LeaveRoomData
	if err := decode(in, &data); err != nil {
		return err
	}
	if err := requireRoom(data.RoomID); err != nil {
		return err
	}
	s.g.registry.Leave(s.conn.ID, data.RoomID)
	return nil
}

func (s *Session) handleSendMessage(ctx context.Context, in models.InboundFrame) (interface{}, error) {
	var data models.SendMessageData
	if err := decode(in, &data); err != nil {
		return nil, err
	}
	if err := requireRoom(data.RoomID); err != nil {
		return nil, err
	}
	if !s.conn.InRoom(data.RoomID) {
		return nil, apperrors.Forbidden("join the room before sending")
	}

	msg, created, err := s.g.messages.Append(ctx, data.RoomID, s.identity.UserID, data.Text, data.ClientMsgID)
	if err != nil {
		return nil, err
	}
	if created {
		s.g.PublishMessage(ctx, msg)
	}
	return msg, nil
}

func (s *Session) handleTyping(in models.InboundFrame) error {
	var data models.TypingData
	if err := decode(in, &data); err != nil {
		return err
	}
	if err := requireRoom(data.RoomID); err != nil {
		return err
	}
	if err := s.checkSelf(data.UserID); err != nil {
		return err
	}
	if !s.conn.InRoom(data.RoomID) {
		return apperrors.Forbidden("join the room before typing")
	}
	if !s.typing.Allow() {
		return nil
	}

	s.g.registry.Broadcast(data.RoomID, models.OutboundEvent{
		Event: models.EventTyping,
		Data:  models.TypingData{RoomID: data.RoomID, UserID: s.identity.UserID, Name: s.identity.DisplayName},
	}, s.identity.UserID)
	return nil
}

func (s *Session) handleReadMessages(ctx context.Context, in models.InboundFrame) (interface{}, error) {
	var data models.ReadMessagesData
	if err := decode(in, &data); err != nil {
		return nil, err
	}
	if err := requireRoom(data.RoomID); err != nil {
		return nil, err
	}
	if err := s.checkSelf(data.UserID); err != nil {
		return nil, err
	}

	marker, err := s.g.reads.MarkRead(ctx, data.RoomID, s.identity.UserID)
	if err != nil {
		return nil, err
	}
	s.g.PublishReadReceipt(ctx, data.RoomID, s.identity.UserID, marker.LastReadAt)
	return marker, nil
}

func (s *Session) send(ev models.OutboundEvent) {
	s.g.registry.Send(s.conn.ID, ev)
}

func (s *Session) replyError(ref string, err error) {
	appErr := apperrors.From(err)
	if appErr.Code == apperrors.CodeInternal || appErr.Code == apperrors.CodeUnavailable {
		logger.LogError(err, "gateway "+s.identity.UserID)
	} else if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("[gateway] operation timed out for %s: %v", s.identity.UserID, err)
	}
	s.send(models.OutboundEvent{
		Event: models.EventError,
		Ref:   ref,
		Data:  models.ErrorData{Code: appErr.Code, Message: appErr.Message},
	})
}

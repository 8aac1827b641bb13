package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/config"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/internal/services"
	"listing-chat/internal/store/memory"
)

type rawEvent struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []rawEvent
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, ev)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) all(event string) []rawEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rawEvent
	for _, ev := range f.frames {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// await waits for the n-th (1-based) frame of the given event.
func (f *fakeTransport) await(t *testing.T, event string, n int) rawEvent {
	t.Helper()
	var got rawEvent
	require.Eventually(t, func() bool {
		evs := f.all(event)
		if len(evs) < n {
			return false
		}
		got = evs[n-1]
		return true
	}, time.Second, 5*time.Millisecond, "waiting for %s #%d", event, n)
	return got
}

// slowStore delays the next call of selected store methods once, then
// behaves like the wrapped memory store. Delayed calls ignore ctx, like a
// store round-trip that completes after the caller gave up.
type slowStore struct {
	*memory.Store

	listDelay   atomic.Int64
	roomDelay   atomic.Int64
	insertDelay atomic.Int64
}

func pause(d *atomic.Int64) {
	if n := d.Swap(0); n > 0 {
		time.Sleep(time.Duration(n))
	}
}

func (s *slowStore) ListRoomsForUser(ctx context.Context, userID string, role models.Role) ([]models.Room, error) {
	pause(&s.listDelay)
	return s.Store.ListRoomsForUser(ctx, userID, role)
}

func (s *slowStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	pause(&s.roomDelay)
	return s.Store.GetRoom(ctx, roomID)
}

func (s *slowStore) InsertMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	pause(&s.insertDelay)
	return s.Store.InsertMessage(ctx, msg)
}

type harness struct {
	store    *slowStore
	gateway  *Gateway
	registry *presence.Registry
	messages *services.MessageService
	roomID   string
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Options{OpTimeout: time.Second, TypingInterval: time.Hour})
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()

	st := &slowStore{Store: memory.New()}
	ctx := context.Background()
	for _, u := range []models.User{
		{ID: "O", Username: "owner", DisplayName: "Olga"},
		{ID: "R", Username: "renter", DisplayName: "Rami"},
		{ID: "X", Username: "stranger", DisplayName: "Xena"},
	} {
		_, err := st.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	st.PutProperty(models.Property{ID: "P", Title: "Garden flat", OwnerID: "O"})

	users := services.NewUserService(st, nil, "secret", time.Hour, time.Hour)
	rooms := services.NewRoomService(st, services.NewCatalog(st, nil), users, services.NewEntitlementGate(config.EntitlementOpen, st))
	messages := services.NewMessageService(st, rooms, services.MessageLimits{MaxLength: 100, DefaultLimit: 20, MaxLimit: 50})
	reads := services.NewReadTracker(st, rooms)

	registry := presence.NewRegistry(presence.Options{Grace: 50 * time.Millisecond, SoftLimit: 64, HardLimit: 256}, nil)
	t.Cleanup(registry.Close)

	gw := New(registry, rooms, messages, reads, users, opts)

	room, err := rooms.EnsureRoom(ctx, "R", "P", "O")
	require.NoError(t, err)

	return &harness{store: st, gateway: gw, registry: registry, messages: messages, roomID: room.RoomID}
}

func (h *harness) open(userID, name string) (*Session, *fakeTransport) {
	tr := &fakeTransport{}
	return h.gateway.Open(models.Identity{UserID: userID, DisplayName: name}, tr), tr
}

func frame(t *testing.T, event, ref string, data interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(models.InboundFrame{Event: event, Ref: ref, Data: payload})
	require.NoError(t, err)
	return raw
}

func errorData(t *testing.T, ev rawEvent) models.ErrorData {
	t.Helper()
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	return data
}

func TestOpen_SendsConnected(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("R", "Rami")
	defer s.Close()

	ev := tr.await(t, models.EventConnected, 1)
	var data models.ConnectedData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, s.ConnectionID(), data.ConnectionID)
	assert.Equal(t, "R", data.UserID)
}

func TestOpen_ResolvesMissingDisplayName(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("R", "")
	defer s.Close()

	var data models.ConnectedData
	require.NoError(t, json.Unmarshal(tr.await(t, models.EventConnected, 1).Data, &data))
	assert.Equal(t, "Rami", data.Name)
}

func TestJoinRoom_ForbiddenKeepsConnection(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("X", "Xena")
	defer s.Close()

	s.HandleFrame(frame(t, models.EventJoinRoom, "j1", models.JoinRoomData{RoomID: h.roomID}))
	ev := tr.await(t, models.EventError, 1)
	assert.Equal(t, "j1", ev.Ref)
	assert.Equal(t, apperrors.CodeForbidden, errorData(t, ev).Code)
	assert.False(t, h.registry.IsUserInRoom("X", h.roomID))

	s.HandleFrame(frame(t, models.EventPing, "p1", struct{}{}))
	assert.Equal(t, "p1", tr.await(t, models.EventPong, 1).Ref)
}

func TestSendMessage_RequiresJoin(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("R", "Rami")
	defer s.Close()

	s.HandleFrame(frame(t, models.EventSendMessage, "s1", models.SendMessageData{RoomID: h.roomID, Text: "hi"}))
	assert.Equal(t, apperrors.CodeForbidden, errorData(t, tr.await(t, models.EventError, 1)).Code)

	head, err := h.store.LatestSeq(context.Background(), h.roomID)
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestSendMessage_BroadcastsAndAcks(t *testing.T) {
	h := newHarness(t)
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()
	owner, ownerT := h.open("O", "Olga")
	defer owner.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	owner.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))

	renter.HandleFrame(frame(t, models.EventSendMessage, "s1", models.SendMessageData{
		RoomID: h.roomID, Text: "  Is this available? ", ClientMsgID: "c-1",
	}))

	ack := renterT.await(t, models.EventAck, 1)
	assert.Equal(t, "s1", ack.Ref)
	var acked models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &acked))
	assert.Equal(t, "Is this available?", acked.Text)

	var delivered models.Message
	require.NoError(t, json.Unmarshal(ownerT.await(t, models.EventChatMessage, 1).Data, &delivered))
	assert.Equal(t, acked.ID, delivered.ID)
	assert.Equal(t, "R", delivered.SenderID)
	renterT.await(t, models.EventChatMessage, 1)

	// A retried send with the same key yields the same stored message.
	renter.HandleFrame(frame(t, models.EventSendMessage, "s2", models.SendMessageData{
		RoomID: h.roomID, Text: "Is this available?", ClientMsgID: "c-1",
	}))
	var retried models.Message
	require.NoError(t, json.Unmarshal(renterT.await(t, models.EventAck, 2).Data, &retried))
	assert.Equal(t, acked.ID, retried.ID)
}

func TestSendMessage_NotifiesCounterpartOutsideRoom(t *testing.T) {
	h := newHarness(t)
	renter, _ := h.open("R", "Rami")
	defer renter.Close()
	owner, ownerT := h.open("O", "Olga")
	defer owner.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	renter.HandleFrame(frame(t, models.EventSendMessage, "", models.SendMessageData{RoomID: h.roomID, Text: "hello"}))

	ev := ownerT.await(t, models.EventChatNotify, 1)
	var data models.ChatNotifyData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, h.roomID, data.RoomID)
	require.NotNil(t, data.Unread)
	assert.Equal(t, 1, *data.Unread)
	assert.Empty(t, ownerT.all(models.EventChatMessage))
}

func TestTyping_RateLimitedAndExcludesSender(t *testing.T) {
	h := newHarness(t)
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()
	owner, ownerT := h.open("O", "Olga")
	defer owner.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	owner.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))

	for i := 0; i < 5; i++ {
		renter.HandleFrame(frame(t, models.EventTyping, "", models.TypingData{RoomID: h.roomID}))
	}

	ev := ownerT.await(t, models.EventTyping, 1)
	var data models.TypingData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "R", data.UserID)
	assert.Equal(t, "Rami", data.Name)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ownerT.all(models.EventTyping), 1)
	assert.Empty(t, renterT.all(models.EventTyping))
}

func TestReadMessages_SendsReceipt(t *testing.T) {
	h := newHarness(t)
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()
	owner, ownerT := h.open("O", "Olga")
	defer owner.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	renter.HandleFrame(frame(t, models.EventSendMessage, "", models.SendMessageData{RoomID: h.roomID, Text: "ping"}))

	owner.HandleFrame(frame(t, models.EventReadMessages, "r1", models.ReadMessagesData{RoomID: h.roomID}))
	ownerT.await(t, models.EventAck, 1)

	ev := renterT.await(t, models.EventReadReceipt, 1)
	var receipt models.ReadReceiptData
	require.NoError(t, json.Unmarshal(ev.Data, &receipt))
	assert.Equal(t, "O", receipt.UserID)
	assert.Equal(t, h.roomID, receipt.RoomID)
}

func TestActingAsAnotherUserIsForbidden(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("R", "Rami")
	defer s.Close()

	s.HandleFrame(frame(t, models.EventReadMessages, "r1", models.ReadMessagesData{RoomID: h.roomID, UserID: "O"}))
	assert.Equal(t, apperrors.CodeForbidden, errorData(t, tr.await(t, models.EventError, 1)).Code)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open("R", "Rami")
	defer s.Close()

	s.HandleFrame([]byte("{not json"))
	assert.Equal(t, apperrors.CodeBadRequest, errorData(t, tr.await(t, models.EventError, 1)).Code)

	s.HandleFrame(frame(t, "dance", "d1", struct{}{}))
	ev := tr.await(t, models.EventError, 2)
	assert.Equal(t, "d1", ev.Ref)
	assert.Equal(t, apperrors.CodeBadRequest, errorData(t, ev).Code)
}

func TestPresence_SnapshotAndTransitions(t *testing.T) {
	h := newHarness(t)
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	var snap models.PresenceData
	require.NoError(t, json.Unmarshal(renterT.await(t, models.EventPresence, 1).Data, &snap))
	assert.Equal(t, models.PresenceData{UserID: "O", Online: false}, snap)

	owner, _ := h.open("O", "Olga")
	var online models.PresenceData
	require.NoError(t, json.Unmarshal(renterT.await(t, models.EventPresence, 2).Data, &online))
	assert.Equal(t, models.PresenceData{UserID: "O", Online: true}, online)

	owner.Close()
	var offline models.PresenceData
	require.NoError(t, json.Unmarshal(renterT.await(t, models.EventPresence, 3).Data, &offline))
	assert.Equal(t, models.PresenceData{UserID: "O", Online: false}, offline)
}

func TestClose_LeavesRooms(t *testing.T) {
	h := newHarness(t)
	s, _ := h.open("R", "Rami")
	s.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))
	require.True(t, h.registry.IsUserInRoom("R", h.roomID))

	s.Close()
	assert.False(t, h.registry.IsUserInRoom("R", h.roomID))
	assert.Equal(t, 0, h.gateway.ConnectionCount())
}

func presenceOf(tr *fakeTransport, userID string) []models.PresenceData {
	var out []models.PresenceData
	for _, ev := range tr.all(models.EventPresence) {
		var data models.PresenceData
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.UserID == userID {
			out = append(out, data)
		}
	}
	return out
}

func TestPresence_LateOfflineDoesNotOverrideReconnect(t *testing.T) {
	h := newHarness(t)
	owner, ownerT := h.open("O", "Olga")
	defer owner.Close()
	owner.HandleFrame(frame(t, models.EventJoinRoom, "", models.JoinRoomData{RoomID: h.roomID}))

	renter, _ := h.open("R", "Rami")
	require.Eventually(t, func() bool {
		seen := presenceOf(ownerT, "R")
		return len(seen) > 0 && seen[len(seen)-1].Online
	}, time.Second, 5*time.Millisecond)

	// The offline transition's room lookup is slow; the reconnect overtakes it.
	h.store.listDelay.Store(int64(150 * time.Millisecond))
	renter.Close()
	require.Eventually(t, func() bool { return !h.registry.IsOnline("R") }, time.Second, 5*time.Millisecond)
	again, _ := h.open("R", "Rami")
	defer again.Close()

	time.Sleep(300 * time.Millisecond)
	require.True(t, h.registry.IsOnline("R"))
	seen := presenceOf(ownerT, "R")
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].Online, "viewers must end with the current state: %+v", seen)
}

func TestSendMessage_TimeoutKeepsStoredMessage(t *testing.T) {
	h := newHarnessWith(t, Options{OpTimeout: 20 * time.Millisecond, TypingInterval: time.Hour})
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()

	renter.HandleFrame(frame(t, models.EventJoinRoom, "j1", models.JoinRoomData{RoomID: h.roomID}))
	renterT.await(t, models.EventAck, 1)

	h.store.insertDelay.Store(int64(60 * time.Millisecond))
	renter.HandleFrame(frame(t, models.EventSendMessage, "s1", models.SendMessageData{RoomID: h.roomID, Text: "still there?"}))

	ev := renterT.await(t, models.EventError, 1)
	assert.Equal(t, "s1", ev.Ref)
	assert.Equal(t, apperrors.CodeTimeout, errorData(t, ev).Code)

	page, err := h.messages.FetchPage(context.Background(), h.roomID, "R", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "still there?", page.Data[0].Text)
}

func TestJoinRoom_TimeoutDoesNotJoin(t *testing.T) {
	h := newHarnessWith(t, Options{OpTimeout: 20 * time.Millisecond, TypingInterval: time.Hour})
	renter, renterT := h.open("R", "Rami")
	defer renter.Close()

	h.store.roomDelay.Store(int64(60 * time.Millisecond))
	renter.HandleFrame(frame(t, models.EventJoinRoom, "j1", models.JoinRoomData{RoomID: h.roomID}))

	ev := renterT.await(t, models.EventError, 1)
	assert.Equal(t, "j1", ev.Ref)
	assert.Equal(t, apperrors.CodeTimeout, errorData(t, ev).Code)
	assert.False(t, h.registry.IsUserInRoom("R", h.roomID))
}

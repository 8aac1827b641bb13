package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-chat/internal/models"
)

// fakeTransport records frames. When gate is non-nil every write blocks on it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	gate   chan struct{}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) events() []models.OutboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OutboundEvent, 0, len(f.frames))
	for _, raw := range f.frames {
		var ev models.OutboundEvent
		_ = json.Unmarshal(raw, &ev)
		out = append(out, ev)
	}
	return out
}

func (f *fakeTransport) eventNames() []string {
	var names []string
	for _, ev := range f.events() {
		names = append(names, ev.Event)
	}
	return names
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type transitions struct {
	mu     sync.Mutex
	events []string
}

func (tr *transitions) listener(userID string, online bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	tr.events = append(tr.events, userID+":"+state)
}

func (tr *transitions) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func newTestRegistry(grace time.Duration) (*Registry, *transitions) {
	tr := &transitions{}
	r := NewRegistry(Options{Grace: grace, SoftLimit: 4, HardLimit: 8}, tr.listener)
	return r, tr
}

func TestPresence_MultiTabWithGrace(t *testing.T) {
	r, tr := newTestRegistry(50 * time.Millisecond)
	defer r.Close()

	tab1 := r.Connect("u1", "Uma", &fakeTransport{})
	tab2 := r.Connect("u1", "Uma", &fakeTransport{})
	assert.Equal(t, []string{"u1:online"}, tr.snapshot(), "second tab must not re-announce")

	r.Disconnect(tab1.ID)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"u1:online"}, tr.snapshot())

	r.Disconnect(tab2.ID)
	assert.True(t, r.IsOnline("u1"), "still online during grace")

	require.Eventually(t, func() bool { return !r.IsOnline("u1") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u1:online", "u1:offline"}, tr.snapshot())
}

func TestPresence_QuickReconnectDoesNotFlap(t *testing.T) {
	r, tr := newTestRegistry(80 * time.Millisecond)
	defer r.Close()

	c := r.Connect("u1", "Uma", &fakeTransport{})
	r.Disconnect(c.ID)
	r.Connect("u1", "Uma", &fakeTransport{})

	time.Sleep(150 * time.Millisecond)
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"u1:online"}, tr.snapshot())
}

func TestBroadcast_RoomMembershipAndExclusion(t *testing.T) {
	r, _ := newTestRegistry(time.Second)
	defer r.Close()

	ownerT, renterT, otherT := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	owner := r.Connect("owner", "O", ownerT)
	renter := r.Connect("renter", "R", renterT)
	r.Connect("other", "X", otherT)

	require.NoError(t, r.Join(owner.ID, "room-1"))
	require.NoError(t, r.Join(renter.ID, "room-1"))
	assert.True(t, r.IsUserInRoom("renter", "room-1"))
	assert.False(t, r.IsUserInRoom("other", "room-1"))

	n := r.Broadcast("room-1", models.OutboundEvent{Event: models.EventTyping}, "owner")
	assert.Equal(t, 1, n)

	n = r.Broadcast("room-1", models.OutboundEvent{Event: models.EventChatMessage}, "")
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return ownerT.count() == 1 && renterT.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, otherT.eventNames())

	r.Leave(renter.ID, "room-1")
	assert.False(t, r.IsUserInRoom("renter", "room-1"))
	assert.Equal(t, 1, r.Broadcast("room-1", models.OutboundEvent{Event: models.EventChatMessage}, ""))
}

func TestBroadcastRooms_DeliversOncePerConnection(t *testing.T) {
	r, _ := newTestRegistry(time.Second)
	defer r.Close()

	tr := &fakeTransport{}
	c := r.Connect("u", "U", tr)
	require.NoError(t, r.Join(c.ID, "a"))
	require.NoError(t, r.Join(c.ID, "b"))

	assert.Equal(t, 1, r.BroadcastRooms([]string{"a", "b"}, models.OutboundEvent{Event: models.EventPresence}, ""))
}

func TestNotifyUser_AllTabs(t *testing.T) {
	r, _ := newTestRegistry(time.Second)
	defer r.Close()

	r.Connect("u", "U", &fakeTransport{})
	r.Connect("u", "U", &fakeTransport{})
	assert.Equal(t, 2, r.NotifyUser("u", models.OutboundEvent{Event: models.EventChatNotify}))
	assert.Equal(t, 0, r.NotifyUser("nobody", models.OutboundEvent{Event: models.EventChatNotify}))
}

func TestDisconnect_DropsMemberships(t *testing.T) {
	r, _ := newTestRegistry(time.Second)
	defer r.Close()

	c := r.Connect("u", "U", &fakeTransport{})
	require.NoError(t, r.Join(c.ID, "room"))
	r.Disconnect(c.ID)

	assert.False(t, r.IsUserInRoom("u", "room"))
	assert.Equal(t, 0, r.ConnectionCount())
	assert.ErrorIs(t, r.Join(c.ID, "room"), ErrUnknownConnection)
}

func TestOutbox_DropsTypingBeforeMessages(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	o := newOutbox(tr, 4, 8)
	defer o.close()

	typing := frame{data: []byte(`{"event":"typing"}`), droppable: true}
	msg := frame{data: []byte(`{"event":"chat_message"}`)}

	// The first frame is taken by the writer and blocks on the gate.
	require.True(t, o.push(msg))
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.queue) == 0
	}, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		require.True(t, o.push(typing))
	}
	// Over the soft limit: each message evicts one queued typing frame.
	for i := 0; i < 4; i++ {
		assert.True(t, o.push(msg))
	}
	assert.Equal(t, 4, o.droppedCount())
	// No typing left to evict, so an incoming typing frame is discarded.
	assert.False(t, o.push(typing))

	// Keep going until the hard limit closes the connection.
	for i := 0; i < 4; i++ {
		assert.True(t, o.push(msg))
	}
	assert.False(t, o.push(msg))
	assert.True(t, o.isClosed())
	assert.True(t, tr.isClosed())

	close(gate)
}

func TestOutbox_PreservesOrder(t *testing.T) {
	tr := &fakeTransport{}
	o := newOutbox(tr, 64, 128)
	defer o.close()

	for i := 0; i < 20; i++ {
		require.True(t, o.push(frame{data: []byte{byte('a' + i)}}))
	}
	require.Eventually(t, func() bool { return tr.count() == 20 }, time.Second, 5*time.Millisecond)

	for i, f := range tr.frames {
		assert.Equal(t, byte('a'+i), f[0])
	}
}

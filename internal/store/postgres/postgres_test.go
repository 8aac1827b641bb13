package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-chat/internal/db"
	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

// setupStore connects to TEST_DATABASE_URL and skips when it is unset or unreachable.
func setupStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	require.NoError(t, db.EnsureSchema(ctx, pool))

	s := New(pool)
	t.Cleanup(s.Close)
	return s
}

func newRoom() models.Room {
	return models.Room{
		ID:            uuid.NewString(),
		PropertyID:    "prop-" + uuid.NewString(),
		PropertyTitle: "Sea view flat",
		OwnerID:       "owner-" + uuid.NewString(),
		RenterID:      "renter-" + uuid.NewString(),
	}
}

func TestGetOrCreateRoom_Concurrent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	room := newRoom()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, isNew, err := s.GetOrCreateRoom(ctx, room)
			assert.NoError(t, err)
			assert.Equal(t, room.ID, got.ID)
			if isNew {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	rooms, err := s.ListRoomsForUser(ctx, room.OwnerID, models.RoleOwner)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestInsertMessage_OrderAndDedup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	room, _, err := s.GetOrCreateRoom(ctx, newRoom())
	require.NoError(t, err)

	first, created, err := s.InsertMessage(ctx, models.Message{RoomID: room.ID, SenderID: room.RenterID, Text: "hello", ClientMsgID: "c1"})
	require.NoError(t, err)
	require.True(t, created)

	dup, created, err := s.InsertMessage(ctx, models.Message{RoomID: room.ID, SenderID: room.RenterID, Text: "hello", ClientMsgID: "c1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	second, _, err := s.InsertMessage(ctx, models.Message{RoomID: room.ID, SenderID: room.OwnerID, Text: "hi"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Empty(t, second.ClientMsgID)

	page, err := s.MessagesBefore(ctx, room.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, second.ID, page[0].ID)

	unread, err := s.CountUnread(ctx, room.ID, room.OwnerID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestInsertMessage_UnknownRoom(t *testing.T) {
	s := setupStore(t)
	_, _, err := s.InsertMessage(context.Background(), models.Message{RoomID: uuid.NewString(), SenderID: "x", Text: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdvanceReadMarker_Monotonic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	room, _, err := s.GetOrCreateRoom(ctx, newRoom())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = s.AdvanceReadMarker(ctx, models.ReadMarker{RoomID: room.ID, UserID: room.OwnerID, LastReadSeq: 42, LastReadAt: now})
	require.NoError(t, err)

	got, err := s.AdvanceReadMarker(ctx, models.ReadMarker{RoomID: room.ID, UserID: room.OwnerID, LastReadSeq: 7, LastReadAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.LastReadSeq)
	assert.True(t, got.LastReadAt.Equal(now))
}

func TestCreateUser_Conflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	name := "user-" + uuid.NewString()[:8]

	_, err := s.CreateUser(ctx, models.User{Username: name, DisplayName: "A", PasswordHash: "x"})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, models.User{Username: name, DisplayName: "B", PasswordHash: "y"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

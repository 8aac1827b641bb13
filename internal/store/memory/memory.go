// Package memory is an in-process store driver with the same atomicity
// guarantees as the postgres driver. It backs tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

type tripleKey struct {
	propertyID, ownerID, renterID string
}

type dedupKey struct {
	roomID, senderID, clientMsgID string
}

type markerKey struct {
	roomID, userID string
}

type Store struct {
	mu sync.RWMutex

	rooms       map[string]models.Room
	roomByTrip  map[tripleKey]string
	messages    map[string][]models.Message // roomID -> ordered by Seq
	dedup       map[dedupKey]models.Message
	markers     map[markerKey]models.ReadMarker
	users       map[string]models.User
	userByName  map[string]string
	properties  map[string]models.Property
	entitlement map[string]time.Time
	seq         int64

	// now is replaceable so tests can pin message times.
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rooms:       make(map[string]models.Room),
		roomByTrip:  make(map[tripleKey]string),
		messages:    make(map[string][]models.Message),
		dedup:       make(map[dedupKey]models.Message),
		markers:     make(map[markerKey]models.ReadMarker),
		users:       make(map[string]models.User),
		userByName:  make(map[string]string),
		properties:  make(map[string]models.Property),
		entitlement: make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// ---- rooms ----

func (s *Store) GetOrCreateRoom(_ context.Context, room models.Room) (models.Room, bool, error) {
	key := tripleKey{room.PropertyID, room.OwnerID, room.RenterID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.roomByTrip[key]; ok {
		return s.rooms[id], false, nil
	}
	if existing, ok := s.rooms[room.ID]; ok {
		// Same id, different triple: ids are derived from the triple, so this is a corrupt caller.
		return existing, false, store.ErrConflict
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	s.rooms[room.ID] = room
	s.roomByTrip[key] = room.ID
	return room, true, nil
}

func (s *Store) GetRoom(_ context.Context, roomID string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, store.ErrNotFound
	}
	return room, nil
}

func (s *Store) ListRoomsForUser(_ context.Context, userID string, role models.Role) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rooms []models.Room
	for _, room := range s.rooms {
		owner := room.OwnerID == userID
		renter := room.RenterID == userID
		switch role {
		case models.RoleOwner:
			if !owner {
				continue
			}
		case models.RoleRenter:
			if !renter {
				continue
			}
		default:
			if !owner && !renter {
				continue
			}
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	return rooms, nil
}

func (s *Store) UpdatePropertyTitle(_ context.Context, propertyID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, room := range s.rooms {
		if room.PropertyID == propertyID {
			room.PropertyTitle = title
			s.rooms[id] = room
		}
	}
	return nil
}

// ---- messages ----

func (s *Store) InsertMessage(_ context.Context, msg models.Message) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return models.Message{}, false, store.ErrNotFound
	}

	var key dedupKey
	if msg.ClientMsgID != "" {
		key = dedupKey{msg.RoomID, msg.SenderID, msg.ClientMsgID}
		if existing, ok := s.dedup[key]; ok {
			return existing, false, nil
		}
	}

	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Message{}, false, err
		}
		msg.ID = id.String()
	}
	s.seq++
	msg.Seq = s.seq
	msg.CreatedAt = s.now()

	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	if msg.ClientMsgID != "" {
		s.dedup[key] = msg
	}
	return msg, true, nil
}

func (s *Store) MessagesBefore(_ context.Context, roomID string, beforeSeq int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[roomID]
	end := len(all)
	if beforeSeq > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].Seq >= beforeSeq })
	}

	out := make([]models.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) GetMessage(_ context.Context, roomID, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[roomID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, store.ErrNotFound
}

func (s *Store) LastMessage(_ context.Context, roomID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (s *Store) LatestSeq(_ context.Context, roomID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

func (s *Store) CountUnread(_ context.Context, roomID, userID string, afterSeq int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[roomID] {
		if m.Seq > afterSeq && m.SenderID != userID {
			n++
		}
	}
	return n, nil
}

// ---- read markers ----

func (s *Store) AdvanceReadMarker(_ context.Context, marker models.ReadMarker) (models.ReadMarker, error) {
	key := markerKey{marker.RoomID, marker.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.markers[key]
	if ok {
		if marker.LastReadSeq < current.LastReadSeq {
			marker.LastReadSeq = current.LastReadSeq
		}
		if marker.LastReadAt.Before(current.LastReadAt) {
			marker.LastReadAt = current.LastReadAt
		}
	}
	s.markers[key] = marker
	return marker, nil
}

func (s *Store) GetReadMarker(_ context.Context, roomID, userID string) (models.ReadMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker, ok := s.markers[markerKey{roomID, userID}]
	if !ok {
		return models.ReadMarker{}, store.ErrNotFound
	}
	return marker, nil
}

// ---- users ----

func (s *Store) CreateUser(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.userByName[user.Username]; taken {
		return models.User{}, store.ErrConflict
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	s.userByName[user.Username] = user.ID
	return user, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByName[username]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return user, nil
}

// ---- catalog & entitlements ----

// PutProperty seeds the catalog.
func (s *Store) PutProperty(p models.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[p.ID] = p
}

func (s *Store) GetProperty(_ context.Context, propertyID string) (models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return models.Property{}, store.ErrNotFound
	}
	return p, nil
}

// GrantEntitlement seeds an entitlement lapsing at until.
func (s *Store) GrantEntitlement(userID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlement[userID] = until
}

func (s *Store) ActiveUntil(_ context.Context, userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.entitlement[userID]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return until, nil
}

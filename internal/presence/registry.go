// Package presence tracks live realtime connections, the rooms each one has
// joined and whether each user is online. It fans outbound events out to
// per-connection outboxes.
package presence

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-chat/internal/logger"
	"listing-chat/internal/models"
)

const shardCount = 32

var ErrUnknownConnection = errors.New("presence: unknown connection")

// Listener observes online/offline transitions. It is called outside any
// registry lock.
type Listener func(userID string, online bool)

type Options struct {
	// Grace delays the offline transition after a user's last connection closes.
	Grace     time.Duration
	SoftLimit int
	HardLimit int
}

// Conn is one live connection.
type Conn struct {
	ID     string
	UserID string
	Name   string

	out *outbox

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

type userEntry struct {
	conns  map[string]*Conn
	online bool
	// pending is bumped on every reconnect so a stale offline timer is ignored.
	pending uint64
	timer   *time.Timer
}

type userShard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn
}

type Registry struct {
	opts     Options
	listener Listener

	users [shardCount]userShard
	rooms [shardCount]roomShard
	conns sync.Map // connID -> *Conn

	closeOnce sync.Once
	closing   chan struct{}
}

func NewRegistry(opts Options, listener Listener) *Registry {
	r := &Registry{opts: opts, listener: listener, closing: make(chan struct{})}
	for i := range r.users {
		r.users[i].users = make(map[string]*userEntry)
		r.rooms[i].rooms = make(map[string]map[string]*Conn)
	}
	return r
}

// SetListener replaces the presence listener. Call before serving connections.
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) userShard(userID string) *userShard { return &r.users[shardOf(userID)] }
func (r *Registry) roomShard(roomID string) *roomShard { return &r.rooms[shardOf(roomID)] }

// Connect registers a live connection. The user's first connection flips
// them online unless a pending offline transition is simply cancelled.
func (r *Registry) Connect(userID, name string, t Transport) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		out:    newOutbox(t, r.opts.SoftLimit, r.opts.HardLimit),
		rooms:  make(map[string]struct{}),
	}
	r.conns.Store(c.ID, c)

	shard := r.userShard(userID)
	shard.mu.Lock()
	entry, ok := shard.users[userID]
	if !ok {
		entry = &userEntry{conns: make(map[string]*Conn)}
		shard.users[userID] = entry
	}
	entry.conns[c.ID] = c
	entry.pending++
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	cameOnline := !entry.online
	entry.online = true
	shard.mu.Unlock()

	logger.Debug("[presence] connect user=%s conn=%s", userID, c.ID)
	if cameOnline {
		r.notify(userID, true)
	}
	return c
}

// Disconnect removes a connection and drops all of its room memberships. When
// it was the user's last connection the offline transition fires after Grace.
func (r *Registry) Disconnect(connID string) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	c := v.(*Conn)

	c.mu.Lock()
	c.closed = true
	joined := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		joined = append(joined, roomID)
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	for _, roomID := range joined {
		r.removeFromRoom(roomID, c.ID)
	}
	c.out.close()

	shard := r.userShard(c.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.users[c.UserID]
	if !ok {
		return
	}
	delete(entry.conns, c.ID)
	if len(entry.conns) > 0 || !entry.online {
		return
	}

	select {
	case <-r.closing:
		delete(shard.users, c.UserID)
		return
	default:
	}

	gen := entry.pending
	entry.timer = time.AfterFunc(r.opts.Grace, func() { r.expire(c.UserID, gen) })
	logger.Debug("[presence] user=%s last connection closed, offline in %s", c.UserID, r.opts.Grace)
}

func (r *Registry) expire(userID string, gen uint64) {
	shard := r.userShard(userID)
	shard.mu.Lock()
	entry, ok := shard.users[userID]
	if !ok || entry.pending != gen || len(entry.conns) > 0 {
		shard.mu.Unlock()
		return
	}
	delete(shard.users, userID)
	shard.mu.Unlock()

	r.notify(userID, false)
}

func (r *Registry) notify(userID string, online bool) {
	if r.listener != nil {
		r.listener(userID, online)
	}
}

// Join subscribes a connection to a room's broadcasts. Authorization is the
// caller's job.
func (r *Registry) Join(connID, roomID string) error {
	c, ok := r.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}
	c.rooms[roomID] = struct{}{}

	shard := r.roomShard(roomID)
	shard.mu.Lock()
	members, ok := shard.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		shard.rooms[roomID] = members
	}
	members[c.ID] = c
	shard.mu.Unlock()
	return nil
}

func (r *Registry) Leave(connID, roomID string) {
	c, ok := r.lookup(connID)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	r.removeFromRoom(roomID, connID)
}

func (r *Registry) removeFromRoom(roomID, connID string) {
	shard := r.roomShard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if members, ok := shard.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(shard.rooms, roomID)
		}
	}
}

func (r *Registry) lookup(connID string) (*Conn, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Broadcast delivers ev to every connection joined to roomID, skipping the
// connections of excludeUserID when it is non-empty.
func (r *Registry) Broadcast(roomID string, ev models.OutboundEvent, excludeUserID string) int {
	return r.BroadcastRooms([]string{roomID}, ev, excludeUserID)
}

// BroadcastRooms delivers ev at most once to each connection joined to any of roomIDs.
func (r *Registry) BroadcastRooms(roomIDs []string, ev models.OutboundEvent, excludeUserID string) int {
	seen := make(map[string]struct{})
	var targets []*Conn
	for _, roomID := range roomIDs {
		shard := r.roomShard(roomID)
		shard.mu.RLock()
		for id, c := range shard.rooms[roomID] {
			if excludeUserID != "" && c.UserID == excludeUserID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, c)
		}
		shard.mu.RUnlock()
	}
	return r.deliver(targets, ev)
}

// NotifyUser delivers ev to every connection of userID regardless of joined rooms.
func (r *Registry) NotifyUser(userID string, ev models.OutboundEvent) int {
	return r.deliver(r.userConns(userID), ev)
}

// Send delivers ev to one connection.
func (r *Registry) Send(connID string, ev models.OutboundEvent) bool {
	c, ok := r.lookup(connID)
	if !ok {
		return false
	}
	return r.deliver([]*Conn{c}, ev) == 1
}

func (r *Registry) deliver(targets []*Conn, ev models.OutboundEvent) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.LogError(err, "presence marshal "+ev.Event)
		return 0
	}
	f := frame{data: data, droppable: ev.Event == models.EventTyping}

	delivered := 0
	for _, c := range targets {
		if c.out.push(f) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) userConns(userID string) []*Conn {
	shard := r.userShard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(entry.conns))
	for _, c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports presence, which stays true during the offline grace window.
func (r *Registry) IsOnline(userID string) bool {
	shard := r.userShard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.users[userID]
	return ok && entry.online
}

// IsUserInRoom reports whether any connection of userID has joined roomID.
func (r *Registry) IsUserInRoom(userID, roomID string) bool {
	for _, c := range r.userConns(userID) {
		if c.InRoom(roomID) {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	r.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close disconnects everything and cancels pending offline timers without
// emitting transitions.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		r.conns.Range(func(key, _ interface{}) bool {
			r.Disconnect(key.(string))
			return true
		})
		for i := range r.users {
			shard := &r.users[i]
			shard.mu.Lock()
			for userID, entry := range shard.users {
				if entry.timer != nil {
					entry.timer.Stop()
				}
				delete(shard.users, userID)
			}
			shard.mu.Unlock()
		}
	})
}

func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the rooms this connection has joined.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

// Closed reports whether the outbox has shut down, e.g. after overflowing.
func (c *Conn) Closed() bool {
	return c.out.isClosed()
}

// Wait blocks until the connection's writer has exited or timeout elapses.
func (c *Conn) Wait(timeout time.Duration) bool {
	select {
	case <-c.out.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Dropped returns how many droppable frames were discarded for this connection.
func (c *Conn) Dropped() int {
	return c.out.droppedCount()
}

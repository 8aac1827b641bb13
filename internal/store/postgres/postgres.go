// Package postgres implements the storage ports on top of a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// ---- rooms ----

const roomColumns = `id, property_id, property_title, owner_id, renter_id, created_at`

func scanRoom(row pgx.Row) (models.Room, error) {
	var r models.Room
	err := row.Scan(&r.ID, &r.PropertyID, &r.PropertyTitle, &r.OwnerID, &r.RenterID, &r.CreatedAt)
	return r, err
}

func (s *Store) GetOrCreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error) {
	query := `
		INSERT INTO rooms (id, property_id, property_title, owner_id, renter_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (property_id, owner_id, renter_id) DO NOTHING
		RETURNING ` + roomColumns
	created, err := scanRoom(s.pool.QueryRow(ctx, query,
		room.ID, room.PropertyID, room.PropertyTitle, room.OwnerID, room.RenterID))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, false, mapError(err)
	}

	// Lost the race (or the room already existed): read the winner.
	existing, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE property_id = $1 AND owner_id = $2 AND renter_id = $3`,
		room.PropertyID, room.OwnerID, room.RenterID))
	if err != nil {
		return models.Room{}, false, mapError(err)
	}
	return existing, false, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return models.Room{}, mapError(err)
	}
	return room, nil
}

func (s *Store) ListRoomsForUser(ctx context.Context, userID string, role models.Role) ([]models.Room, error) {
	var where string
	switch role {
	case models.RoleOwner:
		where = `owner_id = $1`
	case models.RoleRenter:
		where = `renter_id = $1`
	default:
		where = `owner_id = $1 OR renter_id = $1`
	}

	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms WHERE `+where+` ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) UpdatePropertyTitle(ctx context.Context, propertyID, title string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rooms SET property_title = $2 WHERE property_id = $1 AND property_title <> $2`,
		propertyID, title)
	return err
}

// ---- messages ----

const messageColumns = `seq, id, room_id, sender_id, text, COALESCE(client_msg_id, ''), created_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.Seq, &m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.ClientMsgID, &m.CreatedAt)
	return m, err
}

// InsertMessage serializes writers per room with a transaction-scoped advisory
// lock, so seq order equals commit order and readers never see a gap fill in
// behind them.
func (s *Store) InsertMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Message{}, false, err
		}
		msg.ID = id.String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, msg.RoomID); err != nil {
		return models.Message{}, false, err
	}

	stored, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (id, room_id, sender_id, text, client_msg_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, msg.RoomID, msg.SenderID, msg.Text, nullIfEmpty(msg.ClientMsgID)))
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		stored, err = scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
			msg.RoomID, msg.SenderID, msg.ClientMsgID))
	}
	if err != nil {
		return models.Message{}, false, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, false, err
	}
	return stored, created, nil
}

func (s *Store) MessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = $1 AND ($2::bigint <= 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`,
		roomID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, roomID, messageID string) (models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 AND id = $2`, roomID, messageID))
	if err != nil {
		return models.Message{}, mapError(err)
	}
	return msg, nil
}

func (s *Store) LastMessage(ctx context.Context, roomID string) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 ORDER BY seq DESC LIMIT 1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) LatestSeq(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE room_id = $1`, roomID).Scan(&seq)
	return seq, err
}

func (s *Store) CountUnread(ctx context.Context, roomID, userID string, afterSeq int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = $1 AND seq > $2 AND sender_id <> $3`,
		roomID, afterSeq, userID).Scan(&n)
	return n, err
}

// ---- read markers ----

func (s *Store) AdvanceReadMarker(ctx context.Context, marker models.ReadMarker) (models.ReadMarker, error) {
	var out models.ReadMarker
	err := s.pool.QueryRow(ctx, `
		INSERT INTO read_markers (room_id, user_id, last_read_seq, last_read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			last_read_seq = GREATEST(read_markers.last_read_seq, EXCLUDED.last_read_seq),
			last_read_at  = GREATEST(read_markers.last_read_at, EXCLUDED.last_read_at)
		RETURNING room_id, user_id, last_read_seq, last_read_at`,
		marker.RoomID, marker.UserID, marker.LastReadSeq, marker.LastReadAt,
	).Scan(&out.RoomID, &out.UserID, &out.LastReadSeq, &out.LastReadAt)
	if err != nil {
		return models.ReadMarker{}, mapError(err)
	}
	return out, nil
}

func (s *Store) GetReadMarker(ctx context.Context, roomID, userID string) (models.ReadMarker, error) {
	var out models.ReadMarker
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, user_id, last_read_seq, last_read_at FROM read_markers WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&out.RoomID, &out.UserID, &out.LastReadSeq, &out.LastReadAt)
	if err != nil {
		return models.ReadMarker{}, mapError(err)
	}
	return out, nil
}

// ---- users ----

const userColumns = `id, username, display_name, password_hash, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	created, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, display_name, password_hash) VALUES ($1, $2, $3, $4) RETURNING `+userColumns,
		user.ID, user.Username, user.DisplayName, user.PasswordHash))
	if err != nil {
		return models.User{}, mapError(err)
	}
	return created, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return models.User{}, mapError(err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return models.User{}, mapError(err)
	}
	return user, nil
}

// ---- catalog & entitlements ----

func (s *Store) GetProperty(ctx context.Context, propertyID string) (models.Property, error) {
	var p models.Property
	err := s.pool.QueryRow(ctx, `SELECT id, title, owner_id FROM properties WHERE id = $1`, propertyID).
		Scan(&p.ID, &p.Title, &p.OwnerID)
	if err != nil {
		return models.Property{}, mapError(err)
	}
	return p, nil
}

func (s *Store) ActiveUntil(ctx context.Context, userID string) (time.Time, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT active_until FROM chat_entitlements WHERE user_id = $1`, userID).Scan(&until)
	if err != nil {
		return time.Time{}, mapError(err)
	}
	return until, nil
}

// mapError translates driver errors into the store sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package room

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"multichatgo/internal/models"
)

// Service handles chatroom, participant, message and run persistence.
type Service struct {
	db *sql.DB
}

// NewService builds a new room service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if user.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CreateChatroom inserts a new chatroom for the given user.
func (s *Service) CreateChatroom(ctx context.Context, userID int64, title string, maxRound int, smartSelection bool) (*models.Chatroom, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if maxRound <= 0 {
		maxRound = 5
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chatrooms (user_id, title, topic, status, max_round, smart_selection, truncate_from, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, ?, 0, ?, ?)`,
		userID, title, models.RoomIdle, maxRound, smartSelection, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chatroom: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chatroom id: %w", err)
	}
	return &models.Chatroom{
		ID: id, UserID: userID, Title: title, Status: models.RoomIdle,
		MaxRound: maxRound, SmartSelection: smartSelection, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetChatroom returns one chatroom owned by the user.
func (s *Service) GetChatroom(ctx context.Context, userID, roomID int64) (*models.Chatroom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, topic, status, max_round, smart_selection, truncate_from, created_at, updated_at
		 FROM chatrooms WHERE id = ? AND user_id = ?`, roomID, userID,
	)
	return scanChatroom(row)
}

// GetChatroomByID returns a chatroom without an ownership check. Used by the
// engine, which is handed the room id by an already-authorized caller.
func (s *Service) GetChatroomByID(ctx context.Context, roomID int64) (*models.Chatroom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, topic, status, max_round, smart_selection, truncate_from, created_at, updated_at
		 FROM chatrooms WHERE id = ?`, roomID,
	)
	return scanChatroom(row)
}

func scanChatroom(row *sql.Row) (*models.Chatroom, error) {
	var room models.Chatroom
	err := row.Scan(&room.ID, &room.UserID, &room.Title, &room.Topic, &room.Status,
		&room.MaxRound, &room.SmartSelection, &room.TruncateFrom, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get chatroom: %w", err)
	}
	return &room, nil
}

// ListChatrooms returns all chatrooms for a user ordered by last activity.
func (s *Service) ListChatrooms(ctx context.Context, userID int64) ([]models.Chatroom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, topic, status, max_round, smart_selection, truncate_from, created_at, updated_at
		 FROM chatrooms WHERE user_id = ? ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chatrooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Chatroom
	for rows.Next() {
		var room models.Chatroom
		if err := rows.Scan(&room.ID, &room.UserID, &room.Title, &room.Topic, &room.Status,
			&room.MaxRound, &room.SmartSelection, &room.TruncateFrom, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chatroom: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ListRunningChatrooms returns rooms whose run flag was left set, i.e. rooms
// that were mid-run when the process last stopped.
func (s *Service) ListRunningChatrooms(ctx context.Context) ([]models.Chatroom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, topic, status, max_round, smart_selection, truncate_from, created_at, updated_at
		 FROM chatrooms WHERE status = ?`, models.RoomRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running chatrooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Chatroom
	for rows.Next() {
		var room models.Chatroom
		if err := rows.Scan(&room.ID, &room.UserID, &room.Title, &room.Topic, &room.Status,
			&room.MaxRound, &room.SmartSelection, &room.TruncateFrom, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chatroom: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// TryBeginRun atomically flips the room's run flag from idle to running. The
// flag is the only mutual exclusion between concurrent runs on one room, so
// callers must not start a turn loop when this returns false.
func (s *Service) TryBeginRun(ctx context.Context, roomID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.RoomRunning, time.Now().UTC(), roomID, models.RoomIdle,
	)
	if err != nil {
		return false, fmt.Errorf("begin run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin run rows affected: %w", err)
	}
	return affected == 1, nil
}

// EndRun clears the run flag unless the room was disabled mid-run.
func (s *Service) EndRun(ctx context.Context, roomID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.RoomIdle, time.Now().UTC(), roomID, models.RoomRunning,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// RoomStatus reads the durable run flag.
func (s *Service) RoomStatus(ctx context.Context, roomID int64) (models.RoomStatus, error) {
	var status models.RoomStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM chatrooms WHERE id = ?`, roomID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("room status: %w", err)
	}
	return status, nil
}

// UpdateTopic sets the room's topic label.
func (s *Service) UpdateTopic(ctx context.Context, roomID int64, topic string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET topic = ?, updated_at = ? WHERE id = ?`,
		topic, time.Now().UTC(), roomID,
	); err != nil {
		return fmt.Errorf("update topic: %w", err)
	}
	return nil
}

// UpdateTitle sets the room's generated title.
func (s *Service) UpdateTitle(ctx context.Context, roomID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), roomID,
	); err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return nil
}

// Truncate moves the room's history-starts-here marker to the latest message
// id. Requires the room not be mid-run.
func (s *Service) Truncate(ctx context.Context, roomID int64) error {
	status, err := s.RoomStatus(ctx, roomID)
	if err != nil {
		return err
	}
	if status == models.RoomRunning {
		return errors.New("chatroom is mid-run")
	}
	var lastID sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE chatroom_id = ?`, roomID,
	).Scan(&lastID); err != nil {
		return fmt.Errorf("last message id: %w", err)
	}
	if !lastID.Valid {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET truncate_from = ?, updated_at = ? WHERE id = ?`,
		lastID.Int64, time.Now().UTC(), roomID,
	); err != nil {
		return fmt.Errorf("truncate chatroom: %w", err)
	}
	return nil
}

package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"multichatgo/internal/models"
)

// AppendMessage stores a new message and touches the room's updated_at.
func (s *Service) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	if msg.ChatroomID <= 0 {
		return nil, errors.New("chatroom_id is required")
	}
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	files, err := marshalFiles(msg.Files)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chatroom_id, participant_id, kind, content, tool_calls, files, topic, prompt_tokens, completion_tokens, delivered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatroomID, msg.ParticipantID, msg.Kind, msg.Content, toolCalls, files,
		nullString(msg.Topic), msg.PromptTokens, msg.CompletionTokens, msg.Delivered, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatrooms SET updated_at = ? WHERE id = ?`, now, msg.ChatroomID,
	); err != nil {
		return nil, fmt.Errorf("touch chatroom: %w", err)
	}
	stored := *msg
	stored.ID = id
	stored.CreatedAt = now
	return &stored, nil
}

// UpdateMessage rewrites the mutable fields of the trailing agent message:
// content while a reply streams, tool calls as they accumulate and resolve,
// token counters at finalization.
func (s *Service) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID <= 0 {
		return errors.New("message id is required")
	}
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}
	files, err := marshalFiles(msg.Files)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, tool_calls = ?, files = ?, topic = ?, prompt_tokens = ?, completion_tokens = ? WHERE id = ?`,
		msg.Content, toolCalls, files, nullString(msg.Topic), msg.PromptTokens, msg.CompletionTokens, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkDelivered flags messages as delivered to at least one observer.
func (s *Service) MarkDelivered(ctx context.Context, messageIDs ...int64) error {
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET delivered = 1 WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}
	return nil
}

// ListMessages returns the room's visible history in insertion order,
// honoring the truncation marker.
func (s *Service) ListMessages(ctx context.Context, roomID int64) ([]*models.Message, error) {
	room, err := s.GetChatroomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chatroom_id, participant_id, kind, content, tool_calls, files, topic, prompt_tokens, completion_tokens, delivered, created_at
		 FROM messages WHERE chatroom_id = ? AND id > ? ORDER BY id ASC`,
		roomID, room.TruncateFrom,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	m := new(models.Message)
	var toolCalls, files, topic sql.NullString
	if err := rows.Scan(&m.ID, &m.ChatroomID, &m.ParticipantID, &m.Kind, &m.Content,
		&toolCalls, &files, &topic, &m.PromptTokens, &m.CompletionTokens, &m.Delivered, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &m.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	if topic.Valid {
		m.Topic = topic.String
	}
	return m, nil
}

func marshalToolCalls(calls []*models.ToolUse) (sql.NullString, error) {
	if len(calls) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode tool calls: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalFiles(files []string) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode files: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

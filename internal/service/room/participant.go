package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"multichatgo/internal/models"
)

// AddParticipant seats an agent in a chatroom.
func (s *Service) AddParticipant(ctx context.Context, roomID int64, name, provider, model, abilities string) (*models.Participant, error) {
	if roomID <= 0 {
		return nil, errors.New("chatroom_id is required")
	}
	if name == "" || provider == "" || model == "" {
		return nil, errors.New("name, provider and model are required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (chatroom_id, name, provider, model, abilities, absent, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		roomID, name, provider, model, abilities, now,
	)
	if err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("participant id: %w", err)
	}
	return &models.Participant{
		ID: id, ChatroomID: roomID, Name: name, Provider: provider,
		Model: model, Abilities: abilities, CreatedAt: now,
	}, nil
}

// RemoveParticipant deletes an agent from the room if nothing references it;
// otherwise it is marked absent so historic messages keep a valid speaker.
func (s *Service) RemoveParticipant(ctx context.Context, roomID, participantID int64) error {
	if participantID <= 0 {
		return errors.New("invalid participant id")
	}
	var referenced int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chatroom_id = ? AND participant_id = ?`,
		roomID, participantID,
	).Scan(&referenced); err != nil {
		return fmt.Errorf("count references: %w", err)
	}
	if referenced > 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE participants SET absent = 1 WHERE id = ? AND chatroom_id = ?`,
			participantID, roomID,
		)
		if err != nil {
			return fmt.Errorf("mark participant absent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("participant rows affected: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE id = ? AND chatroom_id = ?`, participantID, roomID,
	)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("participant rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListParticipants returns the room's full roster, absent agents included.
func (s *Service) ListParticipants(ctx context.Context, roomID int64) ([]*models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chatroom_id, name, provider, model, abilities, absent, created_at
		 FROM participants WHERE chatroom_id = ? ORDER BY id ASC`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		p := new(models.Participant)
		if err := rows.Scan(&p.ID, &p.ChatroomID, &p.Name, &p.Provider, &p.Model,
			&p.Abilities, &p.Absent, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

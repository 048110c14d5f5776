package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"multichatgo/internal/models"
)

// CreateRun opens the accounting record for one turn-loop execution.
func (s *Service) CreateRun(ctx context.Context, roomID int64) (*models.Run, error) {
	if roomID <= 0 {
		return nil, errors.New("chatroom_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (chatroom_id, status, created_at) VALUES (?, ?, ?)`,
		roomID, models.RunRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	return &models.Run{ID: id, ChatroomID: roomID, Status: models.RunRunning, CreatedAt: now}, nil
}

// FinishRun finalizes the record with outcome, elapsed time and token totals.
func (s *Service) FinishRun(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID <= 0 {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	run.FinishedAt = now
	run.ElapsedMS = now.Sub(run.CreatedAt).Milliseconds()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, elapsed_ms = ?, prompt_tokens = ?, completion_tokens = ?, finished_at = ? WHERE id = ?`,
		run.Status, run.Error, run.ElapsedMS, run.PromptTokens, run.CompletionTokens, now, run.ID,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

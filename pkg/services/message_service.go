package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/pkg/models"
)

// MessageService manages the append-only message log of a thread. Messages
// are never updated; the conversation replayed to the LLM follows the
// (created_at, message_id) total order exactly.
type MessageService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewMessageService creates a message service.
func NewMessageService(pool *pgxpool.Pool) *MessageService {
	return &MessageService{
		pool:   pool,
		logger: slog.With("service", "message"),
	}
}

// CreateMessage appends one message to a thread and returns the stored row.
func (s *MessageService) CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.ThreadID == "" {
		return nil, NewValidationError("thread_id", "must not be empty")
	}
	if req.Type == "" {
		return nil, NewValidationError("type", "must not be empty")
	}
	if len(req.Content) == 0 {
		return nil, NewValidationError("content", "must not be empty")
	}

	messageID := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, agent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())
		RETURNING message_id, thread_id, type, is_llm_message, content, COALESCE(agent_id, ''), COALESCE(agent_version_id, ''), created_at`,
		messageID, req.ThreadID, req.Type, req.IsLLMMessage, []byte(req.Content), req.AgentID)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create message on thread %s: %w", req.ThreadID, err)
	}
	return msg, nil
}

// ListThreadMessages returns a thread's messages in conversation order.
// When llmOnly is set, rows not flagged is_llm_message are filtered out.
func (s *MessageService) ListThreadMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error) {
	query := `
		SELECT message_id, thread_id, type, is_llm_message, content, COALESCE(agent_id, ''), COALESCE(agent_version_id, ''), created_at
		FROM messages WHERE thread_id = $1`
	if llmOnly {
		query += ` AND is_llm_message`
	}
	query += ` ORDER BY created_at, message_id`

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m       models.Message
		content []byte
	)
	err := row.Scan(&m.MessageID, &m.ThreadID, &m.Type, &m.IsLLMMessage, &content, &m.AgentID, &m.AgentVersionID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Content = content
	return &m, nil
}

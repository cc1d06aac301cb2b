package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
)

// PostgresStore implements Store on database/sql against Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                     TEXT PRIMARY KEY,
	external_user_id       TEXT NOT NULL,
	experience_id          TEXT NOT NULL,
	script_id              TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	status                 TEXT NOT NULL,
	current_node_id        TEXT NOT NULL,
	path                   TEXT[] NOT NULL DEFAULT '{}',
	invalid_count          INT NOT NULL DEFAULT 0,
	last_invalid_at        TIMESTAMPTZ,
	last_valid_at          TIMESTAMPTZ,
	message_cursor         TEXT NOT NULL DEFAULT '',
	phase2_started_at      TIMESTAMPTZ,
	linked_conversation_id TEXT,
	resume_link            TEXT,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_status_kind ON conversations (status, kind);

CREATE TABLE IF NOT EXISTS interactions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	node_id         TEXT NOT NULL,
	chosen_option   TEXT NOT NULL,
	raw_text        TEXT NOT NULL,
	next_node_id    TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_conversation ON interactions (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	provider_id     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	body            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
`

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const conversationColumns = `id, external_user_id, experience_id, script_id, kind, status,
	current_node_id, path, invalid_count, last_invalid_at, last_valid_at,
	message_cursor, phase2_started_at, linked_conversation_id, resume_link,
	created_at, updated_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ExternalUserID, c.ExperienceID, c.ScriptID, string(c.Kind), string(c.Status),
		c.CurrentNodeID, pq.Array(c.Path), c.InvalidCount, c.LastInvalidAt, c.LastValidAt,
		c.MessageCursor, c.Phase2StartedAt, c.LinkedConversationID, c.ResumeLink,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func scanConversation(row interface{ Scan(...interface{}) error }) (*conversation.Conversation, error) {
	var c conversation.Conversation
	var kind, status string
	err := row.Scan(
		&c.ID, &c.ExternalUserID, &c.ExperienceID, &c.ScriptID, &kind, &status,
		&c.CurrentNodeID, pq.Array(&c.Path), &c.InvalidCount, &c.LastInvalidAt, &c.LastValidAt,
		&c.MessageCursor, &c.Phase2StartedAt, &c.LinkedConversationID, &c.ResumeLink,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = conversation.Kind(kind)
	c.Status = conversation.Status(status)
	return &c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, status conversation.Status, kind conversation.Kind, limit int) ([]*conversation.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	var args []interface{}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if kind != "" {
		args = append(args, string(kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveExternalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status = $1 AND kind = $2`,
		string(conversation.StatusActive), string(conversation.KindExternal))
	if err != nil {
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, c *conversation.Conversation, expectedNode string) error {
	query := `
		UPDATE conversations SET
			status = $1,
			current_node_id = $2,
			path = $3,
			invalid_count = $4,
			last_invalid_at = $5,
			last_valid_at = $6,
			message_cursor = $7,
			phase2_started_at = $8,
			linked_conversation_id = $9,
			resume_link = $10,
			updated_at = $11
		WHERE id = $12 AND current_node_id = $13
	`
	res, err := s.db.ExecContext(ctx, query,
		string(c.Status), c.CurrentNodeID, pq.Array(c.Path), c.InvalidCount,
		c.LastInvalidAt, c.LastValidAt, c.MessageCursor, c.Phase2StartedAt,
		c.LinkedConversationID, c.ResumeLink, c.UpdatedAt,
		c.ID, expectedNode,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status conversation.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set conversation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkConversations(ctx context.Context, externalID, internalID, resumeLink string) error {
	query := `
		UPDATE conversations
		SET linked_conversation_id = $1, resume_link = $2, updated_at = $3
		WHERE id = $4 AND (linked_conversation_id IS NULL OR linked_conversation_id = $1)
	`
	res, err := s.db.ExecContext(ctx, query, internalID, resumeLink, time.Now(), externalID)
	if err != nil {
		return fmt.Errorf("failed to link conversations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read link result: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) StaleActive(ctx context.Context, cutoff time.Time) ([]*conversation.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = $1
		  AND COALESCE(phase2_started_at, created_at) < $2`
	rows, err := s.db.QueryContext(ctx, query, string(conversation.StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale conversations: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendInteraction(ctx context.Context, it *conversation.Interaction) error {
	query := `
		INSERT INTO interactions (id, conversation_id, node_id, chosen_option, raw_text, next_node_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.ConversationID, it.NodeID, it.ChosenOption, it.RawText, it.NextNodeID, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, conversationID string) ([]*conversation.Interaction, error) {
	query := `
		SELECT id, conversation_id, node_id, chosen_option, raw_text, next_node_id, created_at
		FROM interactions WHERE conversation_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Interaction
	for rows.Next() {
		var it conversation.Interaction
		if err := rows.Scan(&it.ID, &it.ConversationID, &it.NodeID, &it.ChosenOption,
			&it.RawText, &it.NextNodeID, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *conversation.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, provider_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.ProviderID, string(m.Kind), m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	query := `
		SELECT id, conversation_id, provider_id, kind, body, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Message
	for rows.Next() {
		var m conversation.Message
		var kind string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ProviderID, &kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Kind = conversation.MessageKind(kind)
		out = append(out, &m)
	}
	return out, rows.Err()
}

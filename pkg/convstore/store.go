package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/idham/relay/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// DefaultScratchpadWindow caps the per-conversation scratchpad to the
	// most recent entries.
	DefaultScratchpadWindow = 50

	// maxTitleLength bounds fallback titles derived from the raw query.
	maxTitleLength = 80
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// Message is a single turn in a conversation.
type Message struct {
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Info summarizes a conversation.
type Info struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScratchpadEntry is one reasoning step an agent left for itself: what it
// was thinking, the action it took and what that action returned. The entry
// that opened the run carries the originating query and is flagged as such.
type ScratchpadEntry struct {
	AgentID       string    `json:"agent_id"`
	Thought       string    `json:"thought"`
	Action        string    `json:"action,omitempty"`
	Observation   string    `json:"observation,omitempty"`
	IsOriginQuery bool      `json:"is_origin_query"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolUsage records one tool invocation for later inspection.
type ToolUsage struct {
	ToolName  string        `json:"tool_name"`
	Arguments string        `json:"arguments"`
	Result    string        `json:"result"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// Config holds conversation store configuration.
type Config struct {
	Path             string
	ScratchpadWindow int
	Logger           zerolog.Logger
}

// Store persists conversations, their session links, scratchpad notes and
// tool usage in SQLite.
type Store struct {
	db               *sql.DB
	logger           zerolog.Logger
	scratchpadWindow int
}

// New opens (or creates) the store at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.ScratchpadWindow <= 0 {
		cfg.ScratchpadWindow = DefaultScratchpadWindow
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:               db,
		logger:           cfg.Logger,
		scratchpadWindow: cfg.ScratchpadWindow,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Conversation store initialized")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			agent_id TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

		CREATE TABLE IF NOT EXISTS conversation_chats (
			conversation_id TEXT NOT NULL,
			chat_id TEXT NOT NULL UNIQUE,
			linked_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, chat_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chats_chat ON conversation_chats(chat_id);

		CREATE TABLE IF NOT EXISTS scratchpad (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			thought TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			observation TEXT NOT NULL DEFAULT '',
			is_origin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_scratchpad_conversation ON scratchpad(conversation_id, id);

		CREATE TABLE IF NOT EXISTS tool_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments TEXT,
			result TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_tool_usage_conversation ON tool_usage(conversation_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// EnsureConversation creates the conversation record if it does not exist.
// A new conversation gets a title derived from the raw query until SetTitle
// replaces it.
func (s *Store) EnsureConversation(ctx context.Context, id, query string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, FallbackTitle(query), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

// FallbackTitle derives a display title from the raw query when no generated
// title is available.
func FallbackTitle(query string) string {
	title := strings.TrimSpace(strings.Join(strings.Fields(query), " "))
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		return string(runes[:maxTitleLength-3]) + "..."
	}
	return title
}

// SetTitle replaces the conversation title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Info returns the conversation summary.
func (s *Store) Info(ctx context.Context, id string) (Info, error) {
	var info Info
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&info.ID, &info.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, ErrConversationNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	info.CreatedAt = time.Unix(createdAt, 0)
	info.UpdatedAt = time.Unix(updatedAt, 0)
	return info, nil
}

// AppendMessage appends one turn to the conversation and bumps updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, agent_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, msg.Role, msg.AgentID, msg.Content, msg.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		msg.CreatedAt.Unix(), conversationID,
	); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	logger.Debug().
		Str("conversation_id", conversationID).
		Str("role", msg.Role).
		Msg("Message appended")
	return nil
}

// History returns the most recent window messages in chronological order.
// A window of zero or less returns the full history.
func (s *Store) History(ctx context.Context, conversationID string, window int) ([]Message, error) {
	query := `
		SELECT role, agent_id, content, created_at FROM (
			SELECT id, role, agent_id, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`
	limit := window
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var agentID sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.Role, &agentID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.AgentID = agentID.String
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// HasSystemMessage reports whether the conversation holds a persisted system
// message anywhere in its history, not just within the recent window.
func (s *Store) HasSystemMessage(ctx context.Context, conversationID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND role = 'system'",
		conversationID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check for system message: %w", err)
	}
	return n > 0, nil
}

// LinkChat attaches a session id to a conversation. Linking the same chat
// twice is a no-op.
func (s *Store) LinkChat(ctx context.Context, conversationID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_chats (conversation_id, chat_id, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`, conversationID, chatID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to link chat: %w", err)
	}
	return nil
}

// ConversationForChat resolves a session id back to its conversation.
func (s *Store) ConversationForChat(ctx context.Context, chatID string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		"SELECT conversation_id FROM conversation_chats WHERE chat_id = ?", chatID,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve chat: %w", err)
	}
	return conversationID, nil
}

// Chats returns the session ids linked to a conversation in link order.
func (s *Store) Chats(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id FROM conversation_chats
		WHERE conversation_id = ?
		ORDER BY linked_at ASC, chat_id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chatID)
	}
	return chats, rows.Err()
}

// AppendScratchpad appends a working note and trims the conversation's
// scratchpad to the configured window.
func (s *Store) AppendScratchpad(ctx context.Context, conversationID string, entry ScratchpadEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scratchpad (conversation_id, agent_id, thought, action, observation, is_origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conversationID, entry.AgentID, entry.Thought, entry.Action, entry.Observation,
		boolToInt(entry.IsOriginQuery), entry.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to append scratchpad entry: %w", err)
	}

	// Keep only the newest window entries.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM scratchpad
		WHERE conversation_id = ?
		  AND id NOT IN (
			SELECT id FROM scratchpad
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		  )
	`, conversationID, conversationID, s.scratchpadWindow); err != nil {
		return fmt.Errorf("failed to trim scratchpad: %w", err)
	}

	return tx.Commit()
}

// Scratchpad returns the conversation's retained notes, oldest first.
func (s *Store) Scratchpad(ctx context.Context, conversationID string) ([]ScratchpadEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, thought, action, observation, is_origin, created_at
		FROM scratchpad
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scratchpad: %w", err)
	}
	defer rows.Close()

	var entries []ScratchpadEntry
	for rows.Next() {
		var entry ScratchpadEntry
		var isOrigin int
		var createdAt int64
		if err := rows.Scan(&entry.AgentID, &entry.Thought, &entry.Action, &entry.Observation, &isOrigin, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan scratchpad entry: %w", err)
		}
		entry.IsOriginQuery = isOrigin != 0
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordToolUsage persists one tool invocation.
func (s *Store) RecordToolUsage(ctx context.Context, conversationID string, usage ToolUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_usage (conversation_id, tool_name, arguments, result, success, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conversationID, usage.ToolName, usage.Arguments, usage.Result,
		boolToInt(usage.Success), usage.Duration.Milliseconds(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record tool usage: %w", err)
	}
	return nil
}

// PruneIdle deletes conversations not updated within maxAge and returns how
// many were removed. Cascades take messages, chat links, scratchpad and tool
// usage with them.
func (s *Store) PruneIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE updated_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("pruned", n).Msg("Idle conversations pruned")
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

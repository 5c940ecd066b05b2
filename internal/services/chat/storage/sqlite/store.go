package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/voyagedesk/voyagedesk/internal/platform/storage/sqlitemigrate"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for chat state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a chat SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

// EnsureConversation returns the conversation for (org, client), creating it
// when absent.
func (s *Store) EnsureConversation(ctx context.Context, record storage.ConversationRecord) (storage.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConversationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ConversationRecord{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeConversationRecord(record)
	if err != nil {
		return storage.ConversationRecord{}, err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO conversations (
	id, org_id, client_id, client_name, advisor_name,
	last_message_at, last_message_preview, advisor_seen_at, client_seen_at,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, NULL, '', NULL, NULL, ?, ?)
ON CONFLICT(org_id, client_id) DO NOTHING
`,
		normalized.ID,
		normalized.OrgID,
		normalized.ClientID,
		normalized.ClientName,
		normalized.AdvisorName,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	); err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("ensure conversation: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, conversationSelect+`
WHERE org_id = ? AND client_id = ?
`, normalized.OrgID, normalized.ClientID)
	existing, err := scanConversation(row.Scan)
	if err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("reload ensured conversation: %w", err)
	}
	return existing, nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConversationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ConversationRecord{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.ConversationRecord{}, fmt.Errorf("conversation id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, conversationSelect+`
WHERE id = ?
`, conversationID)
	record, err := scanConversation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ConversationRecord{}, storage.ErrNotFound
		}
		return storage.ConversationRecord{}, fmt.Errorf("get conversation: %w", err)
	}
	return record, nil
}

// TouchConversation updates the last-message denormalization after a send.
func (s *Store) TouchConversation(ctx context.Context, conversationID string, lastMessageAt time.Time, preview string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if lastMessageAt.IsZero() {
		return fmt.Errorf("last message at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE conversations
SET last_message_at = ?, last_message_preview = ?, updated_at = ?
WHERE id = ?
`, toMillis(lastMessageAt), preview, toMillis(time.Now().UTC()), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch conversation rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutMessage persists one immutable message row.
func (s *Store) PutMessage(ctx context.Context, record storage.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeMessageRecord(record)
	if err != nil {
		return err
	}

	var seenAt sql.NullInt64
	if normalized.SeenAt != nil {
		seenAt = sql.NullInt64{Int64: toMillis(*normalized.SeenAt), Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO messages (
	id, conversation_id, org_id, sender_type, sender_id, sender_name,
	content, attachment_url, attachment_name, is_read, seen_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.ConversationID,
		normalized.OrgID,
		normalized.SenderType,
		normalized.SenderID,
		normalized.SenderName,
		normalized.Content,
		normalized.AttachmentURL,
		normalized.AttachmentName,
		boolToInt(normalized.IsRead),
		seenAt,
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// ListMessagesByConversation lists messages oldest-first.
func (s *Store) ListMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, conversation_id, org_id, sender_type, sender_id, sender_name,
	content, attachment_url, attachment_name, is_read, seen_at, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	results := make([]storage.MessageRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan message row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

// MarkConversationRead marks counterparty messages read and refreshes the
// reader's seen watermark. The watermark updates even when nothing was
// unread.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string, readerRole string, seenAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	readerRole = strings.TrimSpace(readerRole)
	if conversationID == "" {
		return 0, fmt.Errorf("conversation id is required")
	}
	senderRole, watermarkColumn, err := readDirection(readerRole)
	if err != nil {
		return 0, err
	}
	if seenAt.IsZero() {
		return 0, fmt.Errorf("seen at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark read: %w", err)
	}
	rollbackWith := func(cause error) (int, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return 0, fmt.Errorf("%w: rollback mark read: %v", cause, rollbackErr)
		}
		return 0, cause
	}

	seenMillis := toMillis(seenAt)
	result, err := tx.ExecContext(ctx, `
UPDATE messages
SET is_read = 1, seen_at = ?
WHERE conversation_id = ? AND sender_type = ? AND is_read = 0
`, seenMillis, conversationID, senderRole)
	if err != nil {
		return rollbackWith(fmt.Errorf("mark messages read: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("mark messages read rows affected: %w", err))
	}

	watermark, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE conversations
SET %s = ?, updated_at = ?
WHERE id = ?
`, watermarkColumn), seenMillis, seenMillis, conversationID)
	if err != nil {
		return rollbackWith(fmt.Errorf("set seen watermark: %w", err))
	}
	watermarked, err := watermark.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("set seen watermark rows affected: %w", err))
	}
	if watermarked == 0 {
		return rollbackWith(storage.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark read: %w", err)
	}
	return int(affected), nil
}

// CountUnread returns how many counterparty messages the reader has not
// read yet.
func (s *Store) CountUnread(ctx context.Context, conversationID string, readerRole string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, fmt.Errorf("conversation id is required")
	}
	senderRole, _, err := readDirection(strings.TrimSpace(readerRole))
	if err != nil {
		return 0, err
	}

	var unread int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages
WHERE conversation_id = ? AND sender_type = ? AND is_read = 0
`, conversationID, senderRole).Scan(&unread); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return unread, nil
}

// ToggleReaction removes a same-emoji reaction or replaces the reactor's
// prior reaction with the given record.
func (s *Store) ToggleReaction(ctx context.Context, record storage.ReactionRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeReactionRecord(record)
	if err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reaction toggle: %w", err)
	}
	rollbackWith := func(cause error) (bool, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return false, fmt.Errorf("%w: rollback reaction toggle: %v", cause, rollbackErr)
		}
		return false, cause
	}

	var existingEmoji string
	err = tx.QueryRowContext(ctx, `
SELECT emoji
FROM message_reactions
WHERE message_id = ? AND reactor_type = ? AND reactor_id = ?
`, normalized.MessageID, normalized.ReactorType, normalized.ReactorID).Scan(&existingEmoji)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rollbackWith(fmt.Errorf("lookup existing reaction: %w", err))
	}

	if err == nil && existingEmoji == normalized.Emoji {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM message_reactions
WHERE message_id = ? AND reactor_type = ? AND reactor_id = ?
`, normalized.MessageID, normalized.ReactorType, normalized.ReactorID); err != nil {
			return rollbackWith(fmt.Errorf("delete toggled reaction: %w", err))
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit reaction toggle: %w", err)
		}
		return true, nil
	}

	// Upsert keyed on (message, reactor) so concurrent toggles from two
	// tabs of the same reactor converge on one row.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO message_reactions (
	id, message_id, conversation_id, reactor_type, reactor_id, reactor_name, emoji, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id, reactor_type, reactor_id) DO UPDATE SET
	id = excluded.id,
	reactor_name = excluded.reactor_name,
	emoji = excluded.emoji,
	created_at = excluded.created_at
`,
		normalized.ID,
		normalized.MessageID,
		normalized.ConversationID,
		normalized.ReactorType,
		normalized.ReactorID,
		normalized.ReactorName,
		normalized.Emoji,
		toMillis(normalized.CreatedAt),
	); err != nil {
		return rollbackWith(fmt.Errorf("put reaction: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reaction toggle: %w", err)
	}
	return false, nil
}

// DeleteReaction removes the reactor's reaction on a message if present.
func (s *Store) DeleteReaction(ctx context.Context, messageID string, reactorType string, reactorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	reactorType = strings.TrimSpace(reactorType)
	reactorID = strings.TrimSpace(reactorID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if reactorType == "" || reactorID == "" {
		return fmt.Errorf("reactor identity is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM message_reactions
WHERE message_id = ? AND reactor_type = ? AND reactor_id = ?
`, messageID, reactorType, reactorID); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// ListReactionsByMessage lists a message's reactions oldest-first.
func (s *Store) ListReactionsByMessage(ctx context.Context, messageID string) ([]storage.ReactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("message id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, message_id, conversation_id, reactor_type, reactor_id, reactor_name, emoji, created_at
FROM message_reactions
WHERE message_id = ?
ORDER BY created_at ASC, id ASC
`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var results []storage.ReactionRecord
	for rows.Next() {
		record, scanErr := scanReaction(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan reaction row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction rows: %w", err)
	}
	return results, nil
}

const conversationSelect = `
SELECT id, org_id, client_id, client_name, advisor_name,
	last_message_at, last_message_preview, advisor_seen_at, client_seen_at,
	created_at, updated_at
FROM conversations
`

type scanner func(dest ...any) error

func readDirection(readerRole string) (senderRole string, watermarkColumn string, err error) {
	switch readerRole {
	case storage.SenderTypeAdvisor:
		return storage.SenderTypeClient, "advisor_seen_at", nil
	case storage.SenderTypeClient:
		return storage.SenderTypeAdvisor, "client_seen_at", nil
	default:
		return "", "", fmt.Errorf("unknown reader role %q", readerRole)
	}
}

func normalizeConversationRecord(record storage.ConversationRecord) (storage.ConversationRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.OrgID = strings.TrimSpace(record.OrgID)
	record.ClientID = strings.TrimSpace(record.ClientID)
	record.ClientName = strings.TrimSpace(record.ClientName)
	record.AdvisorName = strings.TrimSpace(record.AdvisorName)
	if record.ID == "" {
		return storage.ConversationRecord{}, fmt.Errorf("conversation id is required")
	}
	if record.OrgID == "" {
		return storage.ConversationRecord{}, fmt.Errorf("org id is required")
	}
	if record.ClientID == "" {
		return storage.ConversationRecord{}, fmt.Errorf("client id is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.ConversationRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func normalizeMessageRecord(record storage.MessageRecord) (storage.MessageRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.ConversationID = strings.TrimSpace(record.ConversationID)
	record.OrgID = strings.TrimSpace(record.OrgID)
	record.SenderType = strings.TrimSpace(record.SenderType)
	record.SenderID = strings.TrimSpace(record.SenderID)
	record.SenderName = strings.TrimSpace(record.SenderName)
	if record.ID == "" {
		return storage.MessageRecord{}, fmt.Errorf("message id is required")
	}
	if record.ConversationID == "" {
		return storage.MessageRecord{}, fmt.Errorf("conversation id is required")
	}
	if record.SenderType != storage.SenderTypeAdvisor && record.SenderType != storage.SenderTypeClient {
		return storage.MessageRecord{}, fmt.Errorf("unknown sender type %q", record.SenderType)
	}
	if record.SenderID == "" {
		return storage.MessageRecord{}, fmt.Errorf("sender id is required")
	}
	if record.Content == "" && record.AttachmentURL == "" {
		return storage.MessageRecord{}, fmt.Errorf("message content is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.MessageRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if record.SeenAt != nil {
		seenAt := record.SeenAt.UTC()
		record.SeenAt = &seenAt
	}
	return record, nil
}

func normalizeReactionRecord(record storage.ReactionRecord) (storage.ReactionRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.MessageID = strings.TrimSpace(record.MessageID)
	record.ConversationID = strings.TrimSpace(record.ConversationID)
	record.ReactorType = strings.TrimSpace(record.ReactorType)
	record.ReactorID = strings.TrimSpace(record.ReactorID)
	record.ReactorName = strings.TrimSpace(record.ReactorName)
	record.Emoji = strings.TrimSpace(record.Emoji)
	if record.ID == "" {
		return storage.ReactionRecord{}, fmt.Errorf("reaction id is required")
	}
	if record.MessageID == "" {
		return storage.ReactionRecord{}, fmt.Errorf("message id is required")
	}
	if record.ReactorType != storage.SenderTypeAdvisor && record.ReactorType != storage.SenderTypeClient {
		return storage.ReactionRecord{}, fmt.Errorf("unknown reactor type %q", record.ReactorType)
	}
	if record.ReactorID == "" {
		return storage.ReactionRecord{}, fmt.Errorf("reactor id is required")
	}
	if record.Emoji == "" {
		return storage.ReactionRecord{}, fmt.Errorf("emoji is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.ReactionRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func scanConversation(scan scanner) (storage.ConversationRecord, error) {
	var record storage.ConversationRecord
	var lastMessageAt sql.NullInt64
	var advisorSeenAt sql.NullInt64
	var clientSeenAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.OrgID,
		&record.ClientID,
		&record.ClientName,
		&record.AdvisorName,
		&lastMessageAt,
		&record.LastMessagePreview,
		&advisorSeenAt,
		&clientSeenAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.ConversationRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if lastMessageAt.Valid {
		value := fromMillis(lastMessageAt.Int64)
		record.LastMessageAt = &value
	}
	if advisorSeenAt.Valid {
		value := fromMillis(advisorSeenAt.Int64)
		record.AdvisorSeenAt = &value
	}
	if clientSeenAt.Valid {
		value := fromMillis(clientSeenAt.Int64)
		record.ClientSeenAt = &value
	}
	return record, nil
}

func scanMessage(scan scanner) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	var isRead int
	var seenAt sql.NullInt64
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.ConversationID,
		&record.OrgID,
		&record.SenderType,
		&record.SenderID,
		&record.SenderName,
		&record.Content,
		&record.AttachmentURL,
		&record.AttachmentName,
		&isRead,
		&seenAt,
		&createdAt,
	); err != nil {
		return storage.MessageRecord{}, err
	}
	record.IsRead = isRead != 0
	record.CreatedAt = fromMillis(createdAt)
	if seenAt.Valid {
		value := fromMillis(seenAt.Int64)
		record.SeenAt = &value
	}
	return record, nil
}

func scanReaction(scan scanner) (storage.ReactionRecord, error) {
	var record storage.ReactionRecord
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.MessageID,
		&record.ConversationID,
		&record.ReactorType,
		&record.ReactorID,
		&record.ReactorName,
		&record.Emoji,
		&createdAt,
	); err != nil {
		return storage.ReactionRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

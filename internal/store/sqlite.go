package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/redberryproducts/mailbox/internal/mailbox"
)

// SQLiteStore keeps one row per message with JSON columns for the list
// fields. The schema mirrors the canonical record shape.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. An empty path selects
// an in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already opened handle, e.g. one shared with the
// attachment store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle so the attachment store can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mailbox_messages (
            id TEXT PRIMARY KEY,
            timestamp INTEGER NOT NULL,
            seen_at TEXT,
            version INTEGER NOT NULL DEFAULT 1,
            saved_at TEXT,
            message_id TEXT,
            subject TEXT,
            date TEXT,
            from_addrs TEXT,
            sender TEXT,
            to_addrs TEXT,
            cc_addrs TEXT,
            bcc_addrs TEXT,
            reply_to TEXT,
            body_text TEXT,
            body_html TEXT,
            headers TEXT,
            attachments TEXT,
            raw TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_messages_timestamp ON mailbox_messages(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_messages_timestamp_id ON mailbox_messages(timestamp, id);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const messageColumns = `id, timestamp, seen_at, version, saved_at, message_id, subject, date,
    from_addrs, sender, to_addrs, cc_addrs, bcc_addrs, reply_to,
    body_text, body_html, headers, attachments, raw`

func (s *SQLiteStore) Store(ctx context.Context, msg mailbox.Message) (string, error) {
	now := time.Now()
	fillDefaults(&msg, now.Unix(), mailbox.ISOTime(now))
	if !mailbox.ValidID(msg.ID) {
		return "", fmt.Errorf("store message %q: %w", msg.ID, mailbox.ErrInvalidID)
	}
	if err := s.upsert(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, msg mailbox.Message) error {
	query := `INSERT INTO mailbox_messages (` + messageColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            timestamp = excluded.timestamp,
            seen_at = excluded.seen_at,
            version = excluded.version,
            saved_at = excluded.saved_at,
            message_id = excluded.message_id,
            subject = excluded.subject,
            date = excluded.date,
            from_addrs = excluded.from_addrs,
            sender = excluded.sender,
            to_addrs = excluded.to_addrs,
            cc_addrs = excluded.cc_addrs,
            bcc_addrs = excluded.bcc_addrs,
            reply_to = excluded.reply_to,
            body_text = excluded.body_text,
            body_html = excluded.body_html,
            headers = excluded.headers,
            attachments = excluded.attachments,
            raw = excluded.raw;`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Timestamp,
		msg.SeenAt,
		msg.Version,
		nullableString(msg.SavedAt),
		msg.MessageID,
		msg.Subject,
		msg.Date,
		encodeJSON(msg.From),
		encodeSender(msg.Sender),
		encodeJSON(msg.To),
		encodeJSON(msg.Cc),
		encodeJSON(msg.Bcc),
		encodeJSON(msg.ReplyTo),
		msg.Text,
		msg.HTML,
		encodeJSON(msg.Headers),
		encodeAttachments(msg.Attachments),
		msg.Raw,
	)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, id string) (*mailbox.Message, error) {
	if !mailbox.ValidID(id) {
		return nil, fmt.Errorf("find message %q: %w", id, mailbox.ErrInvalidID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM mailbox_messages WHERE id = ?;`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %q: %w", id, err)
	}
	return msg, nil
}

func (s *SQLiteStore) Paginate(ctx context.Context, page, perPage int) ([]mailbox.Message, error) {
	page, perPage = clampPage(page, perPage)
	offset := (page - 1) * perPage

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM mailbox_messages
        ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?;`, perPage, offset)
	if err != nil {
		return nil, fmt.Errorf("paginate messages: %w", err)
	}
	defer rows.Close()

	messages := []mailbox.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("paginate messages: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("paginate messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mailbox_messages;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, changes map[string]any) (*mailbox.Message, error) {
	existing, err := s.Find(ctx, id)
	if err != nil || existing == nil {
		return nil, err
	}
	merged, err := mailbox.Merge(*existing, changes)
	if err != nil {
		return nil, fmt.Errorf("update message %q: %w", id, err)
	}
	merged.ID = id
	if err := s.upsert(ctx, merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if !mailbox.ValidID(id) {
		return fmt.Errorf("delete message %q: %w", id, mailbox.ErrInvalidID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_messages WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - seconds
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_messages WHERE timestamp < ?;`, cutoff); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_messages;`); err != nil {
		return fmt.Errorf("clear mailbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*mailbox.Message, error) {
	var (
		msg         mailbox.Message
		savedAt     sql.NullString
		fromJSON    sql.NullString
		senderJSON  sql.NullString
		toJSON      sql.NullString
		ccJSON      sql.NullString
		bccJSON     sql.NullString
		replyToJSON sql.NullString
		headersJSON sql.NullString
		attachJSON  sql.NullString
	)
	err := row.Scan(
		&msg.ID,
		&msg.Timestamp,
		&msg.SeenAt,
		&msg.Version,
		&savedAt,
		&msg.MessageID,
		&msg.Subject,
		&msg.Date,
		&fromJSON,
		&senderJSON,
		&toJSON,
		&ccJSON,
		&bccJSON,
		&replyToJSON,
		&msg.Text,
		&msg.HTML,
		&headersJSON,
		&attachJSON,
		&msg.Raw,
	)
	if err != nil {
		return nil, err
	}
	msg.SavedAt = savedAt.String
	msg.From = decodeAddresses(fromJSON)
	msg.To = decodeAddresses(toJSON)
	msg.Cc = decodeAddresses(ccJSON)
	msg.Bcc = decodeAddresses(bccJSON)
	msg.ReplyTo = decodeAddresses(replyToJSON)
	if senderJSON.Valid {
		var sender mailbox.Address
		if json.Unmarshal([]byte(senderJSON.String), &sender) == nil {
			msg.Sender = &sender
		}
	}
	if headersJSON.Valid {
		_ = json.Unmarshal([]byte(headersJSON.String), &msg.Headers)
	}
	if attachJSON.Valid {
		_ = json.Unmarshal([]byte(attachJSON.String), &msg.Attachments)
	}
	return &msg, nil
}

func decodeAddresses(value sql.NullString) []mailbox.Address {
	out := []mailbox.Address{}
	if value.Valid {
		_ = json.Unmarshal([]byte(value.String), &out)
	}
	return out
}

func encodeJSON(value any) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func encodeSender(sender *mailbox.Address) any {
	if sender == nil {
		return nil
	}
	return encodeJSON(sender)
}

func encodeAttachments(attachments []mailbox.AttachmentMeta) any {
	if attachments == nil {
		return nil
	}
	return encodeJSON(attachments)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

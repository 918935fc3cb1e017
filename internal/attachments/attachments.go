// Package attachments persists attachment binaries to a blob directory and
// their metadata to a sqlite side table. Blobs are named by generated id,
// never by the user-supplied filename.
package attachments

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/redberryproducts/mailbox/internal/mailbox"
)

// Record is one stored attachment's metadata row.
type Record struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Path      string `json:"path"`
	CID       string `json:"cid,omitempty"`
	IsInline  bool   `json:"is_inline"`
	CreatedAt int64  `json:"created_at"`
}

// Store is the attachment store: metadata rows in sqlite, blobs on disk.
type Store struct {
	db  *sql.DB
	dir string
}

// Open creates a store with its own metadata database at dbPath (empty for
// in-memory) and blob directory at dir.
func Open(ctx context.Context, dbPath, dir string) (*Store, error) {
	trimmed := strings.TrimSpace(dbPath)
	if trimmed == "" {
		trimmed = ":memory:"
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open attachment index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s, err := New(ctx, db, dir)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing sqlite handle, e.g. the one used by the message
// store's sqlite driver.
func New(ctx context.Context, db *sql.DB, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	s := &Store{db: db, dir: dir}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mailbox_attachments (
            id TEXT PRIMARY KEY,
            message_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            mime_type TEXT NOT NULL,
            size INTEGER NOT NULL,
            path TEXT NOT NULL,
            cid TEXT,
            is_inline INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_attachments_message ON mailbox_attachments(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_attachments_cid ON mailbox_attachments(message_id, cid);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply attachment schema: %w", err)
		}
	}
	return nil
}

var safeExtension = regexp.MustCompile(`^\.[A-Za-z0-9]+$`)

// Store writes the blob under a generated filename and inserts the metadata
// row. Base64 content is detected and decoded before hitting the disk.
func (s *Store) Store(ctx context.Context, messageID string, data mailbox.AttachmentData) (*Record, error) {
	if !mailbox.ValidID(messageID) {
		return nil, fmt.Errorf("store attachment for %q: %w", messageID, mailbox.ErrInvalidID)
	}

	id := uuid.NewString()
	ext := filepath.Ext(data.Filename)
	if !safeExtension.MatchString(ext) {
		ext = ""
	}
	storedName := id + ext

	content := []byte(data.Content)
	if decoded, ok := decodeBase64(data.Content); ok {
		content = decoded
	}

	path := filepath.Join(s.dir, storedName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment blob: %w", err)
	}

	record := &Record{
		ID:        id,
		MessageID: messageID,
		Filename:  data.Filename,
		MimeType:  data.MimeType,
		Size:      int64(len(content)),
		Path:      storedName,
		CID:       data.CID,
		IsInline:  data.Inline,
		CreatedAt: time.Now().Unix(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mailbox_attachments
        (id, message_id, filename, mime_type, size, path, cid, is_inline, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		record.ID,
		record.MessageID,
		record.Filename,
		record.MimeType,
		record.Size,
		record.Path,
		nullableCID(record.CID),
		record.IsInline,
		record.CreatedAt,
	)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return record, nil
}

func (s *Store) Find(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, message_id, filename, mime_type, size, path, cid, is_inline, created_at
        FROM mailbox_attachments WHERE id = ?;`, id)
	return scanRecord(row)
}

// FindByMessage returns a message's attachments in creation order.
func (s *Store) FindByMessage(ctx context.Context, messageID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, filename, mime_type, size, path, cid, is_inline, created_at
        FROM mailbox_attachments WHERE message_id = ? ORDER BY created_at, rowid;`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return records, nil
}

// FindByCid resolves an inline content-id reference for one message.
func (s *Store) FindByCid(ctx context.Context, messageID, cid string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, message_id, filename, mime_type, size, path, cid, is_inline, created_at
        FROM mailbox_attachments WHERE message_id = ? AND cid = ? LIMIT 1;`, messageID, cid)
	return scanRecord(row)
}

// GetContent reads the blob. A missing backing file yields (nil, nil) rather
// than an error: metadata and blobs can legitimately diverge.
func (s *Store) GetContent(record *Record) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, record.Path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment blob: %w", err)
	}
	return content, nil
}

// Content opens the blob for streaming. A missing file yields (nil, nil).
func (s *Store) Content(record *Record) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(s.dir, record.Path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open attachment blob: %w", err)
	}
	return file, nil
}

// Delete removes both the blob and the metadata row.
func (s *Store) Delete(ctx context.Context, record *Record) error {
	if err := os.Remove(filepath.Join(s.dir, record.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete attachment blob: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_attachments WHERE id = ?;`, record.ID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// DeleteByMessage removes all attachments belonging to one message.
func (s *Store) DeleteByMessage(ctx context.Context, messageID string) error {
	records, err := s.FindByMessage(ctx, messageID)
	if err != nil {
		return err
	}
	for i := range records {
		if err := s.Delete(ctx, &records[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll wipes the blob directory and every metadata row.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear attachment dir: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("recreate attachment dir: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_attachments;`); err != nil {
		return fmt.Errorf("clear attachments: %w", err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	record, err := scan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attachment: %w", err)
	}
	return record, nil
}

func scanRows(rows *sql.Rows) (*Record, error) {
	return scan(rows.Scan)
}

func scan(scanner func(dest ...any) error) (*Record, error) {
	var record Record
	var cid sql.NullString
	err := scanner(
		&record.ID,
		&record.MessageID,
		&record.Filename,
		&record.MimeType,
		&record.Size,
		&record.Path,
		&cid,
		&record.IsInline,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.CID = cid.String
	return &record, nil
}

func nullableCID(cid string) any {
	if cid == "" {
		return nil
	}
	return cid
}

var base64Charset = regexp.MustCompile(`^[A-Za-z0-9+/\r\n]*={0,2}$`)

// decodeBase64 detects base64 content by charset, padding and a round-trip
// check instead of trusting any caller-supplied flag.
func decodeBase64(content string) ([]byte, bool) {
	if content == "" || !base64Charset.MatchString(content) {
		return nil, false
	}
	compact := strings.NewReplacer("\r", "", "\n", "").Replace(content)
	if len(compact)%4 != 0 {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, false
	}
	if base64.StdEncoding.EncodeToString(decoded) != compact {
		return nil, false
	}
	return decoded, true
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redberryproducts/mailbox/internal/mailbox"
)

// FileStore keeps one JSON file per message in a base directory. Good enough
// for dev-scale volumes; pagination reads and sorts the whole working set.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Store(_ context.Context, msg mailbox.Message) (string, error) {
	now := time.Now()
	fillDefaults(&msg, now.Unix(), mailbox.ISOTime(now))
	if !mailbox.ValidID(msg.ID) {
		return "", fmt.Errorf("store message %q: %w", msg.ID, mailbox.ErrInvalidID)
	}
	if err := s.write(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *FileStore) Find(_ context.Context, id string) (*mailbox.Message, error) {
	if !mailbox.ValidID(id) {
		return nil, fmt.Errorf("find message %q: %w", id, mailbox.ErrInvalidID)
	}
	return s.read(s.pathFor(id))
}

func (s *FileStore) Paginate(_ context.Context, page, perPage int) ([]mailbox.Message, error) {
	page, perPage = clampPage(page, perPage)

	messages, err := s.readAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp > messages[j].Timestamp
		}
		return messages[i].ID > messages[j].ID
	})

	offset := (page - 1) * perPage
	if offset >= len(messages) {
		return []mailbox.Message{}, nil
	}
	end := offset + perPage
	if end > len(messages) {
		end = len(messages)
	}
	return messages[offset:end], nil
}

// Count mirrors readAll so the reported total never exceeds what pagination
// can actually return.
func (s *FileStore) Count(_ context.Context) (int, error) {
	messages, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

func (s *FileStore) Update(ctx context.Context, id string, changes map[string]any) (*mailbox.Message, error) {
	existing, err := s.Find(ctx, id)
	if err != nil || existing == nil {
		return nil, err
	}
	merged, err := mailbox.Merge(*existing, changes)
	if err != nil {
		return nil, fmt.Errorf("update message %q: %w", id, err)
	}
	merged.ID = id
	if err := s.write(merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if !mailbox.ValidID(id) {
		return fmt.Errorf("delete message %q: %w", id, mailbox.ErrInvalidID)
	}
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	return nil
}

func (s *FileStore) PurgeOlderThan(_ context.Context, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - seconds

	files, err := s.list()
	if err != nil {
		return err
	}
	for _, file := range files {
		msg, err := s.read(file)
		if err != nil || msg == nil {
			continue
		}
		if msg.Timestamp > 0 && msg.Timestamp < cutoff {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("purge message: %w", err)
			}
		}
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	files, err := s.list()
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear mailbox: %w", err)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// pathFor is only ever called with a validated id, so the joined path cannot
// escape the base directory.
func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read mailbox dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	return files, nil
}

func (s *FileStore) readAll() ([]mailbox.Message, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	messages := make([]mailbox.Message, 0, len(files))
	for _, file := range files {
		// a message captured mid-scan may vanish; skip instead of failing
		msg, err := s.read(file)
		if err != nil || msg == nil {
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

func (s *FileStore) read(path string) (*mailbox.Message, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	var msg mailbox.Message
	if err := json.Unmarshal(contents, &msg); err != nil {
		return nil, nil
	}
	return &msg, nil
}

// write publishes the record atomically: readers only ever observe complete
// files because the temp file is renamed into place.
func (s *FileStore) write(msg mailbox.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", msg.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".write-*")
	if err != nil {
		return fmt.Errorf("write message %q: %w", msg.ID, err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write message %q: %w", msg.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write message %q: %w", msg.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.pathFor(msg.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish message %q: %w", msg.ID, err)
	}
	return nil
}

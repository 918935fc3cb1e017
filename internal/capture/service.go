// Package capture is the high-level mailbox API composing the message store
// and the attachment store. It is storage-driver-agnostic.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/mailbox"
	"github.com/redberryproducts/mailbox/internal/store"
)

// ErrInvalidRetention rejects purge calls with a non-positive window.
var ErrInvalidRetention = errors.New("retention seconds must be greater than zero")

// ListResult is the pagination envelope returned to the HTTP layer.
type ListResult struct {
	Data            []mailbox.Message `json:"data"`
	Total           int               `json:"total"`
	PerPage         int               `json:"per_page"`
	CurrentPage     int               `json:"current_page"`
	HasMore         bool              `json:"has_more"`
	LatestTimestamp *int64            `json:"latest_timestamp"`
}

type Service struct {
	store       store.MessageStore
	attachments *attachments.Store
	logger      *slog.Logger
}

// New builds the service. attachmentStore may be nil when attachments are
// embedded in message records instead of stored separately.
func New(messageStore store.MessageStore, attachmentStore *attachments.Store, logger *slog.Logger) *Service {
	return &Service{store: messageStore, attachments: attachmentStore, logger: logger}
}

// Store fills capture-time defaults and persists the record.
func (s *Service) Store(ctx context.Context, msg mailbox.Message) (string, error) {
	now := time.Now()
	if msg.Timestamp == 0 {
		msg.Timestamp = now.Unix()
	}
	if msg.SavedAt == "" {
		msg.SavedAt = mailbox.ISOTime(now)
	}
	return s.store.Store(ctx, msg)
}

// StoreRaw captures a message when only its raw source is available.
func (s *Service) StoreRaw(ctx context.Context, raw string) (string, error) {
	return s.Store(ctx, mailbox.Message{Raw: &raw, Timestamp: time.Now().Unix()})
}

// StoreAttachment persists one attachment blob for a stored message.
func (s *Service) StoreAttachment(ctx context.Context, messageID string, data mailbox.AttachmentData) (*attachments.Record, error) {
	if s.attachments == nil {
		return nil, nil
	}
	return s.attachments.Store(ctx, messageID, data)
}

func (s *Service) Find(ctx context.Context, id string) (*mailbox.Message, error) {
	if !mailbox.ValidID(id) {
		return nil, fmt.Errorf("find message %q: %w", id, mailbox.ErrInvalidID)
	}
	return s.store.Find(ctx, id)
}

func (s *Service) Update(ctx context.Context, id string, changes map[string]any) (*mailbox.Message, error) {
	if !mailbox.ValidID(id) {
		return nil, fmt.Errorf("update message %q: %w", id, mailbox.ErrInvalidID)
	}
	return s.store.Update(ctx, id, changes)
}

// MarkSeen sets seen_at once. Repeated calls return the original value.
func (s *Service) MarkSeen(ctx context.Context, id string) (*mailbox.Message, error) {
	msg, err := s.Find(ctx, id)
	if err != nil || msg == nil {
		return nil, err
	}
	if msg.SeenAt != nil {
		return msg, nil
	}
	return s.Update(ctx, id, map[string]any{"seen_at": mailbox.ISOTime(time.Now())})
}

// Delete removes the message and cascades to its attachments.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !mailbox.ValidID(id) {
		return fmt.Errorf("delete message %q: %w", id, mailbox.ErrInvalidID)
	}
	if s.attachments != nil {
		if err := s.attachments.DeleteByMessage(ctx, id); err != nil {
			s.logger.Error("delete attachments", "message", id, "error", err)
			return err
		}
	}
	return s.store.Delete(ctx, id)
}

// List returns one page of messages, newest first, wrapped in the
// pagination envelope.
func (s *Service) List(ctx context.Context, page, perPage int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}

	data, err := s.store.Paginate(ctx, page, perPage)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Data:        data,
		Total:       total,
		PerPage:     perPage,
		CurrentPage: page,
		HasMore:     page*perPage < total,
	}
	if total > 0 {
		newest := data
		if page != 1 || len(data) == 0 {
			newest, err = s.store.Paginate(ctx, 1, 1)
			if err != nil {
				return nil, err
			}
		}
		if len(newest) > 0 {
			latest := newest[0].Timestamp
			result.LatestTimestamp = &latest
		}
	}
	return result, nil
}

// All returns every stored message, newest first. Dev-scale only.
func (s *Service) All(ctx context.Context) ([]mailbox.Message, error) {
	return s.store.Paginate(ctx, 1, math.MaxInt32)
}

func (s *Service) PurgeOlderThan(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return ErrInvalidRetention
	}
	return s.store.PurgeOlderThan(ctx, seconds)
}

// ClearAll wipes every message and every attachment.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("clear messages", "error", err)
		return err
	}
	if s.attachments != nil {
		if err := s.attachments.DeleteAll(ctx); err != nil {
			s.logger.Error("clear attachments", "error", err)
			return err
		}
	}
	s.logger.Info("mailbox cleared")
	return nil
}

// Attachments exposes the attachment store for read paths; nil when
// attachments are embedded.
func (s *Service) Attachments() *attachments.Store {
	return s.attachments
}

// Package store persists canonical message records. Two drivers are
// provided, a JSON-file-per-message store and a sqlite-backed store, both
// honoring the same contract so callers can swap them freely.
package store

import (
	"context"

	"github.com/redberryproducts/mailbox/internal/mailbox"
)

// MessageStore is the storage abstraction for captured messages.
//
// Find and Update return (nil, nil) when the id is absent; absence is a
// value, not an error. Delete of an absent id is a no-op. Paginate orders by
// timestamp descending and returns an empty slice for out-of-range pages.
type MessageStore interface {
	// Store persists the record, assigning id/timestamp/saved_at defaults
	// when absent, and returns the id. Storing an existing id overwrites.
	Store(ctx context.Context, msg mailbox.Message) (string, error)

	Find(ctx context.Context, id string) (*mailbox.Message, error)

	// Paginate returns the page-th page (1-based) of perPage records,
	// newest first.
	Paginate(ctx context.Context, page, perPage int) ([]mailbox.Message, error)

	// Count reports the number of stored records.
	Count(ctx context.Context) (int, error)

	// Update merges changes (JSON field names, shallow overwrite) into an
	// existing record without creating absent ids.
	Update(ctx context.Context, id string, changes map[string]any) (*mailbox.Message, error)

	Delete(ctx context.Context, id string) error

	// PurgeOlderThan removes records whose timestamp is older than now
	// minus seconds. Non-positive seconds is a no-op.
	PurgeOlderThan(ctx context.Context, seconds int64) error

	// Clear removes every record.
	Clear(ctx context.Context) error

	Close() error
}

func clampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	return page, perPage
}

// fillDefaults assigns timestamp, saved_at and id before persisting.
func fillDefaults(msg *mailbox.Message, now int64, nowISO string) {
	if msg.Timestamp == 0 {
		msg.Timestamp = now
	}
	if msg.SavedAt == "" {
		msg.SavedAt = nowISO
	}
	if msg.Version == 0 {
		msg.Version = mailbox.Version
	}
	if msg.ID == "" {
		msg.ID = mailbox.NewID(*msg, msg.Timestamp)
	}
}

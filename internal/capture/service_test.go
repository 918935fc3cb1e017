package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/mailbox"
	"github.com/redberryproducts/mailbox/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	messageStore, err := store.OpenSQLite(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = messageStore.Close() })
	require.NoError(t, messageStore.EnsureSchema(ctx))

	attachmentStore, err := attachments.New(ctx, messageStore.DB(), t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(messageStore, attachmentStore, logger)
}

func TestStoreFillsDefaults(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	id, err := s.Store(ctx, mailbox.Message{})
	require.NoError(t, err)
	assert.True(t, mailbox.ValidID(id))

	msg, err := s.Find(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotZero(t, msg.Timestamp)
	assert.NotEmpty(t, msg.SavedAt)
	assert.Nil(t, msg.SeenAt)
}

func TestStoreAndStoreRawProduceDistinctIDs(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	raw := "From: a@x.com\r\n\r\nsame raw source"

	first, err := s.Store(ctx, mailbox.Message{Raw: &raw})
	require.NoError(t, err)
	second, err := s.StoreRaw(ctx, raw)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	stored, err := s.Find(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, stored.Raw)
	assert.Equal(t, raw, *stored.Raw)
}

func TestFindInvalidIDFailsFast(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Find(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, mailbox.ErrInvalidID)

	_, err = s.Update(ctx, "bad id", map[string]any{"subject": "x"})
	assert.ErrorIs(t, err, mailbox.ErrInvalidID)

	assert.ErrorIs(t, s.Delete(ctx, ".hidden"), mailbox.ErrInvalidID)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	id, err := s.Store(ctx, mailbox.Message{Timestamp: 1000})
	require.NoError(t, err)

	first, err := s.MarkSeen(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, first.SeenAt)

	second, err := s.MarkSeen(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, second.SeenAt)
	assert.Equal(t, *first.SeenAt, *second.SeenAt)
}

func TestMarkSeenPreservesExistingValue(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	id, err := s.Store(ctx, mailbox.Message{Timestamp: 1000})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, map[string]any{"seen_at": "2020-01-01T00:00:00Z"})
	require.NoError(t, err)

	msg, err := s.MarkSeen(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg.SeenAt)
	assert.Equal(t, "2020-01-01T00:00:00Z", *msg.SeenAt)
}

func TestMarkSeenAbsent(t *testing.T) {
	s := newService(t)

	msg, err := s.MarkSeen(context.Background(), "email_1_missing")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDeleteCascadesToAttachments(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	id, err := s.Store(ctx, mailbox.Message{Timestamp: 1000})
	require.NoError(t, err)
	_, err = s.StoreAttachment(ctx, id, mailbox.AttachmentData{Filename: "a.txt", Content: "aaaa bbbb"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	msg, err := s.Find(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, msg)

	records, err := s.Attachments().FindByMessage(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListEnvelope(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		subject := fmt.Sprintf("msg %d", i)
		_, err := s.Store(ctx, mailbox.Message{Timestamp: int64(i * 100), Subject: &subject})
		require.NoError(t, err)
	}

	page1, err := s.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page1.Data, 2)
	assert.Equal(t, 5, page1.Total)
	assert.Equal(t, 2, page1.PerPage)
	assert.Equal(t, 1, page1.CurrentPage)
	assert.True(t, page1.HasMore)
	require.NotNil(t, page1.LatestTimestamp)
	assert.Equal(t, int64(500), *page1.LatestTimestamp)
	assert.Equal(t, int64(500), page1.Data[0].Timestamp)

	page3, err := s.List(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page3.Data, 1)
	assert.False(t, page3.HasMore)
	// latest timestamp still refers to the newest message overall
	require.NotNil(t, page3.LatestTimestamp)
	assert.Equal(t, int64(500), *page3.LatestTimestamp)
}

func TestListEmpty(t *testing.T) {
	s := newService(t)

	result, err := s.List(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.NotNil(t, result.Data)
	assert.Zero(t, result.Total)
	assert.False(t, result.HasMore)
	assert.Nil(t, result.LatestTimestamp)
}

func TestListClampsParams(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Store(ctx, mailbox.Message{Timestamp: 100})
	require.NoError(t, err)

	result, err := s.List(ctx, 0, -3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CurrentPage)
	assert.Equal(t, 1, result.PerPage)
	assert.Len(t, result.Data, 1)
}

func TestAll(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.Store(ctx, mailbox.Message{Timestamp: int64(i)})
		require.NoError(t, err)
	}

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Timestamp)
}

func TestPurgeRejectsNonPositiveRetention(t *testing.T) {
	s := newService(t)

	assert.ErrorIs(t, s.PurgeOlderThan(context.Background(), 0), ErrInvalidRetention)
	assert.ErrorIs(t, s.PurgeOlderThan(context.Background(), -1), ErrInvalidRetention)
}

func TestClearAllLogsOutcome(t *testing.T) {
	ctx := context.Background()
	messageStore, err := store.OpenSQLite(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = messageStore.Close() })
	require.NoError(t, messageStore.EnsureSchema(ctx))

	attachmentStore, err := attachments.New(ctx, messageStore.DB(), t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := New(messageStore, attachmentStore, logger)

	_, err = s.Store(ctx, mailbox.Message{Timestamp: 100})
	require.NoError(t, err)
	require.NoError(t, s.ClearAll(ctx))

	assert.Contains(t, buf.String(), "mailbox cleared")
}

func TestClearAll(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	id, err := s.Store(ctx, mailbox.Message{Timestamp: 100})
	require.NoError(t, err)
	_, err = s.StoreAttachment(ctx, id, mailbox.AttachmentData{Filename: "a.txt", Content: "data data"})
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))

	result, err := s.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, result.Total)

	records, err := s.Attachments().FindByMessage(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
}

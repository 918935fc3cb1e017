package transport

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/capture"
	"github.com/redberryproducts/mailbox/internal/mailbox"
	"github.com/redberryproducts/mailbox/internal/normalizer"
	"github.com/redberryproducts/mailbox/internal/sse"
	"github.com/redberryproducts/mailbox/internal/store"
)

func newTransport(t *testing.T) (*Transport, *capture.Service, *sse.Hub) {
	t.Helper()
	ctx := context.Background()

	messageStore, err := store.OpenSQLite(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = messageStore.Close() })
	require.NoError(t, messageStore.EnsureSchema(ctx))

	attachmentStore, err := attachments.New(ctx, messageStore.DB(), t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := capture.New(messageStore, attachmentStore, logger)
	hub := sse.NewHub()
	return New(service, hub, logger), service, hub
}

func rawMessage() []byte {
	return []byte(strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: Bob <bob@example.com>",
		"Subject: order shipped",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=split",
		"",
		"--split",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Your order is on the way.",
		"--split",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQ=",
		"--split--",
		"",
	}, "\r\n"))
}

func TestSendStoresMessageAndAttachments(t *testing.T) {
	tr, service, _ := newTransport(t)
	ctx := context.Background()

	id, err := tr.Send(ctx, nil, rawMessage())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := service.Find(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NotNil(t, msg.Subject)
	assert.Equal(t, "order shipped", *msg.Subject)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "alice@example.com", msg.Sender.Email)
	require.NotNil(t, msg.Text)
	assert.Contains(t, *msg.Text, "on the way")
	assert.NotZero(t, msg.Timestamp)

	records, err := service.Attachments().FindByMessage(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "invoice.pdf", records[0].Filename)
	assert.Equal(t, "application/pdf", records[0].MimeType)
}

func TestSendBroadcastsEvent(t *testing.T) {
	tr, _, hub := newTransport(t)

	events, cancel := hub.Subscribe()
	defer cancel()

	id, err := tr.Send(context.Background(), nil, rawMessage())
	require.NoError(t, err)

	select {
	case event := <-events:
		payload := string(event)
		assert.Contains(t, payload, "event: message")
		assert.Contains(t, payload, id)
		assert.Contains(t, payload, "order shipped")
		assert.Contains(t, payload, "alice@example.com")
	case <-time.After(time.Second):
		t.Fatal("no stream event received")
	}
}

func TestSendEnvelopeOverridesHeaders(t *testing.T) {
	tr, service, _ := newTransport(t)
	ctx := context.Background()

	env := &normalizer.Envelope{
		Sender:     &mailbox.Address{Email: "bounce@example.com"},
		Recipients: []mailbox.Address{{Email: "real@example.com"}},
	}
	id, err := tr.Send(ctx, env, rawMessage())
	require.NoError(t, err)

	msg, err := service.Find(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "bounce@example.com", msg.Sender.Email)
	require.Len(t, msg.To, 1)
	assert.Equal(t, "real@example.com", msg.To[0].Email)
}

func TestSendCapturesGarbageInput(t *testing.T) {
	tr, service, _ := newTransport(t)
	ctx := context.Background()

	id, err := tr.Send(ctx, nil, []byte("not an email at all"))
	require.NoError(t, err)

	msg, err := service.Find(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NotNil(t, msg.Raw)
	assert.Equal(t, "not an email at all", *msg.Raw)
	assert.NotZero(t, msg.Timestamp)
}

func TestSendWithoutHub(t *testing.T) {
	_, service, _ := newTransport(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(service, nil, logger)

	id, err := tr.Send(context.Background(), nil, rawMessage())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

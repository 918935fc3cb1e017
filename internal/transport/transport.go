// Package transport is the capture intake: it stands in for the host's
// outgoing-mail call, normalizing and storing instead of delivering.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redberryproducts/mailbox/internal/capture"
	"github.com/redberryproducts/mailbox/internal/mailbox"
	"github.com/redberryproducts/mailbox/internal/normalizer"
	"github.com/redberryproducts/mailbox/internal/sse"
)

type Transport struct {
	capture *capture.Service
	hub     *sse.Hub
	logger  *slog.Logger
}

// New builds a transport. hub may be nil when no stream clients exist.
func New(service *capture.Service, hub *sse.Hub, logger *slog.Logger) *Transport {
	return &Transport{capture: service, hub: hub, logger: logger}
}

// Send captures one outgoing message: normalize, store the record, store its
// attachment blobs, announce it to stream subscribers, return the id.
// Normalization never fails; only storage errors propagate.
func (t *Transport) Send(ctx context.Context, env *normalizer.Envelope, raw []byte) (string, error) {
	msg, blobs := normalizer.Normalize(raw, env, normalizer.Options{})
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	id, err := t.capture.Store(ctx, msg)
	if err != nil {
		t.logger.Error("store captured message", "error", err)
		return "", fmt.Errorf("capture message: %w", err)
	}

	for _, blob := range blobs {
		if _, err := t.capture.StoreAttachment(ctx, id, blob); err != nil {
			// losing an attachment must not lose the message record
			t.logger.Warn("store attachment", "message", id, "filename", blob.Filename, "error", err)
		}
	}

	if t.hub != nil {
		t.hub.Broadcast(buildEvent(id, msg))
	}
	t.logger.Info("message captured", "id", id, "subject", subjectOf(msg))
	return id, nil
}

func subjectOf(msg mailbox.Message) string {
	if msg.Subject == nil {
		return ""
	}
	return *msg.Subject
}

func buildEvent(id string, msg mailbox.Message) []byte {
	payload := map[string]any{
		"id":        id,
		"subject":   subjectOf(msg),
		"timestamp": msg.Timestamp,
	}
	if msg.Sender != nil {
		payload["from"] = msg.Sender.Email
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: message\ndata: %s\n\n", data))
}

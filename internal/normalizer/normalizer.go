// Package normalizer turns a raw outgoing email into the canonical message
// record plus the list of attachment blobs to persist separately.
//
// Normalization is deliberately permissive: a message that cannot be parsed
// still produces a minimal valid record, so capture never blocks the caller.
package normalizer

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/redberryproducts/mailbox/internal/mailbox"
)

// Envelope carries the SMTP-style sender and recipients, which may differ
// from the From/To headers. Envelope values win over header values.
type Envelope struct {
	Sender     *mailbox.Address
	Recipients []mailbox.Address
}

// Options controls how attachments end up in the record.
type Options struct {
	// InlineAttachments embeds size and base64 content into the message
	// record itself. When false only metadata is embedded and the returned
	// blobs are meant for the separate attachment store.
	InlineAttachments bool
}

type partHeader interface {
	Get(key string) string
	ContentType() (string, map[string]string, error)
	ContentDisposition() (string, map[string]string, error)
}

// Normalize parses raw RFC822 source into a canonical record. It never fails:
// unparseable input degrades to a minimal record carrying only the raw source.
func Normalize(raw []byte, env *Envelope, opts Options) (mailbox.Message, []mailbox.AttachmentData) {
	msg := minimalRecord(raw)

	// CreateReader still hands back a usable reader for unknown charsets, so
	// only a nil reader is fatal.
	reader, _ := mail.CreateReader(bytes.NewReader(raw))
	if reader == nil {
		return msg, nil
	}
	defer reader.Close()

	flattenHeaders(&msg, reader.Header)

	if subject, err := reader.Header.Subject(); err == nil && subject != "" {
		msg.Subject = &subject
	}
	if value := strings.TrimSpace(reader.Header.Get("Message-Id")); value != "" {
		msg.MessageID = &value
	}
	if value := strings.TrimSpace(reader.Header.Get("Date")); value != "" {
		msg.Date = &value
	}

	msg.From = addressList(reader.Header, "From")
	msg.To = addressList(reader.Header, "To")
	msg.Cc = addressList(reader.Header, "Cc")
	msg.Bcc = addressList(reader.Header, "Bcc")
	msg.ReplyTo = addressList(reader.Header, "Reply-To")

	resolveEnvelope(&msg, env)

	var blobs []mailbox.AttachmentData
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				if header.Get("Content-Id") != "" {
					blobs = appendPart(&msg, blobs, header, part.Body, opts)
					continue
				}
				appendBody(&msg.Text, part.Body)
			case strings.HasPrefix(mediaType, "text/html"):
				if header.Get("Content-Id") != "" {
					blobs = appendPart(&msg, blobs, header, part.Body, opts)
					continue
				}
				appendBody(&msg.HTML, part.Body)
			default:
				// non-text inline part, e.g. a cid-referenced image
				blobs = appendPart(&msg, blobs, header, part.Body, opts)
			}
		case *mail.AttachmentHeader:
			blobs = appendPart(&msg, blobs, header, part.Body, opts)
		}
	}

	return msg, blobs
}

func minimalRecord(raw []byte) mailbox.Message {
	msg := mailbox.Message{
		Version: mailbox.Version,
		SavedAt: mailbox.ISOTime(time.Now()),
		From:    []mailbox.Address{},
		To:      []mailbox.Address{},
		Cc:      []mailbox.Address{},
		Bcc:     []mailbox.Address{},
		ReplyTo: []mailbox.Address{},
		Headers: map[string][]string{},
	}
	if len(raw) > 0 {
		rawText := string(raw)
		msg.Raw = &rawText
	}
	return msg
}

func flattenHeaders(msg *mailbox.Message, header mail.Header) {
	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		msg.Headers[key] = append(msg.Headers[key], strings.TrimSpace(fields.Value()))
	}
}

func addressList(header mail.Header, key string) []mailbox.Address {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return []mailbox.Address{}
	}
	out := make([]mailbox.Address, 0, len(list))
	for _, addr := range list {
		out = append(out, mailbox.Address{Email: addr.Address, Name: addr.Name})
	}
	return out
}

// resolveEnvelope applies the precedence rules: explicit envelope sender over
// the first From address, explicit envelope recipients over the To header.
func resolveEnvelope(msg *mailbox.Message, env *Envelope) {
	switch {
	case env != nil && env.Sender != nil:
		sender := *env.Sender
		msg.Sender = &sender
	case len(msg.From) > 0:
		sender := msg.From[0]
		msg.Sender = &sender
	}
	if env != nil && len(env.Recipients) > 0 {
		msg.To = append([]mailbox.Address{}, env.Recipients...)
	}
}

func appendBody(dst **string, body io.Reader) {
	content, err := io.ReadAll(body)
	if err != nil {
		return
	}
	if *dst == nil {
		text := string(content)
		*dst = &text
		return
	}
	combined := **dst + "\n" + string(content)
	*dst = &combined
}

func appendPart(msg *mailbox.Message, blobs []mailbox.AttachmentData, header partHeader, body io.Reader, opts Options) []mailbox.AttachmentData {
	content, err := io.ReadAll(body)
	if err != nil {
		return blobs
	}

	disposition, dispParams, _ := header.ContentDisposition()
	_, typeParams, _ := header.ContentType()

	filename := dispParams["filename"]
	if filename == "" {
		filename = typeParams["name"]
	}
	if filename == "" {
		filename = "unnamed"
	}

	mimeType := "application/octet-stream"
	if value := header.Get("Content-Type"); value != "" {
		mimeType = strings.TrimSpace(strings.SplitN(value, ";", 2)[0])
	}

	cid := strings.Trim(strings.TrimSpace(header.Get("Content-Id")), "<>")
	inline := cid != "" || disposition == "inline"

	meta := mailbox.AttachmentMeta{
		Filename:    filename,
		ContentType: mimeType,
		Disposition: disposition,
		ContentID:   cid,
		Inline:      inline,
	}
	if opts.InlineAttachments {
		meta.Size = int64(len(content))
		meta.Content = base64.StdEncoding.EncodeToString(content)
	}
	msg.Attachments = append(msg.Attachments, meta)

	return append(blobs, mailbox.AttachmentData{
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(content)),
		Content:  base64.StdEncoding.EncodeToString(content),
		CID:      cid,
		Inline:   inline,
	})
}

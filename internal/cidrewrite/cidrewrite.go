// Package cidrewrite rewrites cid: references in HTML bodies to resolvable
// attachment URLs so inline images render in the inbox UI.
package cidrewrite

import (
	"context"
	"regexp"
	"strings"

	"github.com/redberryproducts/mailbox/internal/attachments"
)

// URLBuilder turns an attachment id into the URL serving its inline content.
type URLBuilder func(attachmentID string) string

var cidPattern = regexp.MustCompile(`(?i)(<img[^>]+src=["'](cid:([^"']+))["'][^>]*>)`)

type Rewriter struct {
	store     *attachments.Store
	inlineURL URLBuilder
}

func New(store *attachments.Store, inlineURL URLBuilder) *Rewriter {
	return &Rewriter{store: store, inlineURL: inlineURL}
}

// Rewrite replaces each matching cid: src with the attachment's inline URL.
// References with no matching attachment are left verbatim, as is malformed
// or empty HTML.
func (r *Rewriter) Rewrite(ctx context.Context, html, messageID string) string {
	if html == "" {
		return html
	}
	return cidPattern.ReplaceAllStringFunc(html, func(tag string) string {
		match := cidPattern.FindStringSubmatch(tag)
		if match == nil {
			return tag
		}
		cidURL, cid := match[2], match[3]

		record, err := r.store.FindByCid(ctx, messageID, cid)
		if err != nil || record == nil {
			return tag
		}
		return strings.Replace(tag, cidURL, r.inlineURL(record.ID), 1)
	})
}

// InlineAttachments returns the cid-addressable attachments of a message.
func (r *Rewriter) InlineAttachments(ctx context.Context, messageID string) ([]attachments.Record, error) {
	records, err := r.store.FindByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	inline := records[:0]
	for _, record := range records {
		if record.IsInline {
			inline = append(inline, record)
		}
	}
	return inline, nil
}

package cidrewrite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/mailbox"
)

const messageID = "email_1700000000_feedface00000000"

func inlineURL(id string) string {
	return "/api/attachments/" + id + "/inline"
}

func newRewriter(t *testing.T) (*Rewriter, *attachments.Store) {
	t.Helper()
	store, err := attachments.Open(context.Background(), "", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, inlineURL), store
}

func storeInline(t *testing.T, store *attachments.Store, cid string) *attachments.Record {
	t.Helper()
	record, err := store.Store(context.Background(), messageID, mailbox.AttachmentData{
		Filename: cid + ".png",
		MimeType: "image/png",
		Content:  "imagedata",
		CID:      cid,
		Inline:   true,
	})
	require.NoError(t, err)
	return record
}

func TestRewriteReplacesMatchingCid(t *testing.T) {
	r, store := newRewriter(t)
	record := storeInline(t, store, "logo123")

	html := `<p>Hi</p><img src="cid:logo123" alt="logo">`
	got := r.Rewrite(context.Background(), html, messageID)

	want := fmt.Sprintf(`<p>Hi</p><img src="%s" alt="logo">`, inlineURL(record.ID))
	assert.Equal(t, want, got)
}

func TestRewriteLeavesUnknownCidVerbatim(t *testing.T) {
	r, _ := newRewriter(t)

	html := `<img src="cid:missing" alt="x">`
	got := r.Rewrite(context.Background(), html, messageID)
	assert.Equal(t, html, got)
}

func TestRewriteMultipleReferences(t *testing.T) {
	r, store := newRewriter(t)
	logo := storeInline(t, store, "logo")
	banner := storeInline(t, store, "banner")

	html := `<img src="cid:logo"><span>mid</span><img src="cid:banner"><img src="cid:ghost">`
	got := r.Rewrite(context.Background(), html, messageID)

	assert.Contains(t, got, inlineURL(logo.ID))
	assert.Contains(t, got, inlineURL(banner.ID))
	assert.Contains(t, got, `src="cid:ghost"`)
	assert.NotContains(t, got, `cid:logo`)
	assert.NotContains(t, got, `cid:banner`)
}

func TestRewriteSingleQuotes(t *testing.T) {
	r, store := newRewriter(t)
	record := storeInline(t, store, "sq")

	got := r.Rewrite(context.Background(), `<img src='cid:sq'>`, messageID)
	assert.Equal(t, fmt.Sprintf(`<img src='%s'>`, inlineURL(record.ID)), got)
}

func TestRewriteOtherMessagesCidNotVisible(t *testing.T) {
	r, store := newRewriter(t)

	_, err := store.Store(context.Background(), "email_1_other", mailbox.AttachmentData{
		Filename: "logo.png",
		Content:  "img",
		CID:      "logo",
		Inline:   true,
	})
	require.NoError(t, err)

	html := `<img src="cid:logo">`
	got := r.Rewrite(context.Background(), html, messageID)
	assert.Equal(t, html, got)
}

func TestRewriteEmptyHTML(t *testing.T) {
	r, _ := newRewriter(t)
	assert.Equal(t, "", r.Rewrite(context.Background(), "", messageID))
}

func TestRewritePlainHTMLUntouched(t *testing.T) {
	r, _ := newRewriter(t)

	html := `<p>no images here</p><img src="https://example.com/pic.png">`
	got := r.Rewrite(context.Background(), html, messageID)
	assert.Equal(t, html, got)
}

func TestInlineAttachments(t *testing.T) {
	r, store := newRewriter(t)
	ctx := context.Background()
	inline := storeInline(t, store, "logo")

	_, err := store.Store(ctx, messageID, mailbox.AttachmentData{
		Filename: "report.pdf",
		MimeType: "application/pdf",
		Content:  "pdfdata",
	})
	require.NoError(t, err)

	records, err := r.InlineAttachments(ctx, messageID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, inline.ID, records[0].ID)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/capture"
	"github.com/redberryproducts/mailbox/internal/cidrewrite"
	"github.com/redberryproducts/mailbox/internal/config"
	"github.com/redberryproducts/mailbox/internal/mailbox"
	"github.com/redberryproducts/mailbox/internal/normalizer"
	"github.com/redberryproducts/mailbox/internal/pagination"
	"github.com/redberryproducts/mailbox/internal/sse"
	"github.com/redberryproducts/mailbox/internal/transport"
)

const maxCaptureBytes = 25 << 20

// Server is the inbox read/query surface plus the raw capture intake.
type Server struct {
	cfg       config.Config
	capture   *capture.Service
	transport *transport.Transport
	rewriter  *cidrewrite.Rewriter
	hub       *sse.Hub
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(cfg config.Config, service *capture.Service, tr *transport.Transport, rewriter *cidrewrite.Rewriter, hub *sse.Hub, logger *slog.Logger) *Server {
	server := &Server{
		cfg:       cfg,
		capture:   service,
		transport: tr,
		rewriter:  rewriter,
		hub:       hub,
		logger:    logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/", server.handleMessage)
	mux.HandleFunc("/api/attachments/", server.handleAttachment)
	mux.HandleFunc("/api/capture", server.handleCapture)
	mux.HandleFunc("/api/send", server.handleSend)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc("/health", server.handleHealth)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// InlineURL builds the URL the cid rewriter substitutes into HTML bodies.
func InlineURL(attachmentID string) string {
	return "/api/attachments/" + attachmentID + "/inline"
}

func downloadURL(attachmentID string) string {
	return "/api/attachments/" + attachmentID + "/download"
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		params := pagination.FromQuery(r.URL.Query(), pagination.WithDefaultPerPage(s.cfg.PerPage))
		result, err := s.capture.List(r.Context(), params.Page, params.PerPage)
		if err != nil {
			s.logger.Error("list messages", "error", err)
			http.Error(w, "unable to list messages", http.StatusInternalServerError)
			return
		}
		s.respondJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := s.capture.ClearAll(r.Context()); err != nil {
			s.logger.Error("clear mailbox", "error", err)
			http.Error(w, "unable to clear mailbox", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleMessageDetail(w, r, id)
		case http.MethodDelete:
			s.handleMessageDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "seen":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleMessageSeen(w, r, id)
			return
		case "raw":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleMessageRaw(w, r, id)
			return
		case "attachments":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleMessageAttachments(w, r, id)
			return
		}
	}

	http.NotFound(w, r)
}

type messageDetail struct {
	mailbox.Message
	AttachmentList []attachmentSummary `json:"attachment_list"`
}

type attachmentSummary struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"is_inline"`
	CID         string `json:"cid,omitempty"`
	DownloadURL string `json:"download_url"`
	InlineURL   string `json:"inline_url"`
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request, id string) {
	msg, ok := s.findMessage(w, r, id)
	if !ok {
		return
	}

	if msg.HTML != nil && s.rewriter != nil {
		rewritten := s.rewriter.Rewrite(r.Context(), *msg.HTML, id)
		msg.HTML = &rewritten
	}

	detail := messageDetail{Message: *msg, AttachmentList: []attachmentSummary{}}
	if store := s.capture.Attachments(); store != nil {
		records, err := store.FindByMessage(r.Context(), id)
		if err != nil {
			s.logger.Error("list attachments", "message", id, "error", err)
			http.Error(w, "unable to load attachments", http.StatusInternalServerError)
			return
		}
		detail.AttachmentList = summarize(records)
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMessageSeen(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := s.capture.MarkSeen(r.Context(), id)
	if err != nil {
		s.respondMessageError(w, id, err, "mark seen")
		return
	}
	if msg == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request, id string) {
	msg, ok := s.findMessage(w, r, id)
	if !ok {
		return
	}
	if err := s.capture.Delete(r.Context(), msg.ID); err != nil {
		s.respondMessageError(w, id, err, "delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageRaw(w http.ResponseWriter, r *http.Request, id string) {
	msg, ok := s.findMessage(w, r, id)
	if !ok {
		return
	}
	if msg.Raw == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=message-%s.eml", msg.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, *msg.Raw)
}

func (s *Server) handleMessageAttachments(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.findMessage(w, r, id); !ok {
		return
	}
	store := s.capture.Attachments()
	if store == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"attachments": []attachmentSummary{}})
		return
	}
	records, err := store.FindByMessage(r.Context(), id)
	if err != nil {
		s.logger.Error("list attachments", "message", id, "error", err)
		http.Error(w, "unable to load attachments", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"attachments": summarize(records)})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, mode := parts[0], parts[1]
	if mode != "download" && mode != "inline" {
		http.NotFound(w, r)
		return
	}

	store := s.capture.Attachments()
	if store == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	record, err := store.Find(r.Context(), id)
	if err != nil {
		s.logger.Error("find attachment", "id", id, "error", err)
		http.Error(w, "unable to load attachment", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	content, err := store.Content(record)
	if err != nil {
		s.logger.Error("open attachment", "id", id, "error", err)
		http.Error(w, "unable to load attachment", http.StatusInternalServerError)
		return
	}
	if content == nil {
		// metadata without a backing blob, e.g. after manual cleanup
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer content.Close()

	disposition := "attachment"
	if mode == "inline" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", record.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, record.Filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", record.Size))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, content)
}

// handleCapture accepts a raw RFC822 message body and stores it through the
// transport. Envelope sender/recipients come from query parameters.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCaptureBytes))
	if err != nil {
		http.Error(w, "unable to read message", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "message body required", http.StatusBadRequest)
		return
	}

	env := envelopeFromQuery(r)
	id, err := s.transport.Send(r.Context(), env, raw)
	if err != nil {
		http.Error(w, "unable to capture message", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// handleSend builds a test email and captures it, for poking at the inbox
// without a real application wired in.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload sendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Text) == "" && strings.TrimSpace(payload.HTML) == "" {
		http.Error(w, "message body required", http.StatusBadRequest)
		return
	}
	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = "test@mailbox.local"
	}
	recipients := make([]string, 0, len(payload.To))
	for _, to := range payload.To {
		if trimmed := strings.TrimSpace(to); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	if len(recipients) == 0 {
		recipients = []string{"inbox@mailbox.local"}
	}

	raw := buildTestMessage(from, recipients, payload.Subject, payload.Text, payload.HTML)
	id, err := s.transport.Send(r.Context(), nil, raw)
	if err != nil {
		http.Error(w, "unable to capture message", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// findMessage resolves an id, translating invalid ids to 400 and absent ones
// to 404. The bool reports whether a response is still pending.
func (s *Server) findMessage(w http.ResponseWriter, r *http.Request, id string) (*mailbox.Message, bool) {
	msg, err := s.capture.Find(r.Context(), id)
	if err != nil {
		s.respondMessageError(w, id, err, "find message")
		return nil, false
	}
	if msg == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return msg, true
}

func (s *Server) respondMessageError(w http.ResponseWriter, id string, err error, op string) {
	if errors.Is(err, mailbox.ErrInvalidID) {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	s.logger.Error(op, "id", id, "error", err)
	http.Error(w, "storage failure", http.StatusInternalServerError)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func summarize(records []attachments.Record) []attachmentSummary {
	out := make([]attachmentSummary, 0, len(records))
	for _, record := range records {
		out = append(out, attachmentSummary{
			ID:          record.ID,
			Filename:    record.Filename,
			MimeType:    record.MimeType,
			Size:        record.Size,
			IsInline:    record.IsInline,
			CID:         record.CID,
			DownloadURL: downloadURL(record.ID),
			InlineURL:   InlineURL(record.ID),
		})
	}
	return out
}

// sanitizeHeader strips CR/LF so request-supplied values cannot inject
// additional headers into the built message.
func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}

func envelopeFromQuery(r *http.Request) *normalizer.Envelope {
	query := r.URL.Query()
	env := &normalizer.Envelope{}
	if from := strings.TrimSpace(query.Get("from")); from != "" {
		env.Sender = &mailbox.Address{Email: from}
	}
	for _, to := range query["to"] {
		if trimmed := strings.TrimSpace(to); trimmed != "" {
			env.Recipients = append(env.Recipients, mailbox.Address{Email: trimmed})
		}
	}
	if env.Sender == nil && len(env.Recipients) == 0 {
		return nil
	}
	return env
}

func buildTestMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	subject = sanitizeHeader(subject)
	from = sanitizeHeader(from)
	cleanTo := make([]string, 0, len(to))
	for _, recipient := range to {
		cleanTo = append(cleanTo, sanitizeHeader(recipient))
	}
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", strings.Join(cleanTo, ", ")),
		fmt.Sprintf("Subject: %s", subject),
		fmt.Sprintf("Date: %s", time.Now().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
	}

	if textBody != "" && htmlBody != "" {
		boundary := fmt.Sprintf("mailbox-%d", time.Now().UnixNano())
		headers = append(headers, fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", boundary))
		body := []string{
			"",
			fmt.Sprintf("--%s", boundary),
			"Content-Type: text/plain; charset=utf-8",
			"",
			textBody,
			fmt.Sprintf("--%s", boundary),
			"Content-Type: text/html; charset=utf-8",
			"",
			htmlBody,
			fmt.Sprintf("--%s--", boundary),
			"",
		}
		return []byte(strings.Join(append(headers, body...), "\r\n"))
	}

	contentType := "text/plain"
	body := textBody
	if body == "" {
		contentType = "text/html"
		body = htmlBody
	}
	headers = append(headers, fmt.Sprintf("Content-Type: %s; charset=utf-8", contentType))
	return []byte(strings.Join(append(headers, "", body, ""), "\r\n"))
}

package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
)

const (
	webhookDefaultListen = ":9090"
	webhookDefaultPath   = "/webhook"
	webhookBodyLimit     = 25 << 20
	signatureHeader      = "X-Signature-256"
)

// WebhookPayload is the JSON body accepted on the inbound endpoint.
type WebhookPayload struct {
	ID          string              `json:"id,omitempty"`
	ChatID      string              `json:"chat_id"`
	UserID      string              `json:"user_id"`
	UserName    string              `json:"user_name,omitempty"`
	Content     string              `json:"content"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Attachments []WebhookAttachment `json:"attachments,omitempty"`
}

// WebhookAttachment references media by URL or carries it inline (base64).
type WebhookAttachment struct {
	Type     domain.MessageType `json:"type"`
	URL      string             `json:"url,omitempty"`
	Data     []byte             `json:"data,omitempty"`
	MimeType string             `json:"mime_type,omitempty"`
	FileName string             `json:"file_name,omitempty"`
	Duration int                `json:"duration,omitempty"`
}

// WebhookReply is POSTed to the callback URL for every outbound send.
type WebhookReply struct {
	ID         string             `json:"id"`
	ChatID     string             `json:"chat_id"`
	Content    string             `json:"content,omitempty"`
	ReplyTo    string             `json:"reply_to,omitempty"`
	Attachment *WebhookAttachment `json:"attachment,omitempty"`
}

// Webhook implements domain.Channel over HTTP: messages arrive as signed POST
// requests and replies are POSTed to a callback URL.
//
// cfg.Token is the HMAC secret, cfg.Extra holds "listen", "path" and "callbackUrl".
type Webhook struct {
	*Base

	mu          sync.Mutex
	secret      string
	callbackURL string
	server      *http.Server
	client      *http.Client
}

// NewWebhook creates a webhook channel registered under id.
func NewWebhook(id string, logger *slog.Logger) *Webhook {
	return &Webhook{
		Base:   NewBase(id, "webhook", logger),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler returns the inbound handler so it can be mounted on an existing mux.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(w.handleWebhook)
}

func (w *Webhook) configure(cfg domain.ChannelConfig) {
	w.secret = cfg.Token
	w.callbackURL = cfg.Extra["callbackUrl"]
	w.SetAllowFrom(cfg.AllowFrom)
}

// Connect starts the inbound HTTP server.
func (w *Webhook) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}
	w.configure(cfg)
	listen, path := cfg.Extra["listen"], cfg.Extra["path"]
	if listen == "" {
		listen = webhookDefaultListen
	}
	if path == "" {
		path = webhookDefaultPath
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, w.Handler())
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.Logger().Error("webhook server stopped", "err", err)
			w.EmitError(context.Background(), fmt.Errorf("webhook server: %w", err))
			w.SetConnected(context.Background(), false)
		}
	}(w.server)

	w.Logger().Info("webhook server listening", "addr", ln.Addr().String(), "path", path)
	w.SetConnected(ctx, true)
	return nil
}

// Disconnect shuts the inbound server down.
func (w *Webhook) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	w.SetConnected(ctx, false)
	return err
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	secret := w.secret
	w.mu.Unlock()
	if secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" && len(payload.Attachments) == 0 {
		http.Error(rw, "Content or attachments required", http.StatusBadRequest)
		return
	}
	if payload.UserID == "" {
		payload.UserID = "webhook"
	}
	if !w.IsAllowed(payload.UserID) {
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	msg := w.toChannelMessage(payload)
	w.Logger().Info("webhook received", "chat_id", msg.ChatID(), "user_id", msg.SenderID, "content_len", len(msg.Content))
	w.EmitMessage(r.Context(), msg)

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "id": msg.ID})
}

func (w *Webhook) toChannelMessage(p WebhookPayload) *domain.ChannelMessage {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ChatID == "" {
		p.ChatID = p.UserID
	}
	msg := &domain.ChannelMessage{
		ID:          p.ID,
		ChannelID:   w.ID(),
		ChannelType: w.Type(),
		MessageType: domain.MessageText,
		SenderID:    p.UserID,
		SenderName:  p.UserName,
		Content:     p.Content,
		ReplyToID:   p.ReplyTo,
		Timestamp:   time.Now().UnixMilli(),
		Metadata:    map[string]any{domain.MetaChatID: p.ChatID},
	}
	for i, a := range p.Attachments {
		kind := a.Type
		if kind == "" {
			kind = domain.MessageDocument
		}
		if i == 0 {
			msg.MessageType = kind
		}
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     kind,
			URL:      a.URL,
			Data:     a.Data,
			MimeType: a.MimeType,
			FileName: a.FileName,
			FileSize: int64(len(a.Data)),
			Duration: a.Duration,
		})
	}
	return msg
}

// SendText POSTs the reply to the configured callback URL.
func (w *Webhook) SendText(ctx context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	return w.deliver(ctx, WebhookReply{ChatID: chatID, Content: text, ReplyTo: opts.ReplyToID})
}

// SendMedia POSTs the attachment inline to the configured callback URL.
func (w *Webhook) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	f, err := w.DownloadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	return w.deliver(ctx, WebhookReply{
		ChatID:  chatID,
		Content: opts.Caption,
		ReplyTo: opts.ReplyToID,
		Attachment: &WebhookAttachment{
			Type:     att.Type,
			Data:     f.Data,
			MimeType: f.MimeType,
			FileName: f.FileName,
		},
	})
}

func (w *Webhook) deliver(ctx context.Context, reply WebhookReply) (string, error) {
	w.mu.Lock()
	url, secret := w.callbackURL, w.secret
	w.mu.Unlock()
	if url == "" {
		return "", fmt.Errorf("webhook %s: no callback url configured", w.ID())
	}
	reply.ID = uuid.NewString()
	body, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signatureHeader, signHMAC(body, secret))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook callback: status %d", resp.StatusCode)
	}
	return reply.ID, nil
}

// DownloadAttachment returns inline content or fetches the attachment URL.
func (w *Webhook) DownloadAttachment(ctx context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if err != nil {
		return nil, err
	}
	mime := att.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return &domain.DownloadedFile{Data: data, MimeType: mime, FileName: att.FileName}, nil
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}

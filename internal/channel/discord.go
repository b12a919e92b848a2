package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen       = 2000
	discordDownloadLimit   = 25 << 20
	discordVoiceMessageExt = "voice-message.ogg"
)

// Discord implements domain.Channel for a Discord bot.
type Discord struct {
	*Base

	mu      sync.Mutex
	session *discordgo.Session
	guildID string
	remove  func()
	client  *http.Client
}

// NewDiscord creates a Discord channel registered under id.
func NewDiscord(id string, logger *slog.Logger) *Discord {
	return &Discord{
		Base:   NewBase(id, "discord", logger),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Connect opens the gateway session and starts receiving messages.
func (d *Discord) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil
	}
	if cfg.Token == "" {
		return fmt.Errorf("discord: bot token is not configured")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.guildID = cfg.GuildID
	d.SetAllowFrom(cfg.AllowFrom)
	d.remove = session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		if !d.IsAllowed(m.Author.ID, m.Author.Username) {
			d.Logger().Warn("unauthorized discord user", "user_id", m.Author.ID, "username", m.Author.Username)
			return
		}
		d.EmitMessage(context.Background(), d.toChannelMessage(m.Message))
	})

	if err := session.Open(); err != nil {
		d.remove()
		return fmt.Errorf("discord connect: %w", err)
	}
	d.session = session
	d.Logger().Info("discord bot connected", "user", session.State.User.Username)
	d.SetConnected(ctx, true)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	session, remove := d.session, d.remove
	d.session, d.remove = nil, nil
	d.mu.Unlock()
	if session == nil {
		return nil
	}
	remove()
	err := session.Close()
	d.SetConnected(ctx, false)
	if err != nil {
		return fmt.Errorf("discord close: %w", err)
	}
	return nil
}

func (d *Discord) currentSession() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("discord channel %s is not connected", d.ID())
	}
	return d.session, nil
}

func (d *Discord) toChannelMessage(m *discordgo.Message) *domain.ChannelMessage {
	msg := &domain.ChannelMessage{
		ID:             m.ID,
		ChannelID:      d.ID(),
		ChannelType:    d.Type(),
		MessageType:    domain.MessageText,
		SenderID:       m.Author.ID,
		SenderName:     m.Author.Username,
		SenderUsername: m.Author.Username,
		Content:        m.Content,
		Timestamp:      m.Timestamp.UnixMilli(),
		IsGroup:        m.GuildID != "",
		Metadata: map[string]any{
			domain.MetaChatID: m.ChannelID,
			"guildId":         m.GuildID,
		},
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	for i, a := range m.Attachments {
		att := domain.ChannelAttachment{
			Type:     discordAttachmentType(a),
			URL:      a.URL,
			MimeType: a.ContentType,
			FileName: a.Filename,
			FileSize: int64(a.Size),
			Width:    a.Width,
			Height:   a.Height,
		}
		if i == 0 {
			msg.MessageType = att.Type
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg
}

func discordAttachmentType(a *discordgo.MessageAttachment) domain.MessageType {
	ct := strings.ToLower(a.ContentType)
	switch {
	case a.Filename == discordVoiceMessageExt:
		return domain.MessageVoice
	case ct == "image/gif":
		return domain.MessageAnimation
	case strings.HasPrefix(ct, "image/"):
		return domain.MessagePhoto
	case strings.HasPrefix(ct, "audio/"):
		return domain.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return domain.MessageVideo
	}
	return domain.MessageDocument
}

// SendText sends text to the Discord channel chatID.
func (d *Discord) SendText(ctx context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	session, err := d.currentSession()
	if err != nil {
		return "", err
	}
	var lastID string
	for i, chunk := range splitMessage(text, discordMaxMsgLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && opts.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: chatID}
		}
		sent, err := session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx))
		if err != nil {
			return lastID, fmt.Errorf("discord send: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// SendMedia uploads the attachment to the Discord channel chatID.
func (d *Discord) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	session, err := d.currentSession()
	if err != nil {
		return "", err
	}
	f, err := d.DownloadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	name := f.FileName
	if name == "" {
		name = "attachment"
	}
	send := &discordgo.MessageSend{
		Content: opts.Caption,
		Files:   []*discordgo.File{{Name: name, ContentType: f.MimeType, Reader: bytes.NewReader(f.Data)}},
	}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: chatID}
	}
	sent, err := session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send media: %w", err)
	}
	return sent.ID, nil
}

// DownloadAttachment fetches an attachment from the Discord CDN.
func (d *Discord) DownloadAttachment(ctx context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download discord attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download discord attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, discordDownloadLimit))
	if err != nil {
		return nil, fmt.Errorf("read discord attachment: %w", err)
	}
	mime := att.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return &domain.DownloadedFile{Data: data, MimeType: mime, FileName: att.FileName}, nil
}

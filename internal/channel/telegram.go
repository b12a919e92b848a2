package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPollTimeout    = 30
	telegramDownloadLimit  = 20 << 20
)

// Telegram implements domain.Channel for a Telegram bot using long polling.
type Telegram struct {
	*Base

	mu        sync.Mutex
	bot       *tgbotapi.BotAPI
	parseMode string
	cancel    context.CancelFunc
	done      chan struct{}
	client    *http.Client
}

// NewTelegram creates a Telegram channel registered under id.
func NewTelegram(id string, logger *slog.Logger) *Telegram {
	return &Telegram{
		Base:   NewBase(id, "telegram", logger),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Connect authenticates the bot and starts polling for updates.
func (t *Telegram) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return nil
	}
	if cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is not configured")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.parseMode = cfg.ParseMode
	t.SetAllowFrom(cfg.AllowFrom)
	t.Logger().Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.poll(pollCtx, updates, t.done)

	t.SetConnected(ctx, true)
	return nil
}

// Disconnect stops polling and waits for the receive loop to exit.
func (t *Telegram) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	bot, cancel, done := t.bot, t.cancel, t.done
	t.bot, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()
	if bot == nil {
		return nil
	}

	cancel()
	bot.StopReceivingUpdates()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.SetConnected(ctx, false)
	return nil
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
				continue
			}
			m := update.Message
			if !t.IsAllowed(strconv.FormatInt(m.From.ID, 10), m.From.UserName) {
				t.Logger().Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
				continue
			}
			t.EmitMessage(ctx, t.toChannelMessage(m))
		}
	}
}

func (t *Telegram) currentBot() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, fmt.Errorf("telegram channel %s is not connected", t.ID())
	}
	return t.bot, nil
}

// toChannelMessage normalizes a Telegram update message.
func (t *Telegram) toChannelMessage(m *tgbotapi.Message) *domain.ChannelMessage {
	msg := &domain.ChannelMessage{
		ID:             strconv.Itoa(m.MessageID),
		ChannelID:      t.ID(),
		ChannelType:    t.Type(),
		MessageType:    domain.MessageText,
		SenderID:       strconv.FormatInt(m.From.ID, 10),
		SenderName:     strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		SenderUsername: m.From.UserName,
		Content:        m.Text,
		Timestamp:      int64(m.Date) * 1000,
		IsGroup:        m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		ChatTitle:      m.Chat.Title,
		Metadata: map[string]any{
			domain.MetaChatID: m.Chat.ID,
			"chatType":        m.Chat.Type,
		},
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	if msg.Content == "" {
		msg.Content = m.Caption
	}

	switch {
	case m.Voice != nil:
		msg.MessageType = domain.MessageVoice
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessageVoice,
			URL:      m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			FileName: "voice_" + msg.ID + ".oga",
			FileSize: int64(m.Voice.FileSize),
			Duration: m.Voice.Duration,
		})
	case m.Audio != nil:
		msg.MessageType = domain.MessageAudio
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessageAudio,
			URL:      m.Audio.FileID,
			MimeType: m.Audio.MimeType,
			FileName: m.Audio.FileName,
			FileSize: int64(m.Audio.FileSize),
			Duration: m.Audio.Duration,
		})
	case m.VideoNote != nil:
		msg.MessageType = domain.MessageVideoNote
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessageVideoNote,
			URL:      m.VideoNote.FileID,
			MimeType: "video/mp4",
			FileName: "video_note_" + msg.ID + ".mp4",
			FileSize: int64(m.VideoNote.FileSize),
			Duration: m.VideoNote.Duration,
			Width:    m.VideoNote.Length,
			Height:   m.VideoNote.Length,
		})
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		msg.MessageType = domain.MessagePhoto
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessagePhoto,
			URL:      largest.FileID,
			MimeType: "image/jpeg",
			FileSize: int64(largest.FileSize),
			Width:    largest.Width,
			Height:   largest.Height,
		})
	case m.Video != nil:
		msg.MessageType = domain.MessageVideo
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessageVideo,
			URL:      m.Video.FileID,
			MimeType: m.Video.MimeType,
			FileName: m.Video.FileName,
			FileSize: int64(m.Video.FileSize),
			Duration: m.Video.Duration,
			Width:    m.Video.Width,
			Height:   m.Video.Height,
		})
	case m.Document != nil:
		msg.MessageType = domain.MessageDocument
		msg.Attachments = append(msg.Attachments, domain.ChannelAttachment{
			Type:     domain.MessageDocument,
			URL:      m.Document.FileID,
			MimeType: m.Document.MimeType,
			FileName: m.Document.FileName,
			FileSize: int64(m.Document.FileSize),
		})
	case m.Sticker != nil:
		msg.MessageType = domain.MessageSticker
	case m.Location != nil:
		msg.MessageType = domain.MessageLocation
		msg.Metadata["latitude"] = m.Location.Latitude
		msg.Metadata["longitude"] = m.Location.Longitude
	case m.Contact != nil:
		msg.MessageType = domain.MessageContact
		msg.Metadata["phoneNumber"] = m.Contact.PhoneNumber
	}
	return msg
}

// SendText sends text to chatID, splitting it at the Telegram length limit.
// The id of the last sent chunk is returned.
func (t *Telegram) SendText(ctx context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	bot, err := t.currentBot()
	if err != nil {
		return "", err
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	replyTo, _ := strconv.Atoi(opts.ReplyToID)
	parseMode := opts.ParseMode
	if parseMode == "" {
		parseMode = t.parseMode
	}

	var lastID string
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(id, chunk)
		msg.ParseMode = parseMode
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := t.sendWithRetry(ctx, bot, msg)
		if err != nil {
			return lastID, err
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// sendWithRetry retries rate-limited and transient failures; a Markdown parse
// error is retried immediately as plain text.
func (t *Telegram) sendWithRetry(ctx context.Context, bot *tgbotapi.BotAPI, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		errStr := err.Error()

		if msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.Logger().Warn("telegram markdown parse error, retrying as plain text", "err", err)
			msg.ParseMode = ""
			continue
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.Logger().Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send failed after retries: %w", lastErr)
}

// SendMedia sends a photo, audio, voice, video or document to chatID.
func (t *Telegram) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	bot, err := t.currentBot()
	if err != nil {
		return "", err
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	var file tgbotapi.RequestFileData
	switch {
	case len(att.Data) > 0:
		file = tgbotapi.FileBytes{Name: att.FileName, Bytes: att.Data}
	case att.LocalPath != "":
		file = tgbotapi.FilePath(att.LocalPath)
	case att.URL != "":
		file = tgbotapi.FileID(att.URL)
	default:
		return "", fmt.Errorf("attachment has no url, path or data")
	}
	replyTo, _ := strconv.Atoi(opts.ReplyToID)

	var c tgbotapi.Chattable
	switch att.Type {
	case domain.MessagePhoto:
		p := tgbotapi.NewPhoto(id, file)
		p.Caption, p.ReplyToMessageID = opts.Caption, replyTo
		c = p
	case domain.MessageAudio:
		a := tgbotapi.NewAudio(id, file)
		a.Caption, a.ReplyToMessageID = opts.Caption, replyTo
		c = a
	case domain.MessageVoice:
		v := tgbotapi.NewVoice(id, file)
		v.Caption, v.ReplyToMessageID = opts.Caption, replyTo
		c = v
	case domain.MessageVideo:
		v := tgbotapi.NewVideo(id, file)
		v.Caption, v.ReplyToMessageID = opts.Caption, replyTo
		c = v
	default:
		d := tgbotapi.NewDocument(id, file)
		d.Caption, d.ReplyToMessageID = opts.Caption, replyTo
		c = d
	}

	sent, err := bot.Send(c)
	if err != nil {
		return "", fmt.Errorf("telegram send media: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// DownloadAttachment fetches an attachment by its Telegram file id.
func (t *Telegram) DownloadAttachment(ctx context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	bot, err := t.currentBot()
	if err != nil {
		return nil, err
	}
	url, err := bot.GetFileDirectURL(att.URL)
	if err != nil {
		return nil, fmt.Errorf("resolve telegram file %s: %w", att.URL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramDownloadLimit))
	if err != nil {
		return nil, fmt.Errorf("read telegram file: %w", err)
	}
	return &domain.DownloadedFile{Data: data, MimeType: att.MimeType, FileName: att.FileName}, nil
}

package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel using Socket Mode.
type Slack struct {
	*Base

	mu     sync.Mutex
	client *slack.Client
	socket *socketmode.Client
	botUID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlack creates a Slack channel registered under id.
func NewSlack(id string, logger *slog.Logger) *Slack {
	return &Slack{Base: NewBase(id, "slack", logger)}
}

// Connect authenticates the bot and starts the Socket Mode event loop.
// cfg.Token is the bot token and cfg.AppToken the app-level token.
func (s *Slack) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	if cfg.Token == "" || cfg.AppToken == "" {
		return fmt.Errorf("slack: bot token and app token are required")
	}

	api := slack.New(cfg.Token, slack.OptionAppLevelToken(cfg.AppToken))
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.SetAllowFrom(cfg.AllowFrom)
	s.client = api
	s.botUID = auth.UserID
	s.socket = socketmode.New(api)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.events(runCtx, s.socket)
	go func() {
		defer close(s.done)
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			s.Logger().Error("slack socket mode stopped", "err", err)
			s.EmitError(context.Background(), fmt.Errorf("slack socket mode: %w", err))
			s.SetConnected(context.Background(), false)
		}
	}()

	s.Logger().Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)
	s.SetConnected(ctx, true)
	return nil
}

// Disconnect stops the Socket Mode loop.
func (s *Slack) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.client, s.socket, s.cancel, s.done = nil, nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.SetConnected(ctx, false)
	return nil
}

func (s *Slack) events(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				event, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				s.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				s.handleSlashCommand(ctx, cmd)
			default:
				// Unacknowledged requests make Slack drop the socket.
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
			}
		}
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == s.botUID || ev.SubType != "" {
			return
		}
		s.publish(ctx, ev.TimeStamp, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.ChannelType != "im")
	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		s.publish(ctx, ev.TimeStamp, ev.Channel, ev.User, content, ev.ThreadTimeStamp, true)
	}
}

func (s *Slack) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	content := strings.TrimSpace(cmd.Command + " " + cmd.Text)
	ts := strconv.FormatFloat(float64(time.Now().UnixMilli())/1000, 'f', 6, 64)
	s.publish(ctx, ts, cmd.ChannelID, cmd.UserID, content, "", cmd.ChannelName != "directmessage")
}

func (s *Slack) publish(ctx context.Context, ts, channelID, userID, text, threadTS string, group bool) {
	if !s.IsAllowed(userID) {
		s.Logger().Warn("unauthorized slack user", "user_id", userID)
		return
	}
	s.Logger().Debug("slack message received", "user", userID, "chat", channelID, "content_len", len(text))
	s.EmitMessage(ctx, &domain.ChannelMessage{
		ID:          ts,
		ChannelID:   s.ID(),
		ChannelType: s.Type(),
		MessageType: domain.MessageText,
		SenderID:    userID,
		Content:     text,
		ThreadID:    threadTS,
		Timestamp:   slackTimestamp(ts),
		IsGroup:     group,
		Metadata:    map[string]any{domain.MetaChatID: channelID},
	})
}

// slackTimestamp converts a Slack "seconds.micros" ts into Unix milliseconds.
func slackTimestamp(ts string) int64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return int64(f * 1000)
}

func (s *Slack) currentClient() (*slack.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("slack channel %s is not connected", s.ID())
	}
	return s.client, nil
}

// SendText posts text to the Slack conversation chatID. Replies go into the
// thread of opts.ThreadID, or of opts.ReplyToID when no thread is set.
func (s *Slack) SendText(ctx context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	client, err := s.currentClient()
	if err != nil {
		return "", err
	}
	thread := opts.ThreadID
	if thread == "" {
		thread = opts.ReplyToID
	}
	var lastTS string
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		msgOpts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if thread != "" {
			msgOpts = append(msgOpts, slack.MsgOptionTS(thread))
		}
		_, ts, err := client.PostMessageContext(ctx, chatID, msgOpts...)
		if err != nil {
			return lastTS, fmt.Errorf("slack send: %w", err)
		}
		lastTS = ts
	}
	return lastTS, nil
}

// SendMedia uploads the attachment into the Slack conversation chatID.
func (s *Slack) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	client, err := s.currentClient()
	if err != nil {
		return "", err
	}
	f, err := s.DownloadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	name := f.FileName
	if name == "" {
		name = "attachment"
	}
	summary, err := client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         chatID,
		Filename:        name,
		Title:           name,
		FileSize:        len(f.Data),
		Reader:          bytes.NewReader(f.Data),
		InitialComment:  opts.Caption,
		ThreadTimestamp: opts.ThreadID,
	})
	if err != nil {
		return "", fmt.Errorf("slack upload: %w", err)
	}
	return summary.ID, nil
}

// DownloadAttachment fetches a private Slack file URL with the bot token.
func (s *Slack) DownloadAttachment(ctx context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	client, err := s.currentClient()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := client.GetFileContext(ctx, att.URL, &buf); err != nil {
		return nil, fmt.Errorf("download slack file: %w", err)
	}
	return &domain.DownloadedFile{Data: buf.Bytes(), MimeType: att.MimeType, FileName: att.FileName}, nil
}
